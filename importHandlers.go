package main

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/registry_importer/config"
	"github.com/mmdatafocus/registry_importer/ingest"
	"github.com/mmdatafocus/registry_importer/models"
	"github.com/mmdatafocus/registry_importer/utils"
	"github.com/mmdatafocus/registry_importer/workflow"
)

const maxUploadSizeBytes int64 = 20 * 1024 * 1024

type uploadRequest struct {
	Mode models.ImportMode  `json:"mode"`
	Rows []map[string]string `json:"rows" binding:"required,min=1"`
}

type fixRequest struct {
	Revision int64             `json:"revision"`
	Fixes    []models.FieldFix `json:"fixes" binding:"required,min=1,dive"`
}

type revisionRequest struct {
	Revision int64 `json:"revision"`
}

type keepRequest struct {
	Revision    int64  `json:"revision"`
	GroupKey    string `json:"groupKey" binding:"required"`
	RecordIndex int    `json:"recordIndex" binding:"required,min=1"`
}

type deleteRequest struct {
	Revision int64                 `json:"revision"`
	Targets  []models.DeleteTarget `json:"targets" binding:"required,min=1"`
}

type commitRequest struct {
	Mode models.ImportMode `json:"mode"`
}

func registerImportRoutes(r gin.IRouter, orchestrator func() *workflow.Orchestrator) {
	g := r.Group("/imports")
	g.POST("", uploadImportHandler(orchestrator))
	g.POST("/validate", validateImportHandler(orchestrator))
	g.GET("/:id", previewImportHandler(orchestrator))
	g.POST("/:id/fixes", applyFixHandler(orchestrator))
	g.POST("/:id/autofix", autoFixHandler(orchestrator))
	g.POST("/:id/keep", setKeepHandler(orchestrator))
	g.POST("/:id/delete", deleteRecordsHandler(orchestrator))
	g.POST("/:id/commit", commitImportHandler(orchestrator))
	g.DELETE("/:id", discardImportHandler(orchestrator))
}

// readUploadRows accepts either a multipart xlsx file ("file") or a JSON body of rows.
func readUploadRows(c *gin.Context) ([]map[string]string, models.ImportMode, error) {
	mode := models.ImportMode(strings.ToUpper(strings.TrimSpace(c.Query("mode"))))
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		header, err := c.FormFile("file")
		if err != nil {
			return nil, mode, fmt.Errorf("file is required: %w", err)
		}
		if header.Size > maxUploadSizeBytes {
			return nil, mode, errors.New("file size exceeds 20MB limit")
		}
		if !strings.EqualFold(filepath.Ext(header.Filename), ".xlsx") {
			return nil, mode, errors.New("invalid file type: only .xlsx files are allowed")
		}
		f, err := header.Open()
		if err != nil {
			return nil, mode, err
		}
		defer f.Close()
		if m := c.PostForm("mode"); m != "" {
			mode = models.ImportMode(strings.ToUpper(strings.TrimSpace(m)))
		}
		rows, err := ingest.ReadXlsxRows(f)
		return rows, mode, err
	}

	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, mode, err
	}
	if req.Mode != "" {
		mode = models.ImportMode(strings.ToUpper(string(req.Mode)))
	}
	return req.Rows, mode, nil
}

func uploadImportHandler(orchestrator func() *workflow.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, mode, err := readUploadRows(c)
		if err != nil {
			writeBadRequest(c, err)
			return
		}
		if mode == "" {
			mode = models.ImportModeTest
		}
		snap, err := orchestrator().Upload(c.Request.Context(), rows, mode)
		if err != nil {
			writeImportError(c, "uploadImportHandler", err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": snap})
	}
}

func validateImportHandler(orchestrator func() *workflow.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, _, err := readUploadRows(c)
		if err != nil {
			writeBadRequest(c, err)
			return
		}
		snap, err := orchestrator().Validate(c.Request.Context(), rows)
		if err != nil {
			writeImportError(c, "validateImportHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": snap})
	}
}

func previewImportHandler(orchestrator func() *workflow.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := orchestrator().Preview(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeImportError(c, "previewImportHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": snap})
	}
}

func applyFixHandler(orchestrator func() *workflow.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req fixRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err)
			return
		}
		snap, err := orchestrator().ApplyFix(c.Request.Context(), c.Param("id"), req.Revision, req.Fixes)
		if err != nil {
			writeImportError(c, "applyFixHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": snap})
	}
}

func autoFixHandler(orchestrator func() *workflow.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req revisionRequest
		// an empty body means "no revision check"
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				writeBadRequest(c, err)
				return
			}
		}
		snap, err := orchestrator().ApplyAutoFixes(c.Request.Context(), c.Param("id"), req.Revision)
		if err != nil {
			writeImportError(c, "autoFixHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": snap})
	}
}

func setKeepHandler(orchestrator func() *workflow.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req keepRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err)
			return
		}
		snap, err := orchestrator().SetKeep(c.Request.Context(), c.Param("id"), req.Revision, req.GroupKey, req.RecordIndex)
		if err != nil {
			writeImportError(c, "setKeepHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": snap})
	}
}

func deleteRecordsHandler(orchestrator func() *workflow.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req deleteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err)
			return
		}
		res, err := orchestrator().DeleteRecords(c.Request.Context(), c.Param("id"), req.Revision, req.Targets)
		if err != nil {
			writeImportError(c, "deleteRecordsHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": res})
	}
}

func commitImportHandler(orchestrator func() *workflow.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req commitRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				writeBadRequest(c, err)
				return
			}
		}
		mode := models.ImportMode(strings.ToUpper(string(req.Mode)))
		res, err := orchestrator().Commit(c.Request.Context(), c.Param("id"), mode)
		if err != nil {
			// a commit stopped by a discard still reports what it wrote
			if res != nil && errors.Is(err, utils.ErrorSessionDiscarded) {
				c.JSON(http.StatusGone, gin.H{"error": err.Error(), "data": res})
				return
			}
			writeImportError(c, "commitImportHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": res})
	}
}

func discardImportHandler(orchestrator func() *workflow.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := orchestrator().Discard(c.Request.Context(), c.Param("id")); err != nil {
			writeImportError(c, "discardImportHandler", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func writeBadRequest(c *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(validationErrors)})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// writeImportError maps session and request errors onto status codes; anything else is a 500.
func writeImportError(c *gin.Context, handler string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, utils.ErrorSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, utils.ErrorSessionDiscarded):
		status = http.StatusGone
	case errors.Is(err, utils.ErrorConcurrencyConflict):
		status = http.StatusConflict
	case errors.Is(err, utils.ErrorLockNotObtained):
		status = http.StatusLocked
	case errors.Is(err, utils.ErrorInvalidField),
		errors.Is(err, utils.ErrorKeepNotMember),
		errors.Is(err, utils.ErrorInvalidImportMode),
		errors.Is(err, utils.ErrorEmptyUpload),
		errors.Is(err, ingest.ErrEmptySheet):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		config.LogError(config.GetLogger(), "importHandlers.go", handler, c.FullPath(), c.Param("id"), err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
