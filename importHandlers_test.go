package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/registry_importer/config"
	"github.com/mmdatafocus/registry_importer/identity"
	"github.com/mmdatafocus/registry_importer/memstore"
	"github.com/mmdatafocus/registry_importer/models"
	"github.com/mmdatafocus/registry_importer/workflow"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	registry := memstore.NewRegistry()
	resolver := &identity.Resolver{
		Tables:   []string{"property_records"},
		Lookup:   memstore.NewTables(),
		Registry: registry,
		Counter:  memstore.NewCounter(0),
		Timeout:  time.Second,
	}
	o := workflow.NewOrchestrator(
		config.Settings{SessionTTL: time.Hour, CenturyCutoff: 50, CommitChunkSize: 10},
		memstore.NewSessionStore(),
		memstore.NewLocker(),
		resolver,
		memstore.NewWriter(registry),
	)
	r := gin.New()
	registerImportRoutes(r, func() *workflow.Orchestrator { return o })
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type snapshotEnvelope struct {
	Data models.Snapshot `json:"data"`
}

func TestImportRoutes_Lifecycle(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, http.MethodPost, "/imports", map[string]any{
		"mode": "production",
		"rows": []map[string]string{{"File No": "KNS-24-15"}, {"fileno": "ABC-2020-1"}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created snapshotEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := created.Data.SessionId
	if id == "" || created.Data.Mode != models.ImportModeProduction || created.Data.ReadyCount != 1 {
		t.Fatalf("unexpected snapshot %+v", created.Data)
	}

	w = doJSON(t, r, http.MethodPost, "/imports/"+id+"/fixes", map[string]any{
		"revision": 99,
		"fixes":    []models.FieldFix{{RecordIndex: 1, Field: "fileNumber", NewValue: "KNS-2024-15"}},
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("stale revision: expected 409, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/imports/"+id+"/autofix", map[string]any{"revision": created.Data.Revision})
	if w.Code != http.StatusOK {
		t.Fatalf("autofix: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/imports/"+id+"/commit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("commit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var committed struct {
		Data models.CommitResult `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &committed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if committed.Data.InsertedCount != 2 || committed.Data.State != models.SessionStateCommitted {
		t.Fatalf("unexpected commit result %+v", committed.Data)
	}

	if w = doJSON(t, r, http.MethodGet, "/imports/"+id, nil); w.Code != http.StatusNotFound {
		t.Fatalf("committed session: expected 404, got %d", w.Code)
	}
}

func TestImportRoutes_BadRequests(t *testing.T) {
	r := newTestRouter()

	if w := doJSON(t, r, http.MethodPost, "/imports", map[string]any{"rows": []map[string]string{}}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty rows: expected 400, got %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/imports", map[string]any{"mode": "live", "rows": []map[string]string{{"File No": "A-2020-1"}}}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad mode: expected 400, got %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/imports/nope/keep", map[string]any{"groupKey": "A-2020-1"}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing recordIndex: expected 400, got %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodDelete, "/imports/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown session: expected 404, got %d", w.Code)
	}
}

func TestImportRoutes_ValidateDoesNotCreateSession(t *testing.T) {
	r := newTestRouter()
	w := doJSON(t, r, http.MethodPost, "/imports/validate", map[string]any{
		"rows": []map[string]string{{"File No": "KNS - 2024 - 5"}, {"File No": "KNS-2024-5"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("validate: expected 200, got %d", w.Code)
	}
	var report snapshotEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Data.SessionId != "" || len(report.Data.Issues) != 1 || len(report.Data.DuplicateGroups) != 1 {
		t.Fatalf("unexpected report %+v", report.Data)
	}
}
