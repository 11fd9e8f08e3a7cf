package ingest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mmdatafocus/registry_importer/models"
	"github.com/mmdatafocus/registry_importer/utils"
)

// canonical field names, as they appear in json and in fix requests
const (
	FieldFileNumber = "fileNumber"
	FieldGrantee    = "grantee"
	FieldPlotNumber = "plotNumber"
	FieldDistrict   = "district"
	FieldLandUse    = "landUse"
	FieldPlotSize   = "plotSize"
)

// Aliases maps every column header seen in registry exports to its canonical field.
// Keys are compared after lower-casing and dropping spaces, underscores and dots.
var Aliases = map[string]string{
	"filenumber":    FieldFileNumber,
	"fileno":        FieldFileNumber,
	"filenum":       FieldFileNumber,
	"mlsfileno":     FieldFileNumber,
	"mlsfilenumber": FieldFileNumber,
	"kangisfileno":  FieldFileNumber,
	"newkangisfile": FieldFileNumber,
	"grantee":       FieldGrantee,
	"granteename":   FieldGrantee,
	"holder":        FieldGrantee,
	"owner":         FieldGrantee,
	"plotnumber":    FieldPlotNumber,
	"plotno":        FieldPlotNumber,
	"plot":          FieldPlotNumber,
	"district":      FieldDistrict,
	"lga":           FieldDistrict,
	"landuse":       FieldLandUse,
	"use":           FieldLandUse,
	"plotsize":      FieldPlotSize,
	"size":          FieldPlotSize,
	"area":          FieldPlotSize,
}

var headerReplacer = strings.NewReplacer(" ", "", "_", "", ".", "", "-", "")

// CanonicalField returns the canonical name for a column header, or "" when unknown.
func CanonicalField(header string) string {
	return Aliases[headerReplacer.Replace(strings.ToLower(strings.TrimSpace(header)))]
}

// Decode applies the alias table to one parsed row. When two columns alias the same
// field the first non-empty one by sorted header name wins; unknown columns are dropped.
func Decode(row map[string]string) models.NewPropertyRecord {
	headers := make([]string, 0, len(row))
	for h := range row {
		headers = append(headers, h)
	}
	sort.Strings(headers)

	var rec models.NewPropertyRecord
	seen := map[string]bool{}
	for _, header := range headers {
		field := CanonicalField(header)
		if field == "" || seen[field] || strings.TrimSpace(row[header]) == "" {
			continue
		}
		seen[field] = true
		_ = SetField(&rec, field, row[header])
	}
	return rec
}

// SetField writes value into the named canonical field. Aliases are accepted too.
func SetField(rec *models.NewPropertyRecord, field string, value string) error {
	name := field
	if canonical := CanonicalField(field); canonical != "" {
		name = canonical
	}
	switch name {
	case FieldFileNumber:
		// kept verbatim so QC can report what was typed
		rec.FileNumber = value
	case FieldGrantee:
		rec.Grantee = strings.TrimSpace(value)
	case FieldPlotNumber:
		rec.PlotNumber = strings.TrimSpace(value)
	case FieldDistrict:
		rec.District = strings.TrimSpace(value)
	case FieldLandUse:
		rec.LandUse = strings.ToUpper(strings.TrimSpace(value))
	case FieldPlotSize:
		rec.PlotSize = strings.TrimSpace(value)
	default:
		return fmt.Errorf("%w: %s", utils.ErrorInvalidField, field)
	}
	return nil
}

var shapeMessages = map[string]string{
	"required": "%s is required",
	"max":      "%s is longer than %s characters",
	"oneof":    "%s must be one of %s",
	"numeric":  "%s must be a number",
}

// CheckShape runs the required-field and format checks on one record.
func CheckShape(rec models.NewPropertyRecord) []models.InputShapeError {
	// whitespace-only file numbers count as missing
	trimmed := rec
	trimmed.FileNumber = strings.TrimSpace(trimmed.FileNumber)
	violations, err := utils.ValidateStruct(trimmed)
	if err != nil {
		return []models.InputShapeError{{Field: "record", Tag: "invalid", Message: err.Error()}}
	}
	out := make([]models.InputShapeError, 0, len(violations))
	for _, v := range violations {
		msg := fmt.Sprintf("%s failed %s", v.Field, v.Tag)
		if format, ok := shapeMessages[v.Tag]; ok {
			if strings.Count(format, "%s") == 2 {
				msg = fmt.Sprintf(format, v.Field, v.Param)
			} else {
				msg = fmt.Sprintf(format, v.Field)
			}
		}
		out = append(out, models.InputShapeError{Field: v.Field, Tag: v.Tag, Message: msg})
	}
	return out
}
