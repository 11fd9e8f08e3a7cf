package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/registry_importer/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PropertyRecord is the committed form of an imported row.
type PropertyRecord struct {
	ID              int             `gorm:"primary_key" json:"id"`
	FileNumber      string          `gorm:"uniqueIndex:idx_property_file_mode;size:100;not null" json:"file_number"`
	TestControl     string          `gorm:"uniqueIndex:idx_property_file_mode;size:20;not null;default:PRODUCTION" json:"test_control"`
	PropId          int64           `gorm:"index;not null;default:0" json:"prop_id"`
	PropIdSource    string          `gorm:"size:50" json:"prop_id_source"`
	Grantee         string          `gorm:"size:255" json:"grantee"`
	PlotNumber      string          `gorm:"size:100" json:"plot_number"`
	District        string          `gorm:"size:100" json:"district"`
	LandUse         string          `gorm:"size:30" json:"land_use"`
	PlotSize        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"plot_size"`
	ImportSessionId string          `gorm:"index;size:36" json:"import_session_id"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// FileIndexing rows are written by the indexing desk; the importer only reads their prop ids.
type FileIndexing struct {
	ID         int       `gorm:"primary_key" json:"id"`
	FileNumber string    `gorm:"index;size:100;not null" json:"file_number"`
	PropId     int64     `gorm:"index;not null;default:0" json:"prop_id"`
	FileTitle  string    `gorm:"size:255" json:"file_title"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// CofoRecord rows hold issued certificates of occupancy.
type CofoRecord struct {
	ID            int       `gorm:"primary_key" json:"id"`
	FileNumber    string    `gorm:"index;size:100;not null" json:"file_number"`
	PropId        int64     `gorm:"index;not null;default:0" json:"prop_id"`
	CertificateNo string    `gorm:"size:100" json:"certificate_no"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

const (
	TablePropertyRecords = "property_records"
	TableFileIndexings   = "file_indexings"
	TableCofoRecords     = "cofo_records"
)

// backing tables a prop id may already live in, keyed by table name
var backingTables = map[string]bool{
	TablePropertyRecords: true,
	TableFileIndexings:   true,
	TableCofoRecords:     true,
}

func DefaultBackingTables() []string {
	return []string{TablePropertyRecords, TableFileIndexings, TableCofoRecords}
}

func IsBackingTable(table string) bool {
	return backingTables[table]
}

// PropertyRecordWriter persists ready import records.
type PropertyRecordWriter struct {
	db *gorm.DB
}

func NewPropertyRecordWriter(db *gorm.DB) *PropertyRecordWriter {
	return &PropertyRecordWriter{db: db}
}

// Persist inserts or updates the committed row for rec and records its prop id mapping.
// Running it twice for the same record leaves the same state behind.
func (w *PropertyRecordWriter) Persist(ctx context.Context, rec *ImportRecord, mode ImportMode, sessionId string) (bool, error) {
	if rec.PropId == nil {
		return false, errors.New("record has no prop id")
	}
	if !mode.IsValid() {
		return false, utils.ErrorInvalidImportMode
	}
	plotSize := decimal.Zero
	if rec.Data.PlotSize != "" {
		var err error
		plotSize, err = decimal.NewFromString(rec.Data.PlotSize)
		if err != nil {
			return false, fmt.Errorf("plot size %q: %w", rec.Data.PlotSize, err)
		}
	}
	source := ""
	if rec.PropIdSource != nil {
		source = *rec.PropIdSource
	}

	inserted := false
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing PropertyRecord
		res := tx.Where("file_number = ? AND test_control = ?", rec.FileNumber, string(mode)).Limit(1).Find(&existing)
		if res.Error != nil {
			return res.Error
		}
		fields := map[string]interface{}{
			"PropId":          *rec.PropId,
			"PropIdSource":    source,
			"Grantee":         rec.Data.Grantee,
			"PlotNumber":      rec.Data.PlotNumber,
			"District":        rec.Data.District,
			"LandUse":         rec.Data.LandUse,
			"PlotSize":        plotSize,
			"ImportSessionId": sessionId,
		}
		if res.RowsAffected > 0 {
			if err := tx.Model(&existing).Updates(fields).Error; err != nil {
				return err
			}
		} else {
			row := PropertyRecord{
				FileNumber:      rec.FileNumber,
				TestControl:     string(mode),
				PropId:          *rec.PropId,
				PropIdSource:    source,
				Grantee:         rec.Data.Grantee,
				PlotNumber:      rec.Data.PlotNumber,
				District:        rec.Data.District,
				LandUse:         rec.Data.LandUse,
				PlotSize:        plotSize,
				ImportSessionId: sessionId,
			}
			if err := tx.Create(&row).Error; err != nil {
				if !IsDuplicateKeyErr(err) {
					return err
				}
				// another commit got there first, fall back to update
				if err := tx.Model(&PropertyRecord{}).
					Where("file_number = ? AND test_control = ?", rec.FileNumber, string(mode)).
					Updates(fields).Error; err != nil {
					return err
				}
			} else {
				inserted = true
			}
		}
		return EnsurePropIdMapping(tx, rec.FileNumber, *rec.PropId, source)
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}
