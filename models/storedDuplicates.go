package models

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/registry_importer/dedupe"
	"github.com/mmdatafocus/registry_importer/filenumber"
	"github.com/mmdatafocus/registry_importer/utils"
	"gorm.io/gorm"
)

// StoredRow is the slice of a backing table row duplicate detection needs.
// TestControl is empty for tables that hold a single import mode.
type StoredRow struct {
	ID          int       `json:"id"`
	FileNumber  string    `json:"file_number"`
	TestControl string    `json:"test_control"`
	PropId      int64     `json:"prop_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// tables keyed on (file_number, test_control); a TEST row never duplicates a PRODUCTION one
var modeScopedTables = map[string]bool{
	TablePropertyRecords: true,
}

// StoredRowKey is the group key of a stored row: the canonical file number, prefixed
// with the import mode on mode-scoped tables ("PRODUCTION:KNS-2024-5").
func StoredRowKey(r StoredRow) string {
	canonical := filenumber.Normalize(r.FileNumber).Canonical
	if canonical == "" || r.TestControl == "" {
		return canonical
	}
	return r.TestControl + ":" + canonical
}

// stored rows group on the canonical form, so values differing only in formatting collide
var storedRowKeyer = dedupe.Keyer[StoredRow]{
	Key: StoredRowKey,
	ID:  func(r StoredRow) int { return r.ID },
	Before: func(a, b StoredRow) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	},
}

func storedRowID(r StoredRow) int { return r.ID }

func FindStoredDuplicates(ctx context.Context, db *gorm.DB, table string, keeps map[string]int) ([]dedupe.Group[StoredRow], error) {
	if !IsBackingTable(table) {
		return nil, fmt.Errorf("%w: %s", utils.ErrorUnknownBackingTable, table)
	}
	columns := "id, file_number, prop_id, created_at"
	if modeScopedTables[table] {
		columns = "id, file_number, test_control, prop_id, created_at"
	}
	var rows []StoredRow
	if err := db.WithContext(ctx).Table(table).
		Select(columns).
		Order("id ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return GroupStoredRows(rows, keeps), nil
}

// GroupStoredRows groups rows that share a StoredRowKey; the earliest created row is the keep.
func GroupStoredRows(rows []StoredRow, keeps map[string]int) []dedupe.Group[StoredRow] {
	return dedupe.GroupBy(rows, storedRowKeyer, keeps)
}

type StoredDeleteResult struct {
	Deleted  map[string][]int `json:"deleted"`
	Rejected []GroupRejection `json:"rejected"`
}

// DeleteStoredDuplicates removes every non-keep member of each requested group.
// Each group runs in its own transaction and either goes entirely or not at all.
func DeleteStoredDuplicates(ctx context.Context, db *gorm.DB, table string, groups []dedupe.Group[StoredRow], requests []dedupe.DeleteRequest) (*StoredDeleteResult, error) {
	if !IsBackingTable(table) {
		return nil, fmt.Errorf("%w: %s", utils.ErrorUnknownBackingTable, table)
	}
	plans, rejected := dedupe.PlanDeletes(groups, storedRowID, requests)
	result := &StoredDeleteResult{Deleted: map[string][]int{}}
	for _, r := range rejected {
		result.Rejected = append(result.Rejected, GroupRejection{GroupKey: r.GroupKey, Reason: r.Reason})
	}

	for _, plan := range plans {
		if len(plan.DeleteIds) == 0 {
			continue
		}
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Exec("DELETE FROM "+table+" WHERE id IN ?", plan.DeleteIds)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != int64(len(plan.DeleteIds)) {
				return fmt.Errorf("expected to delete %d rows, table changed underneath (%d)", len(plan.DeleteIds), res.RowsAffected)
			}
			return nil
		})
		if err != nil {
			result.Rejected = append(result.Rejected, GroupRejection{GroupKey: plan.GroupKey, Reason: err.Error()})
			continue
		}
		result.Deleted[plan.GroupKey] = plan.DeleteIds
	}
	return result, nil
}
