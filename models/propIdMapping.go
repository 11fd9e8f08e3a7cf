package models

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/registry_importer/identity"
	"github.com/mmdatafocus/registry_importer/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PropIdMapping is the append-mostly registry of normalized file number -> prop id.
type PropIdMapping struct {
	ID          int       `gorm:"primary_key" json:"id"`
	FileNumber  string    `gorm:"uniqueIndex;size:100;not null" json:"file_number"`
	PropId      int64     `gorm:"index;not null" json:"prop_id"`
	SourceTable string    `gorm:"size:50;not null" json:"source_table"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// EnsurePropIdMapping records key -> propId unless the key is already mapped.
func EnsurePropIdMapping(tx *gorm.DB, key string, propId int64, source string) error {
	if source == "" || source == identity.SourceSession {
		source = identity.SourceRegistry
	}
	row := PropIdMapping{FileNumber: key, PropId: propId, SourceTable: source}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// PropIdRegistry implements identity.Registry on the prop_id_mappings table.
type PropIdRegistry struct {
	db *gorm.DB
	// seconds GET_LOCK waits for a competing mint of the same key
	LockWaitSeconds int
}

func NewPropIdRegistry(db *gorm.DB) *PropIdRegistry {
	return &PropIdRegistry{db: db, LockWaitSeconds: 10}
}

func (r *PropIdRegistry) Find(ctx context.Context, key string) (*identity.Match, error) {
	return findMapping(r.db.WithContext(ctx), key)
}

func findMapping(tx *gorm.DB, key string) (*identity.Match, error) {
	var row PropIdMapping
	res := tx.Where("file_number = ?", key).Limit(1).Find(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &identity.Match{PropId: row.PropId, Table: row.SourceTable, Raw: row.FileNumber}, nil
}

// MintOnce serializes minting per key across instances with a MySQL advisory lock.
// GET_LOCK is connection-scoped, so everything runs on one pinned connection.
func (r *PropIdRegistry) MintOnce(ctx context.Context, key string, mint func(context.Context) (int64, error)) (identity.Match, bool, error) {
	var winner identity.Match
	won := false
	lockName := mintLockName(key)

	err := r.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := AcquireNamedLock(conn, lockName, r.LockWaitSeconds); err != nil {
			return err
		}
		// the release must run even when ctx is already done, or the pooled
		// connection keeps holding the lock
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			ReleaseNamedLock(conn.WithContext(releaseCtx), lockName)
		}()

		existing, err := findMapping(conn, key)
		if err != nil {
			return err
		}
		if existing != nil {
			winner = *existing
			return nil
		}

		propId, err := mint(ctx)
		if err != nil {
			return err
		}
		row := PropIdMapping{FileNumber: key, PropId: propId, SourceTable: identity.SourceMinted}
		if err := conn.Create(&row).Error; err != nil {
			if !IsDuplicateKeyErr(err) {
				return err
			}
			existing, err := findMapping(conn, key)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("mapping for %q vanished after duplicate key", key)
			}
			winner = *existing
			return nil
		}
		winner = identity.Match{PropId: propId, Table: identity.SourceMinted, Raw: key}
		won = true
		return nil
	})
	if err != nil {
		return identity.Match{}, false, err
	}
	return winner, won, nil
}

// lock names are capped at 64 characters, so hash the key
func mintLockName(key string) string {
	sum := sha1.Sum([]byte(key))
	return "propid:" + hex.EncodeToString(sum[:])
}

// AcquireNamedLock takes a MySQL advisory lock on the given connection.
func AcquireNamedLock(conn *gorm.DB, name string, waitSeconds int) error {
	var ok *int
	if err := conn.Raw("SELECT GET_LOCK(?, ?)", name, waitSeconds).Scan(&ok).Error; err != nil {
		return err
	}
	if ok == nil || *ok != 1 {
		return fmt.Errorf("could not acquire lock %s", name)
	}
	return nil
}

func ReleaseNamedLock(conn *gorm.DB, name string) {
	var _ok *int
	_ = conn.Raw("SELECT RELEASE_LOCK(?)", name).Scan(&_ok).Error
}

// BackingTableLookup implements identity.TableLookup over the backing tables.
type BackingTableLookup struct {
	db *gorm.DB
}

func NewBackingTableLookup(db *gorm.DB) *BackingTableLookup {
	return &BackingTableLookup{db: db}
}

func (l *BackingTableLookup) Lookup(ctx context.Context, table string, key string) (*identity.Match, error) {
	if !IsBackingTable(table) {
		return nil, fmt.Errorf("%w: %s", utils.ErrorUnknownBackingTable, table)
	}
	var row struct {
		PropId     int64
		FileNumber string
	}
	res := l.db.WithContext(ctx).Table(table).
		Select("prop_id, file_number").
		Where("file_number = ? AND prop_id > 0", key).
		Order("id ASC").
		Limit(1).
		Scan(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &identity.Match{PropId: row.PropId, Table: table, Raw: row.FileNumber}, nil
}
