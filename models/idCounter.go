package models

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IdCounter struct {
	Name  string `gorm:"primaryKey;size:50" json:"name"`
	Value int64  `gorm:"not null;default:0" json:"value"`
}

// DBCounter increments id_counters rows with LAST_INSERT_ID so the read-back is
// atomic with the increment on the same connection.
type DBCounter struct {
	db *gorm.DB
}

func NewDBCounter(db *gorm.DB) *DBCounter {
	return &DBCounter{db: db}
}

func (c *DBCounter) NextID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := c.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		res := conn.Exec("UPDATE id_counters SET value = LAST_INSERT_ID(value + 1) WHERE name = ?", name)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// first use of this counter
			if err := conn.Clauses(clause.OnConflict{DoNothing: true}).Create(&IdCounter{Name: name}).Error; err != nil {
				return err
			}
			res = conn.Exec("UPDATE id_counters SET value = LAST_INSERT_ID(value + 1) WHERE name = ?", name)
			if res.Error != nil {
				return res.Error
			}
		}
		return conn.Raw("SELECT LAST_INSERT_ID()").Scan(&id).Error
	})
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("counter %s returned %d", name, id)
	}
	return id, nil
}

// Seed raises the counter to at least floor; it never moves it backwards.
func (c *DBCounter) Seed(ctx context.Context, name string, floor int64) error {
	db := c.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&IdCounter{Name: name}).Error; err != nil {
		return err
	}
	return db.Exec("UPDATE id_counters SET value = GREATEST(value, ?) WHERE name = ?", floor, name).Error
}

// RedisCounter hands out ids with INCR.
type RedisCounter struct {
	rdb *redis.Client
}

func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

func redisCounterKey(name string) string {
	return "counter:" + name
}

func (c *RedisCounter) NextID(ctx context.Context, name string) (int64, error) {
	if c.rdb == nil {
		return 0, fmt.Errorf("redis not connected")
	}
	return c.rdb.Incr(ctx, redisCounterKey(name)).Result()
}

var seedScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if current < floor then
	redis.call('SET', KEYS[1], floor)
	return floor
end
return current
`)

func (c *RedisCounter) Seed(ctx context.Context, name string, floor int64) error {
	if c.rdb == nil {
		return fmt.Errorf("redis not connected")
	}
	return seedScript.Run(ctx, c.rdb, []string{redisCounterKey(name)}, floor).Err()
}

// MaxAssignedPropId returns the highest prop id in the mapping and every backing table.
func MaxAssignedPropId(ctx context.Context, db *gorm.DB, tables []string) (int64, error) {
	var max int64
	all := append([]string{"prop_id_mappings"}, tables...)
	for _, table := range all {
		if table != "prop_id_mappings" && !IsBackingTable(table) {
			return 0, fmt.Errorf("unknown table %s", table)
		}
		var v *int64
		if err := db.WithContext(ctx).Table(table).Select("max(prop_id)").Scan(&v).Error; err != nil {
			if strings.Contains(err.Error(), "doesn't exist") {
				continue
			}
			return 0, err
		}
		if v != nil && *v > max {
			max = *v
		}
	}
	return max, nil
}
