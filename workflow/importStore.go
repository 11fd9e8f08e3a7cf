package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/registry_importer/models"
	"github.com/mmdatafocus/registry_importer/utils"
	"github.com/redis/go-redis/v9"
)

// SessionStore keeps import sessions keyed by session id, each with a TTL.
// Replace only overwrites a session that still exists with the same generation and
// returns utils.ErrorSessionDiscarded otherwise.
type SessionStore interface {
	Get(ctx context.Context, id string) (*models.ImportSession, error)
	Put(ctx context.Context, session *models.ImportSession, ttl time.Duration) error
	Replace(ctx context.Context, session *models.ImportSession, ttl time.Duration) error
	Generation(ctx context.Context, id string) (string, error)
	Delete(ctx context.Context, id string) error
}

// SessionLocker gives one writer at a time per key. The returned func releases it.
type SessionLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// RecordWriter persists one ready record. It must be safe to call again for the same
// record: the second call updates instead of inserting twice.
type RecordWriter interface {
	Persist(ctx context.Context, rec *models.ImportRecord, mode models.ImportMode, sessionId string) (inserted bool, err error)
}

const sessionKeyPrefix = "import:session:"

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// RedisSessionStore keeps sessions as JSON strings.
type RedisSessionStore struct {
	rdb *redis.Client
}

func NewRedisSessionStore(rdb *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb}
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (*models.ImportSession, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, utils.ErrorSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var session models.ImportSession
	if err := utils.UnmarshalFromJSON(raw, &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &session, nil
}

func (s *RedisSessionStore) Put(ctx context.Context, session *models.ImportSession, ttl time.Duration) error {
	payload, err := utils.MarshalToJSON(session)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, sessionKey(session.ID), payload, ttl).Err()
}

type generationOnly struct {
	Generation string `json:"generation"`
}

// Replace writes under WATCH so a discard racing the write wins.
func (s *RedisSessionStore) Replace(ctx context.Context, session *models.ImportSession, ttl time.Duration) error {
	payload, err := utils.MarshalToJSON(session)
	if err != nil {
		return err
	}
	key := sessionKey(session.ID)
	for attempt := 0; attempt < 3; attempt++ {
		err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return utils.ErrorSessionDiscarded
			}
			if err != nil {
				return err
			}
			var current generationOnly
			if err := utils.UnmarshalFromJSON(raw, &current); err != nil {
				return err
			}
			if current.Generation != session.Generation {
				return utils.ErrorSessionDiscarded
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, ttl)
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *RedisSessionStore) Generation(ctx context.Context, id string) (string, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", utils.ErrorSessionNotFound
	}
	if err != nil {
		return "", err
	}
	var current generationOnly
	if err := utils.UnmarshalFromJSON(raw, &current); err != nil {
		return "", err
	}
	return current.Generation, nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, sessionKey(id)).Err()
}

// RedisLocker serializes writers on one session across instances.
type RedisLocker struct {
	client *redislock.Client
	TTL    time.Duration
	// how long Lock keeps retrying before giving up
	Wait time.Duration
}

func NewRedisLocker(client *redislock.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, TTL: ttl, Wait: 10 * time.Second}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l.client == nil {
		return nil, fmt.Errorf("%w: redis lock not ready", utils.ErrorLockNotObtained)
	}
	backoff := 100 * time.Millisecond
	retries := int(l.Wait / backoff)
	lock, err := l.client.Obtain(ctx, "lock:"+key, l.TTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(backoff), retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, utils.ErrorLockNotObtained
	}
	if err != nil {
		return nil, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}
