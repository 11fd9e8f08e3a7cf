package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	SourceSession  = "session"
	SourceRegistry = "registry"
	SourceMinted   = "minted"

	DefaultCounterName = "prop_id"
	DefaultTimeout     = 3 * time.Second
)

var tracer = otel.Tracer("registry-importer/identity")

var ErrEmptyKey = errors.New("file number key is empty")

// Match is an existing prop id found for a normalized file number.
type Match struct {
	PropId int64  `json:"propId"`
	Table  string `json:"table"`
	Raw    string `json:"raw"`
}

// TableLookup reads one backing table. A nil match with a nil error means "not there".
type TableLookup interface {
	Lookup(ctx context.Context, table string, key string) (*Match, error)
}

// Counter hands out ids from a durable shared sequence. NextID must be a single
// atomic increment at the store level.
type Counter interface {
	NextID(ctx context.Context, name string) (int64, error)
}

// Registry is the append-mostly mapping from normalized file number to prop id.
// MintOnce must serialize per key across processes: it re-checks the mapping,
// calls mint only when it is still absent, and returns whichever mapping won.
type Registry interface {
	Find(ctx context.Context, key string) (*Match, error)
	MintOnce(ctx context.Context, key string, mint func(context.Context) (int64, error)) (Match, bool, error)
}

type CacheEntry struct {
	PropId int64  `json:"propId"`
	Source string `json:"source"`
}

// SessionCache holds the ids already resolved in one import session, keyed by normalized file number.
type SessionCache map[string]CacheEntry

type Resolution struct {
	PropId int64  `json:"propId"`
	Source string `json:"source"`
	IsNew  bool   `json:"isNew"`
}

type Resolver struct {
	// backing tables in lookup priority order
	Tables      []string
	Lookup      TableLookup
	Registry    Registry
	Counter     Counter
	CounterName string
	Timeout     time.Duration
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

func (r *Resolver) counterName() string {
	if r.CounterName == "" {
		return DefaultCounterName
	}
	return r.CounterName
}

// Resolve returns the stable prop id for key, minting one only when neither the
// session nor any backing table nor the registry holds it. Store failures come back
// as *ResolutionError and nothing is guessed.
func (r *Resolver) Resolve(ctx context.Context, key string, cache SessionCache) (Resolution, error) {
	if key == "" {
		return Resolution{}, ErrEmptyKey
	}
	if entry, ok := cache[key]; ok {
		return Resolution{PropId: entry.PropId, Source: SourceSession}, nil
	}

	ctx, span := tracer.Start(ctx, "identity.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("file_number", key))

	for _, table := range r.Tables {
		match, err := r.lookup(ctx, table, key)
		if err != nil {
			span.RecordError(err)
			return Resolution{}, &ResolutionError{Key: key, Stage: table, Err: err}
		}
		if match != nil && match.PropId > 0 {
			return r.remember(cache, key, match.PropId, table, false), nil
		}
	}

	match, err := r.find(ctx, key)
	if err != nil {
		span.RecordError(err)
		return Resolution{}, &ResolutionError{Key: key, Stage: SourceRegistry, Err: err}
	}
	if match != nil && match.PropId > 0 {
		return r.remember(cache, key, match.PropId, SourceRegistry, false), nil
	}

	winner, won, err := r.mint(ctx, key)
	if err != nil {
		span.RecordError(err)
		return Resolution{}, &ResolutionError{Key: key, Stage: SourceMinted, Err: err}
	}
	if !won {
		return r.remember(cache, key, winner.PropId, SourceRegistry, false), nil
	}
	span.SetAttributes(attribute.Int64("prop_id", winner.PropId))
	return r.remember(cache, key, winner.PropId, SourceMinted, true), nil
}

func (r *Resolver) remember(cache SessionCache, key string, propId int64, source string, isNew bool) Resolution {
	if cache != nil {
		cache[key] = CacheEntry{PropId: propId, Source: source}
	}
	return Resolution{PropId: propId, Source: source, IsNew: isNew}
}

func (r *Resolver) lookup(ctx context.Context, table, key string) (*Match, error) {
	if r.Lookup == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()
	return r.Lookup.Lookup(ctx, table, key)
}

func (r *Resolver) find(ctx context.Context, key string) (*Match, error) {
	if r.Registry == nil {
		return nil, errors.New("prop id registry not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()
	return r.Registry.Find(ctx, key)
}

func (r *Resolver) mint(ctx context.Context, key string) (Match, bool, error) {
	if r.Counter == nil {
		return Match{}, false, errors.New("prop id counter not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()
	return r.Registry.MintOnce(ctx, key, func(ctx context.Context) (int64, error) {
		id, err := r.Counter.NextID(ctx, r.counterName())
		if err != nil {
			return 0, fmt.Errorf("next %s: %w", r.counterName(), err)
		}
		return id, nil
	})
}
