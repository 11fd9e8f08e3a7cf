package identity_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/registry_importer/identity"
	"github.com/mmdatafocus/registry_importer/memstore"
)

func newResolver(tables *memstore.Tables, registry *memstore.Registry, counter *memstore.Counter) *identity.Resolver {
	return &identity.Resolver{
		Tables:   []string{"property_records", "file_indexings"},
		Lookup:   tables,
		Registry: registry,
		Counter:  counter,
		Timeout:  time.Second,
	}
}

func TestResolve_SameKeyTwiceInOneSession(t *testing.T) {
	counter := memstore.NewCounter(100)
	r := newResolver(memstore.NewTables(), memstore.NewRegistry(), counter)
	cache := identity.SessionCache{}

	first, err := r.Resolve(context.Background(), "ABC-2020-1", cache)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.IsNew || first.Source != identity.SourceMinted || first.PropId != 101 {
		t.Fatalf("unexpected first resolution %+v", first)
	}

	second, err := r.Resolve(context.Background(), "ABC-2020-1", cache)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.IsNew || second.Source != identity.SourceSession || second.PropId != first.PropId {
		t.Fatalf("unexpected second resolution %+v", second)
	}
	if n := counter.Mints.Load(); n != 1 {
		t.Fatalf("expected one mint, got %d", n)
	}
}

func TestResolve_BackingTablesInPriorityOrder(t *testing.T) {
	tables := memstore.NewTables()
	tables.Add("file_indexings", "KNS-2024-5", 7)
	tables.Add("property_records", "KNS-2024-5", 3)
	counter := memstore.NewCounter(0)
	r := newResolver(tables, memstore.NewRegistry(), counter)

	res, err := r.Resolve(context.Background(), "KNS-2024-5", identity.SessionCache{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PropId != 3 || res.Source != "property_records" || res.IsNew {
		t.Fatalf("expected the first table to win, got %+v", res)
	}
	if counter.Mints.Load() != 0 {
		t.Fatalf("existing ids must never be re-minted")
	}
}

func TestResolve_RegistryBeforeMint(t *testing.T) {
	registry := memstore.NewRegistry()
	registry.Ensure("KNS-2020-9", 55, "cofo_records")
	counter := memstore.NewCounter(0)
	r := newResolver(memstore.NewTables(), registry, counter)

	res, err := r.Resolve(context.Background(), "KNS-2020-9", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PropId != 55 || res.Source != identity.SourceRegistry || res.IsNew {
		t.Fatalf("unexpected resolution %+v", res)
	}
}

func TestResolve_ConcurrentSessionsMintOnce(t *testing.T) {
	counter := memstore.NewCounter(0)
	registry := memstore.NewRegistry()
	tables := memstore.NewTables()

	const n = 25
	var wg sync.WaitGroup
	results := make([]identity.Resolution, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// one resolver and cache per session, sharing the stores
			r := newResolver(tables, registry, counter)
			results[i], errs[i] = r.Resolve(context.Background(), "NEW-2025-1", identity.SessionCache{})
		}(i)
	}
	wg.Wait()

	minted := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("resolve %d failed: %v", i, errs[i])
		}
		if results[i].PropId != results[0].PropId {
			t.Fatalf("sessions diverged: %d vs %d", results[i].PropId, results[0].PropId)
		}
		if results[i].IsNew {
			minted++
		}
	}
	if minted != 1 || counter.Mints.Load() != 1 {
		t.Fatalf("expected exactly one mint, got isNew=%d counter=%d", minted, counter.Mints.Load())
	}
}

func TestResolve_DistinctKeysNeverShareAnId(t *testing.T) {
	counter := memstore.NewCounter(0)
	registry := memstore.NewRegistry()
	tables := memstore.NewTables()
	keys := []string{"A-2020-1", "A-2020-2", "A-2020-3", "A-2020-4", "A-2020-5", "A-2020-6"}

	var mu sync.Mutex
	seen := map[int64]string{}
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			res, err := newResolver(tables, registry, counter).Resolve(context.Background(), key, identity.SessionCache{})
			if err != nil {
				t.Errorf("resolve %s: %v", key, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if other, ok := seen[res.PropId]; ok {
				t.Errorf("%s and %s share prop id %d", key, other, res.PropId)
			}
			seen[res.PropId] = key
		}(key)
	}
	wg.Wait()
}

func TestResolve_LookupFailureIsResolutionError(t *testing.T) {
	tables := memstore.NewTables()
	down := errors.New("connection refused")
	tables.Fail("file_indexings", down)
	counter := memstore.NewCounter(0)
	r := newResolver(tables, memstore.NewRegistry(), counter)
	cache := identity.SessionCache{}

	_, err := r.Resolve(context.Background(), "KNS-2024-5", cache)
	var re *identity.ResolutionError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if re.Stage != "file_indexings" || !errors.Is(err, down) {
		t.Fatalf("unexpected error %+v", re)
	}
	if counter.Mints.Load() != 0 || len(cache) != 0 {
		t.Fatalf("a failed lookup must not mint or cache")
	}
}

func TestResolve_CounterFailure(t *testing.T) {
	counter := memstore.NewCounter(0)
	counter.Err = errors.New("counter table locked")
	registry := memstore.NewRegistry()
	r := newResolver(memstore.NewTables(), registry, counter)

	_, err := r.Resolve(context.Background(), "KNS-2024-5", identity.SessionCache{})
	if !identity.IsResolutionError(err) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if registry.Len() != 0 {
		t.Fatalf("nothing should be registered after a failed mint")
	}
}

func TestResolve_EmptyKey(t *testing.T) {
	r := newResolver(memstore.NewTables(), memstore.NewRegistry(), memstore.NewCounter(0))
	if _, err := r.Resolve(context.Background(), "", nil); !errors.Is(err, identity.ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}
