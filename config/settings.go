package config

import (
	"os"
	"strings"
	"time"
)

// Settings are the import tunables, read from the environment:
//   - IMPORT_SESSION_TTL_MINUTES (default 120)
//   - IMPORT_LOOKUP_TIMEOUT_MS (default 3000), bounds every backing-table lookup and counter increment
//   - IMPORT_LOCK_TTL_SECONDS (default 30)
//   - IMPORT_CENTURY_CUTOFF (default 50, 0..99)
//   - IMPORT_BACKING_TABLES="property_records,file_indexings,cofo_records" (lookup priority order)
//   - IMPORT_PROP_COUNTER (default prop_id)
//   - IMPORT_COUNTER_BACKEND=db|redis (default db)
//   - IMPORT_COMMIT_CHUNK (default 50)
type Settings struct {
	SessionTTL      time.Duration
	LookupTimeout   time.Duration
	LockTTL         time.Duration
	CenturyCutoff   int
	BackingTables   []string
	CounterName     string
	CounterBackend  string
	CommitChunkSize int
}

func ImportSettings() Settings {
	s := Settings{
		SessionTTL:      time.Duration(intFromEnv("IMPORT_SESSION_TTL_MINUTES", 120)) * time.Minute,
		LookupTimeout:   time.Duration(intFromEnv("IMPORT_LOOKUP_TIMEOUT_MS", 3000)) * time.Millisecond,
		LockTTL:         time.Duration(intFromEnv("IMPORT_LOCK_TTL_SECONDS", 30)) * time.Second,
		CenturyCutoff:   intFromEnv("IMPORT_CENTURY_CUTOFF", 50),
		BackingTables:   listFromEnv("IMPORT_BACKING_TABLES", []string{"property_records", "file_indexings", "cofo_records"}),
		CounterName:     stringFromEnv("IMPORT_PROP_COUNTER", "prop_id"),
		CounterBackend:  strings.ToLower(stringFromEnv("IMPORT_COUNTER_BACKEND", "db")),
		CommitChunkSize: intFromEnv("IMPORT_COMMIT_CHUNK", 50),
	}
	if s.CommitChunkSize <= 0 {
		s.CommitChunkSize = 50
	}
	if s.CenturyCutoff < 0 || s.CenturyCutoff > 99 {
		s.CenturyCutoff = 50
	}
	return s
}

func stringFromEnv(key string, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// comma separated, blanks dropped
func listFromEnv(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
