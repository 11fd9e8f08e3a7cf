package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/registry_importer/config"
	"github.com/mmdatafocus/registry_importer/models"
	"github.com/mmdatafocus/registry_importer/utils"
)

// seed-prop-counter raises the prop id counter to the highest prop id already stored,
// so the first mint after a bulk data load cannot collide with an existing id.
//
// Dry-run (default): print the current maximum only
//   go run ./cmd/seed-prop-counter
//
// Execute:
//   go run ./cmd/seed-prop-counter -dry-run=false
//
// Redis counter:
//   go run ./cmd/seed-prop-counter -backend=redis -dry-run=false
func main() {
	settings := config.ImportSettings()
	counterName := flag.String("counter", settings.CounterName, "counter name")
	backend := flag.String("backend", settings.CounterBackend, "db or redis")
	tables := flag.String("tables", "", "Optional: comma separated backing tables (default IMPORT_BACKING_TABLES)")
	dryRun := flag.Bool("dry-run", true, "print only (no writes)")
	flag.Parse()

	scan := settings.BackingTables
	if *tables != "" {
		scan = utils.SplitAndTrim(*tables)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	max, err := models.MaxAssignedPropId(ctx, db, scan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("highest assigned prop id across %v: %d\n", scan, max)
	if *dryRun {
		fmt.Println("dry-run: counter not changed")
		return
	}

	switch *backend {
	case "db", "":
		err = models.NewDBCounter(db).Seed(ctx, *counterName, max)
	case "redis":
		config.ConnectRedisWithRetry()
		err = models.NewRedisCounter(config.GetRedisDB()).Seed(ctx, *counterName, max)
	default:
		err = fmt.Errorf("unknown backend %q", *backend)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("counter %q (%s) is now at least %d\n", *counterName, *backend, max)
}
