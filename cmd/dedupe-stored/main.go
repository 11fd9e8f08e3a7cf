package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/registry_importer/config"
	"github.com/mmdatafocus/registry_importer/dedupe"
	"github.com/mmdatafocus/registry_importer/models"
	"github.com/mmdatafocus/registry_importer/utils"
	"github.com/sirupsen/logrus"
)

// dedupe-stored finds rows of a backing table whose file numbers normalize to the same
// key and deletes every member of each group except the keep (earliest created by default).
// On property_records the key carries the import mode, so TEST and PRODUCTION rows
// never group together.
//
// Dry-run (default): list groups only
//   go run ./cmd/dedupe-stored -table=property_records
//
// Execute for every group:
//   go run ./cmd/dedupe-stored -table=property_records -dry-run=false -confirm=DELETE
//
// Single group with an explicit keep:
//   go run ./cmd/dedupe-stored -group=PRODUCTION:KNS-2024-5 -keep=42 -dry-run=false -confirm=DELETE
func main() {
	table := flag.String("table", models.TablePropertyRecords, "backing table to scan")
	group := flag.String("group", "", "Optional: only this group key")
	keep := flag.Int("keep", 0, "Optional: row id to keep (requires -group)")
	dryRun := flag.Bool("dry-run", true, "List only (no writes)")
	confirm := flag.String("confirm", "", "Type DELETE to proceed when dry-run=false")
	flag.Parse()

	if !models.IsBackingTable(*table) {
		fmt.Fprintf(os.Stderr, "unknown table %q\n", *table)
		os.Exit(1)
	}
	if *keep != 0 && *group == "" {
		fmt.Fprintln(os.Stderr, "--keep requires --group")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "DELETE" {
		fmt.Fprintln(os.Stderr, "set --confirm=DELETE to proceed")
		os.Exit(1)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	var keeps map[string]int
	if *keep != 0 {
		keeps = map[string]int{*group: *keep}
	}
	groups, err := models.FindStoredDuplicates(ctx, db, *table, keeps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}

	var requests []dedupe.DeleteRequest
	for _, g := range groups {
		if *group != "" && g.Key != *group {
			continue
		}
		fmt.Printf("%s: rows %v keep %d\n", g.Key, g.IDs(func(r models.StoredRow) int { return r.ID }), g.KeepId)
		requests = append(requests, dedupe.DeleteRequest{GroupKey: g.Key, KeepId: *keep})
	}
	fmt.Printf("%d duplicate groups selected in %s\n", len(requests), *table)
	if *dryRun || len(requests) == 0 {
		return
	}

	res, err := models.DeleteStoredDuplicates(ctx, db, *table, groups, requests)
	if err != nil {
		fmt.Fprintf(os.Stderr, "delete failed: %v\n", err)
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{
		"table":    *table,
		"deleted":  len(res.Deleted),
		"rejected": len(res.Rejected),
	}).Info("[dedupe.stored]")
	if err := utils.WriteIndentedJSON(os.Stdout, res); err != nil {
		fmt.Fprintf(os.Stderr, "encode failed: %v\n", err)
		os.Exit(1)
	}
}
