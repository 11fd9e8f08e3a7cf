package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/registry_importer/config"
	"github.com/mmdatafocus/registry_importer/ingest"
	"github.com/mmdatafocus/registry_importer/utils"
	"github.com/mmdatafocus/registry_importer/workflow"
)

// import-check runs file number QC, shape checks and duplicate grouping over an xlsx
// sheet without touching any store. Nothing is resolved or minted.
//
//   go run ./cmd/import-check -file=registry.xlsx
//   go run ./cmd/import-check -file=registry.xlsx -out=issues.xlsx
//   go run ./cmd/import-check -file=registry.xlsx -json
func main() {
	file := flag.String("file", "", "Required: xlsx file to check")
	out := flag.String("out", "", "Optional: write the issue list to this xlsx file")
	asJSON := flag.Bool("json", false, "print the full report as JSON")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		os.Exit(1)
	}
	f, err := os.Open(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
		os.Exit(1)
	}
	rows, err := ingest.ReadXlsxRows(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
		os.Exit(1)
	}

	o := workflow.NewOrchestrator(config.ImportSettings(), nil, nil, nil, nil)
	report, err := o.Validate(context.Background(), rows)
	if err != nil {
		fmt.Fprintf(os.Stderr, "validate failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		if err := utils.WriteIndentedJSON(os.Stdout, report); err != nil {
			fmt.Fprintf(os.Stderr, "encode failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		shape := 0
		for _, rec := range report.Records {
			if len(rec.ShapeErrors) > 0 {
				shape++
			}
		}
		fmt.Printf("records: %d\n", report.TotalCount)
		fmt.Printf("file number issues: %d\n", len(report.Issues))
		fmt.Printf("records failing shape checks: %d\n", shape)
		fmt.Printf("duplicate groups: %d\n", len(report.DuplicateGroups))
		for _, g := range report.DuplicateGroups {
			fmt.Printf("  %s: records %v keep %d\n", g.GroupKey, g.RecordIndexes, g.KeepId)
		}
	}

	if *out != "" {
		w, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create failed: %v\n", err)
			os.Exit(1)
		}
		err = ingest.WriteIssueReport(w, report.Issues)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("issue report written to %s\n", *out)
	}
}
