package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/export"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/store"
)

// runExportCmd writes a project's evidence pack to disk, or ships it to the
// configured S3 bucket with --bucket. The chain is verified before anything
// is packed.
//
// Exit codes:
//
//	0 = pack written
//	1 = history failed verification
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		projectID  string
		dbPath     string
		outPath    string
		bucket     string
		region     string
		jsonOutput bool
	)

	cmd.StringVar(&projectID, "project", "", "Project ID to export (REQUIRED)")
	cmd.StringVar(&dbPath, "db", "gauntlet.db", "Event store path")
	cmd.StringVar(&outPath, "out", "", "Output path for the zip pack")
	cmd.StringVar(&bucket, "bucket", "", "Upload to this S3 bucket instead of writing locally")
	cmd.StringVar(&region, "region", "us-east-1", "S3 region for --bucket")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if projectID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --project is required")
		return 2
	}
	if outPath == "" && bucket == "" {
		outPath = projectID + "-evidence.zip"
	}

	ctx := context.Background()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open event store: %v\n", err)
		return 2
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	eventLog, err := store.NewSQLiteEventLog(db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: init event log: %v\n", err)
		return 2
	}
	decisions, err := store.NewSQLiteDecisionStore(db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: init decision store: %v\n", err)
		return 2
	}

	pack, checksum, err := export.NewExporter(eventLog, decisions).GeneratePack(ctx, projectID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
		return 1
	}

	location := outPath
	if bucket != "" {
		sink, err := export.NewS3Sink(ctx, export.S3SinkConfig{Bucket: bucket, Region: region})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: sink init failed: %v\n", err)
			return 2
		}
		location, err = sink.Put(ctx, projectID, pack, checksum)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: upload failed: %v\n", err)
			return 2
		}
	} else {
		if err := os.WriteFile(outPath, pack, 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: write pack: %v\n", err)
			return 2
		}
	}

	if jsonOutput {
		result := map[string]any{
			"project_id": projectID,
			"location":   location,
			"checksum":   checksum,
			"size_bytes": len(pack),
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "✅ Evidence pack exported: %s\n", location)
		_, _ = fmt.Fprintf(stdout, "   Checksum: sha256:%s\n", checksum)
	}
	return 0
}
