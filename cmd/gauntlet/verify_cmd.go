package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/replay"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/store"
)

// runVerifyCmd replays a project history from the event store and verifies
// it: hash chain intact, projection deterministic across two passes.
//
// Exit codes:
//
//	0 = verified
//	1 = diverged or failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		projectID  string
		dbPath     string
		jsonOutput bool
	)

	cmd.StringVar(&projectID, "project", "", "Project ID to verify (REQUIRED)")
	cmd.StringVar(&dbPath, "db", "gauntlet.db", "Event store path")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the session as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if projectID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --project is required")
		return 2
	}

	eventLog, closeLog, err := openEventLog(dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closeLog()

	session, err := replay.NewVerifier(eventLog).Verify(context.Background(), projectID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification could not run: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(session, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		switch session.Status {
		case replay.SessionVerified:
			_, _ = fmt.Fprintf(stdout, "✅ Replay VERIFIED (%d steps)\n", len(session.Steps))
			_, _ = fmt.Fprintf(stdout, "Project:    %s\n", projectID)
			_, _ = fmt.Fprintf(stdout, "Final hash: %s\n", session.FinalHash)
		case replay.SessionDiverged:
			_, _ = fmt.Fprintf(stdout, "❌ Replay DIVERGED at sequence %d\n", session.DivergencePoint)
			_, _ = fmt.Fprintf(stdout, "Detail: %s\n", session.DivergenceInfo)
		default:
			_, _ = fmt.Fprintf(stdout, "❌ Replay FAILED\n")
			_, _ = fmt.Fprintf(stdout, "Detail: %s\n", session.DivergenceInfo)
		}
	}

	if session.Status != replay.SessionVerified {
		return 1
	}
	return 0
}

func openEventLog(path string) (store.EventLog, func(), error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open event store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	eventLog, err := store.NewSQLiteEventLog(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init event log: %w", err)
	}
	return eventLog, func() { _ = db.Close() }, nil
}
