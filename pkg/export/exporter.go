// Package export builds evidence packs: self-contained zip bundles of a
// project's full event history, decision audit trail, and rebuilt
// projection, checksummed for handoff to investors or compliance reviews.
package export

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/state"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/store"
)

var (
	// ErrEmptyProjectID is returned when the project id is empty.
	ErrEmptyProjectID = errors.New("export: project_id must not be empty")
	// ErrStoreNotConfigured is returned when export is invoked without a
	// backing event log (fail-closed).
	ErrStoreNotConfigured = errors.New("export: event log not configured")
)

// Manifest describes the pack contents and the integrity evidence at
// generation time.
type Manifest struct {
	ProjectID     string    `json:"project_id"`
	GeneratedAt   time.Time `json:"generated_at"`
	EventCount    int       `json:"event_count"`
	DecisionCount int       `json:"decision_count"`
	ChainHead     string    `json:"chain_head"`
	ChainVerified bool      `json:"chain_verified"`
	FinalPhase    string    `json:"final_phase"`
	FinalVersion  uint64    `json:"final_version"`
}

// Exporter builds evidence packs from the event log and decision store.
type Exporter struct {
	log       store.EventLog
	decisions store.DecisionStore
	clock     func() time.Time
}

// NewExporter creates an exporter.
func NewExporter(log store.EventLog, decisions store.DecisionStore) *Exporter {
	return &Exporter{log: log, decisions: decisions, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// GeneratePack builds the zip bundle and returns it with its sha256
// checksum. The hash chain is verified first; a broken chain aborts the
// export rather than shipping evidence that cannot be trusted.
func (e *Exporter) GeneratePack(ctx context.Context, projectID string) ([]byte, string, error) {
	if projectID == "" {
		return nil, "", ErrEmptyProjectID
	}
	if e.log == nil {
		return nil, "", ErrStoreNotConfigured
	}

	if err := e.log.VerifyChain(ctx, projectID); err != nil {
		return nil, "", fmt.Errorf("export %s: %w", projectID, err)
	}
	events, err := e.log.Replay(ctx, projectID)
	if err != nil {
		return nil, "", fmt.Errorf("export %s: %w", projectID, err)
	}
	projection, err := state.Rebuild(events)
	if err != nil {
		return nil, "", fmt.Errorf("export %s: %w", projectID, err)
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("export %s: encode events: %w", projectID, err)
	}
	stateJSON, err := json.MarshalIndent(projection, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("export %s: encode state: %w", projectID, err)
	}

	decisionCount := 0
	var decisionsJSON []byte
	if e.decisions != nil {
		history, err := e.decisions.History(ctx, projectID)
		if err != nil {
			return nil, "", fmt.Errorf("export %s: %w", projectID, err)
		}
		decisionCount = len(history)
		decisionsJSON, err = json.MarshalIndent(history, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("export %s: encode decisions: %w", projectID, err)
		}
	}

	generatedAt := e.clock().UTC()
	manifest := Manifest{
		ProjectID:     projectID,
		GeneratedAt:   generatedAt,
		EventCount:    len(events),
		DecisionCount: decisionCount,
		ChainHead:     events[len(events)-1].EntryHash,
		ChainVerified: true,
		FinalPhase:    string(projection.Phase),
		FinalVersion:  projection.Version,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("export %s: encode manifest: %w", projectID, err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	files := []struct {
		name string
		body []byte
	}{
		{"events.json", eventsJSON},
		{"state.json", stateJSON},
		{"manifest.json", manifestJSON},
	}
	if decisionsJSON != nil {
		files = append(files, struct {
			name string
			body []byte
		}{"decisions.json", decisionsJSON})
	}
	for _, file := range files {
		f, err := w.Create(file.name)
		if err != nil {
			return nil, "", fmt.Errorf("export %s: %w", projectID, err)
		}
		if _, err := f.Write(file.body); err != nil {
			return nil, "", fmt.Errorf("export %s: %w", projectID, err)
		}
	}
	readme, err := w.Create("README.txt")
	if err != nil {
		return nil, "", fmt.Errorf("export %s: %w", projectID, err)
	}
	_, _ = fmt.Fprintf(readme,
		"Evidence pack for project %s\nGenerated at %s\nEvents: %d\nChain head: %s\n",
		projectID, generatedAt.Format(time.RFC3339), len(events), manifest.ChainHead)

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("export %s: %w", projectID, err)
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}
