package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/gowebpki/jcs"
)

// entryHash computes the chained hash of an event: sha256 over the
// JCS-canonical (RFC 8785) encoding of the hashable fields. Canonicalization
// keeps the hash stable across marshal order, so replaying and re-verifying
// a history always reproduces the same chain.
func entryHash(ev contracts.ValidationEvent) (string, error) {
	hashable := struct {
		ProjectID string              `json:"project_id"`
		Sequence  uint64              `json:"sequence"`
		EventType contracts.EventType `json:"event_type"`
		Timestamp string              `json:"timestamp"`
		Payload   json.RawMessage     `json:"payload"`
		PrevHash  string              `json:"prev_hash"`
	}{
		ProjectID: ev.ProjectID,
		Sequence:  ev.Sequence,
		EventType: ev.EventType,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:   ev.Payload,
		PrevHash:  ev.PrevHash,
	}

	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("marshal hashable entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// verifyEvents walks an ordered history and checks sequence continuity and
// hash chaining.
func verifyEvents(events []contracts.ValidationEvent) error {
	prev := genesisHash
	for i, ev := range events {
		if ev.Sequence != uint64(i)+1 {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrChainBroken, i, ev.Sequence)
		}
		if ev.PrevHash != prev {
			return fmt.Errorf("%w: entry %d prev_hash %s, expected %s", ErrChainBroken, i, ev.PrevHash, prev)
		}
		computed, err := entryHash(ev)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %v", ErrChainBroken, i, err)
		}
		if computed != ev.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		prev = ev.EntryHash
	}
	return nil
}
