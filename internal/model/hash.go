package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows a future algorithm migration.
const (
	DomainPlan  = "signalflow/plan/v1"
	DomainEvent = "signalflow/event/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Millis converts seconds to integer milliseconds for hashing.
func Millis(seconds float64) int64 {
	return int64(math.Round(seconds * 1000))
}

// PlanHash computes the content-addressed identity of a timing plan.
// Timestamps are excluded. Name and source are part of identity, so a wave
// or manual plan never collapses onto a default plan with the same timing.
func PlanHash(p TimingPlan) (string, error) {
	greens := make(map[string]int64, len(p.GreenTimes))
	for id, g := range p.GreenTimes {
		greens[id] = Millis(g)
	}
	obj := map[string]any{
		"intersection_id": p.IntersectionID,
		"green_ms":        greens,
		"cycle_ms":        Millis(p.CycleLength),
		"offset_ms":       Millis(p.Offset),
		"name":            p.Name,
		"source":          string(p.Source),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("PlanHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainPlan, canonical), nil
}

// EventHash computes a stable identity for a signal event.
// Wall-clock time is excluded so replays produce identical hashes.
func EventHash(e SignalEvent) (string, error) {
	obj := map[string]any{
		"seq":             e.Seq,
		"intersection_id": e.IntersectionID,
		"approach":        e.Approach,
		"from":            string(e.From),
		"to":              string(e.To),
		"reason":          e.Reason,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}
