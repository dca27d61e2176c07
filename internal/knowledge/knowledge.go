// Package knowledge keeps a bounded history of past generations so the
// gateway can prepend a short memory section when a similar prompt comes in
// again.
package knowledge

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kolapsis/llmos/internal/registry"
)

// MaxEntries bounds the on-disk history.
const MaxEntries = 200

const knowledgeFile = "knowledge.json"

// Record is one past generation.
type Record struct {
	Prompt       string    `json:"prompt"`
	Normalized   string    `json:"normalized"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Complexity   string    `json:"complexity"`
	Capabilities []string  `json:"capabilities"`
	At           time.Time `json:"at"`
}

// Match pairs a record with its similarity to a query prompt.
type Match struct {
	Record Record
	Score  float64
}

// Base is the persisted generation history, newest first.
type Base struct {
	mu      sync.Mutex
	path    string
	records []Record
}

// Open loads knowledge.json, starting fresh when missing or corrupt.
func Open(dataRoot string) *Base {
	b := &Base{path: filepath.Join(dataRoot, knowledgeFile)}

	data, err := os.ReadFile(b.path)
	if err != nil {
		return b
	}
	if err := json.Unmarshal(data, &b.records); err != nil {
		slog.Warn("knowledge file corrupted, starting fresh", "path", b.path, "error", err)
		b.records = nil
	}
	return b
}

// Record appends a generation and persists, trimming to MaxEntries.
func (b *Base) Record(rec Record) {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	rec.Normalized = registry.NormalizePrompt(rec.Prompt)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = append([]Record{rec}, b.records...)
	if len(b.records) > MaxEntries {
		b.records = b.records[:MaxEntries]
	}
	b.persist()
}

// Similar returns up to limit records at least threshold similar to prompt.
func (b *Base) Similar(prompt string, threshold float64, limit int) []Match {
	if limit <= 0 {
		limit = 3
	}
	normalized := registry.NormalizePrompt(prompt)

	b.mu.Lock()
	defer b.mu.Unlock()

	var matches []Match
	for _, rec := range b.records {
		score := registry.Similarity(normalized, rec.Normalized)
		if score >= threshold {
			matches = append(matches, Match{Record: rec, Score: score})
			if len(matches) == limit {
				break
			}
		}
	}
	return matches
}

// Len returns the number of stored records.
func (b *Base) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Compact drops records older than the cutoff, keeping at least keep
// entries. Used by the scheduler's knowledge maintenance task.
func (b *Base) Compact(cutoff time.Time, keep int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) <= keep {
		return 0
	}

	kept := b.records[:keep]
	dropped := 0
	for _, rec := range b.records[keep:] {
		if rec.At.After(cutoff) {
			kept = append(kept, rec)
		} else {
			dropped++
		}
	}
	b.records = kept
	if dropped > 0 {
		b.persist()
	}
	return dropped
}

func (b *Base) persist() {
	data, err := json.MarshalIndent(b.records, "", "  ")
	if err != nil {
		slog.Error("marshaling knowledge", "error", err)
		return
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Error("writing knowledge", "error", err)
		return
	}
	if err := os.Rename(tmp, b.path); err != nil {
		slog.Error("replacing knowledge file", "error", err)
	}
}
