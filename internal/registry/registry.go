// Package registry is the content-addressed store of generated apps. The
// hash of an entry's code is its identity: publishing identical code twice
// deduplicates, different code always gets a new entry.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// App types.
const (
	TypeIframe  = "iframe"
	TypeProcess = "process"
	TypeWasm    = "wasm"
)

// Entry is one registered app.
type Entry struct {
	Hash             string    `json:"hash"`
	Prompt           string    `json:"prompt"`
	NormalizedPrompt string    `json:"normalized_prompt"`
	Title            string    `json:"title"`
	Type             string    `json:"type"`
	Code             string    `json:"code"`
	Dockerfile       string    `json:"dockerfile,omitempty"`
	Capabilities     []string  `json:"capabilities"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	Launches         int       `json:"launches"`
	CreatedAt        time.Time `json:"created_at"`
	Tags             []string  `json:"tags,omitempty"`
	Spec             string    `json:"spec,omitempty"`
	Rating           int       `json:"rating"`
}

// PublishResult reports whether the entry already existed.
type PublishResult struct {
	Hash     string `json:"hash"`
	Existing bool   `json:"existing"`
	Entry    *Entry `json:"entry"`
}

// SearchResult pairs an entry with its similarity score.
type SearchResult struct {
	Entry *Entry  `json:"entry"`
	Score float64 `json:"score"`
}

// BrowseQuery filters and pages a listing.
type BrowseQuery struct {
	Offset int
	Limit  int
	Tag    string
	Type   string
}

// BrowsePage is one page of entries.
type BrowsePage struct {
	Apps   []*Entry `json:"apps"`
	Total  int      `json:"total"`
	Offset int      `json:"offset"`
}

// TagCount is one tag with its usage count.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Stats summarizes the registry.
type Stats struct {
	Total        int            `json:"total"`
	ByType       map[string]int `json:"by_type"`
	TotalLaunch  int            `json:"total_launches"`
	TopApps      []*Entry       `json:"top_apps"`
	DistinctTags int            `json:"distinct_tags"`
}

// ErrNotFound is returned when a hash is unknown.
var ErrNotFound = errors.New("app not found")

const registryFile = "registry.json"

// Hash returns the content address of code: the first 16 hex characters of
// its SHA-256. Kept at 16 for URL compatibility with existing clients; the
// collision risk at this size is documented and accepted.
func Hash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])[:16]
}

// Registry is the in-memory index with JSON persistence under dataRoot.
// A coarse lock serializes writers; readers see either pre- or post-write
// state.
type Registry struct {
	mu      sync.RWMutex
	store   *diskStore
	entries []*Entry          // newest first
	byHash  map[string]*Entry // index into entries
}

// diskStore isolates persistence. Writes are a full-file rewrite under the
// registry lock.
type diskStore struct {
	path string
}

// Open loads registry.json from dataRoot, tolerating a missing or corrupt
// file by starting fresh.
func Open(dataRoot string) (*Registry, error) {
	if err := os.MkdirAll(dataRoot, 0o700); err != nil {
		return nil, fmt.Errorf("creating data root: %w", err)
	}

	r := &Registry{
		store:  &diskStore{path: filepath.Join(dataRoot, registryFile)},
		byHash: make(map[string]*Entry),
	}

	data, err := os.ReadFile(r.store.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading registry: %w", err)
		}
		return r, nil
	}

	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		slog.Warn("registry file corrupted, starting fresh", "path", r.store.path, "error", err)
		return r, nil
	}

	r.entries = entries
	for _, e := range entries {
		r.byHash[e.Hash] = e
	}
	slog.Info("registry loaded", "apps", len(entries))
	return r, nil
}

func (r *Registry) persist() {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		slog.Error("marshaling registry", "error", err)
		return
	}
	tmp := r.store.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Error("writing registry", "error", err)
		return
	}
	if err := os.Rename(tmp, r.store.path); err != nil {
		slog.Error("replacing registry file", "error", err)
	}
}

// Publish registers an entry. Identical code deduplicates: the existing
// entry's launch count is incremented and Existing is true. The caller
// supplies everything except Hash, NormalizedPrompt and CreatedAt.
func (r *Registry) Publish(e Entry) PublishResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash := Hash(e.Code)

	if existing, ok := r.byHash[hash]; ok {
		existing.Launches++
		r.persist()
		return PublishResult{Hash: hash, Existing: true, Entry: existing}
	}

	e.Hash = hash
	e.NormalizedPrompt = NormalizePrompt(e.Prompt)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Launches == 0 {
		e.Launches = 1
	}

	entry := &e
	r.entries = append([]*Entry{entry}, r.entries...)
	r.byHash[hash] = entry
	r.persist()

	slog.Info("app published", "hash", hash, "type", e.Type, "title", e.Title)
	return PublishResult{Hash: hash, Existing: false, Entry: entry}
}

// Get returns the entry for a hash.
func (r *Registry) Get(hash string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// RecordLaunch increments the launch counter.
func (r *Registry) RecordLaunch(hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byHash[hash]
	if !ok {
		return ErrNotFound
	}
	e.Launches++
	r.persist()
	return nil
}

// Browse pages through entries, optionally filtered by tag and type.
func (r *Registry) Browse(q BrowseQuery) BrowsePage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if q.Limit <= 0 {
		q.Limit = 20
	}

	var filtered []*Entry
	for _, e := range r.entries {
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if q.Tag != "" && !hasTag(e, q.Tag) {
			continue
		}
		filtered = append(filtered, e)
	}

	total := len(filtered)
	if q.Offset > total {
		q.Offset = total
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}

	return BrowsePage{Apps: filtered[q.Offset:end], Total: total, Offset: q.Offset}
}

// Search ranks entries by trigram similarity against the query, returning
// at most 10 results with a nonzero score.
func (r *Registry) Search(query string) []SearchResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	normalized := NormalizePrompt(query)
	var results []SearchResult
	for _, e := range r.entries {
		score := Similarity(normalized, e.NormalizedPrompt)
		if titleScore := Similarity(normalized, NormalizePrompt(e.Title)); titleScore > score {
			score = titleScore
		}
		if score > 0 {
			results = append(results, SearchResult{Entry: e, Score: score})
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > 10 {
		results = results[:10]
	}
	return results
}

// FindSimilar returns entries whose normalized prompt is at least threshold
// similar to the given prompt.
func (r *Registry) FindSimilar(prompt string, threshold float64, limit int) []SearchResult {
	if limit <= 0 {
		limit = 3
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	normalized := NormalizePrompt(prompt)
	var results []SearchResult
	for _, e := range r.entries {
		score := Similarity(normalized, e.NormalizedPrompt)
		if score >= threshold {
			results = append(results, SearchResult{Entry: e, Score: score})
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Tags returns every tag with its count, most used first.
func (r *Registry) Tags() []TagCount {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range r.entries {
		for _, t := range e.Tags {
			counts[t]++
		}
	}
	tags := make([]TagCount, 0, len(counts))
	for t, c := range counts {
		tags = append(tags, TagCount{Tag: t, Count: c})
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Count != tags[j].Count {
			return tags[i].Count > tags[j].Count
		}
		return tags[i].Tag < tags[j].Tag
	})
	return tags
}

// GetStats summarizes the registry, including the five most launched apps.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{ByType: make(map[string]int)}
	tagSet := make(map[string]bool)
	for _, e := range r.entries {
		s.Total++
		s.ByType[e.Type]++
		s.TotalLaunch += e.Launches
		for _, t := range e.Tags {
			tagSet[t] = true
		}
	}
	s.DistinctTags = len(tagSet)

	top := make([]*Entry, len(r.entries))
	copy(top, r.entries)
	sort.SliceStable(top, func(i, j int) bool { return top[i].Launches > top[j].Launches })
	if len(top) > 5 {
		top = top[:5]
	}
	s.TopApps = top
	return s
}

// UpdateSpec attaches a markdown spec document to an entry.
func (r *Registry) UpdateSpec(hash, md string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byHash[hash]
	if !ok {
		return ErrNotFound
	}
	e.Spec = md
	r.persist()
	return nil
}

// Rate adjusts an entry's rating by ±1.
func (r *Registry) Rate(hash string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byHash[hash]
	if !ok {
		return ErrNotFound
	}
	if delta > 0 {
		e.Rating++
	} else if delta < 0 {
		e.Rating--
	}
	r.persist()
	return nil
}

// Delete removes an entry. Registry entries are never garbage-collected
// otherwise.
func (r *Registry) Delete(hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byHash[hash]; !ok {
		return ErrNotFound
	}
	delete(r.byHash, hash)
	for i, e := range r.entries {
		if e.Hash == hash {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	r.persist()
	return nil
}

// Count returns the number of registered apps.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// All returns the entries newest first. The slice is a copy; entries are
// shared.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func hasTag(e *Entry, tag string) bool {
	for _, t := range e.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
