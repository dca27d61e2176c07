package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const communityTag = "source: community"

// communityIndexEntry is one row of the remote index.
type communityIndexEntry struct {
	Hash  string `json:"hash"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// SyncCommunity fetches a remote index and imports entries the registry
// does not already hold. Every failure is logged and swallowed: community
// sync is strictly best effort and never blocks the kernel.
func (r *Registry) SyncCommunity(ctx context.Context, indexURL string) int {
	if indexURL == "" {
		return 0
	}

	client := &http.Client{Timeout: 8 * time.Second}

	indexCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	index, err := fetchIndex(indexCtx, client, indexURL)
	if err != nil {
		slog.Debug("community index fetch failed", "url", indexURL, "error", err)
		return 0
	}

	imported := 0
	for _, row := range index {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.Get(row.Hash); err == nil {
			continue
		}

		entry, err := fetchEntry(ctx, client, row.URL)
		if err != nil {
			slog.Debug("community entry fetch failed", "hash", row.Hash, "error", err)
			continue
		}

		// Recompute the address locally; a mismatched remote hash is a
		// different app as far as this registry is concerned.
		if Hash(entry.Code) != row.Hash {
			slog.Debug("community entry hash mismatch, skipping", "hash", row.Hash)
			continue
		}

		r.importCommunity(entry)
		imported++
	}

	if imported > 0 {
		slog.Info("community sync complete", "imported", imported)
	}
	return imported
}

func (r *Registry) importCommunity(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash := Hash(e.Code)
	if local, ok := r.byHash[hash]; ok {
		// Local launches are authoritative.
		e.Launches = local.Launches
		return
	}

	e.Hash = hash
	e.NormalizedPrompt = NormalizePrompt(e.Prompt)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Launches = 0
	if !hasTag(e, communityTag) {
		e.Tags = append(e.Tags, communityTag)
	}

	r.entries = append([]*Entry{e}, r.entries...)
	r.byHash[hash] = e
	r.persist()
}

func fetchIndex(ctx context.Context, client *http.Client, url string) ([]communityIndexEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("index status %d", resp.StatusCode)
	}

	var index []communityIndexEntry
	if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
		return nil, fmt.Errorf("decoding index: %w", err)
	}
	return index, nil
}

func fetchEntry(ctx context.Context, client *http.Client, url string) (*Entry, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("refusing non-http entry url %q", url)
	}

	entryCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(entryCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("entry status %d", resp.StatusCode)
	}

	var e Entry
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return nil, fmt.Errorf("decoding entry: %w", err)
	}
	if e.Code == "" {
		return nil, fmt.Errorf("entry has no code")
	}
	return &e, nil
}
