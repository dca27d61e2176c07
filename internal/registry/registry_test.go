package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	return r
}

func TestHash_IsSHA256Prefix(t *testing.T) {
	t.Parallel()

	code := "<html><body>hello</body></html>"
	sum := sha256.Sum256([]byte(code))
	assert.Equal(t, hex.EncodeToString(sum[:])[:16], Hash(code))
	assert.Len(t, Hash(code), 16)
}

func TestPublish_AssignsContentAddress(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	pub := r.Publish(Entry{Prompt: "a pomodoro timer", Title: "Pomodoro", Type: TypeIframe, Code: "<html>timer</html>"})

	assert.False(t, pub.Existing)
	assert.Equal(t, Hash("<html>timer</html>"), pub.Hash)
	assert.Equal(t, 1, pub.Entry.Launches)

	got, err := r.Get(pub.Hash)
	require.NoError(t, err)
	assert.Equal(t, pub.Hash, got.Hash)
}

func TestPublish_DeduplicatesByCode(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	first := r.Publish(Entry{Prompt: "timer", Code: "<html>same</html>", Type: TypeIframe})
	second := r.Publish(Entry{Prompt: "a different prompt", Code: "<html>same</html>", Type: TypeIframe})

	assert.True(t, second.Existing)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, 2, second.Entry.Launches)
	assert.Equal(t, 1, r.Count())
}

func TestPublish_DifferentCodeDifferentEntry(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	a := r.Publish(Entry{Prompt: "x", Code: "<html>a</html>", Type: TypeIframe})
	b := r.Publish(Entry{Prompt: "x", Code: "<html>b</html>", Type: TypeIframe})

	assert.NotEqual(t, a.Hash, b.Hash)
	assert.Equal(t, 2, r.Count())
}

func TestRecordLaunch(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	pub := r.Publish(Entry{Prompt: "x", Code: "<html>x</html>", Type: TypeIframe})

	require.NoError(t, r.RecordLaunch(pub.Hash))
	got, err := r.Get(pub.Hash)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Launches)

	assert.ErrorIs(t, r.RecordLaunch("deadbeefdeadbeef"), ErrNotFound)
}

func TestPersistence_RoundTrips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r1, err := Open(dir)
	require.NoError(t, err)
	pub := r1.Publish(Entry{Prompt: "notes app", Title: "Notes", Code: "<html>n</html>", Type: TypeIframe})

	r2, err := Open(dir)
	require.NoError(t, err)
	got, err := r2.Get(pub.Hash)
	require.NoError(t, err)
	assert.Equal(t, "Notes", got.Title)
}

func TestOpen_ToleratesCorruptFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "registry.json"), []byte("{{{"), 0o600))

	r, err := Open(dir)
	require.NoError(t, err)
	assert.Zero(t, r.Count())
}

func TestBrowse_FiltersAndPages(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	r.Publish(Entry{Prompt: "a", Code: "a", Type: TypeIframe, Tags: []string{"tools"}})
	r.Publish(Entry{Prompt: "b", Code: "b", Type: TypeProcess})
	r.Publish(Entry{Prompt: "c", Code: "c", Type: TypeIframe})

	all := r.Browse(BrowseQuery{})
	assert.Equal(t, 3, all.Total)

	iframes := r.Browse(BrowseQuery{Type: TypeIframe})
	assert.Equal(t, 2, iframes.Total)

	tagged := r.Browse(BrowseQuery{Tag: "tools"})
	assert.Equal(t, 1, tagged.Total)

	page := r.Browse(BrowseQuery{Offset: 2, Limit: 2})
	assert.Len(t, page.Apps, 1)
	assert.Equal(t, 2, page.Offset)
}

func TestSearch_RanksBySimilarity(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	r.Publish(Entry{Prompt: "a pomodoro timer with breaks", Code: "a", Type: TypeIframe})
	r.Publish(Entry{Prompt: "an expense tracker", Code: "b", Type: TypeIframe})

	results := r.Search("pomodoro timer")
	require.NotEmpty(t, results)
	assert.Equal(t, Hash("a"), results[0].Entry.Hash)
}

func TestFindSimilar_RespectsThreshold(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	r.Publish(Entry{Prompt: "a pomodoro timer with break reminders", Code: "a", Type: TypeIframe})

	hits := r.FindSimilar("pomodoro timer with breaks", 0.25, 3)
	assert.NotEmpty(t, hits)

	misses := r.FindSimilar("weather dashboard for berlin", 0.25, 3)
	assert.Empty(t, misses)
}

func TestRate_Delete_UpdateSpec(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	pub := r.Publish(Entry{Prompt: "x", Code: "x", Type: TypeIframe})

	require.NoError(t, r.Rate(pub.Hash, 1))
	require.NoError(t, r.Rate(pub.Hash, 1))
	require.NoError(t, r.Rate(pub.Hash, -1))
	got, _ := r.Get(pub.Hash)
	assert.Equal(t, 1, got.Rating)

	require.NoError(t, r.UpdateSpec(pub.Hash, "# Spec"))
	got, _ = r.Get(pub.Hash)
	assert.Equal(t, "# Spec", got.Spec)

	require.NoError(t, r.Delete(pub.Hash))
	_, err := r.Get(pub.Hash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTagsAndStats(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	r.Publish(Entry{Prompt: "a", Code: "a", Type: TypeIframe, Tags: []string{"tools", "fun"}})
	r.Publish(Entry{Prompt: "b", Code: "b", Type: TypeProcess, Tags: []string{"tools"}})

	tags := r.Tags()
	require.NotEmpty(t, tags)
	assert.Equal(t, "tools", tags[0].Tag)
	assert.Equal(t, 2, tags[0].Count)

	stats := r.GetStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByType[TypeProcess])
	assert.Equal(t, 2, stats.DistinctTags)
}
