package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordAndQuery(t *testing.T) {
	t.Parallel()

	l := openTestLog(t)
	l.Record(KindGeneration, "abc123", "a timer")
	l.Record(KindGrant, "abc123", "[ui:window]")
	l.Record(KindLaunch, "other", "wasm")

	all, err := l.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, KindLaunch, all[0].Kind, "newest first")
	assert.False(t, all[0].At.IsZero())

	byApp, err := l.Query(Filter{AppID: "abc123"})
	require.NoError(t, err)
	assert.Len(t, byApp, 2)

	byKind, err := l.Query(Filter{Kind: KindGrant})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, "[ui:window]", byKind[0].Detail)
}

func TestQuery_LimitApplies(t *testing.T) {
	t.Parallel()

	l := openTestLog(t)
	for range 10 {
		l.Record(KindTaskRun, "", "tick")
	}

	limited, err := l.Query(Filter{Limit: 4})
	require.NoError(t, err)
	assert.Len(t, limited, 4)
}

func TestReopen_KeepsEvents(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l1, err := Open(dir)
	require.NoError(t, err)
	l1.Record(KindPublish, "h", "x")
	require.NoError(t, l1.Close())

	l2, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = l2.Close() }()

	events, err := l2.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
