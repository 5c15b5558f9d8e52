package task

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/protocol/wire"
	"github.com/quernlabs/quern/pkg/datasource"
)

func storePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "job.db")
}

func TestPersistentWordCount(t *testing.T) {
	tm, err := NewPersistent(wordCountSource(), storePath(t), false)
	require.NoError(t, err)
	defer func() { require.NoError(t, tm.Close()) }()

	drive(t, tm)
	assert.Equal(t, map[string]string{"x": "2", "y": "2", "z": "1"}, resultMap(t, tm))
}

func TestPersistentResultsOrdered(t *testing.T) {
	tm, err := NewPersistent(datasource.FromStrings(map[string]string{
		"doc": "pear apple mango apple banana",
	}), storePath(t), false)
	require.NoError(t, err)
	defer func() { require.NoError(t, tm.Close()) }()

	drive(t, tm)

	results, err := tm.Results()
	require.NoError(t, err)
	var keys []string
	for _, r := range results {
		keys = append(keys, r.Key)
	}
	assert.True(t, sort.StringsAreSorted(keys), "results must iterate ascending by key, got %v", keys)
}

func TestPersistentResumeWithoutState(t *testing.T) {
	_, err := NewPersistent(wordCountSource(), storePath(t), true)
	assert.ErrorIs(t, err, ErrResumeNoState)
}

func TestPersistentResumeMidMapping(t *testing.T) {
	path := storePath(t)

	tm, err := NewPersistent(wordCountSource(), path, false)
	require.NoError(t, err)

	// One map completes and commits, then the coordinator dies.
	finished := driveSteps(t, tm, "s1", 1)
	require.False(t, finished)
	require.Equal(t, PhaseMapping, tm.Phase())
	require.NoError(t, tm.Close())

	// Restart with resume: the mirrored phase is picked up and the job
	// runs to the same final results.
	tm2, err := NewPersistent(wordCountSource(), path, true)
	require.NoError(t, err)
	defer func() { require.NoError(t, tm2.Close()) }()

	assert.Equal(t, PhaseMapping, tm2.Phase())
	drive(t, tm2)
	assert.Equal(t, map[string]string{"x": "2", "y": "2", "z": "1"}, resultMap(t, tm2))
}

func TestPersistentResumeMidReducing(t *testing.T) {
	path := storePath(t)

	tm, err := NewPersistent(wordCountSource(), path, false)
	require.NoError(t, err)

	// Run both maps plus one reduce, then die. The completed reduce is
	// committed in the store.
	finished := driveSteps(t, tm, "s1", 3)
	require.False(t, finished)
	require.Equal(t, PhaseReducing, tm.Phase())
	require.NoError(t, tm.Close())

	tm2, err := NewPersistent(wordCountSource(), path, true)
	require.NoError(t, err)
	defer func() { require.NoError(t, tm2.Close()) }()

	assert.Equal(t, PhaseReducing, tm2.Phase())
	drive(t, tm2)

	// The finalized key was skipped, not redone: each key appears once.
	assert.Equal(t, map[string]string{"x": "2", "y": "2", "z": "1"}, resultMap(t, tm2))

	results, err := tm2.Results()
	require.NoError(t, err)
	assert.Len(t, results, 3, "no key may be finalized twice across a resume")
}

func TestPersistentResumeFinished(t *testing.T) {
	path := storePath(t)

	tm, err := NewPersistent(wordCountSource(), path, false)
	require.NoError(t, err)
	drive(t, tm)
	require.NoError(t, tm.Close())

	tm2, err := NewPersistent(wordCountSource(), path, true)
	require.NoError(t, err)
	defer func() { require.NoError(t, tm2.Close()) }()

	assert.Equal(t, PhaseFinished, tm2.Phase())
	select {
	case <-tm2.Done():
	default:
		t.Fatal("done channel must be closed on finished resume")
	}
	assert.Equal(t, map[string]string{"x": "2", "y": "2", "z": "1"}, resultMap(t, tm2))

	a, err := tm2.NextTask("s1")
	require.NoError(t, err)
	assert.Equal(t, wire.VerbDisconnect, a.Verb)
}

func TestPersistentDuplicateResultDropped(t *testing.T) {
	tm, err := NewPersistent(datasource.FromStrings(map[string]string{"a": "x"}), storePath(t), false)
	require.NoError(t, err)
	defer func() { require.NoError(t, tm.Close()) }()

	a, err := tm.NextTask("s1")
	require.NoError(t, err)
	ma := a.Payload.(*wire.MapAssignment)

	res := &wire.MapResult{
		Key:     ma.Key,
		Results: map[string][]json.RawMessage{"x": {json.RawMessage(`1`)}},
	}
	applied, err := tm.MapDone("s1", res)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = tm.MapDone("s1", res)
	require.NoError(t, err)
	assert.False(t, applied)
}
