package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/protocol/wire"
	"github.com/quernlabs/quern/pkg/datasource"
)

func wordCountSource() datasource.Datasource {
	return datasource.FromStrings(map[string]string{
		"a": "x y x",
		"b": "y z",
	})
}

func TestMemoryWordCount(t *testing.T) {
	tm := NewMemory(wordCountSource())
	drive(t, tm)

	assert.Equal(t, map[string]string{"x": "2", "y": "2", "z": "1"}, resultMap(t, tm))
	assert.Equal(t, PhaseFinished, tm.Phase())

	select {
	case <-tm.Done():
	default:
		t.Fatal("done channel not closed after job finished")
	}
}

func TestMemoryPhaseProgression(t *testing.T) {
	tm := NewMemory(datasource.FromStrings(map[string]string{"a": "x"}))
	assert.Equal(t, PhaseStart, tm.Phase())

	a, err := tm.NextTask("s1")
	require.NoError(t, err)
	assert.Equal(t, wire.VerbMap, a.Verb)
	assert.Equal(t, PhaseMapping, tm.Phase())

	_, err = tm.Results()
	assert.Error(t, err, "results must not be readable before the job finishes")
}

func TestMemoryDuplicateResultDropped(t *testing.T) {
	tm := NewMemory(datasource.FromStrings(map[string]string{"a": "x"}))

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
	assert.False(t, applied, "second application of the same key must be dropped")
}

func TestMemorySpeculativeRedispatch(t *testing.T) {
	tm := NewMemory(datasource.FromStrings(map[string]string{"k1": "v"}))

	// First worker takes the only input and stalls.
	a1, err := tm.NextTask("stalled")
	require.NoError(t, err)
	require.Equal(t, wire.VerbMap, a1.Verb)

	// Input drained: a second worker gets the same key speculatively.
	a2, err := tm.NextTask("fast")
	require.NoError(t, err)
	require.Equal(t, wire.VerbMap, a2.Verb)
	assert.Equal(t, a1.Payload.(*wire.MapAssignment).Key, a2.Payload.(*wire.MapAssignment).Key)

	// The fast worker wins; the stalled worker's late result is dropped.
	res := &wire.MapResult{
		Key:     "k1",
		Results: map[string][]json.RawMessage{"v": {json.RawMessage(`1`)}},
	}
	applied, err := tm.MapDone("fast", res)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = tm.MapDone("stalled", res)
	require.NoError(t, err)
	assert.False(t, applied)

	require.True(t, driveSteps(t, tm, "fast", -1))
	assert.Equal(t, map[string]string{"v": "1"}, resultMap(t, tm))
}

func TestMemoryReleaseSession(t *testing.T) {
	tm := NewMemory(datasource.FromStrings(map[string]string{"k1": "v1", "k2": "v2"}))

	a1, err := tm.NextTask("doomed")
	require.NoError(t, err)
	takenKey := a1.Payload.(*wire.MapAssignment).Key

	// The session disconnects; its key is requeued and handed out
	// before the remaining fresh input.
	tm.ReleaseSession("doomed")

	a2, err := tm.NextTask("survivor")
	require.NoError(t, err)
	assert.Equal(t, takenKey, a2.Payload.(*wire.MapAssignment).Key)

	require.True(t, driveSteps(t, tm, "survivor", -1))
	assert.Equal(t, map[string]string{"v1": "1", "v2": "1"}, resultMap(t, tm))
}

func TestMemoryLateReduceDropped(t *testing.T) {
	tm := NewMemory(datasource.FromStrings(map[string]string{"a": "x"}))

	// Finish the map phase.
	a, err := tm.NextTask("s1")
	require.NoError(t, err)
	ma := a.Payload.(*wire.MapAssignment)
	_, err = tm.MapDone("s1", &wire.MapResult{
		Key:     ma.Key,
		Results: map[string][]json.RawMessage{"x": {json.RawMessage(`1`)}},
	})
	require.NoError(t, err)

	a, err = tm.NextTask("s1")
	require.NoError(t, err)
	require.Equal(t, wire.VerbReduce, a.Verb)
	ra := a.Payload.(*wire.ReduceAssignment)

	res := &wire.ReduceResult{Key: ra.Key, Result: json.RawMessage(`1`)}
	applied, err := tm.ReduceDone("s1", res)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = tm.ReduceDone("s1", res)
	require.NoError(t, err)
	assert.False(t, applied)
}
