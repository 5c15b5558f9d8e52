package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/protocol/wire"
	"github.com/quernlabs/quern/pkg/mrfunc"
)

// driveSteps executes up to maxSteps assignments against tm inline,
// acting as a word-count worker. maxSteps < 0 runs to disconnect.
// Returns true when the job disconnected.
func driveSteps(t *testing.T, tm Manager, sessionID string, maxSteps int) bool {
	t.Helper()

	mapfn, err := mrfunc.LookupMap("wordcount")
	require.NoError(t, err)
	reducefn, err := mrfunc.LookupReduce("sum")
	require.NoError(t, err)

	for step := 0; maxSteps < 0 || step < maxSteps; step++ {
		a, err := tm.NextTask(sessionID)
		require.NoError(t, err)

		switch a.Verb {
		case wire.VerbMap:
			ma := a.Payload.(*wire.MapAssignment)
			pairs, err := mapfn(ma.Key, ma.Value)
			require.NoError(t, err)
			grouped := make(map[string][]json.RawMessage)
			for _, p := range pairs {
				grouped[p.Key] = append(grouped[p.Key], p.Value)
			}
			_, err = tm.MapDone(sessionID, &wire.MapResult{Key: ma.Key, Results: grouped})
			require.NoError(t, err)

		case wire.VerbReduce, wire.VerbPartial:
			ra := a.Payload.(*wire.ReduceAssignment)
			key, err := wire.GroupKey(ra.Key)
			require.NoError(t, err)
			out, err := reducefn(key, ra.Values)
			require.NoError(t, err)
			_, err = tm.ReduceDone(sessionID, &wire.ReduceResult{Key: ra.Key, Result: out})
			require.NoError(t, err)

		case wire.VerbDisconnect:
			return true

		default:
			t.Fatalf("unexpected assignment verb %q", a.Verb)
		}
	}
	return false
}

// drive runs the job to completion on one inline session.
func drive(t *testing.T, tm Manager) {
	t.Helper()
	require.True(t, driveSteps(t, tm, "inline", -1))
}

// resultMap flattens results for assertions.
func resultMap(t *testing.T, tm Manager) map[string]string {
	t.Helper()
	results, err := tm.Results()
	require.NoError(t, err)
	out := make(map[string]string, len(results))
	for _, r := range results {
		out[r.Key] = string(r.Value)
	}
	return out
}
