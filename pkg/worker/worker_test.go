package worker

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/protocol/frame"
	"github.com/quernlabs/quern/internal/protocol/wire"
	"github.com/quernlabs/quern/pkg/session"
)

// testPeer gives the worker a session whose replies land on a frame
// reader we can assert on.
func testPeer(t *testing.T, w *Worker) (*session.Session, *frame.Reader) {
	t.Helper()
	peerConn, workerConn := net.Pipe()
	t.Cleanup(func() {
		_ = peerConn.Close()
		_ = workerConn.Close()
	})
	return session.New(workerConn, "s", w), frame.NewReader(peerConn)
}

func install(t *testing.T, w *Worker, sess *session.Session, verb, name string) {
	t.Helper()
	payload, err := wire.Encode(&wire.FuncSelector{Name: name})
	require.NoError(t, err)
	require.NoError(t, w.HandleCommand(sess, verb, payload))
}

func readReply(t *testing.T, r *frame.Reader) *frame.Frame {
	t.Helper()
	type read struct {
		f   *frame.Frame
		err error
	}
	ch := make(chan read, 1)
	go func() {
		f, err := r.Next()
		ch <- read{f, err}
	}()
	select {
	case got := <-ch:
		require.NoError(t, got.err)
		return got.f
	case <-time.After(2 * time.Second):
		t.Fatal("no reply frame")
		return nil
	}
}

func TestMapWithCollect(t *testing.T) {
	w := New("localhost", 11235, "s")
	sess, r := testPeer(t, w)

	install(t, w, sess, wire.VerbMapFn, "wordcount")
	install(t, w, sess, wire.VerbReduceFn, "sum")
	install(t, w, sess, wire.VerbCollectFn, "sum")

	payload, err := wire.Encode(&wire.MapAssignment{Key: "doc", Value: []byte("x y x")})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.HandleCommand(sess, wire.VerbMap, payload) }()

	f := readReply(t, r)
	require.NoError(t, <-done)
	assert.Equal(t, wire.VerbMapDone, f.Verb)

	var res wire.MapResult
	require.NoError(t, wire.Decode(f.Payload, &res))
	assert.Equal(t, "doc", res.Key)
	// The collect function folded each per-key list to one value.
	require.Len(t, res.Results["x"], 1)
	assert.Equal(t, "2", string(res.Results["x"][0]))
	require.Len(t, res.Results["y"], 1)
	assert.Equal(t, "1", string(res.Results["y"][0]))
}

func TestPartialReduceEchoesCompositeKey(t *testing.T) {
	w := New("localhost", 11235, "s")
	sess, r := testPeer(t, w)

	install(t, w, sess, wire.VerbMapFn, "wordcount")
	install(t, w, sess, wire.VerbReduceFn, "sum")

	rawKey := json.RawMessage(`{"key":"k","slice":2,"depth":1}`)
	payload, err := wire.Encode(&wire.ReduceAssignment{
		Key:    rawKey,
		Values: []json.RawMessage{json.RawMessage(`2`), json.RawMessage(`3`)},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.HandleCommand(sess, wire.VerbPartial, payload) }()

	f := readReply(t, r)
	require.NoError(t, <-done)
	assert.Equal(t, wire.VerbReduceDone, f.Verb)

	var res wire.ReduceResult
	require.NoError(t, wire.Decode(f.Payload, &res))
	assert.JSONEq(t, string(rawKey), string(res.Key), "composite key must be echoed verbatim")
	assert.Equal(t, "5", string(res.Result))
}

func TestAssignmentBeforeInstallFails(t *testing.T) {
	w := New("localhost", 11235, "s")
	sess, _ := testPeer(t, w)

	payload, err := wire.Encode(&wire.MapAssignment{Key: "doc", Value: []byte("x")})
	require.NoError(t, err)
	assert.Error(t, w.HandleCommand(sess, wire.VerbMap, payload))
}

func TestUnknownFunctionNameFails(t *testing.T) {
	w := New("localhost", 11235, "s")
	sess, _ := testPeer(t, w)

	payload, err := wire.Encode(&wire.FuncSelector{Name: "not-registered"})
	require.NoError(t, err)
	assert.Error(t, w.HandleCommand(sess, wire.VerbMapFn, payload))
}

func TestUnknownVerbRejected(t *testing.T) {
	w := New("localhost", 11235, "s")
	sess, _ := testPeer(t, w)

	err := w.HandleCommand(sess, "wat", nil)
	assert.ErrorIs(t, err, session.ErrUnknownVerb)
}
