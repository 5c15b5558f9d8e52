// Package task implements the coordinator's task managers: the state
// machines that turn a datasource and a stream of worker results into
// assignments and, eventually, final keyed results.
//
// Three managers share one contract. Memory keeps everything in process
// memory. Persistent stores intermediate and final results in a local
// SQLite file and can resume after a coordinator restart. Batch extends
// Persistent by splitting oversize value groups into bounded slices and
// iterating the reduce phase to a fixed point.
package task

import (
	"encoding/json"
	"errors"

	"github.com/quernlabs/quern/internal/protocol/wire"
)

// Phase is the job phase. It advances monotonically; the batch manager
// iterates internally within PhaseReducing by bumping its depth.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseMapping
	PhaseReducing
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseMapping:
		return "mapping"
	case PhaseReducing:
		return "reducing"
	case PhaseFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// advanceTo guards the monotonic phase order.
func (p Phase) advanceTo(next Phase) (Phase, error) {
	if next != p+1 {
		return p, errors.New("task: illegal phase transition " + p.String() + " -> " + next.String())
	}
	return next, nil
}

// Assignment is one unit of work handed to a session. Payload is the
// wire message matching Verb; nil for disconnect.
type Assignment struct {
	Verb    string
	Payload any
}

var disconnectAssignment = &Assignment{Verb: wire.VerbDisconnect}

// Result is one final (key, value) of the job.
type Result struct {
	Key   string
	Value json.RawMessage
}

// ErrResumeNoState aborts a resume against a store that never recorded
// a phase.
var ErrResumeNoState = errors.New("task: no saved state found, resumption failed")

// Manager is the contract between the coordinator and a task manager.
// Implementations serialize all state transitions internally; methods
// may be called from any session goroutine.
type Manager interface {
	// NextTask returns the next assignment for the asking session,
	// recording it as outstanding. It drives the phase machine and
	// returns a disconnect assignment once the job is finished.
	NextTask(sessionID string) (*Assignment, error)

	// MapDone applies a map result. Late or duplicate results (key no
	// longer outstanding) are dropped silently; applied reports whether
	// the result counted.
	MapDone(sessionID string, res *wire.MapResult) (applied bool, err error)

	// ReduceDone applies a reduce result, with the same late-result
	// semantics as MapDone.
	ReduceDone(sessionID string, res *wire.ReduceResult) (applied bool, err error)

	// ReleaseSession returns a disconnected session's still-outstanding
	// assignments to the dispatch queue so another worker picks them up
	// without waiting for the speculative path.
	ReleaseSession(sessionID string)

	// Results returns the final results once the job has finished.
	Results() ([]Result, error)

	// Done is closed when the job reaches the finished phase. The
	// server uses it as its shutdown signal.
	Done() <-chan struct{}

	// Phase reports the current phase.
	Phase() Phase

	// Close releases any resources held by the manager.
	Close() error
}
