// Package worker runs the execution side of the protocol: it connects
// to a coordinator, authenticates, installs the job's functions from
// the local registry, and serves assignments until disconnected.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/quernlabs/quern/internal/logger"
	"github.com/quernlabs/quern/internal/protocol/wire"
	"github.com/quernlabs/quern/pkg/mrfunc"
	"github.com/quernlabs/quern/pkg/session"
)

// Worker is one worker process's connection to a coordinator.
type Worker struct {
	host   string
	port   int
	secret string

	mapfn     mrfunc.MapFunc
	reducefn  mrfunc.ReduceFunc
	collectfn mrfunc.CollectFunc
}

// New creates a worker for the given coordinator endpoint.
func New(host string, port int, secret string) *Worker {
	return &Worker{host: host, port: port, secret: secret}
}

// Run connects and serves until the coordinator disconnects, the
// connection drops, or user code fails. User-code failure is fatal by
// contract: the coordinator sees the closed connection and reassigns.
func (w *Worker) Run(ctx context.Context) error {
	addr := net.JoinHostPort(w.host, fmt.Sprintf("%d", w.port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("worker: connect to %s: %w", addr, err)
	}
	logger.Info("Connected to coordinator", "address", addr)

	sess := session.New(conn, w.secret, w)
	return sess.Serve(ctx)
}

// OnAuthenticated logs; the coordinator drives from here.
func (w *Worker) OnAuthenticated(s *session.Session) error {
	logger.Info("Session established", "coordinator", s.RemoteAddr())
	return nil
}

// HandleCommand dispatches coordinator commands.
func (w *Worker) HandleCommand(s *session.Session, verb string, payload []byte) error {
	switch verb {
	case wire.VerbMapFn:
		return w.installMap(payload)
	case wire.VerbReduceFn:
		return w.installReduce(payload)
	case wire.VerbCollectFn:
		return w.installCollect(payload)
	case wire.VerbMap:
		return w.runMap(s, payload)
	case wire.VerbReduce, wire.VerbPartial:
		return w.runReduce(s, payload)
	default:
		return session.ErrUnknownVerb
	}
}

func (w *Worker) installMap(payload []byte) error {
	var sel wire.FuncSelector
	if err := wire.Decode(payload, &sel); err != nil {
		return err
	}
	fn, err := mrfunc.LookupMap(sel.Name)
	if err != nil {
		return err
	}
	w.mapfn = fn
	logger.Debug("Installed map function", "name", sel.Name)
	return nil
}

func (w *Worker) installReduce(payload []byte) error {
	var sel wire.FuncSelector
	if err := wire.Decode(payload, &sel); err != nil {
		return err
	}
	fn, err := mrfunc.LookupReduce(sel.Name)
	if err != nil {
		return err
	}
	w.reducefn = fn
	logger.Debug("Installed reduce function", "name", sel.Name)
	return nil
}

func (w *Worker) installCollect(payload []byte) error {
	var sel wire.FuncSelector
	if err := wire.Decode(payload, &sel); err != nil {
		return err
	}
	fn, err := mrfunc.LookupCollect(sel.Name)
	if err != nil {
		return err
	}
	w.collectfn = fn
	logger.Debug("Installed collect function", "name", sel.Name)
	return nil
}

// runMap executes the map function over one input, groups the emitted
// pairs by key, applies the collect function when installed, and
// replies mapdone.
func (w *Worker) runMap(s *session.Session, payload []byte) error {
	if w.mapfn == nil {
		return fmt.Errorf("worker: map assignment before map function installed")
	}
	var a wire.MapAssignment
	if err := wire.Decode(payload, &a); err != nil {
		return err
	}
	logger.Info("Mapping", "key", a.Key)

	pairs, err := w.mapfn(a.Key, a.Value)
	if err != nil {
		return fmt.Errorf("worker: map function failed on %q: %w", a.Key, err)
	}

	grouped := make(map[string][]json.RawMessage)
	for _, p := range pairs {
		grouped[p.Key] = append(grouped[p.Key], p.Value)
	}
	if w.collectfn != nil {
		for k, values := range grouped {
			combined, err := w.collectfn(k, values)
			if err != nil {
				return fmt.Errorf("worker: collect function failed on %q: %w", k, err)
			}
			grouped[k] = []json.RawMessage{combined}
		}
	}
	return s.SendMessage(wire.VerbMapDone, &wire.MapResult{Key: a.Key, Results: grouped})
}

// runReduce executes the reduce function over one value group and
// replies reducedone, echoing the assignment key verbatim. Serves both
// reduce and partialreduce; for composite keys only the grouping key is
// extracted for the function, the rest stays opaque.
func (w *Worker) runReduce(s *session.Session, payload []byte) error {
	if w.reducefn == nil {
		return fmt.Errorf("worker: reduce assignment before reduce function installed")
	}
	var a wire.ReduceAssignment
	if err := wire.Decode(payload, &a); err != nil {
		return err
	}
	key, err := wire.GroupKey(a.Key)
	if err != nil {
		return err
	}
	logger.Info("Reducing", "key", key, "values", len(a.Values))

	result, err := w.reducefn(key, a.Values)
	if err != nil {
		return fmt.Errorf("worker: reduce function failed on %q: %w", key, err)
	}
	return s.SendMessage(wire.VerbReduceDone, &wire.ReduceResult{Key: a.Key, Result: result})
}
