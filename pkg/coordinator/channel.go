package coordinator

import (
	"fmt"

	"github.com/quernlabs/quern/internal/logger"
	"github.com/quernlabs/quern/internal/protocol/wire"
	"github.com/quernlabs/quern/pkg/session"
)

// channel is the coordinator's role on one authenticated session: push
// the job's function selectors, then pump assignments, feeding each
// result back to the task manager before asking for the next.
type channel struct {
	srv  *Server
	sess *session.Session
	id   string
}

// OnAuthenticated installs the job functions on the worker and starts
// the assignment pump.
func (c *channel) OnAuthenticated(s *session.Session) error {
	if err := s.SendMessage(wire.VerbMapFn, &wire.FuncSelector{Name: c.srv.job.MapFunc}); err != nil {
		return err
	}
	if err := s.SendMessage(wire.VerbReduceFn, &wire.FuncSelector{Name: c.srv.job.ReduceFunc}); err != nil {
		return err
	}
	if c.srv.job.CollectFunc != "" {
		if err := s.SendMessage(wire.VerbCollectFn, &wire.FuncSelector{Name: c.srv.job.CollectFunc}); err != nil {
			return err
		}
	}
	return c.pump()
}

// pump sends the next assignment. Within one session a new assignment
// only follows the previous response, so ordering per worker holds.
func (c *channel) pump() error {
	a, err := c.srv.tm.NextTask(c.id)
	if err != nil {
		return fmt.Errorf("coordinator: next task: %w", err)
	}

	c.srv.metrics.RecordAssignment(a.Verb)
	c.srv.metrics.SetJobPhase(int(c.srv.tm.Phase()))

	if a.Verb == wire.VerbDisconnect {
		// Flushes before close; the session write path is synchronous.
		if err := c.sess.SendControl(wire.VerbDisconnect); err != nil {
			return err
		}
		c.sess.Close()
		return nil
	}
	return c.sess.SendMessage(a.Verb, a.Payload)
}

// HandleCommand receives worker results.
func (c *channel) HandleCommand(s *session.Session, verb string, payload []byte) error {
	switch verb {
	case wire.VerbMapDone:
		var res wire.MapResult
		if err := wire.Decode(payload, &res); err != nil {
			return err
		}
		applied, err := c.srv.tm.MapDone(c.id, &res)
		if err != nil {
			return err
		}
		c.srv.metrics.RecordResult("map", applied)
		if !applied {
			logger.Debug("Late map result dropped", "session", c.id, "key", res.Key)
		}
		return c.pump()

	case wire.VerbReduceDone:
		var res wire.ReduceResult
		if err := wire.Decode(payload, &res); err != nil {
			return err
		}
		applied, err := c.srv.tm.ReduceDone(c.id, &res)
		if err != nil {
			return err
		}
		c.srv.metrics.RecordResult("reduce", applied)
		if !applied {
			logger.Debug("Late reduce result dropped", "session", c.id)
		}
		return c.pump()

	default:
		return session.ErrUnknownVerb
	}
}
