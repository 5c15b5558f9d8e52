// Package coordinator runs the job side of the protocol: it accepts
// worker connections, authenticates them, and pumps assignments from
// the shared task manager until the job finishes.
package coordinator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quernlabs/quern/internal/logger"
	"github.com/quernlabs/quern/pkg/metrics"
	"github.com/quernlabs/quern/pkg/session"
	"github.com/quernlabs/quern/pkg/task"
)

// Config holds the coordinator's network settings.
type Config struct {
	// BindAddress is the IP address to bind to; empty binds all
	// interfaces.
	BindAddress string

	// Port is the TCP port to listen on. 0 picks an ephemeral port,
	// readable from Port() after ListenerReady closes.
	Port int

	// Secret is the shared handshake secret.
	Secret string

	// ShutdownTimeout bounds the wait for live sessions to drain after
	// the job finishes or the context is cancelled.
	ShutdownTimeout time.Duration
}

// JobSpec names the registered functions workers run for this job.
type JobSpec struct {
	MapFunc     string
	ReduceFunc  string
	CollectFunc string // optional
}

// Server owns the listener, the session set, and the task manager for
// one job. The task manager signals completion through its Done
// channel; sessions never reach back into the server.
type Server struct {
	cfg Config
	job JobSpec
	tm  task.Manager

	listener   net.Listener
	listenerMu sync.RWMutex

	// ListenerReady is closed once the listener is accepting. Tests
	// synchronize on it.
	ListenerReady chan struct{}

	shutdown     chan struct{}
	shutdownOnce sync.Once

	activeConns sync.WaitGroup
	connCount   atomic.Int32
	liveConns   sync.Map // remote addr -> *session.Session

	shutdownCtx    context.Context
	cancelSessions context.CancelFunc

	metrics *metrics.CoordinatorMetrics

	sessionSeq atomic.Uint64
}

// New creates a server for one job over the given task manager.
func New(cfg Config, job JobSpec, tm task.Manager) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:            cfg,
		job:            job,
		tm:             tm,
		ListenerReady:  make(chan struct{}),
		shutdown:       make(chan struct{}),
		shutdownCtx:    shutdownCtx,
		cancelSessions: cancel,
		metrics:        metrics.NewCoordinatorMetrics(),
	}
}

// Port returns the bound port. Valid once ListenerReady is closed.
func (s *Server) Port() int {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Phase reports the task manager's phase for the status endpoint.
func (s *Server) Phase() string {
	return s.tm.Phase().String()
}

// ActiveConnections reports the live worker count.
func (s *Server) ActiveConnections() int32 {
	return s.connCount.Load()
}

// Serve accepts and serves worker connections until the job finishes
// or ctx is cancelled, then shuts down gracefully. Only a listen failure
// is returned as an error; once listening, Serve returns nil after every
// session has ended, whether it drained in time or was force-closed.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("coordinator: listen on %s: %w", addr, err)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()
	close(s.ListenerReady)

	logger.Info("Coordinator listening", "port", s.Port())

	// The task manager's Done channel is the shutdown signal: sessions
	// receive their disconnect from the assignment pump, this just
	// stops the accept loop and bounds the drain.
	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Coordinator shutdown requested", "error", ctx.Err())
		case <-s.tm.Done():
			logger.Info("Job finished, shutting down")
		}
		s.initiateShutdown()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return s.drainSessions()
			default:
				logger.Debug("Accept error", "error", err)
				continue
			}
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		s.startSession(conn)
	}
}

// startSession authenticates and serves one worker connection in its
// own goroutine.
func (s *Server) startSession(conn net.Conn) {
	id := fmt.Sprintf("worker-%d", s.sessionSeq.Add(1))
	ch := &channel{srv: s, id: id}
	sess := session.New(conn, s.cfg.Secret, ch)
	ch.sess = sess

	s.activeConns.Add(1)
	active := s.connCount.Add(1)
	s.liveConns.Store(conn.RemoteAddr().String(), sess)
	s.metrics.RecordConnectionAccepted()
	s.metrics.SetActiveConnections(active)
	logger.Debug("Worker connected", "address", conn.RemoteAddr(), "active", active)

	go func() {
		defer func() {
			s.tm.ReleaseSession(id)
			s.liveConns.Delete(conn.RemoteAddr().String())
			s.activeConns.Done()
			remaining := s.connCount.Add(-1)
			s.metrics.RecordConnectionClosed()
			s.metrics.SetActiveConnections(remaining)
			logger.Debug("Worker disconnected", "address", conn.RemoteAddr(), "active", remaining)
		}()

		// The coordinator opens the handshake.
		if err := sess.SendChallenge(); err != nil {
			logger.Debug("Challenge send failed", "address", conn.RemoteAddr(), "error", err)
			sess.Close()
			return
		}
		if err := sess.Serve(s.shutdownCtx); err != nil {
			logger.Debug("Session ended with error",
				"address", conn.RemoteAddr(), "error", err)
		}
	}()
}

// initiateShutdown stops accepting: it closes the shutdown channel and
// the listener, which ends the accept loop in Serve.
func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		s.listenerMu.RLock()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.listenerMu.RUnlock()
	})
}

// drainSessions waits up to the configured timeout for sessions to
// drain their final writes, then force-closes the rest.
func (s *Server) drainSessions() error {
	drained := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(s.cfg.ShutdownTimeout):
		logger.Warn("Forcing session close after drain timeout",
			"active", s.connCount.Load())
		s.cancelSessions()
		s.liveConns.Range(func(_, v any) bool {
			v.(*session.Session).Close()
			return true
		})
		s.activeConns.Wait()
	}
	s.cancelSessions()
	return nil
}
