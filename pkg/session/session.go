// Package session implements the per-connection protocol state machine
// shared by coordinator and worker: the mutual challenge/response
// handshake and verb dispatch to a role handler.
//
// Either side may open the handshake by sending a challenge; in this
// system the coordinator challenges first and the worker sends a
// counter-challenge when it answers. Payload-bearing verbs are only
// dispatched once the peer has answered our challenge correctly;
// anything earlier is a protocol violation and closes the connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/quernlabs/quern/internal/logger"
	"github.com/quernlabs/quern/internal/protocol/frame"
	"github.com/quernlabs/quern/internal/protocol/wire"
	"github.com/quernlabs/quern/pkg/auth"
)

// State is the authentication state of a session.
type State int

const (
	StateUnauth State = iota
	StateChallenged
	StateAuthed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauth:
		return "unauth"
	case StateChallenged:
		return "challenged"
	case StateAuthed:
		return "authed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrAuthFailed indicates an HMAC mismatch from the peer.
	ErrAuthFailed = errors.New("session: authentication failed")

	// ErrNotAuthed indicates a payload verb before mutual authentication.
	ErrNotAuthed = errors.New("session: payload before authentication")

	// ErrUnknownVerb is returned by handlers for verbs they do not
	// serve; the session closes the connection in response.
	ErrUnknownVerb = errors.New("session: unknown verb")
)

// Handler is a protocol role bound to a session. OnAuthenticated fires
// once the handshake has completed in both directions; HandleCommand
// receives every authenticated non-handshake frame.
type Handler interface {
	OnAuthenticated(s *Session) error
	HandleCommand(s *Session, verb string, payload []byte) error
}

// Session is one authenticated connection.
type Session struct {
	conn    net.Conn
	r       *frame.Reader
	w       *frame.Writer
	secret  string
	handler Handler

	mu                sync.Mutex
	state             State
	nonce             string // challenge we sent, awaiting the peer's auth
	sentChallenge     bool
	peerVerified      bool // peer answered our challenge correctly
	challengeAnswered bool // we answered the peer's challenge
	roleStarted       bool

	closeOnce sync.Once
}

// New binds a handler to a freshly accepted or dialed connection.
func New(conn net.Conn, secret string, handler Handler) *Session {
	return &Session{
		conn:    conn,
		r:       frame.NewReader(conn),
		w:       frame.NewWriter(conn),
		secret:  secret,
		handler: handler,
		state:   StateUnauth,
	}
}

// RemoteAddr returns the peer address for logging.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// State returns the current authentication state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendChallenge opens (or continues) the handshake by sending a fresh
// nonce. The coordinator calls this on accept.
func (s *Session) SendChallenge() error {
	nonce, err := auth.NewNonce()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.nonce = nonce
	s.sentChallenge = true
	if s.state == StateUnauth {
		s.state = StateChallenged
	}
	s.mu.Unlock()

	logger.Debug("<- challenge", "peer", s.RemoteAddr())
	return s.w.WriteHeader(wire.VerbChallenge, nonce)
}

// SendMessage encodes msg and sends it as a length-prefixed payload
// frame.
func (s *Session) SendMessage(verb string, msg any) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	logger.Debug("<- "+verb, "peer", s.RemoteAddr(), "bytes", len(payload))
	return s.w.WritePayload(verb, payload)
}

// SendControl sends a payload-less frame such as disconnect.
func (s *Session) SendControl(verb string) error {
	logger.Debug("<- "+verb, "peer", s.RemoteAddr())
	return s.w.WritePayload(verb, nil)
}

// Close tears the connection down. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		_ = s.conn.Close()
	})
}

// Serve runs the read loop until the connection closes. A nil return
// means the peer disconnected cleanly (EOF or disconnect verb); any
// protocol or handler error closes the connection and is returned.
func (s *Session) Serve(ctx context.Context) error {
	defer s.Close()

	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	for {
		f, err := s.r.Next()
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, frame.ErrMalformed) || errors.Is(err, frame.ErrTooLarge) {
				logger.Error("Protocol violation", "peer", s.RemoteAddr(), "error", err)
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := s.handleFrame(f); err != nil {
			if errors.Is(err, errPeerClosed) {
				return nil
			}
			return err
		}
	}
}

// errPeerClosed signals a clean shutdown initiated by a disconnect verb.
var errPeerClosed = errors.New("session: peer requested disconnect")

func (s *Session) handleFrame(f *frame.Frame) error {
	switch f.Verb {
	case wire.VerbChallenge:
		logger.Debug("-> challenge", "peer", s.RemoteAddr())
		return s.respondToChallenge(f.Arg)

	case wire.VerbAuth:
		logger.Debug("-> auth", "peer", s.RemoteAddr())
		return s.verifyAuth(f.Arg)

	case wire.VerbDisconnect:
		logger.Debug("-> disconnect", "peer", s.RemoteAddr())
		return errPeerClosed

	default:
		s.mu.Lock()
		authed := s.state == StateAuthed
		s.mu.Unlock()
		if !authed {
			logger.Error("Payload command before authentication",
				"peer", s.RemoteAddr(), "verb", f.Verb)
			return fmt.Errorf("%w: %s", ErrNotAuthed, f.Verb)
		}

		logger.Debug("-> "+f.Verb, "peer", s.RemoteAddr(), "bytes", len(f.Payload))
		if err := s.handler.HandleCommand(s, f.Verb, f.Payload); err != nil {
			if errors.Is(err, ErrUnknownVerb) {
				logger.Error("Unknown command received",
					"peer", s.RemoteAddr(), "verb", f.Verb)
			}
			return err
		}
		return nil
	}
}

// respondToChallenge answers the peer's nonce and, if we have not yet
// challenged them, sends our counter-challenge.
func (s *Session) respondToChallenge(nonce string) error {
	mac := auth.Respond(s.secret, nonce)
	logger.Debug("<- auth", "peer", s.RemoteAddr())
	if err := s.w.WriteHeader(wire.VerbAuth, mac); err != nil {
		return err
	}

	s.mu.Lock()
	s.challengeAnswered = true
	needChallenge := !s.sentChallenge
	s.mu.Unlock()

	if needChallenge {
		if err := s.SendChallenge(); err != nil {
			return err
		}
	}
	return s.maybeStartRole()
}

// verifyAuth checks the peer's response to our challenge. A mismatch is
// fatal to the connection.
func (s *Session) verifyAuth(mac string) error {
	s.mu.Lock()
	nonce := s.nonce
	s.mu.Unlock()

	if nonce == "" || !auth.Verify(s.secret, nonce, mac) {
		logger.Error("Authentication failed", "peer", s.RemoteAddr())
		return ErrAuthFailed
	}

	s.mu.Lock()
	s.peerVerified = true
	s.state = StateAuthed
	s.mu.Unlock()

	logger.Info("Authenticated peer", "peer", s.RemoteAddr())
	return s.maybeStartRole()
}

// maybeStartRole fires OnAuthenticated exactly once, after both
// directions of the handshake have completed on our side: we verified
// the peer and answered its challenge.
func (s *Session) maybeStartRole() error {
	s.mu.Lock()
	ready := s.peerVerified && s.challengeAnswered && !s.roleStarted
	if ready {
		s.roleStarted = true
	}
	s.mu.Unlock()

	if !ready {
		return nil
	}
	return s.handler.OnAuthenticated(s)
}
