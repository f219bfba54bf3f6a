package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomaskal/filedrop/internal/config"
	"github.com/tomaskal/filedrop/internal/protocol"
	"github.com/tomaskal/filedrop/internal/share"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotHandshake   = errors.New("session: first frame was not a handshake")
	ErrSelfConnect    = errors.New("session: connected to self")
	ErrBadVersion     = errors.New("session: incompatible protocol version")
	ErrSessionClosed  = errors.New("session: closed")
	ErrIdleTimeout    = errors.New("session: no inbound traffic within idle window")
	ErrOutboxOverflow = errors.New("session: outbox full")
)

// Session is the framed conversation with one remote peer. It owns the
// connection exclusively: a reader goroutine decodes frames and hands
// them to OnMessage, a writer goroutine drains the bounded outbox. All
// state mutation driven by inbound frames happens in the server actor,
// never here.
type Session struct {
	log     *slog.Logger
	conn    net.Conn
	inbound bool
	remote  share.Peer

	outbox      chan protocol.Message
	done        chan struct{}
	closeOnce   sync.Once
	cancel      context.CancelFunc
	lastWriteAt atomic.Int64

	onMessage func(*Session, protocol.Message)
	onClose   func(*Session)
	onIdle    func(*Session)
}

type Opts struct {
	Log *slog.Logger

	// OnMessage receives every decoded frame after the handshake.
	OnMessage func(*Session, protocol.Message)

	// OnClose fires exactly once when the session tears down.
	OnClose func(*Session)

	// OnIdle fires when no frame has been written for the keepalive
	// interval; the receiver is expected to enqueue a keepalive.
	OnIdle func(*Session)
}

// Dial opens an outbound connection. The returned session has not
// handshaken yet.
func Dial(ctx context.Context, addr netip.AddrPort, opts *Opts) (*Session, error) {
	dialer := net.Dialer{Timeout: config.Load().DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	return newSession(conn, false, opts), nil
}

// Accept wraps an inbound connection. The returned session has not
// handshaken yet.
func Accept(conn net.Conn, opts *Opts) *Session {
	return newSession(conn, true, opts)
}

func newSession(conn net.Conn, inbound bool, opts *Opts) *Session {
	s := &Session{
		log:       opts.Log.With("component", "session", "addr", conn.RemoteAddr().String()),
		conn:      conn,
		inbound:   inbound,
		outbox:    make(chan protocol.Message, config.Load().SessionOutboxBacklog),
		done:      make(chan struct{}),
		onMessage: opts.OnMessage,
		onClose:   opts.OnClose,
		onIdle:    opts.OnIdle,
	}
	s.lastWriteAt.Store(time.Now().UnixNano())
	return s
}

// Handshake exchanges identity frames. Both sides send first and then
// read, so neither blocks on the other's ordering. Must be called
// before Run.
func (s *Session) Handshake(local share.Peer) (share.Peer, error) {
	timeout := config.Load().HandshakeTimeout
	_ = s.conn.SetDeadline(time.Now().Add(timeout))
	defer s.conn.SetDeadline(time.Time{})

	out := protocol.Handshake{
		PeerID:   local.ID,
		Hostname: local.Hostname,
		Version:  protocol.Version,
	}
	if err := protocol.WriteMessage(s.conn, out); err != nil {
		return share.Peer{}, fmt.Errorf("write handshake: %w", err)
	}

	msg, err := protocol.ReadMessage(s.conn)
	if err != nil {
		return share.Peer{}, fmt.Errorf("read handshake: %w", err)
	}

	hs, ok := msg.(protocol.Handshake)
	if !ok {
		return share.Peer{}, ErrNotHandshake
	}
	if hs.Version != protocol.Version {
		return share.Peer{}, fmt.Errorf("%w: remote=%d local=%d", ErrBadVersion, hs.Version, protocol.Version)
	}
	if hs.PeerID == local.ID {
		return share.Peer{}, ErrSelfConnect
	}

	s.remote = share.Peer{ID: hs.PeerID, Hostname: hs.Hostname}
	s.log = s.log.With("peer_id", s.remote.ID)

	return s.remote, nil
}

// Run drives the reader and writer loops until the session dies. The
// OnClose callback fires after both loops have exited.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		s.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	return g.Wait()
}

// Close tears the session down. Safe to call multiple times and from
// any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
		s.log.Debug("session closed")
	})
}

func (s *Session) Remote() share.Peer { return s.remote }
func (s *Session) Inbound() bool      { return s.inbound }

func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Send enqueues a frame, blocking while the outbox is full. It is the
// path for bulk traffic (file chunks) where backpressure must reach the
// producer.
func (s *Session) Send(ctx context.Context, m protocol.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.outbox <- m:
		return nil
	}
}

// TrySend enqueues a frame without blocking. Notifications use this
// path; a full outbox drops the frame rather than stalling the server.
func (s *Session) TrySend(m protocol.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbox <- m:
		return nil
	default:
		return ErrOutboxOverflow
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	l := s.log.With("loop", "read")
	l.Debug("started")

	idleTimeout := config.Load().IdleTimeout

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(idleTimeout))

		msg, err := protocol.ReadMessage(s.conn)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				l.Warn("idle timeout, closing session")
				return ErrIdleTimeout
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.Warn("read failed, exiting", "error", err.Error())
			return err
		}

		s.onMessage(s, msg)
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	l := s.log.With("loop", "write")
	l.Debug("started")

	keepalive := config.Load().KeepaliveInterval
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg := <-s.outbox:
			if err := s.writeMessage(msg); err != nil {
				l.Warn("write failed, exiting", "error", err.Error())
				return err
			}

		case <-ticker.C:
			lastWrite := time.Unix(0, s.lastWriteAt.Load())
			if time.Since(lastWrite) >= keepalive && s.onIdle != nil {
				s.onIdle(s)
			}
		}
	}
}

func (s *Session) writeMessage(m protocol.Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(config.Load().WriteTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})

	if err := protocol.WriteMessage(s.conn, m); err != nil {
		return err
	}

	s.lastWriteAt.Store(time.Now().UnixNano())
	return nil
}
