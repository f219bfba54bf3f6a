package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// Listener accepts inbound TCP connections and hands each one off
// before any protocol traffic happens; the handshake belongs to the
// session, admission to the server.
type Listener struct {
	log    *slog.Logger
	ln     net.Listener
	onConn func(net.Conn)
}

// Listen binds the TCP port. Port 0 lets the OS choose; the effective
// port is available via Port for the mDNS advertisement.
func Listen(port uint16, log *slog.Logger, onConn func(net.Conn)) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind listener: %w", err)
	}

	return &Listener{
		log:    log.With("component", "listener"),
		ln:     ln,
		onConn: onConn,
	}, nil
}

func (l *Listener) Port() uint16 {
	return uint16(l.ln.Addr().(*net.TCPAddr).Port)
}

// Run accepts connections until ctx is canceled.
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	l.log.Info("accepting sessions", "addr", l.ln.Addr().String())

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Warn("accept failed", "error", err.Error())
			continue
		}

		l.onConn(conn)
	}
}
