package session

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tomaskal/filedrop/internal/config"
	"github.com/tomaskal/filedrop/internal/protocol"
	"github.com/tomaskal/filedrop/internal/share"
)

func TestMain(m *testing.M) {
	config.Init()
	os.Exit(m.Run())
}

var (
	peerA = share.Peer{
		ID:       uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		Hostname: "alpha",
	}
	peerB = share.Peer{
		ID:       uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		Hostname: "beta",
	}
)

// tcpPair returns two ends of a real TCP connection so both sides can
// write their handshake before either reads.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	srv := <-ch
	if srv.err != nil {
		t.Fatal(srv.err)
	}

	t.Cleanup(func() {
		client.Close()
		srv.conn.Close()
	})
	return client, srv.conn
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noopOpts() *Opts {
	return &Opts{
		Log:       discardLogger(),
		OnMessage: func(*Session, protocol.Message) {},
		OnClose:   func(*Session) {},
	}
}

func TestHandshake_Exchange(t *testing.T) {
	connA, connB := tcpPair(t)

	sessA := Accept(connA, noopOpts())
	sessB := Accept(connB, noopOpts())

	var (
		wg                   sync.WaitGroup
		remoteOfA, remoteOfB share.Peer
		errA, errB           error
	)
	wg.Add(2)
	go func() { defer wg.Done(); remoteOfA, errA = sessA.Handshake(peerA) }()
	go func() { defer wg.Done(); remoteOfB, errB = sessB.Handshake(peerB) }()
	wg.Wait()

	if errA != nil || errB != nil {
		t.Fatalf("handshake errors: %v / %v", errA, errB)
	}
	if remoteOfA != peerB {
		t.Fatalf("A saw %+v, want %+v", remoteOfA, peerB)
	}
	if remoteOfB != peerA {
		t.Fatalf("B saw %+v, want %+v", remoteOfB, peerA)
	}
}

func TestHandshake_RejectsSelfConnect(t *testing.T) {
	connA, connB := tcpPair(t)

	sessA := Accept(connA, noopOpts())
	sessB := Accept(connB, noopOpts())

	var (
		wg         sync.WaitGroup
		errA, errB error
	)
	wg.Add(2)
	go func() { defer wg.Done(); _, errA = sessA.Handshake(peerA) }()
	go func() { defer wg.Done(); _, errB = sessB.Handshake(peerA) }()
	wg.Wait()

	if !errors.Is(errA, ErrSelfConnect) {
		t.Fatalf("A: want ErrSelfConnect, got %v", errA)
	}
	if !errors.Is(errB, ErrSelfConnect) {
		t.Fatalf("B: want ErrSelfConnect, got %v", errB)
	}
}

func TestHandshake_FirstFrameMustBeHandshake(t *testing.T) {
	connA, connB := tcpPair(t)

	sessA := Accept(connA, noopOpts())

	go func() {
		// Misbehaving peer: talks before identifying itself.
		_ = protocol.WriteMessage(connB, protocol.GetDirectories{})
	}()

	_, err := sessA.Handshake(peerA)
	if !errors.Is(err, ErrNotHandshake) {
		t.Fatalf("want ErrNotHandshake, got %v", err)
	}
}

func TestHandshake_VersionMismatch(t *testing.T) {
	connA, connB := tcpPair(t)

	sessA := Accept(connA, noopOpts())

	go func() {
		_ = protocol.WriteMessage(connB, protocol.Handshake{
			PeerID:   peerB.ID,
			Hostname: peerB.Hostname,
			Version:  protocol.Version + 1,
		})
	}()

	_, err := sessA.Handshake(peerA)
	if !errors.Is(err, ErrBadVersion) {
		t.Fatalf("want ErrBadVersion, got %v", err)
	}
}

func TestSession_MessagesArriveInOrder(t *testing.T) {
	connA, connB := tcpPair(t)

	var (
		mu       sync.Mutex
		received []protocol.Message
		gotAll   = make(chan struct{})
	)
	const sends = 20

	optsA := &Opts{
		Log: discardLogger(),
		OnMessage: func(_ *Session, m protocol.Message) {
			mu.Lock()
			received = append(received, m)
			if len(received) == sends {
				close(gotAll)
			}
			mu.Unlock()
		},
		OnClose: func(*Session) {},
	}

	sessA := Accept(connA, optsA)
	sessB := Accept(connB, noopOpts())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = sessA.Handshake(peerA) }()
	go func() { defer wg.Done(); _, _ = sessB.Handshake(peerB) }()
	wg.Wait()

	ctx := t.Context()
	go func() { _ = sessA.Run(ctx) }()
	go func() { _ = sessB.Run(ctx) }()
	defer sessA.Close()
	defer sessB.Close()

	for i := 0; i < sends; i++ {
		err := sessB.Send(ctx, protocol.FileChunk{
			DownloadID: peerB.ID,
			Offset:     int64(i),
			Data:       []byte{byte(i)},
		})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	select {
	case <-gotAll:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out; got %d of %d messages", len(received), sends)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, m := range received {
		chunk, ok := m.(protocol.FileChunk)
		if !ok || chunk.Offset != int64(i) {
			t.Fatalf("message %d out of order: %+v", i, m)
		}
	}
}

func TestSession_CloseFiresOnCloseOnce(t *testing.T) {
	connA, connB := tcpPair(t)

	var (
		mu     sync.Mutex
		closes int
	)
	opts := &Opts{
		Log:       discardLogger(),
		OnMessage: func(*Session, protocol.Message) {},
		OnClose: func(*Session) {
			mu.Lock()
			closes++
			mu.Unlock()
		},
	}

	sessA := Accept(connA, opts)
	sessB := Accept(connB, noopOpts())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = sessA.Handshake(peerA) }()
	go func() { defer wg.Done(); _, _ = sessB.Handshake(peerB) }()
	wg.Wait()

	runDone := make(chan struct{})
	go func() {
		_ = sessA.Run(t.Context())
		close(runDone)
	}()

	// Remote transport drop tears the session down.
	connB.Close()

	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not tear down after remote close")
	}

	sessA.Close()
	sessA.Close()

	mu.Lock()
	defer mu.Unlock()
	if closes != 1 {
		t.Fatalf("OnClose fired %d times, want exactly 1", closes)
	}

	if err := sessA.TrySend(protocol.GetDirectories{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("TrySend after close: want ErrSessionClosed, got %v", err)
	}
}
