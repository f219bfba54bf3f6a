package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomaskal/filedrop/internal/config"
	"github.com/tomaskal/filedrop/internal/discovery"
	"github.com/tomaskal/filedrop/internal/protocol"
	"github.com/tomaskal/filedrop/internal/session"
	"github.com/tomaskal/filedrop/internal/share"
	"github.com/tomaskal/filedrop/internal/store"
	"github.com/tomaskal/filedrop/internal/transfer"
)

func TestMain(m *testing.M) {
	config.Init()
	os.Exit(m.Run())
}

var (
	idAlpha = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	idBeta  = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorded struct {
	name    string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) Emit(name string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, recorded{name: name, payload: payload})
	r.mu.Unlock()
}

func (r *recorder) snapshot() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.events...)
}

// waitFor polls until pred picks a value out of the recorded events.
func waitFor[T any](t *testing.T, r *recorder, what string, pred func([]recorded) (T, bool)) T {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := pred(r.snapshot()); ok {
			return v
		}
		time.Sleep(10 * time.Millisecond)
	}
	var zero T
	t.Fatalf("timed out waiting for %s; events: %+v", what, r.snapshot())
	return zero
}

func lastDirectoryEvent(name string, id uuid.UUID) func([]recorded) (DirectoryPayload, bool) {
	return func(events []recorded) (DirectoryPayload, bool) {
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].name != name {
				continue
			}
			payload, ok := events[i].payload.(DirectoryPayload)
			if !ok {
				continue
			}
			if id == uuid.Nil || payload.Signature.ID == id {
				return payload, true
			}
		}
		return DirectoryPayload{}, false
	}
}

type node struct {
	server   *Server
	rec      *recorder
	listener *session.Listener
	self     share.Peer
	dlDir    string
}

// startNode brings up a full daemon node minus discovery: store, server
// actor, and TCP listener on a loopback port.
func startNode(t *testing.T, id uuid.UUID, hostname string) *node {
	t.Helper()

	st, err := store.Open(t.TempDir(), discardLogger())
	require.NoError(t, err)

	dlDir := t.TempDir()
	settings := store.DefaultSettings()
	settings.DownloadDirectory = dlDir
	require.NoError(t, st.SaveSettings(settings))

	rec := &recorder{}
	self := share.Peer{ID: id, Hostname: hostname}

	srv, err := New(&Opts{
		Log:     discardLogger(),
		Self:    self,
		Store:   st,
		Emitter: rec,
	})
	require.NoError(t, err)

	listener, err := session.Listen(0, discardLogger(), srv.HandleConn)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = srv.Run(ctx) }()
	go func() { _ = listener.Run(ctx) }()

	return &node{server: srv, rec: rec, listener: listener, self: self, dlDir: dlDir}
}

func (n *node) addrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), n.listener.Port())
}

// connectNodes tells `from` where to find `to`, as discovery would.
func connectNodes(from, to *node) {
	from.server.PeerFound(discovery.Peer{Peer: to.self, Addr: to.addrPort()})
}

func TestShareAddDownloadLeave(t *testing.T) {
	alpha := startNode(t, idAlpha, "alpha")
	beta := startNode(t, idBeta, "beta")
	connectNodes(beta, alpha)

	// Beta creates "Docs" and shares it with alpha.
	beta.server.CreateDirectory("Docs")
	created := waitFor(t, beta.rec, "NewShareDirectory on beta",
		lastDirectoryEvent(EventNewShareDirectory, uuid.Nil))
	dirID := created.Signature.ID
	require.True(t, created.Signature.SharedPeers.Has(idBeta))

	beta.server.ShareDirectoryToPeers(dirID, []uuid.UUID{idAlpha})

	onAlpha := waitFor(t, alpha.rec, "NewShareDirectory on alpha",
		lastDirectoryEvent(EventNewShareDirectory, dirID))
	assert.Equal(t, "Docs", onAlpha.Signature.Name)
	assert.True(t, onAlpha.Signature.SharedPeers.Has(idAlpha))
	assert.True(t, onAlpha.Signature.SharedPeers.Has(idBeta))

	// Alpha adds a file; beta learns about it through DirectoryUpdate.
	content := []byte("file sharing daemon test payload, repeated a bit to cross a chunk? no, small is fine")
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	alpha.server.AddFiles(dirID, []string{path})

	onBeta := waitFor(t, beta.rec, "file visible on beta",
		func(events []recorded) (DirectoryPayload, bool) {
			payload, ok := lastDirectoryEvent(EventUpdateDirectory, dirID)(events)
			if !ok || len(payload.Files) == 0 {
				return DirectoryPayload{}, false
			}
			return payload, true
		})
	require.Len(t, onBeta.Files, 1)
	file := onBeta.Files[0]
	assert.Equal(t, "notes.txt", file.Name)
	assert.EqualValues(t, len(content), file.Size)
	assert.True(t, file.OwnedPeers.Has(idAlpha))
	assert.Empty(t, file.LocalPath, "remote copy must not carry a local path")

	// Beta downloads it from alpha.
	beta.server.DownloadFile(dirID, file.ID)

	waitFor(t, beta.rec, "download complete on beta",
		func(events []recorded) (struct{}, bool) {
			for _, e := range events {
				if e.name == transfer.EventDownloadUpdate {
					if p := e.payload.(transfer.DownloadUpdatePayload); p.Progress == 100 {
						return struct{}{}, true
					}
				}
			}
			return struct{}{}, false
		})

	downloaded, err := os.ReadFile(filepath.Join(beta.dlDir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, downloaded)

	// Verified download makes beta an owner.
	withBeta := waitFor(t, beta.rec, "beta recorded as owner",
		func(events []recorded) (DirectoryPayload, bool) {
			payload, ok := lastDirectoryEvent(EventUpdateDirectory, dirID)(events)
			if !ok || len(payload.Files) == 0 || !payload.Files[0].OwnedPeers.Has(idBeta) {
				return DirectoryPayload{}, false
			}
			return payload, true
		})
	assert.NotEmpty(t, withBeta.Files[0].LocalPath)

	// Beta leaves; alpha retains the directory with itself as the only
	// member.
	beta.server.LeaveDirectory(dirID)

	retained := waitFor(t, alpha.rec, "alpha sees beta leave",
		func(events []recorded) (DirectoryPayload, bool) {
			payload, ok := lastDirectoryEvent(EventUpdateDirectory, dirID)(events)
			if !ok || payload.Signature.SharedPeers.Has(idBeta) {
				return DirectoryPayload{}, false
			}
			return payload, true
		})
	assert.True(t, retained.Signature.SharedPeers.Has(idAlpha))
}

func TestConcurrentAddsConverge(t *testing.T) {
	alpha := startNode(t, idAlpha, "alpha")
	beta := startNode(t, idBeta, "beta")
	connectNodes(beta, alpha)

	alpha.server.CreateDirectory("Shared")
	created := waitFor(t, alpha.rec, "NewShareDirectory on alpha",
		lastDirectoryEvent(EventNewShareDirectory, uuid.Nil))
	dirID := created.Signature.ID

	// So far only beta knows where alpha is; tell alpha where beta is so
	// alpha can dial beta and share the directory directly.
	connectNodes(alpha, beta)
	alpha.server.ShareDirectoryToPeers(dirID, []uuid.UUID{idBeta})
	waitFor(t, beta.rec, "directory on beta",
		lastDirectoryEvent(EventNewShareDirectory, dirID))

	// Both sides add a file at the same time.
	pathX := filepath.Join(t.TempDir(), "x.bin")
	pathY := filepath.Join(t.TempDir(), "y.bin")
	require.NoError(t, os.WriteFile(pathX, []byte("xxxxx"), 0o644))
	require.NoError(t, os.WriteFile(pathY, []byte("yyyyyyy"), 0o644))

	alpha.server.AddFiles(dirID, []string{pathX})
	beta.server.AddFiles(dirID, []string{pathY})

	bothFiles := func(events []recorded) (DirectoryPayload, bool) {
		payload, ok := lastDirectoryEvent(EventUpdateDirectory, dirID)(events)
		if !ok || len(payload.Files) != 2 {
			return DirectoryPayload{}, false
		}
		return payload, true
	}

	onAlpha := waitFor(t, alpha.rec, "both files on alpha", bothFiles)
	onBeta := waitFor(t, beta.rec, "both files on beta", bothFiles)

	names := func(p DirectoryPayload) []string {
		var out []string
		for _, f := range p.Files {
			out = append(out, f.Name)
		}
		return out
	}
	assert.ElementsMatch(t, []string{"x.bin", "y.bin"}, names(onAlpha))
	assert.ElementsMatch(t, []string{"x.bin", "y.bin"}, names(onBeta))
}

// fakePeer speaks just enough protocol to hand the server a handshaken
// session: it answers the handshake and then sits on the connection.
func fakePeer(t *testing.T, self share.Peer, conn net.Conn) {
	t.Helper()
	go func() {
		_ = protocol.WriteMessage(conn, protocol.Handshake{
			PeerID:   self.ID,
			Hostname: self.Hostname,
			Version:  protocol.Version,
		})
		for {
			if _, err := protocol.ReadMessage(conn); err != nil {
				return
			}
		}
	}()
}

// outboundSessionTo returns an outbound session to a fake remote peer.
func outboundSessionTo(t *testing.T, srv *Server, remote share.Peer) *session.Session {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fakePeer(t, remote, conn)
	}()

	addr := netip.MustParseAddrPort(ln.Addr().String())
	sess, err := session.Dial(context.Background(), addr, srv.sessionOpts())
	require.NoError(t, err)

	got, err := sess.Handshake(srv.self)
	require.NoError(t, err)
	require.Equal(t, remote.ID, got.ID)

	return sess
}

// inboundSessionFrom returns an inbound session from a fake remote peer.
func inboundSessionFrom(t *testing.T, srv *Server, remote share.Peer) *session.Session {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	fakePeer(t, remote, client)

	accepted := <-ch
	require.NoError(t, accepted.err)

	sess := session.Accept(accepted.conn, srv.sessionOpts())
	got, err := sess.Handshake(srv.self)
	require.NoError(t, err)
	require.Equal(t, remote.ID, got.ID)

	return sess
}

// newBareServer builds a server without running its loop, for driving
// dispatch synchronously.
func newBareServer(t *testing.T, id uuid.UUID) (*Server, *recorder) {
	t.Helper()

	st, err := store.Open(t.TempDir(), discardLogger())
	require.NoError(t, err)

	rec := &recorder{}
	srv, err := New(&Opts{
		Log:     discardLogger(),
		Self:    share.Peer{ID: id, Hostname: "local"},
		Store:   st,
		Emitter: rec,
	})
	require.NoError(t, err)
	srv.ctx = context.Background()

	return srv, rec
}

func TestSessionCollapse_LesserUUIDKeepsOutbound(t *testing.T) {
	// Local alpha has the lesser UUID, so its outbound session to beta
	// survives and the duplicate inbound one is closed.
	srv, _ := newBareServer(t, idAlpha)
	remote := share.Peer{ID: idBeta, Hostname: "beta"}

	outbound := outboundSessionTo(t, srv, remote)
	inbound := inboundSessionFrom(t, srv, remote)

	srv.dispatch(evtSessionReady{Session: outbound})
	require.Same(t, outbound, srv.sessions[idBeta])

	srv.dispatch(evtSessionReady{Session: inbound})
	assert.Same(t, outbound, srv.sessions[idBeta], "outbound session must survive")
}

func TestSessionCollapse_GreaterUUIDKeepsInbound(t *testing.T) {
	// Local beta has the greater UUID, so the inbound session from
	// alpha wins over beta's own outbound.
	srv, _ := newBareServer(t, idBeta)
	remote := share.Peer{ID: idAlpha, Hostname: "alpha"}

	outbound := outboundSessionTo(t, srv, remote)
	inbound := inboundSessionFrom(t, srv, remote)

	srv.dispatch(evtSessionReady{Session: outbound})
	require.Same(t, outbound, srv.sessions[idAlpha])

	srv.dispatch(evtSessionReady{Session: inbound})
	assert.Same(t, inbound, srv.sessions[idAlpha], "inbound session must survive")
}

func TestSelfAlwaysMemberOfLocalDirectories(t *testing.T) {
	srv, rec := newBareServer(t, idAlpha)

	srv.dispatch(cmdCreateDirectory{Name: "Docs"})

	created, ok := lastDirectoryEvent(EventNewShareDirectory, uuid.Nil)(rec.snapshot())
	require.True(t, ok)
	assert.True(t, created.Signature.SharedPeers.Has(idAlpha))

	for _, dir := range srv.dirs {
		assert.True(t, dir.Signature.SharedPeers.Has(idAlpha))
	}
}
