package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/tomaskal/filedrop/internal/config"
	"github.com/tomaskal/filedrop/internal/discovery"
	"github.com/tomaskal/filedrop/internal/metrics"
	"github.com/tomaskal/filedrop/internal/protocol"
	"github.com/tomaskal/filedrop/internal/session"
	"github.com/tomaskal/filedrop/internal/share"
	"github.com/tomaskal/filedrop/internal/transfer"
	"github.com/tomaskal/filedrop/pkg/retry"
)

type upload struct {
	cancel context.CancelFunc
	peer   uuid.UUID
}

// HandleConn is the listener callback for inbound connections: run the
// handshake off the actor, then ask it to admit the session.
func (s *Server) HandleConn(conn net.Conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		sess := session.Accept(conn, s.sessionOpts())
		if _, err := sess.Handshake(s.self); err != nil {
			// Handshake failures close silently; the peer may retry.
			s.log.Debug("inbound handshake failed",
				"addr", conn.RemoteAddr().String(),
				"error", err.Error(),
			)
			sess.Close()
			return
		}

		s.enqueue(evtSessionReady{Session: sess})
	}()
}

func (s *Server) sessionOpts() *session.Opts {
	return &session.Opts{
		Log: s.log,
		OnMessage: func(sess *session.Session, m protocol.Message) {
			// Chunks go straight to the engine so disk backpressure
			// lands on this session's reader, not on the actor.
			if chunk, ok := m.(protocol.FileChunk); ok {
				s.engine.Deliver(chunk)
				return
			}
			s.enqueue(evtPeerMessage{Session: sess, Message: m})
		},
		OnClose: func(sess *session.Session) {
			s.enqueue(evtPeerGone{Session: sess})
		},
		OnIdle: func(sess *session.Session) {
			s.enqueue(evtPeerIdle{Session: sess})
		},
	}
}

// ========== admission ==========

// handleSessionReady admits a handshaken session, collapsing duplicates:
// the peer with the lesser UUID keeps its outbound session, the other
// side keeps the inbound one.
func (s *Server) handleSessionReady(sess *session.Session) {
	remote := sess.Remote()
	delete(s.dialing, remote.ID)

	if existing, ok := s.sessions[remote.ID]; ok {
		keepInbound := bytes.Compare(remote.ID[:], s.self.ID[:]) < 0

		switch {
		case sess.Inbound() == existing.Inbound():
			// Same direction twice means the old one is stale.
			existing.Close()
			metrics.SessionsActive.Dec()
		case sess.Inbound() == keepInbound:
			existing.Close()
			metrics.SessionsActive.Dec()
		default:
			s.log.Debug("collapsed duplicate session",
				"peer_id", remote.ID,
				"kept", map[bool]string{true: "inbound", false: "outbound"}[existing.Inbound()],
			)
			sess.Close()
			return
		}
	}

	s.sessions[remote.ID] = sess
	if _, known := s.discovered[remote.ID]; !known {
		// An inbound peer we never browsed: record it at its session
		// address so the shell can list it. The advertised listener
		// port arrives with the next mDNS round.
		s.discovered[remote.ID] = discovery.Peer{Peer: remote, Addr: addrPortOf(sess)}
	}
	metrics.SessionsActive.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = sess.Run(s.ctx)
	}()

	s.log.Info("session established",
		"peer_id", remote.ID,
		"hostname", remote.Hostname,
		"inbound", sess.Inbound(),
	)

	// Sync state: push anything the shell queued for this peer, then ask
	// what the remote shares with us.
	for _, dirID := range s.pendingShares[remote.ID] {
		if dir, ok := s.dirs[dirID]; ok {
			s.send(sess, protocol.ShareDirectory{Directory: dir.Clone()})
		}
	}
	delete(s.pendingShares, remote.ID)

	s.send(sess, protocol.GetDirectories{})
	s.emitPeers()
}

func (s *Server) handlePeerGone(sess *session.Session) {
	remote := sess.Remote()

	if current, ok := s.sessions[remote.ID]; !ok || current != sess {
		// A collapsed duplicate, not the live session.
		return
	}
	delete(s.sessions, remote.ID)
	metrics.SessionsActive.Dec()

	s.log.Info("session lost", "peer_id", remote.ID)

	s.engine.CancelAllFromPeer(remote.ID, transfer.ReasonPeerGone)

	for id, up := range s.uploads {
		if up.peer == remote.ID {
			up.cancel()
			delete(s.uploads, id)
		}
	}

	s.emitPeers()
}

// handlePeerIdle produces the keepalive: an empty DirectoryUpdate
// carrying the current transaction id of a directory shared with the
// peer, or a GetDirectories when none is.
func (s *Server) handlePeerIdle(sess *session.Session) {
	remote := sess.Remote().ID

	for _, id := range sortedDirIDs(s.dirs) {
		dir := s.dirs[id]
		if !dir.Signature.SharedPeers.Has(remote) {
			continue
		}
		s.send(sess, protocol.DirectoryUpdate{Update: share.Update{
			Signature: dir.Signature.Clone(),
			NewTxID:   dir.Signature.LastTxID,
		}})
		return
	}

	s.send(sess, protocol.GetDirectories{})
}

// ========== dialing ==========

// ensureDial starts an outbound dial to a discovered peer unless a
// session or dial is already underway.
func (s *Server) ensureDial(peerID uuid.UUID) {
	if _, ok := s.sessions[peerID]; ok {
		return
	}
	if s.dialing[peerID] {
		return
	}

	target, ok := s.discovered[peerID]
	if !ok {
		delete(s.pendingShares, peerID)
		s.emitError("Cannot reach peer", fmt.Errorf("peer %s not discovered on this network", peerID))
		return
	}

	s.dialing[peerID] = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dial(target)
	}()
}

func (s *Server) dial(target discovery.Peer) {
	var sess *session.Session

	err := retry.Do(s.ctx, func(ctx context.Context) error {
		dialed, err := session.Dial(ctx, target.Addr, s.sessionOpts())
		if err != nil {
			return err
		}

		remote, err := dialed.Handshake(s.self)
		if err != nil {
			dialed.Close()
			return err
		}
		if remote.ID != target.Peer.ID {
			dialed.Close()
			return fmt.Errorf("peer at %s identified as %s, expected %s",
				target.Addr, remote.ID, target.Peer.ID)
		}

		sess = dialed
		return nil
	},
		retry.WithMaxAttempts(config.Load().DialAttempts),
		retry.WithOnRetry(func(attempt int, err error, _ time.Duration) {
			s.log.Debug("dial retry",
				"peer_id", target.Peer.ID,
				"attempt", attempt,
				"error", err.Error(),
			)
		}),
	)
	if err != nil {
		s.enqueue(evtDialFailed{PeerID: target.Peer.ID, Err: err})
		return
	}

	s.enqueue(evtSessionReady{Session: sess})
}

// ========== inbound traffic ==========

func (s *Server) handlePeerMessage(sess *session.Session, m protocol.Message) {
	switch msg := m.(type) {
	case protocol.GetDirectories:
		s.handleGetDirectories(sess)
	case protocol.Directories:
		s.handleDirectories(sess, msg)
	case protocol.ShareDirectory:
		s.handleShareDirectoryMsg(sess, msg)
	case protocol.DirectoryUpdate:
		s.handleDirectoryUpdateMsg(sess, msg)
	case protocol.FileRequest:
		s.handleFileRequest(sess, msg)
	case protocol.FileChunk:
		s.engine.Deliver(msg)
	case protocol.CancelDownload:
		s.handleCancelDownloadMsg(msg)
	case protocol.LeaveDirectory:
		s.handleLeaveDirectoryMsg(sess, msg)
	case protocol.Error:
		s.emitter.Emit(EventError, ErrorPayload{
			Title: fmt.Sprintf("Peer %s reported an error", sess.Remote().Hostname),
			Error: msg.Message,
		})
	default:
		s.log.Warn("unexpected frame",
			"peer_id", sess.Remote().ID,
			"kind", m.Kind().String(),
		)
	}
}

func (s *Server) handleGetDirectories(sess *session.Session) {
	remote := sess.Remote().ID

	var sigs []share.Signature
	for _, id := range sortedDirIDs(s.dirs) {
		dir := s.dirs[id]
		if dir.Signature.SharedPeers.Has(remote) {
			sigs = append(sigs, dir.Signature.Clone())
		}
	}

	s.send(sess, protocol.Directories{Signatures: sigs})
}

// handleDirectories reconciles after (re)connect: any directory where
// the transaction ids disagree gets a full state push. MergeFull on the
// other side makes the exchange converge instead of ping-ponging.
func (s *Server) handleDirectories(sess *session.Session, msg protocol.Directories) {
	for _, sig := range msg.Signatures {
		dir, ok := s.dirs[sig.ID]
		if !ok {
			continue
		}
		if sig.LastTxID == dir.Signature.LastTxID {
			continue
		}
		s.send(sess, protocol.ShareDirectory{Directory: dir.Clone()})
	}
}

func (s *Server) handleShareDirectoryMsg(sess *session.Session, msg protocol.ShareDirectory) {
	incoming := msg.Directory
	sender := sess.Remote().ID

	incoming.Signature.SharedPeers.Add(sender)
	incoming.Signature.SharedPeers.Add(s.self.ID)

	if existing, ok := s.dirs[incoming.Signature.ID]; ok {
		existing.MergeFull(incoming)
		s.persist(existing)
		s.emitter.Emit(EventUpdateDirectory, directoryPayload(existing))
		return
	}

	dir := incoming.Clone()
	for _, f := range dir.Files {
		f.LocalPath = ""
	}
	s.dirs[dir.Signature.ID] = dir
	s.persist(dir)

	s.log.Info("directory shared with us",
		"directory_id", dir.Signature.ID,
		"name", dir.Signature.Name,
		"from", sender,
	)

	s.emitter.Emit(EventNewShareDirectory, directoryPayload(dir))
	s.emitDirectories()
}

func (s *Server) handleDirectoryUpdateMsg(sess *session.Session, msg protocol.DirectoryUpdate) {
	dir, ok := s.dirs[msg.Update.Signature.ID]
	if !ok {
		s.send(sess, protocol.Error{
			Code:    protocol.ErrCodeUnknownDirectory,
			Message: fmt.Sprintf("unknown directory %s", msg.Update.Signature.ID),
		})
		return
	}

	if !dir.ApplyUpdate(sess.Remote().ID, msg.Update) {
		return
	}
	dir.Signature.SharedPeers.Add(s.self.ID)

	s.persist(dir)
	s.emitter.Emit(EventUpdateDirectory, directoryPayload(dir))
}

func (s *Server) handleFileRequest(sess *session.Session, req protocol.FileRequest) {
	remote := sess.Remote().ID

	dir, ok := s.dirs[req.DirectoryID]
	if !ok {
		s.send(sess, protocol.Error{
			Code:    protocol.ErrCodeUnknownDirectory,
			Message: fmt.Sprintf("unknown directory %s", req.DirectoryID),
		})
		return
	}
	if !dir.Signature.SharedPeers.Has(remote) {
		s.send(sess, protocol.Error{
			Code:    protocol.ErrCodeNotShared,
			Message: fmt.Sprintf("directory %s is not shared with you", req.DirectoryID),
		})
		return
	}

	file, ok := dir.Files[req.FileID]
	if !ok || !file.OwnedPeers.Has(s.self.ID) || file.LocalPath == "" {
		s.send(sess, protocol.Error{
			Code:    protocol.ErrCodeUnknownFile,
			Message: fmt.Sprintf("file %s is not available here", req.FileID),
		})
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.uploads[req.DownloadID] = upload{cancel: cancel, peer: remote}

	path := file.LocalPath
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		err := transfer.SendFile(ctx, path, req.DownloadID, req.Offset, sess.Send)
		if err != nil && ctx.Err() == nil {
			s.log.Warn("upload failed",
				"download_id", req.DownloadID,
				"peer_id", remote,
				"error", err.Error(),
			)
		}
		s.enqueue(evtUploadDone{DownloadID: req.DownloadID})
	}()
}

func (s *Server) handleCancelDownloadMsg(msg protocol.CancelDownload) {
	if up, ok := s.uploads[msg.DownloadID]; ok {
		up.cancel()
		delete(s.uploads, msg.DownloadID)
		return
	}

	// Not one of our uploads: the sending side aborted our download.
	s.engine.Cancel(msg.DownloadID, transfer.ReasonCanceled)
}

func (s *Server) handleLeaveDirectoryMsg(sess *session.Session, msg protocol.LeaveDirectory) {
	dir, ok := s.dirs[msg.DirectoryID]
	if !ok {
		return
	}
	sender := sess.Remote().ID

	dir.Signature.SharedPeers.Remove(sender)
	dir.RemoveOwner(sender)
	dir.Signature.SharedPeers.Add(s.self.ID)

	s.persist(dir)

	s.log.Info("peer left directory",
		"directory_id", msg.DirectoryID,
		"peer_id", sender,
	)

	s.emitter.Emit(EventUpdateDirectory, directoryPayload(dir))
	s.emitDirectories()
}

// ========== discovery ==========

func (s *Server) handlePeerFound(p discovery.Peer) {
	s.discovered[p.Peer.ID] = p

	// Passive discovery never opens a session on its own; only shared
	// membership or an explicit share request does.
	if _, ok := s.sessions[p.Peer.ID]; !ok && s.sharesWith(p.Peer.ID) {
		s.ensureDial(p.Peer.ID)
	}

	s.emitPeers()
}

func (s *Server) handlePeerLost(id uuid.UUID) {
	delete(s.discovered, id)
	s.emitPeers()
}

func (s *Server) sharesWith(peerID uuid.UUID) bool {
	for _, dir := range s.dirs {
		if dir.Signature.SharedPeers.Has(peerID) {
			return true
		}
	}
	return false
}

// ========== transfer results ==========

// handleDownloadComplete records local ownership of a verified download
// and announces it to the directory.
func (s *Server) handleDownloadComplete(c transfer.Completed) {
	dir, ok := s.dirs[c.DirectoryID]
	if !ok {
		return
	}
	file, ok := dir.Files[c.FileID]
	if !ok {
		return
	}

	file.LocalPath = c.LocalPath
	file.OwnedPeers.Add(s.self.ID)

	tx := s.commit(dir)

	s.emitter.Emit(EventUpdateDirectory, directoryPayload(dir))

	s.broadcast(dir, protocol.DirectoryUpdate{Update: share.Update{
		Signature: dir.Signature.Clone(),
		Added:     wireFiles([]*share.File{file}),
		NewTxID:   tx,
	}})
}

func addrPortOf(sess *session.Session) (ap netip.AddrPort) {
	if tcp, ok := sess.RemoteAddr().(*net.TCPAddr); ok {
		ap = tcp.AddrPort()
	}
	return ap
}
