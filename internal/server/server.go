package server

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tomaskal/filedrop/internal/config"
	"github.com/tomaskal/filedrop/internal/discovery"
	"github.com/tomaskal/filedrop/internal/protocol"
	"github.com/tomaskal/filedrop/internal/session"
	"github.com/tomaskal/filedrop/internal/share"
	"github.com/tomaskal/filedrop/internal/store"
	"github.com/tomaskal/filedrop/internal/transfer"
)

// Server is the single writer over the shared state: the directory map,
// the session map, and the download registry. Every mutation happens on
// the run goroutine; everyone else talks to it through the inbox.
type Server struct {
	log     *slog.Logger
	self    share.Peer
	st      *store.Store
	emitter Emitter
	engine  *transfer.Engine

	inbox  chan command
	closed chan struct{}
	ctx    context.Context
	wg     sync.WaitGroup

	// Run-goroutine state. Never touched from outside.
	settings      store.Settings
	dirs          map[uuid.UUID]*share.Directory
	sessions      map[uuid.UUID]*session.Session
	discovered    map[uuid.UUID]discovery.Peer
	uploads       map[uuid.UUID]upload
	pendingShares map[uuid.UUID][]uuid.UUID
	dialing       map[uuid.UUID]bool
}

type Opts struct {
	Log     *slog.Logger
	Self    share.Peer
	Store   *store.Store
	Emitter Emitter
}

func New(opts *Opts) (*Server, error) {
	s := &Server{
		log:           opts.Log.With("component", "server"),
		self:          opts.Self,
		st:            opts.Store,
		emitter:       opts.Emitter,
		inbox:         make(chan command, config.Load().InboxBacklog),
		closed:        make(chan struct{}),
		dirs:          make(map[uuid.UUID]*share.Directory),
		sessions:      make(map[uuid.UUID]*session.Session),
		discovered:    make(map[uuid.UUID]discovery.Peer),
		uploads:       make(map[uuid.UUID]upload),
		pendingShares: make(map[uuid.UUID][]uuid.UUID),
		dialing:       make(map[uuid.UUID]bool),
	}

	s.engine = transfer.NewEngine(opts.Log, opts.Emitter, func(c transfer.Completed) {
		s.enqueue(evtDownloadComplete{Completed: c})
	})

	settings, err := opts.Store.LoadSettings()
	if err != nil {
		// Damaged settings are replaced by defaults; the shell hears why.
		s.emitError("Failed to load settings", err)
	}
	s.settings = settings

	dirs, err := opts.Store.LoadDirectories()
	if err != nil {
		s.emitError("Failed to load share directories", err)
	}
	for _, d := range dirs {
		d.Signature.SharedPeers.Add(s.self.ID)
		s.dirs[d.Signature.ID] = d
	}

	return s, nil
}

// Run processes the inbox until ctx is canceled, then shuts down:
// persist everything, close every session, and give the writers a
// bounded window to drain.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx
	s.log.Info("server up",
		"peer_id", s.self.ID,
		"hostname", s.self.Hostname,
		"directories", len(s.dirs),
	)

	snapshot := time.NewTicker(config.Load().SnapshotInterval)
	defer snapshot.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil

		case cmd := <-s.inbox:
			s.dispatch(cmd)

		case <-snapshot.C:
			s.persistAll()
		}
	}
}

func (s *Server) enqueue(c command) {
	select {
	case <-s.closed:
	case s.inbox <- c:
	}
}

func (s *Server) dispatch(c command) {
	switch cmd := c.(type) {
	case cmdCreateDirectory:
		s.handleCreateDirectory(cmd)
	case cmdGetDirectories:
		s.emitDirectories()
	case cmdAddFiles:
		s.handleAddFiles(cmd)
	case cmdShareDirectory:
		s.handleShareDirectory(cmd)
	case cmdLeaveDirectory:
		s.handleLeaveDirectory(cmd)
	case cmdDownloadFile:
		s.handleDownloadFile(cmd)
	case cmdDeleteFile:
		s.handleDeleteFile(cmd)
	case cmdCancelDownload:
		s.handleCancelDownload(cmd)
	case cmdGetPeers:
		s.emitPeers()
	case cmdGetSettings:
		s.emitter.Emit(EventSettings, s.settings)
	case cmdSaveSettings:
		s.handleSaveSettings(cmd)
	case evtSessionReady:
		s.handleSessionReady(cmd.Session)
	case evtPeerMessage:
		s.handlePeerMessage(cmd.Session, cmd.Message)
	case evtPeerGone:
		s.handlePeerGone(cmd.Session)
	case evtPeerIdle:
		s.handlePeerIdle(cmd.Session)
	case evtPeerFound:
		s.handlePeerFound(cmd.Peer)
	case evtPeerLost:
		s.handlePeerLost(cmd.ID)
	case evtFilesHashed:
		s.handleFilesHashed(cmd)
	case evtDownloadComplete:
		s.handleDownloadComplete(cmd.Completed)
	case evtUploadDone:
		delete(s.uploads, cmd.DownloadID)
	case evtDialFailed:
		delete(s.dialing, cmd.PeerID)
		delete(s.pendingShares, cmd.PeerID)
		s.emitError("Failed to reach peer", cmd.Err)
	default:
		s.log.Warn("unknown command", "command", fmt.Sprintf("%T", c))
	}
}

// ========== shell command handlers ==========

func (s *Server) handleCreateDirectory(cmd cmdCreateDirectory) {
	dir := share.NewDirectory(cmd.Name, s.self.ID)
	s.dirs[dir.Signature.ID] = dir
	s.persist(dir)

	s.log.Info("directory created", "directory_id", dir.Signature.ID, "name", cmd.Name)

	s.emitter.Emit(EventNewShareDirectory, directoryPayload(dir))
	s.emitDirectories()
}

func (s *Server) handleAddFiles(cmd cmdAddFiles) {
	if _, ok := s.dirs[cmd.DirectoryID]; !ok {
		s.emitError("Cannot add files", fmt.Errorf("unknown directory %s", cmd.DirectoryID))
		return
	}

	// Hashing can take a while for large files; do it off the actor and
	// come back through the inbox.
	paths := append([]string(nil), cmd.Paths...)
	self := s.self.ID
	go func() {
		var (
			files  []share.File
			failed []string
		)
		for _, path := range paths {
			hash, size, modified, err := share.HashFile(path)
			if err != nil {
				failed = append(failed, fmt.Sprintf("%s: %v", path, err))
				continue
			}
			files = append(files, share.File{
				ID:           uuid.New(),
				Name:         filepath.Base(path),
				Size:         size,
				ContentHash:  hash,
				LastModified: modified,
				OwnedPeers:   share.NewPeerSet(self),
				LocalPath:    path,
			})
		}
		s.enqueue(evtFilesHashed{DirectoryID: cmd.DirectoryID, Files: files, Failed: failed})
	}()
}

func (s *Server) handleFilesHashed(cmd evtFilesHashed) {
	for _, failure := range cmd.Failed {
		s.emitError("Failed to add file", fmt.Errorf("%s", failure))
	}
	if len(cmd.Files) == 0 {
		return
	}

	dir, ok := s.dirs[cmd.DirectoryID]
	if !ok {
		// Directory vanished while hashing (leave won the race).
		return
	}

	added := make([]*share.File, 0, len(cmd.Files))
	for i := range cmd.Files {
		f := cmd.Files[i].Clone()
		dir.Files[f.ID] = f
		added = append(added, f)
	}

	tx := s.commit(dir)

	s.log.Info("files added",
		"directory_id", dir.Signature.ID,
		"count", len(added),
		"tx", tx,
	)

	s.emitter.Emit(EventAddedFiles, AddedFilesPayload{
		DirectoryID: dir.Signature.ID,
		Files:       added,
	})
	s.emitter.Emit(EventUpdateDirectory, directoryPayload(dir))

	s.broadcast(dir, protocol.DirectoryUpdate{Update: share.Update{
		Signature: dir.Signature.Clone(),
		Added:     wireFiles(added),
		NewTxID:   tx,
	}})
}

func (s *Server) handleShareDirectory(cmd cmdShareDirectory) {
	dir, ok := s.dirs[cmd.DirectoryID]
	if !ok {
		s.emitError("Cannot share directory", fmt.Errorf("unknown directory %s", cmd.DirectoryID))
		return
	}

	changed := false
	for _, peerID := range cmd.Peers {
		if peerID == s.self.ID || dir.Signature.SharedPeers.Has(peerID) {
			continue
		}
		dir.Signature.SharedPeers.Add(peerID)
		changed = true
	}
	if changed {
		s.commit(dir)
	}

	for _, peerID := range cmd.Peers {
		if peerID == s.self.ID {
			continue
		}

		if sess, ok := s.sessions[peerID]; ok {
			s.send(sess, protocol.ShareDirectory{Directory: dir.Clone()})
			continue
		}

		s.pendingShares[peerID] = appendUnique(s.pendingShares[peerID], dir.Signature.ID)
		s.ensureDial(peerID)
	}

	s.emitter.Emit(EventUpdateDirectory, directoryPayload(dir))
}

func (s *Server) handleLeaveDirectory(cmd cmdLeaveDirectory) {
	dir, ok := s.dirs[cmd.DirectoryID]
	if !ok {
		return
	}

	for _, peerID := range dir.Signature.SharedPeers.Sorted() {
		if peerID == s.self.ID {
			continue
		}
		if sess, ok := s.sessions[peerID]; ok {
			s.send(sess, protocol.LeaveDirectory{DirectoryID: dir.Signature.ID})
		}
	}

	delete(s.dirs, cmd.DirectoryID)
	if err := s.st.DeleteDirectory(cmd.DirectoryID); err != nil {
		s.emitError("Failed to remove directory snapshot", err)
	}

	s.log.Info("left directory", "directory_id", cmd.DirectoryID)
	s.emitDirectories()
}

func (s *Server) handleDownloadFile(cmd cmdDownloadFile) {
	dir, ok := s.dirs[cmd.DirectoryID]
	if !ok {
		s.emitError("Cannot download", fmt.Errorf("unknown directory %s", cmd.DirectoryID))
		return
	}
	file, ok := dir.Files[cmd.FileID]
	if !ok {
		s.emitError("Cannot download", fmt.Errorf("unknown file %s", cmd.FileID))
		return
	}

	source, ok := s.pickSource(file)
	if !ok {
		s.emitError("Cannot download", fmt.Errorf("no reachable peer owns %q", file.Name))
		return
	}
	sess := s.sessions[source]

	req := transfer.Request{
		DownloadID:  uuid.New(),
		DirectoryID: dir.Signature.ID,
		FileID:      file.ID,
		Source:      source,
		FileName:    file.Name,
		Size:        file.Size,
		ContentHash: file.ContentHash,
		DownloadDir: s.settings.DownloadDirectory,
	}

	if err := s.engine.Start(s.ctx, req); err != nil {
		s.emitError("Cannot start download", err)
		return
	}

	s.send(sess, protocol.FileRequest{
		DownloadID:  req.DownloadID,
		DirectoryID: req.DirectoryID,
		FileID:      req.FileID,
		Offset:      0,
	})
}

// pickSource chooses deterministically among the owners we can reach:
// first live session in UUID order.
func (s *Server) pickSource(file *share.File) (uuid.UUID, bool) {
	for _, peerID := range file.OwnedPeers.Sorted() {
		if peerID == s.self.ID {
			continue
		}
		if _, live := s.sessions[peerID]; live {
			return peerID, true
		}
	}
	return uuid.UUID{}, false
}

func (s *Server) handleDeleteFile(cmd cmdDeleteFile) {
	dir, ok := s.dirs[cmd.DirectoryID]
	if !ok {
		return
	}
	file, ok := dir.Files[cmd.FileID]
	if !ok {
		return
	}
	if !file.OwnedPeers.Has(s.self.ID) {
		s.emitError("Cannot delete file", fmt.Errorf("not an owner of %q", file.Name))
		return
	}

	file.OwnedPeers.Remove(s.self.ID)
	if file.OwnedPeers.Len() == 0 {
		delete(dir.Files, cmd.FileID)
	}

	tx := s.commit(dir)

	s.emitter.Emit(EventUpdateDirectory, directoryPayload(dir))

	s.broadcast(dir, protocol.DirectoryUpdate{Update: share.Update{
		Signature:  dir.Signature.Clone(),
		RemovedIDs: []uuid.UUID{cmd.FileID},
		NewTxID:    tx,
	}})
}

func (s *Server) handleCancelDownload(cmd cmdCancelDownload) {
	source, active := s.engine.Source(cmd.DownloadID)
	if !s.engine.Cancel(cmd.DownloadID, transfer.ReasonCanceled) {
		return
	}
	if active {
		if sess, ok := s.sessions[source]; ok {
			s.send(sess, protocol.CancelDownload{DownloadID: cmd.DownloadID})
		}
	}
}

func (s *Server) handleSaveSettings(cmd cmdSaveSettings) {
	if err := s.st.SaveSettings(cmd.Settings); err != nil {
		s.emitError("Failed to save settings", err)
		return
	}
	s.settings = cmd.Settings
	s.emitter.Emit(EventSettings, s.settings)
}

// ========== persistence ==========

// commit stamps a fresh transaction id on the directory and persists it.
func (s *Server) commit(dir *share.Directory) uuid.UUID {
	tx := uuid.New()
	dir.Signature.LastTxID = tx
	s.persist(dir)
	return tx
}

func (s *Server) persist(dir *share.Directory) {
	if err := s.st.SaveDirectory(dir); err != nil {
		s.emitError("Failed to persist directory", err)
	}
}

func (s *Server) persistAll() {
	for _, dir := range s.dirs {
		s.persist(dir)
	}
}

// ========== outbound ==========

// send enqueues without blocking; protocol frames other than chunks are
// small and the outbox is deep, so overflow means the peer is stuck and
// worth reporting.
func (s *Server) send(sess *session.Session, m protocol.Message) {
	if err := sess.TrySend(m); err != nil {
		s.log.Warn("dropped outbound frame",
			"peer_id", sess.Remote().ID,
			"kind", m.Kind().String(),
			"error", err.Error(),
		)
	}
}

// broadcast sends m to every live session of the directory's members.
func (s *Server) broadcast(dir *share.Directory, m protocol.Message) {
	for _, peerID := range dir.Signature.SharedPeers.Sorted() {
		if peerID == s.self.ID {
			continue
		}
		if sess, ok := s.sessions[peerID]; ok {
			s.send(sess, m)
		}
	}
}

// ========== shutdown ==========

func (s *Server) shutdown() {
	close(s.closed)

	s.persistAll()

	for _, up := range s.uploads {
		up.cancel()
	}
	for _, sess := range s.sessions {
		sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(config.Load().ShutdownTimeout):
		s.log.Warn("session drain timed out, aborting")
	}

	s.log.Info("server stopped")
}

// ========== misc ==========

func appendUnique(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func wireFiles(files []*share.File) []share.File {
	out := make([]share.File, 0, len(files))
	for _, f := range files {
		c := f.Clone()
		c.LocalPath = ""
		out = append(out, *c)
	}
	return out
}

func sortedDirIDs(dirs map[uuid.UUID]*share.Directory) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(dirs))
	for id := range dirs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

func sortedPeerIDs(peers map[uuid.UUID]discovery.Peer) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}
