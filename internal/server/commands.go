package server

import (
	"github.com/google/uuid"
	"github.com/tomaskal/filedrop/internal/discovery"
	"github.com/tomaskal/filedrop/internal/protocol"
	"github.com/tomaskal/filedrop/internal/session"
	"github.com/tomaskal/filedrop/internal/share"
	"github.com/tomaskal/filedrop/internal/store"
	"github.com/tomaskal/filedrop/internal/transfer"
)

// Everything the server acts on arrives through its inbox as a tagged
// command: shell commands, session traffic, discovery observations, and
// results from spawned tasks. One dispatch in run() routes them all.
type command interface {
	isCommand()
}

// ========== shell commands ==========

type cmdCreateDirectory struct{ Name string }

type cmdGetDirectories struct{}

type cmdAddFiles struct {
	DirectoryID uuid.UUID
	Paths       []string
}

type cmdShareDirectory struct {
	DirectoryID uuid.UUID
	Peers       []uuid.UUID
}

type cmdLeaveDirectory struct{ DirectoryID uuid.UUID }

type cmdDownloadFile struct {
	DirectoryID uuid.UUID
	FileID      uuid.UUID
}

type cmdDeleteFile struct {
	DirectoryID uuid.UUID
	FileID      uuid.UUID
}

type cmdCancelDownload struct{ DownloadID uuid.UUID }

type cmdGetPeers struct{}

type cmdGetSettings struct{}

type cmdSaveSettings struct{ Settings store.Settings }

// ========== session events ==========

type evtSessionReady struct{ Session *session.Session }

type evtPeerMessage struct {
	Session *session.Session
	Message protocol.Message
}

type evtPeerGone struct{ Session *session.Session }

type evtPeerIdle struct{ Session *session.Session }

// ========== discovery events ==========

type evtPeerFound struct{ Peer discovery.Peer }

type evtPeerLost struct{ ID uuid.UUID }

// ========== task results ==========

type evtFilesHashed struct {
	DirectoryID uuid.UUID
	Files       []share.File
	Failed      []string
}

type evtDownloadComplete struct{ Completed transfer.Completed }

type evtUploadDone struct{ DownloadID uuid.UUID }

type evtDialFailed struct {
	PeerID uuid.UUID
	Err    error
}

func (cmdCreateDirectory) isCommand()  {}
func (cmdGetDirectories) isCommand()   {}
func (cmdAddFiles) isCommand()         {}
func (cmdShareDirectory) isCommand()   {}
func (cmdLeaveDirectory) isCommand()   {}
func (cmdDownloadFile) isCommand()     {}
func (cmdDeleteFile) isCommand()       {}
func (cmdCancelDownload) isCommand()   {}
func (cmdGetPeers) isCommand()         {}
func (cmdGetSettings) isCommand()      {}
func (cmdSaveSettings) isCommand()     {}
func (evtSessionReady) isCommand()     {}
func (evtPeerMessage) isCommand()      {}
func (evtPeerGone) isCommand()         {}
func (evtPeerIdle) isCommand()         {}
func (evtPeerFound) isCommand()        {}
func (evtPeerLost) isCommand()         {}
func (evtFilesHashed) isCommand()      {}
func (evtDownloadComplete) isCommand() {}
func (evtUploadDone) isCommand()       {}
func (evtDialFailed) isCommand()       {}

// ========== public enqueue surface (fire-and-forget) ==========

func (s *Server) CreateDirectory(name string) { s.enqueue(cmdCreateDirectory{Name: name}) }

func (s *Server) GetAllDirectories() { s.enqueue(cmdGetDirectories{}) }

func (s *Server) AddFiles(directoryID uuid.UUID, paths []string) {
	s.enqueue(cmdAddFiles{DirectoryID: directoryID, Paths: paths})
}

func (s *Server) ShareDirectoryToPeers(directoryID uuid.UUID, peers []uuid.UUID) {
	s.enqueue(cmdShareDirectory{DirectoryID: directoryID, Peers: peers})
}

func (s *Server) LeaveDirectory(directoryID uuid.UUID) {
	s.enqueue(cmdLeaveDirectory{DirectoryID: directoryID})
}

func (s *Server) DownloadFile(directoryID, fileID uuid.UUID) {
	s.enqueue(cmdDownloadFile{DirectoryID: directoryID, FileID: fileID})
}

func (s *Server) DeleteFile(directoryID, fileID uuid.UUID) {
	s.enqueue(cmdDeleteFile{DirectoryID: directoryID, FileID: fileID})
}

func (s *Server) CancelDownload(downloadID uuid.UUID) {
	s.enqueue(cmdCancelDownload{DownloadID: downloadID})
}

func (s *Server) GetPeers() { s.enqueue(cmdGetPeers{}) }

func (s *Server) GetSettings() { s.enqueue(cmdGetSettings{}) }

func (s *Server) SaveSettings(settings store.Settings) {
	s.enqueue(cmdSaveSettings{Settings: settings})
}

// PeerFound and PeerLost are the discovery callbacks.
func (s *Server) PeerFound(p discovery.Peer) { s.enqueue(evtPeerFound{Peer: p}) }

func (s *Server) PeerLost(id uuid.UUID) { s.enqueue(evtPeerLost{ID: id}) }
