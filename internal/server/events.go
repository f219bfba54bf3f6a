package server

import (
	"net/netip"

	"github.com/google/uuid"
	"github.com/tomaskal/filedrop/internal/share"
)

// Event channel names consumed by the shell. Download events live in
// the transfer package next to their payloads.
const (
	EventNewShareDirectory      = "NewShareDirectory"
	EventUpdateShareDirectories = "UpdateShareDirectories"
	EventUpdateDirectory        = "UpdateDirectory"
	EventAddedFiles             = "AddedFiles"
	EventGetPeers               = "GetPeers"
	EventSettings               = "Settings"
	EventError                  = "Error"
)

// Emitter is the outbound half of the event bus. Production wires it to
// the wails runtime; tests record.
type Emitter interface {
	Emit(event string, payload any)
}

// DirectoryPayload is a consistent snapshot of one directory. Files are
// sorted by id so the shell renders stably.
type DirectoryPayload struct {
	Signature share.Signature `json:"signature"`
	Files     []*share.File   `json:"files"`
}

type AddedFilesPayload struct {
	DirectoryID uuid.UUID     `json:"directoryId"`
	Files       []*share.File `json:"files"`
}

type PeerPayload struct {
	ID       uuid.UUID      `json:"id"`
	Hostname string         `json:"hostname"`
	Addr     netip.AddrPort `json:"addr"`
	Online   bool           `json:"online"`
}

type ErrorPayload struct {
	Title string `json:"title"`
	Error string `json:"error"`
}

func directoryPayload(d *share.Directory) DirectoryPayload {
	c := d.Clone()
	return DirectoryPayload{
		Signature: c.Signature,
		Files:     c.FilesSorted(),
	}
}

func (s *Server) emitError(title string, err error) {
	s.log.Error(title, "error", err.Error())
	s.emitter.Emit(EventError, ErrorPayload{Title: title, Error: err.Error()})
}

func (s *Server) emitDirectories() {
	payload := make([]DirectoryPayload, 0, len(s.dirs))
	for _, id := range sortedDirIDs(s.dirs) {
		payload = append(payload, directoryPayload(s.dirs[id]))
	}
	s.emitter.Emit(EventUpdateShareDirectories, payload)
}

func (s *Server) emitPeers() {
	payload := make([]PeerPayload, 0, len(s.discovered))
	for _, id := range sortedPeerIDs(s.discovered) {
		p := s.discovered[id]
		_, online := s.sessions[id]
		payload = append(payload, PeerPayload{
			ID:       p.Peer.ID,
			Hostname: p.Peer.Hostname,
			Addr:     p.Addr,
			Online:   online,
		})
	}
	s.emitter.Emit(EventGetPeers, payload)
}
