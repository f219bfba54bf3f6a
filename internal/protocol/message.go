package protocol

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tomaskal/filedrop/internal/share"
)

// Version is the wire schema version carried in the handshake. Bump it
// when the schema changes incompatibly (e.g. widening content_hash).
const Version = 1

type Kind uint8

const (
	KindHandshake Kind = iota + 1
	KindGetDirectories
	KindDirectories
	KindShareDirectory
	KindDirectoryUpdate
	KindFileRequest
	KindFileChunk
	KindCancelDownload
	KindLeaveDirectory
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "Handshake"
	case KindGetDirectories:
		return "GetDirectories"
	case KindDirectories:
		return "Directories"
	case KindShareDirectory:
		return "ShareDirectory"
	case KindDirectoryUpdate:
		return "DirectoryUpdate"
	case KindFileRequest:
		return "FileRequest"
	case KindFileChunk:
		return "FileChunk"
	case KindCancelDownload:
		return "CancelDownload"
	case KindLeaveDirectory:
		return "LeaveDirectory"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Message is the tagged union of everything that can cross a session.
// Each variant has exactly one wire encoding; decoding a frame that
// carries none of the known variants fails with ErrUnknownMessageKind.
type Message interface {
	Kind() Kind
}

// Handshake is the first frame in both directions on a new session.
type Handshake struct {
	PeerID   uuid.UUID
	Hostname string
	Version  uint32
}

// GetDirectories asks the remote for the directories it shares with us.
type GetDirectories struct{}

// Directories is the reply to GetDirectories.
type Directories struct {
	Signatures []share.Signature
}

// ShareDirectory pushes full directory state, used on the initial share.
type ShareDirectory struct {
	Directory *share.Directory
}

// DirectoryUpdate carries an incremental mutation. An update whose
// NewTxID equals the receiver's current transaction id is a no-op and
// doubles as the session keepalive.
type DirectoryUpdate struct {
	Update share.Update
}

// FileRequest asks the remote to stream a file's content.
type FileRequest struct {
	DownloadID  uuid.UUID
	DirectoryID uuid.UUID
	FileID      uuid.UUID
	Offset      int64
}

// FileChunk is one bounded slice of file content.
type FileChunk struct {
	DownloadID uuid.UUID
	Offset     int64
	Data       []byte
	IsLast     bool
}

// CancelDownload aborts a transfer; either endpoint may send it.
type CancelDownload struct {
	DownloadID uuid.UUID
}

// LeaveDirectory announces the sender no longer participates in the
// directory.
type LeaveDirectory struct {
	DirectoryID uuid.UUID
}

// Error is a non-fatal application-level error; the session stays open.
type Error struct {
	Code    uint32
	Message string
}

const (
	ErrCodeUnknownDirectory uint32 = 1
	ErrCodeUnknownFile      uint32 = 2
	ErrCodeNotShared        uint32 = 3
	ErrCodeReadFailed       uint32 = 4
)

func (Handshake) Kind() Kind       { return KindHandshake }
func (GetDirectories) Kind() Kind  { return KindGetDirectories }
func (Directories) Kind() Kind     { return KindDirectories }
func (ShareDirectory) Kind() Kind  { return KindShareDirectory }
func (DirectoryUpdate) Kind() Kind { return KindDirectoryUpdate }
func (FileRequest) Kind() Kind     { return KindFileRequest }
func (FileChunk) Kind() Kind       { return KindFileChunk }
func (CancelDownload) Kind() Kind  { return KindCancelDownload }
func (LeaveDirectory) Kind() Kind  { return KindLeaveDirectory }
func (Error) Kind() Kind           { return KindError }
