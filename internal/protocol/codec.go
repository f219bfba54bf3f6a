package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tomaskal/filedrop/internal/share"
	"google.golang.org/protobuf/encoding/protowire"
)

// The codec writes the schema in wire.proto field by field. Each domain
// message has exactly one encoding; the envelope carries exactly one
// populated sub-message whose field number identifies the kind.

const (
	fieldHandshake       protowire.Number = 1
	fieldGetDirectories  protowire.Number = 2
	fieldDirectories     protowire.Number = 3
	fieldShareDirectory  protowire.Number = 4
	fieldDirectoryUpdate protowire.Number = 5
	fieldFileRequest     protowire.Number = 6
	fieldFileChunk       protowire.Number = 7
	fieldCancelDownload  protowire.Number = 8
	fieldLeaveDirectory  protowire.Number = 9
	fieldError           protowire.Number = 10
)

// Marshal encodes m into an envelope body (without the frame length).
func Marshal(m Message) ([]byte, error) {
	var num protowire.Number
	var sub []byte

	switch msg := m.(type) {
	case Handshake:
		num, sub = fieldHandshake, encodeHandshake(msg)
	case GetDirectories:
		num, sub = fieldGetDirectories, nil
	case Directories:
		num, sub = fieldDirectories, encodeDirectories(msg)
	case ShareDirectory:
		num, sub = fieldShareDirectory, encodeShareDirectory(msg)
	case DirectoryUpdate:
		num, sub = fieldDirectoryUpdate, encodeDirectoryUpdate(msg)
	case FileRequest:
		num, sub = fieldFileRequest, encodeFileRequest(msg)
	case FileChunk:
		num, sub = fieldFileChunk, encodeFileChunk(msg)
	case CancelDownload:
		num, sub = fieldCancelDownload, appendUUIDField(nil, 1, msg.DownloadID)
	case LeaveDirectory:
		num, sub = fieldLeaveDirectory, appendUUIDField(nil, 1, msg.DirectoryID)
	case Error:
		num, sub = fieldError, encodeError(msg)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageKind, m)
	}

	b := protowire.AppendTag(nil, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub), nil
}

// Unmarshal decodes an envelope body into the domain message it carries.
func Unmarshal(b []byte) (Message, error) {
	var msg Message

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrMalformedMessage
		}
		b = b[n:]

		if typ != protowire.BytesType || num < fieldHandshake || num > fieldError {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrMalformedMessage
			}
			b = b[n:]
			continue
		}

		sub, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, ErrMalformedMessage
		}
		b = b[n:]

		if msg != nil {
			// Only the first recognized kind counts.
			continue
		}

		var err error
		switch num {
		case fieldHandshake:
			msg, err = decodeHandshake(sub)
		case fieldGetDirectories:
			msg = GetDirectories{}
		case fieldDirectories:
			msg, err = decodeDirectories(sub)
		case fieldShareDirectory:
			msg, err = decodeShareDirectory(sub)
		case fieldDirectoryUpdate:
			msg, err = decodeDirectoryUpdate(sub)
		case fieldFileRequest:
			msg, err = decodeFileRequest(sub)
		case fieldFileChunk:
			msg, err = decodeFileChunk(sub)
		case fieldCancelDownload:
			msg, err = decodeCancelDownload(sub)
		case fieldLeaveDirectory:
			msg, err = decodeLeaveDirectory(sub)
		case fieldError:
			msg, err = decodeError(sub)
		}
		if err != nil {
			return nil, err
		}
	}

	if msg == nil {
		return nil, ErrUnknownMessageKind
	}
	return msg, nil
}

// ========== encode ==========

func appendUUIDField(b []byte, num protowire.Number, id uuid.UUID) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, id[:])
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func encodeHandshake(m Handshake) []byte {
	b := appendUUIDField(nil, 1, m.PeerID)
	b = appendStringField(b, 2, m.Hostname)
	return appendVarintField(b, 3, uint64(m.Version))
}

func encodeSignature(sig share.Signature) []byte {
	b := appendUUIDField(nil, 1, sig.ID)
	b = appendStringField(b, 2, sig.Name)
	b = appendUUIDField(b, 3, sig.LastTxID)
	for _, p := range sig.SharedPeers.Sorted() {
		b = appendUUIDField(b, 4, p)
	}
	return b
}

func encodeFile(f *share.File) []byte {
	b := appendUUIDField(nil, 1, f.ID)
	b = appendStringField(b, 2, f.Name)
	b = appendVarintField(b, 3, uint64(f.Size))
	b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, f.ContentHash)
	b = appendStringField(b, 5, f.LastModified.UTC().Format(time.RFC3339Nano))
	for _, p := range f.OwnedPeers.Sorted() {
		b = appendUUIDField(b, 6, p)
	}
	return b
}

func encodeDirectory(d *share.Directory) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeSignature(d.Signature))
	for _, f := range d.FilesSorted() {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeFile(f))
	}
	return b
}

func encodeDirectories(m Directories) []byte {
	var b []byte
	for i := range m.Signatures {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeSignature(m.Signatures[i]))
	}
	return b
}

func encodeShareDirectory(m ShareDirectory) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(b, encodeDirectory(m.Directory))
}

func encodeDirectoryUpdate(m DirectoryUpdate) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeSignature(m.Update.Signature))
	for i := range m.Update.Added {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeFile(&m.Update.Added[i]))
	}
	for _, id := range m.Update.RemovedIDs {
		b = appendUUIDField(b, 3, id)
	}
	return appendUUIDField(b, 4, m.Update.NewTxID)
}

func encodeFileRequest(m FileRequest) []byte {
	b := appendUUIDField(nil, 1, m.DownloadID)
	b = appendUUIDField(b, 2, m.DirectoryID)
	b = appendUUIDField(b, 3, m.FileID)
	return appendVarintField(b, 4, uint64(m.Offset))
}

func encodeFileChunk(m FileChunk) []byte {
	b := appendUUIDField(nil, 1, m.DownloadID)
	b = appendVarintField(b, 2, uint64(m.Offset))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Data)
	if m.IsLast {
		b = appendVarintField(b, 4, 1)
	}
	return b
}

func encodeError(m Error) []byte {
	b := appendVarintField(nil, 1, uint64(m.Code))
	return appendStringField(b, 2, m.Message)
}

// ========== decode ==========

func asUUID(v []byte) (uuid.UUID, error) {
	if len(v) != 16 {
		return uuid.UUID{}, fmt.Errorf("%w: uuid of %d bytes", ErrMalformedMessage, len(v))
	}
	var id uuid.UUID
	copy(id[:], v)
	return id, nil
}

// scanFields walks the fields of one encoded message, dispatching each
// to the given handler and skipping unknown fields.
func scanFields(b []byte, field func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrMalformedMessage
		}
		b = b[n:]

		consumed, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if consumed == 0 {
			consumed = protowire.ConsumeFieldValue(num, typ, b)
			if consumed < 0 {
				return ErrMalformedMessage
			}
		}
		b = b[consumed:]
	}
	return nil
}

func consumeBytesField(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, ErrMalformedMessage
	}
	return v, n, nil
}

func consumeVarintField(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, ErrMalformedMessage
	}
	return v, n, nil
}

func decodeHandshake(b []byte) (Message, error) {
	var m Handshake
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeBytesField(b)
			if err != nil {
				return 0, err
			}
			if m.PeerID, err = asUUID(v); err != nil {
				return 0, err
			}
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeBytesField(b)
			if err != nil {
				return 0, err
			}
			m.Hostname = string(v)
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n, err := consumeVarintField(b)
			if err != nil {
				return 0, err
			}
			m.Version = uint32(v)
			return n, nil
		}
		return 0, nil
	})
	return m, err
}

func decodeSignature(b []byte) (share.Signature, error) {
	sig := share.Signature{SharedPeers: share.NewPeerSet()}
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n, err := consumeBytesField(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			if sig.ID, err = asUUID(v); err != nil {
				return 0, err
			}
		case 2:
			sig.Name = string(v)
		case 3:
			if sig.LastTxID, err = asUUID(v); err != nil {
				return 0, err
			}
		case 4:
			id, err := asUUID(v)
			if err != nil {
				return 0, err
			}
			sig.SharedPeers.Add(id)
		}
		return n, nil
	})
	return sig, err
}

func decodeFile(b []byte) (share.File, error) {
	f := share.File{OwnedPeers: share.NewPeerSet()}
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 3 && typ == protowire.VarintType:
			v, n, err := consumeVarintField(b)
			if err != nil {
				return 0, err
			}
			f.Size = int64(v)
			return n, nil
		case num == 4 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return 0, ErrMalformedMessage
			}
			f.ContentHash = v
			return n, nil
		case typ == protowire.BytesType:
			v, n, err := consumeBytesField(b)
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				if f.ID, err = asUUID(v); err != nil {
					return 0, err
				}
			case 2:
				f.Name = string(v)
			case 5:
				t, err := time.Parse(time.RFC3339Nano, string(v))
				if err != nil {
					return 0, fmt.Errorf("%w: last_modified: %v", ErrMalformedMessage, err)
				}
				f.LastModified = t
			case 6:
				id, err := asUUID(v)
				if err != nil {
					return 0, err
				}
				f.OwnedPeers.Add(id)
			}
			return n, nil
		}
		return 0, nil
	})
	return f, err
}

func decodeDirectory(b []byte) (*share.Directory, error) {
	d := &share.Directory{Files: make(map[uuid.UUID]*share.File)}
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n, err := consumeBytesField(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			if d.Signature, err = decodeSignature(v); err != nil {
				return 0, err
			}
		case 2:
			f, err := decodeFile(v)
			if err != nil {
				return 0, err
			}
			d.Files[f.ID] = &f
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	if d.Signature.SharedPeers == nil {
		d.Signature.SharedPeers = share.NewPeerSet()
	}
	return d, nil
}

func decodeDirectories(b []byte) (Message, error) {
	var m Directories
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return 0, nil
		}
		v, n, err := consumeBytesField(b)
		if err != nil {
			return 0, err
		}
		sig, err := decodeSignature(v)
		if err != nil {
			return 0, err
		}
		m.Signatures = append(m.Signatures, sig)
		return n, nil
	})
	return m, err
}

func decodeShareDirectory(b []byte) (Message, error) {
	var m ShareDirectory
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return 0, nil
		}
		v, n, err := consumeBytesField(b)
		if err != nil {
			return 0, err
		}
		if m.Directory, err = decodeDirectory(v); err != nil {
			return 0, err
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	if m.Directory == nil {
		return nil, fmt.Errorf("%w: ShareDirectory without directory", ErrMalformedMessage)
	}
	return m, nil
}

func decodeDirectoryUpdate(b []byte) (Message, error) {
	m := DirectoryUpdate{Update: share.Update{Signature: share.Signature{SharedPeers: share.NewPeerSet()}}}
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n, err := consumeBytesField(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			if m.Update.Signature, err = decodeSignature(v); err != nil {
				return 0, err
			}
		case 2:
			f, err := decodeFile(v)
			if err != nil {
				return 0, err
			}
			m.Update.Added = append(m.Update.Added, f)
		case 3:
			id, err := asUUID(v)
			if err != nil {
				return 0, err
			}
			m.Update.RemovedIDs = append(m.Update.RemovedIDs, id)
		case 4:
			if m.Update.NewTxID, err = asUUID(v); err != nil {
				return 0, err
			}
		}
		return n, nil
	})
	return m, err
}

func decodeFileRequest(b []byte) (Message, error) {
	var m FileRequest
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 4 && typ == protowire.VarintType:
			v, n, err := consumeVarintField(b)
			if err != nil {
				return 0, err
			}
			m.Offset = int64(v)
			return n, nil
		case typ == protowire.BytesType:
			v, n, err := consumeBytesField(b)
			if err != nil {
				return 0, err
			}
			id, err := asUUID(v)
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				m.DownloadID = id
			case 2:
				m.DirectoryID = id
			case 3:
				m.FileID = id
			}
			return n, nil
		}
		return 0, nil
	})
	return m, err
}

func decodeFileChunk(b []byte) (Message, error) {
	var m FileChunk
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeBytesField(b)
			if err != nil {
				return 0, err
			}
			if m.DownloadID, err = asUUID(v); err != nil {
				return 0, err
			}
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n, err := consumeVarintField(b)
			if err != nil {
				return 0, err
			}
			m.Offset = int64(v)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n, err := consumeBytesField(b)
			if err != nil {
				return 0, err
			}
			m.Data = append([]byte(nil), v...)
			return n, nil
		case num == 4 && typ == protowire.VarintType:
			v, n, err := consumeVarintField(b)
			if err != nil {
				return 0, err
			}
			m.IsLast = v != 0
			return n, nil
		}
		return 0, nil
	})
	return m, err
}

func decodeCancelDownload(b []byte) (Message, error) {
	var m CancelDownload
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return 0, nil
		}
		v, n, err := consumeBytesField(b)
		if err != nil {
			return 0, err
		}
		if m.DownloadID, err = asUUID(v); err != nil {
			return 0, err
		}
		return n, nil
	})
	return m, err
}

func decodeLeaveDirectory(b []byte) (Message, error) {
	var m LeaveDirectory
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return 0, nil
		}
		v, n, err := consumeBytesField(b)
		if err != nil {
			return 0, err
		}
		if m.DirectoryID, err = asUUID(v); err != nil {
			return 0, err
		}
		return n, nil
	})
	return m, err
}

func decodeError(b []byte) (Message, error) {
	var m Error
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n, err := consumeVarintField(b)
			if err != nil {
				return 0, err
			}
			m.Code = uint32(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeBytesField(b)
			if err != nil {
				return 0, err
			}
			m.Message = string(v)
			return n, nil
		}
		return 0, nil
	})
	return m, err
}
