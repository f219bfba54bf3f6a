package share

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Peer is the stable identity of a node: a UUID generated once per
// installation paired with the hostname it reported most recently.
type Peer struct {
	ID       uuid.UUID `json:"id"`
	Hostname string    `json:"hostname"`
}

// Less orders peers by the raw bytes of their UUIDs. This is the stable
// ordering used for all tie-breaks (session collapse, source selection).
func (p Peer) Less(other Peer) bool {
	return bytes.Compare(p.ID[:], other.ID[:]) < 0
}

// PeerSet is a set of peer UUIDs. The zero value is not usable; use
// NewPeerSet or let JSON unmarshaling allocate it.
type PeerSet map[uuid.UUID]struct{}

func NewPeerSet(ids ...uuid.UUID) PeerSet {
	s := make(PeerSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s PeerSet) Has(id uuid.UUID) bool {
	_, ok := s[id]
	return ok
}

func (s PeerSet) Add(id uuid.UUID)    { s[id] = struct{}{} }
func (s PeerSet) Remove(id uuid.UUID) { delete(s, id) }
func (s PeerSet) Len() int            { return len(s) }

// Union adds every member of other to s.
func (s PeerSet) Union(other PeerSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

func (s PeerSet) Clone() PeerSet {
	c := make(PeerSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// Sorted returns the members ordered by their UUID bytes.
func (s PeerSet) Sorted() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

func (s PeerSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *PeerSet) UnmarshalJSON(b []byte) error {
	var ids []uuid.UUID
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = NewPeerSet(ids...)
	return nil
}

// Signature identifies a share directory and the state it is at. Every
// mutation stamps a fresh LastTxID so peers can detect change without
// diffing file maps.
type Signature struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	LastTxID    uuid.UUID `json:"lastTransactionId"`
	SharedPeers PeerSet   `json:"sharedPeers"`
}

func (s Signature) Clone() Signature {
	c := s
	c.SharedPeers = s.SharedPeers.Clone()
	return c
}

// File is one entry in a share directory: content-hashed metadata plus
// the set of peers that hold the bytes. LocalPath is only meaningful on
// this node and never leaves it.
type File struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ContentHash  uint32    `json:"contentHash"`
	LastModified time.Time `json:"lastModified"`
	OwnedPeers   PeerSet   `json:"ownedPeers"`
	LocalPath    string    `json:"localPath,omitempty"`
}

func (f *File) Clone() *File {
	c := *f
	c.OwnedPeers = f.OwnedPeers.Clone()
	return &c
}

// Directory is a signature plus the file map it governs.
type Directory struct {
	Signature Signature           `json:"signature"`
	Files     map[uuid.UUID]*File `json:"files"`
}

// NewDirectory creates a directory owned solely by self with an empty
// file map and a fresh transaction id.
func NewDirectory(name string, self uuid.UUID) *Directory {
	return &Directory{
		Signature: Signature{
			ID:          uuid.New(),
			Name:        name,
			LastTxID:    uuid.New(),
			SharedPeers: NewPeerSet(self),
		},
		Files: make(map[uuid.UUID]*File),
	}
}

func (d *Directory) Clone() *Directory {
	c := &Directory{
		Signature: d.Signature.Clone(),
		Files:     make(map[uuid.UUID]*File, len(d.Files)),
	}
	for id, f := range d.Files {
		c.Files[id] = f.Clone()
	}
	return c
}

// FilesSorted returns the files ordered by their UUID bytes, for
// deterministic wire encoding and event payloads.
func (d *Directory) FilesSorted() []*File {
	files := make([]*File, 0, len(d.Files))
	for _, f := range d.Files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		return bytes.Compare(files[i].ID[:], files[j].ID[:]) < 0
	})
	return files
}
