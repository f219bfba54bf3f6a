package share

import "github.com/google/uuid"

// Update is the incremental mutation carried by a DirectoryUpdate frame:
// files added (or whose ownership grew), file ids the sender stopped
// owning, and the transaction id of the resulting state.
type Update struct {
	Signature  Signature
	Added      []File
	RemovedIDs []uuid.UUID
	NewTxID    uuid.UUID
}

// ApplyUpdate merges an incoming update from sender into d. It returns
// false when the update carries a transaction id equal to the local one,
// in which case the state is untouched (the update is an echo or a
// keepalive).
//
// The merge is a set-union on ownership and membership, which makes it
// commutative and idempotent for additions. Removal only strips the
// sender from a file's owner set; a file disappears when its owner set
// empties. A concurrent add of owner B therefore survives A's removal.
func (d *Directory) ApplyUpdate(sender uuid.UUID, upd Update) bool {
	if upd.NewTxID == d.Signature.LastTxID {
		return false
	}

	for i := range upd.Added {
		added := &upd.Added[i]

		if existing, ok := d.Files[added.ID]; ok {
			existing.OwnedPeers.Union(added.OwnedPeers)
			existing.OwnedPeers.Add(sender)
			continue
		}

		f := added.Clone()
		f.LocalPath = ""
		if f.OwnedPeers == nil {
			f.OwnedPeers = NewPeerSet()
		}
		f.OwnedPeers.Add(sender)
		d.Files[f.ID] = f
	}

	for _, removedID := range upd.RemovedIDs {
		f, ok := d.Files[removedID]
		if !ok {
			continue
		}
		f.OwnedPeers.Remove(sender)
		if f.OwnedPeers.Len() == 0 {
			delete(d.Files, removedID)
		}
	}

	if upd.Signature.SharedPeers != nil {
		d.Signature.SharedPeers.Union(upd.Signature.SharedPeers)
	}
	d.Signature.LastTxID = upd.NewTxID

	return true
}

// MergeFull merges a complete directory received over the wire into d.
// Used when a peer re-shares a directory we already hold: files and
// membership union, the remote transaction id wins.
func (d *Directory) MergeFull(remote *Directory) {
	for id, rf := range remote.Files {
		if existing, ok := d.Files[id]; ok {
			existing.OwnedPeers.Union(rf.OwnedPeers)
			continue
		}
		f := rf.Clone()
		f.LocalPath = ""
		d.Files[id] = f
	}

	d.Signature.SharedPeers.Union(remote.Signature.SharedPeers)
	d.Signature.LastTxID = remote.Signature.LastTxID
}

// RemoveOwner strips peer from every file it owns and drops files whose
// owner set empties. Returns the ids of dropped files.
func (d *Directory) RemoveOwner(peer uuid.UUID) []uuid.UUID {
	var dropped []uuid.UUID
	for id, f := range d.Files {
		if !f.OwnedPeers.Has(peer) {
			continue
		}
		f.OwnedPeers.Remove(peer)
		if f.OwnedPeers.Len() == 0 {
			delete(d.Files, id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}
