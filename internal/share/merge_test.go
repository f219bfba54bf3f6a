package share

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	peerA = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	peerB = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	d := NewDirectory("Docs", peerA)
	d.Signature.SharedPeers.Add(peerB)
	return d
}

func addUpdate(d *Directory, from uuid.UUID, files ...File) Update {
	return Update{
		Signature: d.Signature.Clone(),
		Added:     files,
		NewTxID:   uuid.New(),
	}
}

func testFile(owner uuid.UUID) File {
	return File{
		ID:          uuid.New(),
		Name:        "report.pdf",
		Size:        1048576,
		ContentHash: 0xDEADBEEF,
		OwnedPeers:  NewPeerSet(owner),
	}
}

func TestApplyUpdate_Idempotent(t *testing.T) {
	d := newTestDirectory(t)
	upd := addUpdate(d, peerB, testFile(peerB))

	require.True(t, d.ApplyUpdate(peerB, upd))
	once := d.Clone()

	// Same transaction id again must be a no-op.
	require.False(t, d.ApplyUpdate(peerB, upd))
	assert.Equal(t, once, d.Clone())
}

func TestApplyUpdate_AddCommutative(t *testing.T) {
	fileX := testFile(peerA)
	fileY := testFile(peerB)

	left := newTestDirectory(t)
	right := left.Clone()

	updX := Update{Signature: left.Signature.Clone(), Added: []File{fileX}, NewTxID: uuid.New()}
	updY := Update{Signature: left.Signature.Clone(), Added: []File{fileY}, NewTxID: uuid.New()}

	require.True(t, left.ApplyUpdate(peerA, updX))
	require.True(t, left.ApplyUpdate(peerB, updY))

	require.True(t, right.ApplyUpdate(peerB, updY))
	require.True(t, right.ApplyUpdate(peerA, updX))

	// File maps converge regardless of order; only the tx id differs by
	// which update landed last.
	assert.Len(t, left.Files, 2)
	for id, f := range left.Files {
		other, ok := right.Files[id]
		require.True(t, ok, "file %s missing on right", id)
		assert.Equal(t, f.OwnedPeers, other.OwnedPeers)
	}
}

func TestApplyUpdate_UnknownFileGainsSenderAsOwner(t *testing.T) {
	d := newTestDirectory(t)

	f := testFile(peerB)
	f.OwnedPeers = NewPeerSet() // sender forgot itself
	require.True(t, d.ApplyUpdate(peerB, addUpdate(d, peerB, f)))

	got := d.Files[f.ID]
	require.NotNil(t, got)
	assert.True(t, got.OwnedPeers.Has(peerB))
	assert.GreaterOrEqual(t, got.OwnedPeers.Len(), 1)
}

func TestApplyUpdate_RemoveVsConcurrentAdd(t *testing.T) {
	// A removes X while B concurrently becomes an owner of X. Whatever
	// the delivery order, X survives with B as its owner.
	base := newTestDirectory(t)
	x := testFile(peerA)
	require.True(t, base.ApplyUpdate(peerA, addUpdate(base, peerA, x)))

	removal := Update{
		Signature:  base.Signature.Clone(),
		RemovedIDs: []uuid.UUID{x.ID},
		NewTxID:    uuid.New(),
	}
	xWithB := x
	xWithB.OwnedPeers = NewPeerSet(peerA, peerB)
	addition := Update{
		Signature: base.Signature.Clone(),
		Added:     []File{xWithB},
		NewTxID:   uuid.New(),
	}

	removeFirst := base.Clone()
	require.True(t, removeFirst.ApplyUpdate(peerA, removal))
	require.True(t, removeFirst.ApplyUpdate(peerB, addition))

	addFirst := base.Clone()
	require.True(t, addFirst.ApplyUpdate(peerB, addition))
	require.True(t, addFirst.ApplyUpdate(peerA, removal))

	for name, d := range map[string]*Directory{"removeFirst": removeFirst, "addFirst": addFirst} {
		f, ok := d.Files[x.ID]
		require.True(t, ok, "%s: X must survive", name)
		assert.True(t, f.OwnedPeers.Has(peerB), "%s: B must own X", name)
		assert.False(t, f.OwnedPeers.Has(peerA), "%s: A removed itself", name)
	}
}

func TestApplyUpdate_RemovalEmptyingOwnersDropsFile(t *testing.T) {
	d := newTestDirectory(t)
	x := testFile(peerB)
	require.True(t, d.ApplyUpdate(peerB, addUpdate(d, peerB, x)))

	removal := Update{
		Signature:  d.Signature.Clone(),
		RemovedIDs: []uuid.UUID{x.ID},
		NewTxID:    uuid.New(),
	}
	require.True(t, d.ApplyUpdate(peerB, removal))

	_, ok := d.Files[x.ID]
	assert.False(t, ok, "file with no owners left must be gone")
}

func TestApplyUpdate_KeepaliveIsNoOp(t *testing.T) {
	d := newTestDirectory(t)

	keepalive := Update{
		Signature: d.Signature.Clone(),
		NewTxID:   d.Signature.LastTxID,
	}
	assert.False(t, d.ApplyUpdate(peerB, keepalive))
}

func TestApplyUpdate_SharedPeersUnion(t *testing.T) {
	d := NewDirectory("Docs", peerA)

	peerC := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	sig := d.Signature.Clone()
	sig.SharedPeers.Add(peerB)
	sig.SharedPeers.Add(peerC)

	require.True(t, d.ApplyUpdate(peerB, Update{Signature: sig, NewTxID: uuid.New()}))

	assert.True(t, d.Signature.SharedPeers.Has(peerA))
	assert.True(t, d.Signature.SharedPeers.Has(peerB))
	assert.True(t, d.Signature.SharedPeers.Has(peerC))
}

func TestRemoveOwner(t *testing.T) {
	d := newTestDirectory(t)

	solo := testFile(peerB)
	both := testFile(peerB)
	both.OwnedPeers.Add(peerA)
	d.Files[solo.ID] = solo.Clone()
	d.Files[both.ID] = both.Clone()

	dropped := d.RemoveOwner(peerB)

	require.Len(t, dropped, 1)
	assert.Equal(t, solo.ID, dropped[0])
	remaining := d.Files[both.ID]
	require.NotNil(t, remaining)
	assert.True(t, remaining.OwnedPeers.Has(peerA))
	assert.Equal(t, 1, remaining.OwnedPeers.Len())
}

func TestMergeFull_Union(t *testing.T) {
	local := newTestDirectory(t)
	mine := testFile(peerA)
	mine.LocalPath = "/home/a/report.pdf"
	local.Files[mine.ID] = mine.Clone()

	remote := local.Clone()
	theirs := testFile(peerB)
	remote.Files[theirs.ID] = theirs.Clone()
	remote.Files[mine.ID].OwnedPeers.Add(peerB)
	remote.Signature.LastTxID = uuid.New()

	local.MergeFull(remote)

	assert.Len(t, local.Files, 2)
	assert.Equal(t, remote.Signature.LastTxID, local.Signature.LastTxID)
	assert.True(t, local.Files[mine.ID].OwnedPeers.Has(peerB))
	// Merging never clobbers where our local copy lives.
	assert.Equal(t, "/home/a/report.pdf", local.Files[mine.ID].LocalPath)
}

func TestPeerSet_JSONStable(t *testing.T) {
	s := NewPeerSet(peerB, peerA)

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	// Sorted by UUID bytes: A before B.
	assert.JSONEq(t,
		`["11111111-1111-1111-1111-111111111111","22222222-2222-2222-2222-222222222222"]`,
		string(raw),
	)

	var back PeerSet
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, s, back)
}
