package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomaskal/filedrop/internal/share"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	return st
}

func TestIdentity_StableAcrossOpens(t *testing.T) {
	root := t.TempDir()

	st, err := Open(root, nil)
	require.NoError(t, err)
	first, err := st.Identity()
	require.NoError(t, err)
	require.NotEqual(t, uuid.UUID{}, first.ID)

	st2, err := Open(root, nil)
	require.NoError(t, err)
	second, err := st2.Identity()
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestIdentity_RegeneratedWhenCorrupt(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "identity"), []byte("not a uuid"), 0o644))

	st, err := Open(root, nil)
	require.NoError(t, err)

	peer, err := st.Identity()
	require.NoError(t, err)
	assert.NotEqual(t, uuid.UUID{}, peer.ID)
}

func TestSettings_RoundTrip(t *testing.T) {
	st := openTestStore(t)

	in := Settings{
		DownloadDirectory: "/tmp/downloads",
		Theme:             ThemeDark,
		MinimizeOnClose:   false,
	}
	require.NoError(t, st.SaveSettings(in))

	out, err := st.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSettings_MissingYieldsDefaults(t *testing.T) {
	st := openTestStore(t)

	out, err := st.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), out)
}

func TestSettings_CorruptYieldsDefaultsAndError(t *testing.T) {
	root := t.TempDir()
	st, err := Open(root, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "settings.json"), []byte("{nope"), 0o644))

	out, err := st.LoadSettings()
	require.Error(t, err)
	assert.Equal(t, DefaultSettings(), out)
}

func TestSettings_UnknownThemeNormalized(t *testing.T) {
	root := t.TempDir()
	st, err := Open(root, nil)
	require.NoError(t, err)

	raw := []byte(`{"downloadDirectory":"/d","theme":"neon","minimizeOnClose":true}`)
	require.NoError(t, os.WriteFile(filepath.Join(root, "settings.json"), raw, 0o644))

	out, err := st.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, ThemeSystem, out.Theme)
}

func TestDirectories_RoundTrip(t *testing.T) {
	st := openTestStore(t)

	self := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	dir := share.NewDirectory("Docs", self)
	f := &share.File{
		ID:          uuid.New(),
		Name:        "report.pdf",
		Size:        1048576,
		ContentHash: 0xDEADBEEF,
		OwnedPeers:  share.NewPeerSet(self),
		LocalPath:   "/home/me/report.pdf",
	}
	dir.Files[f.ID] = f

	require.NoError(t, st.SaveDirectory(dir))

	loaded, err := st.LoadDirectories()
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	assert.Equal(t, dir.Signature.ID, got.Signature.ID)
	assert.Equal(t, dir.Signature.LastTxID, got.Signature.LastTxID)
	require.Contains(t, got.Files, f.ID)
	assert.Equal(t, f.LocalPath, got.Files[f.ID].LocalPath)
	assert.True(t, got.Files[f.ID].OwnedPeers.Has(self))
}

func TestDirectories_CorruptSnapshotSkipped(t *testing.T) {
	root := t.TempDir()
	st, err := Open(root, nil)
	require.NoError(t, err)

	self := uuid.New()
	good := share.NewDirectory("Good", self)
	require.NoError(t, st.SaveDirectory(good))

	bad := filepath.Join(root, "directories", uuid.NewString()+".json")
	require.NoError(t, os.WriteFile(bad, []byte("{broken"), 0o644))

	loaded, err := st.LoadDirectories()
	require.Error(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, good.Signature.ID, loaded[0].Signature.ID)
}

func TestDeleteDirectory(t *testing.T) {
	st := openTestStore(t)

	dir := share.NewDirectory("Temp", uuid.New())
	require.NoError(t, st.SaveDirectory(dir))
	require.NoError(t, st.DeleteDirectory(dir.Signature.ID))

	loaded, err := st.LoadDirectories()
	require.NoError(t, err)
	assert.Empty(t, loaded)

	// Deleting again is not an error.
	require.NoError(t, st.DeleteDirectory(dir.Signature.ID))
}
