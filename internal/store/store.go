package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tomaskal/filedrop/internal/share"
)

// Store is the on-disk snapshot of everything that survives a restart:
// the local peer identity, user settings, and one JSON file per known
// share directory. All files are human-readable JSON; a file that fails
// to parse is treated as absent so a damaged state never blocks startup.
//
// Layout under root:
//
//	identity                 local peer UUID
//	settings.json            user settings
//	directories/<uuid>.json  signature + file map
type Store struct {
	root string
	log  *slog.Logger
	mu   sync.Mutex
}

const (
	identityFile   = "identity"
	settingsFile   = "settings.json"
	directoriesDir = "directories"
)

// DefaultRoot returns the per-user application data directory.
func DefaultRoot() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "filedrop"), nil
}

func Open(root string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	if root == "" {
		var err error
		if root, err = DefaultRoot(); err != nil {
			return nil, fmt.Errorf("resolve state root: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, directoriesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create state root: %w", err)
	}

	return &Store{
		root: root,
		log:  log.With("component", "store"),
	}, nil
}

func (s *Store) Root() string { return s.root }

// Identity loads the persisted peer UUID, generating and persisting one
// on first run. The hostname is always the live one, never a stored
// value.
func (s *Store) Identity() (share.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	path := filepath.Join(s.root, identityFile)

	raw, err := os.ReadFile(path)
	if err == nil {
		id, parseErr := uuid.Parse(strings.TrimSpace(string(raw)))
		if parseErr == nil {
			return share.Peer{ID: id, Hostname: hostname}, nil
		}
		s.log.Warn("identity file unreadable, generating a new one", "error", parseErr)
	} else if !errors.Is(err, os.ErrNotExist) {
		return share.Peer{}, fmt.Errorf("read identity: %w", err)
	}

	id := uuid.New()
	if err := writeAtomic(path, []byte(id.String()+"\n")); err != nil {
		return share.Peer{}, fmt.Errorf("persist identity: %w", err)
	}

	s.log.Info("generated new peer identity", "peer_id", id)
	return share.Peer{ID: id, Hostname: hostname}, nil
}

// LoadSettings returns the persisted settings, or defaults plus an error
// when the file exists but cannot be parsed. The caller keeps running on
// the defaults either way.
func (s *Store) LoadSettings() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(s.root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return DefaultSettings(), fmt.Errorf("read settings: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return DefaultSettings(), fmt.Errorf("parse settings: %w", err)
	}
	settings.normalize()

	return settings, nil
}

func (s *Store) SaveSettings(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings.normalize()

	raw, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.root, settingsFile), append(raw, '\n'))
}

// LoadDirectories reads every directory snapshot. Unparseable snapshots
// are skipped and reported through the returned error while the good
// ones still load.
func (s *Store) LoadDirectories() ([]*share.Directory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.root, directoriesDir))
	if err != nil {
		return nil, fmt.Errorf("read directories: %w", err)
	}

	var (
		dirs     []*share.Directory
		loadErrs []error
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(s.root, directoriesDir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}

		var dir share.Directory
		if err := json.Unmarshal(raw, &dir); err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		if dir.Files == nil {
			dir.Files = make(map[uuid.UUID]*share.File)
		}
		if dir.Signature.SharedPeers == nil {
			dir.Signature.SharedPeers = share.NewPeerSet()
		}
		dirs = append(dirs, &dir)
	}

	return dirs, errors.Join(loadErrs...)
}

func (s *Store) SaveDirectory(dir *share.Directory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(dir, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(s.root, directoriesDir, dir.Signature.ID.String()+".json")
	return writeAtomic(path, append(raw, '\n'))
}

func (s *Store) DeleteDirectory(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.root, directoriesDir, id.String()+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// writeAtomic writes via a temp file and rename so a crash mid-write
// never leaves a half-written snapshot behind.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
