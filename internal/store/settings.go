package store

import (
	"os"
	"path/filepath"
	"runtime"
)

type Theme string

const (
	ThemeSystem Theme = "system"
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
)

// Settings are the user-facing knobs the shell can read and write.
type Settings struct {
	// DownloadDirectory is where received files land.
	DownloadDirectory string `json:"downloadDirectory"`

	// Theme selects the shell appearance.
	Theme Theme `json:"theme"`

	// MinimizeOnClose keeps the daemon alive in the tray when the
	// window is closed.
	MinimizeOnClose bool `json:"minimizeOnClose"`
}

func DefaultSettings() Settings {
	return Settings{
		DownloadDirectory: defaultDownloadDir(),
		Theme:             ThemeSystem,
		MinimizeOnClose:   true,
	}
}

func (s *Settings) normalize() {
	switch s.Theme {
	case ThemeSystem, ThemeLight, ThemeDark:
	default:
		s.Theme = ThemeSystem
	}
	if s.DownloadDirectory == "" {
		s.DownloadDirectory = defaultDownloadDir()
	}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "filedrop")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "filedrop", "downloads")
	}
}
