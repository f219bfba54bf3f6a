package ui

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// openPath asks the OS to open a file or folder with its default
// handler.
func openPath(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}

	return cmd.Start()
}
