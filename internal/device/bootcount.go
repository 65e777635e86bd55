package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// bootCountFile is the counter's name inside the agent state directory.
const bootCountFile = "boot_count"

// NextBootCount bumps and returns the boot counter kept in dir. The count
// rides in every heartbeat, which is how the host tells a controller restart
// from a silent link. A missing or unreadable counter restarts at one. The
// write is atomic, and a write failure still returns the bumped count so the
// agent can come up with degraded reboot detection.
func NextBootCount(dir string) (int64, error) {
	path := filepath.Join(dir, bootCountFile)

	var n int64
	if data, err := os.ReadFile(path); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil && v > 0 {
			n = v
		}
	}
	n++

	if err := os.MkdirAll(dir, 0755); err != nil {
		return n, fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".boot_count-*")
	if err != nil {
		return n, fmt.Errorf("create temp boot counter: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := fmt.Fprintf(tmp, "%d\n", n); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return n, fmt.Errorf("write boot counter: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return n, fmt.Errorf("close temp boot counter: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return n, fmt.Errorf("replace boot counter: %w", err)
	}
	return n, nil
}
