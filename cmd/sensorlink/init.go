package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/sensorlink/internal/defaults"
)

// runInit writes the bundled example config into dir. Existing files
// are never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	// The example holds credential placeholders; keep it private.
	configPath := filepath.Join(dir, "config.yaml")
	written, err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "wrote %s\n", configPath)
	} else {
		fmt.Fprintf(w, "kept existing %s\n", configPath)
	}

	fmt.Fprintln(w, "Set SENSORLINK_SSID and SENSORLINK_PASSPHRASE, then edit wifi, mqtt and sensor to match the device.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, and reports whether it wrote.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
