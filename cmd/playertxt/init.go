package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/playertxt/examples"
	"github.com/nugget/playertxt/internal/scenario"
)

// runInit initializes a PlayerTXT working directory: a data directory,
// an example config and the bundled world as a starting point for
// authoring. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing PlayerTXT workspace in %s\n", dir)

	for _, sub := range []string{"data", "worlds"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// The config may carry API keys and the admin password.
	if err := writeIfMissing(w, filepath.Join(dir, "config.yaml"), examples.ConfigYAML, 0o600); err != nil {
		return err
	}

	world, err := json.MarshalIndent(scenario.Builtin(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode bundled world: %w", err)
	}
	if err := writeIfMissing(w, filepath.Join(dir, "worlds", "lighthouse.json"), append(world, '\n'), 0o644); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to set provider keys and the admin password.")
	fmt.Fprintln(w, "Point storage.seed_world at a world document to boot with it instead of the bundled one.")
	return nil
}

// writeIfMissing creates path with content and mode, reporting the
// outcome on w. An existing file is left alone.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if errors.Is(err, fs.ErrExist) {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
