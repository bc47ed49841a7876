package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"skywatch/config"
)

// setupLogging points the standard logger at stderr, and additionally at an
// append-only log file when one is configured. The returned closer flushes
// and closes the file; it is safe to call when no file was opened.
func setupLogging(cfg config.LoggingConfig) (func(), error) {
	log.SetFlags(log.LstdFlags | log.LUTC)

	if cfg.File == "" {
		return func() {}, nil
	}

	if dir := filepath.Dir(cfg.File); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: create log directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", cfg.File, err)
	}

	log.SetOutput(io.MultiWriter(os.Stderr, f))
	log.Printf("Logging: also writing to %s", cfg.File)

	return func() {
		log.SetOutput(os.Stderr)
		if err := f.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Logging: close %s: %v\n", cfg.File, err)
		}
	}, nil
}
