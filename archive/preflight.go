package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const preflightTimeout = 2 * time.Second

// preflight checkpoints and integrity-checks the archive database before the
// writer opens it for real. A corrupt or wedged file is renamed aside with a
// timestamp suffix so startup continues against a fresh archive. History is
// best effort; losing it beats refusing to start.
func preflight(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), preflightTimeout)
	defer cancel()

	err := checkArchive(ctx, path)
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("archive: preflight timed out after %s", preflightTimeout)
	}

	quarantined, qerr := quarantineArchive(path)
	if qerr != nil {
		return fmt.Errorf("archive: quarantine after failed preflight (%v): %w", err, qerr)
	}
	log.Printf("Archive: preflight failed (%v), database moved to %s", err, quarantined)
	return nil
}

// checkArchive forces a WAL checkpoint and runs quick_check on one
// serialized connection with the same bounded context for both.
func checkArchive(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", preflightTimeout.Milliseconds())); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal_checkpoint: %w", err)
	}

	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

// quarantineArchive renames the database and its WAL sidecars out of the way
// and returns the new path of the main file.
func quarantineArchive(path string) (string, error) {
	suffix := ".bad-" + time.Now().UTC().Format("20060102T150405Z")
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := os.Rename(p, p+suffix); err != nil {
			return "", err
		}
	}
	return path + suffix, nil
}
