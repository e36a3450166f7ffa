// Package dbmirror builds a throwaway copy of the engine's database
// directory so repositories can be synchronized without touching the real
// sync databases.
//
// The mirror links <db>/local and copies every regular file of <db>/sync,
// keeping modification times: the engine compares them to decide whether a
// database is current.
package dbmirror

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

const tempPattern = "upgrader-db-"

// Mirror is a transient database directory.
type Mirror struct {
	source string
	path   string
	logger zerolog.Logger
}

// Create mirrors dbPath into a new directory under the system temp dir.
func Create(dbPath string, logger zerolog.Logger) (*Mirror, error) {
	return CreateIn("", dbPath, logger)
}

// CreateIn mirrors dbPath into a new directory under parent. An empty parent
// means the system temp dir. On failure nothing is left behind.
func CreateIn(parent, dbPath string, logger zerolog.Logger) (*Mirror, error) {
	logger = logger.With().Str("component", "dbmirror").Logger()
	source := filepath.Clean(dbPath)

	dir, err := os.MkdirTemp(parent, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("unable to create temp folder: %w", err)
	}
	m := &Mirror{source: source, path: dir, logger: logger}

	if err := m.populate(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	logger.Debug().Str("source", source).Str("path", dir).Msg("Database mirror created")
	return m, nil
}

func (m *Mirror) populate() error {
	local := filepath.Join(m.path, "local")
	if err := os.Symlink(filepath.Join(m.source, "local"), local); err != nil {
		return fmt.Errorf("unable to create symlink %s: %w", local, err)
	}

	syncDst := filepath.Join(m.path, "sync")
	if err := os.Mkdir(syncDst, 0o700); err != nil {
		return fmt.Errorf("unable to create folder %s: %w", syncDst, err)
	}

	syncSrc := filepath.Join(m.source, "sync")
	entries, err := os.ReadDir(syncSrc)
	if err != nil {
		return fmt.Errorf("unable to open folder %s: %w", syncSrc, err)
	}

	for _, entry := range entries {
		src := filepath.Join(syncSrc, entry.Name())
		// follow symlinks: the engine reads through them too
		info, err := os.Stat(src)
		if err != nil {
			return fmt.Errorf("unable to stat %s: %w", src, err)
		}
		if !info.Mode().IsRegular() {
			m.logger.Debug().Str("file", src).Msg("Ignoring non-regular file")
			continue
		}

		dst := filepath.Join(syncDst, entry.Name())
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("copy failed for %s: %w", src, err)
		}
		// a database with a fresh mtime would be treated as up to date
		if err := os.Chtimes(dst, atime(info), info.ModTime()); err != nil {
			m.logger.Warn().Err(err).Str("file", dst).Msg("Unable to preserve modification time")
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	return errors.Join(copyErr, closeErr)
}

// Path is the mirror directory to hand to the engine as its database path.
func (m *Mirror) Path() string {
	return m.path
}

// Source is the database directory being mirrored.
func (m *Mirror) Source() string {
	return m.source
}

// Remove deletes the mirror. The symlinked local database is not followed.
func (m *Mirror) Remove() error {
	if m == nil || m.path == "" {
		return nil
	}
	if err := os.RemoveAll(m.path); err != nil {
		return fmt.Errorf("failed to remove database mirror %s: %w", m.path, err)
	}
	m.logger.Debug().Str("path", m.path).Msg("Database mirror removed")
	m.path = ""
	return nil
}
