// Package override decides whether a request path is served from the local
// substitution directory instead of the upstream.
package override

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"substitution-proxy/internal/config"
)

// ErrUnavailable marks filesystem failures other than "file not found" while
// checking or opening an override.
var ErrUnavailable = errors.New("override unavailable")

// File is a local file that replaces the upstream response for one path.
type File struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Resolver maps request paths onto files under the substitution directory.
// It keeps no state between calls; every lookup hits the filesystem.
type Resolver struct {
	dir    string
	logger *slog.Logger
}

// NewResolver creates a Resolver rooted at cfg.SubstitutionDir.
func NewResolver(cfg *config.Config, logger *slog.Logger) *Resolver {
	return &Resolver{
		dir:    cfg.SubstitutionDir,
		logger: logger.With("component", "override_resolver"),
	}
}

// Candidate returns the filesystem path checked for reqPath, or "" for the
// root path, which is never overridden. The request path is cleaned as a
// rooted URL path first, so ".." segments cannot leave the directory.
func (r *Resolver) Candidate(reqPath string) string {
	cleaned := path.Clean("/" + reqPath)
	if cleaned == "/" {
		return ""
	}
	return filepath.Join(r.dir, filepath.FromSlash(cleaned))
}

// Resolve reports whether reqPath (query string excluded) has an override.
// Missing files and directories are not overrides. Any other filesystem error
// is returned to the caller.
func (r *Resolver) Resolve(reqPath string) (File, bool, error) {
	candidate := r.Candidate(reqPath)
	if candidate == "" {
		return File{}, false, nil
	}

	info, err := os.Stat(candidate)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return File{}, false, nil
		}
		return File{}, false, fmt.Errorf("%w: stat %s: %w", ErrUnavailable, candidate, err)
	}
	if !info.Mode().IsRegular() {
		r.logger.Debug("override candidate is not a regular file", "path", candidate)
		return File{}, false, nil
	}

	return File{Path: candidate, Size: info.Size(), ModTime: info.ModTime()}, true, nil
}

// Open opens a resolved override for reading.
func (r *Resolver) Open(f File) (*os.File, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrUnavailable, f.Path, err)
	}
	return fh, nil
}
