// Package diagnostics captures best-effort screenshots when a workflow fails.
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/browser"
)

// captureTimeout bounds a capture so a wedged page cannot hold up the failure path.
const captureTimeout = 15 * time.Second

// Sink writes screenshots into one directory as dbg-<tag>-<unixmillis>.png.
type Sink struct {
	dir    string
	now    func() time.Time
	logger *zap.Logger
}

// New creates a Sink rooted at dir. The directory is created lazily on first capture.
func New(dir string, logger *zap.Logger) (*Sink, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand diagnostics dir: %w", err)
	}
	return &Sink{dir: expanded, now: time.Now, logger: logger.Named("diagnostics")}, nil
}

// Capture screenshots drv and returns the written path. Every failure is logged and
// swallowed; the return value is then empty. The capture runs even if ctx is already
// cancelled, since failure paths are usually reached through cancellation.
func (s *Sink) Capture(ctx context.Context, drv browser.Driver, tag string) string {
	cctx, cancel := context.WithTimeout(browser.Detach(ctx), captureTimeout)
	defer cancel()

	png, err := drv.CaptureScreenshot(cctx)
	if err != nil {
		s.logger.Warn("Failed to capture screenshot.", zap.String("tag", tag), zap.Error(err))
		return ""
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.logger.Warn("Failed to create diagnostics directory.", zap.String("dir", s.dir), zap.Error(err))
		return ""
	}
	path := filepath.Join(s.dir, fmt.Sprintf("dbg-%s-%d.png", sanitize(tag), s.now().UnixMilli()))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		s.logger.Warn("Failed to write screenshot.", zap.String("path", path), zap.Error(err))
		return ""
	}
	s.logger.Info("Saved diagnostic screenshot.", zap.String("path", path))
	return path
}

// sanitize keeps tags safe as file name fragments.
func sanitize(tag string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, tag)
	clean = strings.Trim(clean, ".")
	if clean == "" {
		return "debug"
	}
	return clean
}
