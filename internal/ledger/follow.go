package ledger

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/hpcloud/tail"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

// FollowOptions tunes Follow.
type FollowOptions struct {
	// FromStart replays existing lines before following new ones.
	FromStart bool
	// Poll uses stat polling instead of inotify, for filesystems without change events.
	Poll bool
}

// Follow tails the ledger at path and calls fn for every appended entry until ctx is done.
// Malformed lines are logged and skipped.
func Follow(ctx context.Context, path string, credential *regexp.Regexp, opts FollowOptions, logger *zap.Logger, fn func(Entry)) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("failed to expand ledger path: %w", err)
	}

	whence := io.SeekEnd
	if opts.FromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(expanded, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Poll:      opts.Poll,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail ledger %s: %w", expanded, err)
	}
	defer t.Cleanup()

	log := logger.Named("ledger_follow").With(zap.String("path", expanded))
	log.Info("Following ledger.", zap.Bool("from_start", opts.FromStart))

	for {
		select {
		case <-ctx.Done():
			_ = t.Stop()
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				log.Warn("Error reading ledger line.", zap.Error(line.Err))
				continue
			}
			text := strings.TrimRight(line.Text, "\r")
			if text == "" {
				continue
			}
			entry, err := ParseLine(text, credential)
			if err != nil {
				log.Warn("Skipping malformed ledger line.", zap.Error(err))
				continue
			}
			fn(entry)
		}
	}
}
