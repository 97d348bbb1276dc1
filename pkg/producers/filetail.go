package producers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	tailPollInterval = 500 * time.Millisecond
	tailWaitInterval = time.Second
)

func init() {
	Register("filetail", newFileTail)
}

// FileTail follows a set of log files: existing content is replayed once,
// then new lines are picked up by polling. Files that disappear or truncate
// are reopened.
type FileTail struct {
	paths []string
	emit  Emitter
}

func newFileTail(cfg map[string]any, emit Emitter) (Producer, error) {
	paths := cfgStrings(cfg, "paths")
	if len(paths) == 0 {
		return nil, fmt.Errorf("filetail requires a non-empty paths list")
	}
	return &FileTail{paths: paths, emit: emit}, nil
}

// Name implements Producer.
func (f *FileTail) Name() string { return "filetail" }

// Run implements Producer; one goroutine per path.
func (f *FileTail) Run(ctx context.Context) error {
	for _, p := range f.paths {
		if _, err := os.Stat(p); err != nil {
			slog.Warn("Filetail path missing at startup, will wait", "path", p)
		}
	}

	var wg sync.WaitGroup
	for _, p := range f.paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			f.tail(ctx, path)
		}(p)
	}
	wg.Wait()
	return ctx.Err()
}

func (f *FileTail) tail(ctx context.Context, path string) {
	source := filepath.Base(path)
	errDelay := time.Second

	for ctx.Err() == nil {
		if !waitForFile(ctx, path) {
			return
		}
		err := f.follow(ctx, path, source)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Info("Filetail error, backing off", "path", path, "delay", errDelay, "error", err)
			if !sleep(ctx, errDelay) {
				return
			}
			errDelay = minDuration(errDelay*2, 10*time.Second)
		} else {
			// Clean reopen cycle (truncate or rotation).
			errDelay = time.Second
		}
	}
}

// follow reads the file to EOF, then polls for appended lines. It returns nil
// when the file shrank or vanished, signalling a reopen.
func (f *FileTail) follow(ctx context.Context, path, source string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64

	for ctx.Err() == nil {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			offset += int64(len(line))
			trimmed := strings.TrimSpace(line)
			if trimmed != "" {
				if emitErr := f.emit(ctx, map[string]any{"source": source, "line": trimmed}); emitErr != nil {
					return emitErr
				}
			}
		}
		if err == nil {
			continue
		}
		if err != io.EOF {
			return err
		}

		// At EOF: watch for truncation or deletion, otherwise poll.
		info, statErr := os.Stat(path)
		if statErr != nil || info.Size() < offset {
			return nil
		}
		if !sleep(ctx, tailPollInterval) {
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func waitForFile(ctx context.Context, path string) bool {
	for {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		if !sleep(ctx, tailWaitInterval) {
			return false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
