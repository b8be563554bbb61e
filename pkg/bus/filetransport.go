package bus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/loom/pkg/clock"
	"github.com/cuemby/loom/pkg/log"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FileTransport is the isolated-mode fallback: one message per file under
// {baseDir}/{sanitizedChannel}/{timestamp}-{id}.json, written temp+rename
// for atomicity, watched with fsnotify instead of polling, with a
// background sweep that deletes files older than messageMaxAge.
type FileTransport struct {
	baseDir       string
	messageMaxAge time.Duration
	clock         clock.Clock
	logger        zerolog.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	watched map[string]bool

	stopCh chan struct{}
}

// NewFileTransport creates a FileTransport rooted at baseDir and starts
// its background expiry sweep.
func NewFileTransport(baseDir string, messageMaxAge time.Duration, clk clock.Clock) (*FileTransport, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	ft := &FileTransport{
		baseDir:       baseDir,
		messageMaxAge: messageMaxAge,
		clock:         clk,
		logger:        log.WithComponent("bus-file"),
		watcher:       w,
		watched:       make(map[string]bool),
		stopCh:        make(chan struct{}),
	}
	go ft.sweepLoop()
	return ft, nil
}

func sanitizeChannel(channel string) string {
	return strings.NewReplacer(":", "_", "/", "_", "*", "_").Replace(channel)
}

func (t *FileTransport) channelDir(channel string) string {
	return filepath.Join(t.baseDir, sanitizeChannel(channel))
}

func (t *FileTransport) Publish(ctx context.Context, channel string, raw []byte) error {
	dir := t.channelDir(channel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create channel dir: %w", err)
	}
	name := fmt.Sprintf("%d-%s.json", t.clock.Now().UnixNano(), uuid.NewString())
	full := filepath.Join(dir, name)
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write temp message file: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return fmt.Errorf("rename message file into place: %w", err)
	}
	return nil
}

func (t *FileTransport) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	dir := t.channelDir(channel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create channel dir: %w", err)
	}

	t.mu.Lock()
	if !t.watched[dir] {
		if err := t.watcher.Add(dir); err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("watch channel dir: %w", err)
		}
		t.watched[dir] = true
	}
	t.mu.Unlock()

	out := make(chan []byte, 64)

	// Catch up on any messages already on disk before this subscription.
	existing, _ := existingMessageFiles(dir)
	go func() {
		for _, path := range existing {
			if raw, err := os.ReadFile(path); err == nil {
				out <- raw
			}
		}

		for {
			select {
			case ev, ok := <-t.watcher.Events:
				if !ok {
					close(out)
					return
				}
				if filepath.Dir(ev.Name) != dir {
					continue
				}
				if !(ev.Op&fsnotify.Create == fsnotify.Create || ev.Op&fsnotify.Write == fsnotify.Write) {
					continue
				}
				if strings.HasSuffix(ev.Name, ".tmp") {
					continue
				}
				raw, err := os.ReadFile(ev.Name)
				if err != nil {
					continue
				}
				select {
				case out <- raw:
				default:
					t.logger.Warn().Str("channel", channel).Msg("subscriber buffer full, dropping message")
				}
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			}
		}
	}()

	return out, nil
}

func existingMessageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// sweepLoop periodically removes files older than messageMaxAge.
func (t *FileTransport) sweepLoop() {
	ticker := time.NewTicker(t.messageMaxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.stopCh:
			return
		}
	}
}

func (t *FileTransport) sweep() {
	cutoff := t.clock.Now().Add(-t.messageMaxAge)
	_ = filepath.Walk(t.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
		return nil
	})
}

func (t *FileTransport) Close() error {
	close(t.stopCh)
	return t.watcher.Close()
}
