package progress

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultTailDebounce = 250 * time.Millisecond
	defaultTailBytes    = 256 * 1024
	logSuffix           = ".log"
)

type TailerConfig struct {
	// Dir holds one <jobID>.log file per running job.
	Dir      string
	Debounce time.Duration
	MaxBytes int64
	MaxHints int
	Logger   *log.Logger
}

// UpdateFunc receives the decoded progress of a job whose log changed.
type UpdateFunc func(jobID string, p Progress)

// Tailer watches a log directory and re-decodes logs as workers append to them.
type Tailer struct {
	cfg      TailerConfig
	watcher  *fsnotify.Watcher
	logger   *log.Logger
	onUpdate UpdateFunc

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

func NewTailer(cfg TailerConfig, onUpdate UpdateFunc) (*Tailer, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("empty log directory")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultTailDebounce
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultTailBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(cfg.Dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", cfg.Dir, err)
	}
	return &Tailer{
		cfg:      cfg,
		watcher:  fsw,
		logger:   cfg.Logger,
		onUpdate: onUpdate,
		pending:  make(map[string]struct{}),
	}, nil
}

// Run processes watch events until ctx is done, then closes the watcher.
func (t *Tailer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Debounce)
	defer ticker.Stop()
	defer t.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, logSuffix) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			t.pendingMu.Lock()
			t.pending[event.Name] = struct{}{}
			t.pendingMu.Unlock()
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Printf("progress tailer watch error: %v", err)
		case <-ticker.C:
			t.flush()
		}
	}
}

func (t *Tailer) flush() {
	t.pendingMu.Lock()
	paths := make([]string, 0, len(t.pending))
	for p := range t.pending {
		paths = append(paths, p)
	}
	t.pending = make(map[string]struct{})
	t.pendingMu.Unlock()

	for _, p := range paths {
		raw, err := ReadTail(p, t.cfg.MaxBytes)
		if err != nil {
			t.logger.Printf("progress tailer read %s: %v", p, err)
			continue
		}
		if t.onUpdate != nil {
			t.onUpdate(JobIDFromLogPath(p), BuildHints(raw, t.cfg.MaxHints))
		}
	}
}

// JobIDFromLogPath strips the directory and .log suffix.
func JobIDFromLogPath(p string) string {
	return strings.TrimSuffix(filepath.Base(p), logSuffix)
}

// ReadTail returns at most maxBytes from the end of the file, starting at a
// line boundary so the first decoded line is never a fragment.
func ReadTail(path string, maxBytes int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := int64(0)
	if maxBytes > 0 && info.Size() > maxBytes {
		offset = info.Size() - maxBytes
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	text := string(data)
	if offset > 0 {
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[i+1:]
		} else {
			text = ""
		}
	}
	return text, nil
}
