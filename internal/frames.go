package internal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FrameSource is the camera side of a session.
type FrameSource interface {
	Capturer
	// CaptureDownsampledFrame returns the latest unconsumed preview frame, or
	// nil when nothing new arrived since the last call.
	CaptureDownsampledFrame(ctx context.Context) (*Frame, error)
}

var _ FrameSource = (*DirectorySource)(nil)

// DirectorySource treats image files written into a directory as camera
// frames. It keeps a single slot: a newer file replaces an unconsumed one.
type DirectorySource struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu      sync.Mutex
	latest  string
	pending bool
	seq     uint64
	drops   uint64
	err     error
}

func NewDirectorySource(dir string, logger *zap.Logger) (*DirectorySource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat frame dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("frame dir %s is not a directory", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	s := &DirectorySource{
		dir:     dir,
		watcher: watcher,
		logger:  logger,
	}
	s.latest = newestImage(dir)
	return s, nil
}

// Run consumes filesystem events until ctx ends or the directory goes away.
func (s *DirectorySource) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			if err := s.handle(event); err != nil {
				return err
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("frame watch error", zap.Error(err))
		}
	}
}

func (s *DirectorySource) handle(event fsnotify.Event) error {
	if filepath.Clean(event.Name) == filepath.Clean(s.dir) && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		s.mu.Lock()
		s.err = fmt.Errorf("frame dir %s removed: %w", s.dir, ErrSourceUnavailable)
		err := s.err
		s.mu.Unlock()
		return err
	}

	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isImageFile(event.Name) {
		return nil
	}

	s.mu.Lock()
	if s.pending {
		s.drops++
	}
	s.latest = event.Name
	s.pending = true
	s.mu.Unlock()
	return nil
}

func (s *DirectorySource) CaptureDownsampledFrame(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	if !s.pending {
		s.mu.Unlock()
		return nil, nil
	}
	s.pending = false
	s.seq++
	path, seq := s.latest, s.seq
	s.mu.Unlock()

	return readFrame(path, seq)
}

// CaptureFullResolutionFrame rereads the newest file. Quality is ignored
// since files are already encoded.
func (s *DirectorySource) CaptureFullResolutionFrame(ctx context.Context, quality float64) (*Frame, error) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	path := s.latest
	s.mu.Unlock()

	if path == "" {
		return nil, nil
	}
	return readFrame(path, 0)
}

// Drops counts frames replaced before anyone consumed them.
func (s *DirectorySource) Drops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

func (s *DirectorySource) Close() error {
	return s.watcher.Close()
}

func readFrame(path string, seq uint64) (*Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FrameError{Seq: seq, Err: err}
	}
	at := time.Now()
	if info, err := os.Stat(path); err == nil {
		at = info.ModTime()
	}
	return &Frame{Data: data, CapturedAt: at, Seq: seq}, nil
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return !strings.HasPrefix(filepath.Base(name), ".")
	}
	return false
}

func newestImage(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var (
		newest string
		at     time.Time
	)
	for _, e := range entries {
		if e.IsDir() || !isImageFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(at) {
			newest = filepath.Join(dir, e.Name())
			at = info.ModTime()
		}
	}
	return newest
}
