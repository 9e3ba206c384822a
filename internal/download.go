package internal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const DefaultModelID = "clip-vit-base-patch32"

var ErrChecksumMismatch = errors.New("checksum mismatch")

// Downloader keeps encoder weights in a local cache directory. Files are
// written under a temporary name and renamed once complete, so a cached
// path always holds a whole file.
type Downloader struct {
	cacheDir string
	token    string
	sha256   string
	client   *http.Client
}

func NewDownloader(cacheDir, token string) *Downloader {
	return &Downloader{
		cacheDir: cacheDir,
		token:    token,
		client:   http.DefaultClient,
	}
}

// Verify makes the downloader reject weights whose SHA-256 differs from sum.
func (d *Downloader) Verify(sum string) *Downloader {
	d.sha256 = strings.ToLower(strings.TrimSpace(sum))
	return d
}

func (d *Downloader) CacheDir() string { return d.cacheDir }

// EnsureModel returns the cached path for url, downloading it first when
// missing. An empty filename uses the last URL segment.
func (d *Downloader) EnsureModel(ctx context.Context, url, filename string, progress ProgressFunc) (string, error) {
	if filename == "" {
		filename = path.Base(url)
	}
	dest := filepath.Join(d.cacheDir, filename)

	if info, err := os.Stat(dest); err == nil {
		reportProgress(progress, Progress{Status: StatusDownloading, File: filename, Loaded: info.Size(), Total: info.Size()})
		return dest, nil
	}

	if err := os.MkdirAll(d.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	if err := d.fetch(ctx, url, dest, filename, progress); err != nil {
		return "", err
	}
	return dest, nil
}

func (d *Downloader) fetch(ctx context.Context, url, dest, filename string, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", filename, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(d.cacheDir, "."+filename+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	body := &countingReader{
		r:     resp.Body,
		h:     sha256.New(),
		total: resp.ContentLength,
		onRead: func(n, total int64) {
			reportProgress(progress, Progress{Status: StatusDownloading, File: filename, Loaded: n, Total: total})
		},
	}
	_, copyErr := io.Copy(tmp, body)
	if closeErr := tmp.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return fmt.Errorf("write %s: %w", filename, copyErr)
	}

	if body.total > 0 && body.n != body.total {
		return fmt.Errorf("download %s: got %d of %d bytes", filename, body.n, body.total)
	}
	if d.sha256 != "" {
		if got := hex.EncodeToString(body.h.Sum(nil)); got != d.sha256 {
			return fmt.Errorf("%s: sha256 %s, want %s: %w", filename, got, d.sha256, ErrChecksumMismatch)
		}
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("move %s into cache: %w", filename, err)
	}
	return nil
}

// countingReader hashes and counts what passes through it.
type countingReader struct {
	r      io.Reader
	h      hash.Hash
	n      int64
	total  int64
	onRead func(n, total int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.h.Write(p[:n])
		c.n += int64(n)
		if c.onRead != nil {
			c.onRead(c.n, c.total)
		}
	}
	return n, err
}

func reportProgress(fn ProgressFunc, p Progress) {
	if fn != nil {
		fn(p)
	}
}

func DefaultCacheDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "spot", "models"), nil
}
