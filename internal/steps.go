package internal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// StepProvider drives the inspection flow: it hands out the config for the
// current step and takes the capture that finishes it.
type StepProvider interface {
	Begin(ctx context.Context) (DetectionConfig, error)
	// Submit returns the next step's config, or done once the last step
	// has been captured.
	Submit(ctx context.Context, c Capture) (next DetectionConfig, done bool, err error)
}

// CaptureSink stores or uploads an accepted capture.
type CaptureSink interface {
	Store(ctx context.Context, step int, c Capture) error
}

type StepSpec struct {
	Target    string   `yaml:"target"`
	Negatives []string `yaml:"negatives,omitempty"`
	Threshold *float32 `yaml:"threshold,omitempty"`
}

var _ StepProvider = (*StaticSteps)(nil)

// StaticSteps walks a fixed list of steps resolved up front.
type StaticSteps struct {
	mu    sync.Mutex
	steps []DetectionConfig
	idx   int
	sink  CaptureSink
}

// NewStaticSteps resolves every label now, so a missing label is a setup
// error before the camera ever starts.
func NewStaticSteps(store *EmbeddingStore, specs []StepSpec, params DetectionParams, sink CaptureSink) (*StaticSteps, error) {
	if len(specs) == 0 {
		return nil, setupErr("steps", fmt.Errorf("no steps configured"))
	}

	steps := make([]DetectionConfig, 0, len(specs))
	for i, spec := range specs {
		p := params
		if spec.Threshold != nil {
			p.Threshold = *spec.Threshold
		}
		cfg, err := store.DetectionConfig(spec.Target, spec.Negatives, p)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		steps = append(steps, cfg)
	}

	return &StaticSteps{steps: steps, sink: sink}, nil
}

func (s *StaticSteps) Len() int { return len(s.steps) }

// Current returns the zero-based index of the active step.
func (s *StaticSteps) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx
}

func (s *StaticSteps) Begin(ctx context.Context) (DetectionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx = 0
	return s.steps[0], nil
}

func (s *StaticSteps) Submit(ctx context.Context, c Capture) (DetectionConfig, bool, error) {
	s.mu.Lock()
	idx := s.idx
	s.mu.Unlock()

	if s.sink != nil {
		if err := s.sink.Store(ctx, idx, c); err != nil {
			return DetectionConfig{}, false, fmt.Errorf("store capture for step %d: %w", idx+1, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx++
	if s.idx >= len(s.steps) {
		return DetectionConfig{}, true, nil
	}
	return s.steps[s.idx], false, nil
}

type captureRecord struct {
	ID           string        `json:"id"`
	Step         int           `json:"step"`
	Target       string        `json:"target"`
	TargetScore  float32       `json:"target_score"`
	RankedScores []RankedScore `json:"ranked_scores"`
	CapturedAt   time.Time     `json:"captured_at"`
	Image        string        `json:"image"`
}

var _ CaptureSink = (*DirectorySink)(nil)

// DirectorySink writes every capture as an image plus a JSON sidecar.
type DirectorySink struct {
	dir string
}

func NewDirectorySink(dir string) (*DirectorySink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	return &DirectorySink{dir: dir}, nil
}

func (d *DirectorySink) Store(ctx context.Context, step int, c Capture) error {
	id := uuid.NewString()
	base := fmt.Sprintf("%02d-%s-%s", step+1, slug(c.Config.TargetLabel), id[:8])
	image := base + imageExt(c.Frame.Data)

	if err := os.WriteFile(filepath.Join(d.dir, image), c.Frame.Data, 0644); err != nil {
		return fmt.Errorf("write capture: %w", err)
	}

	rec := captureRecord{
		ID:           id,
		Step:         step + 1,
		Target:       c.Config.TargetLabel,
		TargetScore:  c.Score.TargetScore,
		RankedScores: c.Score.RankedScores,
		CapturedAt:   c.Frame.CapturedAt,
		Image:        image,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal capture record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.dir, base+".json"), data, 0644); err != nil {
		return fmt.Errorf("write capture record: %w", err)
	}
	return nil
}

// CaptureSinks stores into every sink in order and stops at the first error.
type CaptureSinks []CaptureSink

func (s CaptureSinks) Store(ctx context.Context, step int, c Capture) error {
	for _, sink := range s {
		if err := sink.Store(ctx, step, c); err != nil {
			return err
		}
	}
	return nil
}

var _ CaptureSink = (*HTTPUploader)(nil)

// HTTPUploader posts captures as multipart forms and retries transient
// failures with exponential backoff.
type HTTPUploader struct {
	url         string
	client      *http.Client
	maxAttempts uint64
	newBackOff  func() backoff.BackOff
}

func NewHTTPUploader(url string, maxAttempts int, client *http.Client) *HTTPUploader {
	if client == nil {
		client = http.DefaultClient
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &HTTPUploader{
		url:         url,
		client:      client,
		maxAttempts: uint64(maxAttempts),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

func (u *HTTPUploader) Store(ctx context.Context, step int, c Capture) error {
	body, contentType, err := captureForm(step, c)
	if err != nil {
		return err
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Idempotency-Key", c.idempotencyKey(step))

		resp, err := u.client.Do(req)
		if err != nil {
			return fmt.Errorf("send upload: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("upload failed with status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("upload rejected with status %d", resp.StatusCode))
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(u.newBackOff(), u.maxAttempts-1), ctx)
	if err := backoff.Retry(op, b); err != nil {
		Captures.WithLabelValues("upload_failed").Inc()
		return err
	}
	Captures.WithLabelValues("uploaded").Inc()
	return nil
}

func captureForm(step int, c Capture) ([]byte, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	fields := map[string]string{
		"step":         strconv.Itoa(step + 1),
		"target":       c.Config.TargetLabel,
		"target_score": strconv.FormatFloat(float64(c.Score.TargetScore), 'f', 6, 32),
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}

	part, err := w.CreateFormFile("image", "capture"+imageExt(c.Frame.Data))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(c.Frame.Data); err != nil {
		return nil, "", fmt.Errorf("write image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return body.Bytes(), w.FormDataContentType(), nil
}

func (c Capture) idempotencyKey(step int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%d:%s:%d", step, c.Config.TargetLabel, c.Frame.CapturedAt.UnixNano()))).String()
}

func imageExt(data []byte) string {
	if bytes.HasPrefix(data, []byte("\x89PNG")) {
		return ".png"
	}
	return ".jpg"
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "capture"
	}
	return out
}
