package internal

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	_ EncoderLoader = (*HTTPEncoderLoader)(nil)
	_ VisionEncoder = (*HTTPEncoder)(nil)
	_ Warmer        = (*HTTPEncoder)(nil)
)

// HTTPEncoderLoader loads a vision encoder hosted by an inference service.
//
//	POST {endpoint}/load   {"model_id", "device", "weights_path"} -> {"dimension"}
//	POST {endpoint}/embed  multipart "file"                     -> {"embedding": [...]}
type HTTPEncoderLoader struct {
	endpoint   string
	weightsURL string
	downloader *Downloader
	client     *http.Client
	logger     *zap.Logger
	tripAfter  uint32
	coolDown   time.Duration
}

type RemoteOption func(*HTTPEncoderLoader)

// WithWeights downloads url through d before asking the service to load it.
func WithWeights(url string, d *Downloader) RemoteOption {
	return func(l *HTTPEncoderLoader) {
		l.weightsURL = url
		l.downloader = d
	}
}

func WithHTTPClient(c *http.Client) RemoteOption {
	return func(l *HTTPEncoderLoader) {
		l.client = c
	}
}

func WithRemoteLogger(log *zap.Logger) RemoteOption {
	return func(l *HTTPEncoderLoader) {
		l.logger = log
	}
}

// WithBreaker trips the per-frame circuit after n consecutive failures and
// keeps it open for coolDown.
func WithBreaker(n uint32, coolDown time.Duration) RemoteOption {
	return func(l *HTTPEncoderLoader) {
		l.tripAfter = n
		l.coolDown = coolDown
	}
}

func NewHTTPEncoderLoader(endpoint string, opts ...RemoteOption) *HTTPEncoderLoader {
	l := &HTTPEncoderLoader{
		endpoint:  strings.TrimRight(endpoint, "/"),
		client:    http.DefaultClient,
		logger:    zap.NewNop(),
		tripAfter: 5,
		coolDown:  10 * time.Second,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

type loadRequest struct {
	ModelID     string `json:"model_id"`
	Device      Device `json:"device"`
	WeightsPath string `json:"weights_path,omitempty"`
}

type loadResponse struct {
	Dimension int    `json:"dimension"`
	Error     string `json:"error,omitempty"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func (l *HTTPEncoderLoader) Load(ctx context.Context, spec ModelSpec, progress ProgressFunc) (VisionEncoder, error) {
	var weightsPath string
	if l.weightsURL != "" && l.downloader != nil {
		p, err := l.downloader.EnsureModel(ctx, l.weightsURL, "", progress)
		if err != nil {
			return nil, fmt.Errorf("fetch weights: %w", err)
		}
		weightsPath = p
	}

	body, err := json.Marshal(loadRequest{ModelID: spec.ID, Device: spec.Device, WeightsPath: weightsPath})
	if err != nil {
		return nil, fmt.Errorf("marshal load request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint+"/load", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send load request: %w", err)
	}
	defer resp.Body.Close()

	var out loadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && resp.StatusCode == http.StatusOK {
		return nil, fmt.Errorf("decode load response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return nil, fmt.Errorf("load failed with status %d: %s", resp.StatusCode, out.Error)
		}
		return nil, fmt.Errorf("load failed with status %d", resp.StatusCode)
	}
	if out.Dimension <= 0 {
		return nil, fmt.Errorf("service reported dimension %d", out.Dimension)
	}

	l.logger.Info("remote encoder loaded",
		zap.String("endpoint", l.endpoint),
		zap.String("model", spec.ID),
		zap.Int("dimension", out.Dimension))

	return &HTTPEncoder{
		endpoint:  l.endpoint,
		client:    l.client,
		dimension: out.Dimension,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "encoder:" + spec.ID,
			Timeout: l.coolDown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= l.tripAfter
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				l.logger.Warn("encoder circuit state changed",
					zap.String("name", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		}),
	}, nil
}

// HTTPEncoder embeds frames through a remote inference service.
type HTTPEncoder struct {
	endpoint  string
	client    *http.Client
	dimension int
	breaker   *gobreaker.CircuitBreaker
}

func (e *HTTPEncoder) Dimension() int { return e.dimension }

func (e *HTTPEncoder) Embed(ctx context.Context, frame Frame) ([]float32, error) {
	out, err := e.breaker.Execute(func() (interface{}, error) {
		return e.embed(ctx, frame.Data)
	})
	if err != nil {
		return nil, err
	}
	vec := out.([]float32)
	if len(vec) != e.dimension {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d: %w", len(vec), e.dimension, ErrDimensionMismatch)
	}
	return vec, nil
}

func (e *HTTPEncoder) embed(ctx context.Context, data []byte) ([]float32, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("copy image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/embed", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed failed with status: %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("embed: %s", out.Error)
	}

	return out.Embedding, nil
}

// Warm pushes a blank frame through the service so the first real frame
// does not pay for kernel compilation.
func (e *HTTPEncoder) Warm(ctx context.Context) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 32, 32))); err != nil {
		return fmt.Errorf("encode warm-up frame: %w", err)
	}
	_, err := e.embed(ctx, buf.Bytes())
	return err
}

func (e *HTTPEncoder) Close() error {
	return nil
}
