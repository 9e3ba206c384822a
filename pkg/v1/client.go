package v1

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/4thel00z/spotcheck/internal"
	"go.uber.org/zap"
)

// ErrBusy is returned when an image arrives while another is still being
// classified. The image is dropped, not queued.
var ErrBusy = errors.New("classification in progress")

// Client provides programmatic access to zero-shot detection.
type Client struct {
	exec    *internal.Executor
	store   *internal.EmbeddingStore
	init    internal.InitOptions
	params  internal.DetectionParams
	started time.Time

	// Detect swaps the active label set; serialize it with classification.
	mu   sync.Mutex
	busy atomic.Uint64
}

// New creates a new Client with the given options. The encoder is not
// loaded until Init.
func New(opts ...Option) (*Client, error) {
	defaults := internal.DefaultConfig()
	cfg := &clientConfig{
		endpoint:    defaults.Model.Endpoint,
		modelID:     defaults.Model.ID,
		device:      defaults.Model.Device,
		temperature: defaults.Model.Temperature,
		threshold:   defaults.Detection.Threshold,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	labelsPath := cfg.labelsPath
	if labelsPath == "" {
		scope := internal.NewScopeResolver().Resolve("")
		scopeCfg, err := internal.LoadConfig(scope)
		if err != nil {
			return nil, err
		}
		labelsPath = scopeCfg.LabelsPath(scope)
	}
	store, err := internal.LoadEmbeddingStore(labelsPath)
	if err != nil {
		return nil, err
	}

	device, err := internal.ParseDevice(cfg.device)
	if err != nil {
		return nil, err
	}

	var loader internal.EncoderLoader = internal.NewHTTPEncoderLoader(cfg.endpoint, internal.WithRemoteLogger(cfg.logger))
	if cfg.encoder != nil {
		loader = internal.EncoderLoaderFunc(func(context.Context, internal.ModelSpec, internal.ProgressFunc) (internal.VisionEncoder, error) {
			return encoderAdapter{cfg.encoder}, nil
		})
	}

	params := defaults.Params()
	params.Threshold = cfg.threshold

	return &Client{
		exec: internal.NewExecutor(loader,
			internal.WithTemperature(cfg.temperature),
			internal.WithExecutorLogger(cfg.logger)),
		store:   store,
		init:    internal.InitOptions{ModelID: cfg.modelID, Device: device, Labels: store.All()},
		params:  params,
		started: time.Now(),
	}, nil
}

// Init loads the encoder. Concurrent calls share one load.
func (c *Client) Init(ctx context.Context) error {
	return c.exec.Initialize(ctx, c.init)
}

// Labels returns every label known to the client.
func (c *Client) Labels() []string {
	return c.store.Labels()
}

// Classify ranks image against every known label.
func (c *Client) Classify(ctx context.Context, image []byte) ([]Ranked, error) {
	if !c.acquire() {
		return nil, ErrBusy
	}
	defer c.mu.Unlock()

	if err := c.activate(ctx, nil); err != nil {
		return nil, err
	}
	res, err := c.classify(ctx, image)
	if err != nil {
		return nil, err
	}
	return toRanked(res.Ranked), nil
}

// Detect tests image against target, with negatives as competing labels.
func (c *Client) Detect(ctx context.Context, image []byte, target string, negatives ...string) (*Detection, error) {
	dc, err := c.store.DetectionConfig(target, negatives, c.params)
	if err != nil {
		return nil, err
	}

	if !c.acquire() {
		return nil, ErrBusy
	}
	defer c.mu.Unlock()

	if err := c.activate(ctx, &dc); err != nil {
		return nil, err
	}
	res, err := c.classify(ctx, image)
	if err != nil {
		return nil, err
	}
	if res.Detection == nil {
		return nil, fmt.Errorf("detect %s: no detection result", target)
	}
	return &Detection{
		Target:   res.Detection.TargetLabel,
		Score:    res.Detection.TargetScore,
		Detected: res.Detection.IsDetected,
		Ranked:   toRanked(res.Detection.RankedScores),
	}, nil
}

// acquire claims the client for one image. An image arriving while
// another is in flight is dropped.
func (c *Client) acquire() bool {
	if c.mu.TryLock() {
		return true
	}
	c.busy.Add(1)
	return false
}

// activate switches the executor to target mode for dc, or back to the
// full label ranking when dc is nil.
func (c *Client) activate(ctx context.Context, dc *internal.DetectionConfig) error {
	if dc != nil {
		return c.exec.SetActiveLabels(ctx, *dc)
	}
	return c.exec.SetGenericLabels(ctx, c.init.Labels)
}

func (c *Client) classify(ctx context.Context, image []byte) (internal.Classification, error) {
	res, err := c.exec.ClassifyFrame(ctx, internal.Frame{Data: image, CapturedAt: time.Now()})
	if err != nil {
		return res, err
	}
	if res.Skipped {
		return res, ErrBusy
	}
	return res, nil
}

func (c *Client) Stats() Stats {
	s := c.exec.Stats()
	return Stats{
		Classified: s.Classified,
		Dropped:    s.Dropped + c.busy.Load(),
		Failed:     s.Failed,
		Uptime:     time.Since(c.started),
	}
}

// Close releases any resources held by the client.
func (c *Client) Close() error {
	return c.exec.Close()
}

func toRanked(scores []internal.RankedScore) []Ranked {
	out := make([]Ranked, len(scores))
	for i, s := range scores {
		out[i] = Ranked{Label: s.Label, Score: s.Score}
	}
	return out
}

type encoderAdapter struct {
	Encoder
}

func (a encoderAdapter) Embed(ctx context.Context, f internal.Frame) ([]float32, error) {
	return a.Encoder.Embed(ctx, f.Data)
}

func (a encoderAdapter) Close() error { return nil }
