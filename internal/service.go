package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNotInitialized = errors.New("scope not initialized")

// LoaderFactory builds the encoder loader for a scope's configuration.
type LoaderFactory func(cfg *Config) (EncoderLoader, error)

// RemoteLoaderFactory talks to the HTTP inference service named in the
// config and fetches weights into the user cache when a weights URL is set.
func RemoteLoaderFactory(logger *zap.Logger) LoaderFactory {
	return func(cfg *Config) (EncoderLoader, error) {
		opts := []RemoteOption{WithRemoteLogger(logger)}
		if cfg.Model.WeightsURL != "" {
			cacheDir, err := DefaultCacheDir()
			if err != nil {
				return nil, fmt.Errorf("resolve cache dir: %w", err)
			}
			d := NewDownloader(cacheDir, os.Getenv("SPOT_TOKEN")).Verify(cfg.Model.WeightsSum)
			opts = append(opts, WithWeights(cfg.Model.WeightsURL, d))
		}
		return NewHTTPEncoderLoader(cfg.Model.Endpoint, opts...), nil
	}
}

// Observers receives session events for display or fan-out.
type Observers struct {
	Transition func(Transition)
	Progress   ProgressFunc
}

func loadScope(resolver *ScopeResolver, scopeHint string) (Scope, *Config, error) {
	scope := resolver.Resolve(scopeHint)
	if _, err := os.Stat(scope.SpotPath); os.IsNotExist(err) {
		return Scope{}, nil, fmt.Errorf("%s: %w", scope.SpotPath, ErrNotInitialized)
	}

	cfg, err := LoadConfig(scope)
	if err != nil {
		return Scope{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return Scope{}, nil, err
	}
	return scope, cfg, nil
}

// LabelService inspects the scope's precomputed label embeddings.
type LabelService struct {
	resolver *ScopeResolver
}

func NewLabelService(resolver *ScopeResolver) *LabelService {
	return &LabelService{resolver: resolver}
}

func (s *LabelService) Store(scopeHint string) (*EmbeddingStore, error) {
	scope, cfg, err := loadScope(s.resolver, scopeHint)
	if err != nil {
		return nil, err
	}
	return LoadEmbeddingStore(cfg.LabelsPath(scope))
}

type StepCheck struct {
	Step      int      `json:"step"`
	Target    string   `json:"target"`
	Negatives []string `json:"negatives,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type LabelReport struct {
	Model     string      `json:"model"`
	Dimension int         `json:"dimension"`
	Labels    int         `json:"labels"`
	Steps     []StepCheck `json:"steps"`
}

func (r *LabelReport) OK() bool {
	for _, s := range r.Steps {
		if s.Error != "" {
			return false
		}
	}
	return true
}

// Check resolves every configured step against the label file. Unresolvable
// steps are reported individually instead of failing the whole check.
func (s *LabelService) Check(scopeHint string) (*LabelReport, error) {
	scope, cfg, err := loadScope(s.resolver, scopeHint)
	if err != nil {
		return nil, err
	}
	store, err := LoadEmbeddingStore(cfg.LabelsPath(scope))
	if err != nil {
		return nil, err
	}

	report := &LabelReport{
		Model:     store.Model(),
		Dimension: store.Dimension(),
		Labels:    store.Len(),
	}
	for i, spec := range cfg.Steps {
		check := StepCheck{Step: i + 1, Target: spec.Target, Negatives: spec.Negatives}
		params := cfg.Params()
		if spec.Threshold != nil {
			params.Threshold = *spec.Threshold
		}
		if _, err := store.DetectionConfig(spec.Target, spec.Negatives, params); err != nil {
			check.Error = err.Error()
		}
		report.Steps = append(report.Steps, check)
	}
	return report, nil
}

type ClassifyInput struct {
	Scope     string
	Path      string
	Target    string
	Negatives []string
}

type ClassifyOutput struct {
	Path      string          `json:"path"`
	Ranked    []RankedScore   `json:"ranked,omitempty"`
	Detection *DetectionScore `json:"detection,omitempty"`
}

// DetectService runs the encoder against single images and live sessions.
type DetectService struct {
	resolver  *ScopeResolver
	loaderFor LoaderFactory
	logger    *zap.Logger
	client    *http.Client
}

func NewDetectService(resolver *ScopeResolver, loaderFor LoaderFactory, logger *zap.Logger) *DetectService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetectService{
		resolver:  resolver,
		loaderFor: loaderFor,
		logger:    logger,
		client:    http.DefaultClient,
	}
}

func (s *DetectService) executor(cfg *Config, obs Observers) (*Executor, InitOptions, error) {
	loader, err := s.loaderFor(cfg)
	if err != nil {
		return nil, InitOptions{}, err
	}
	device, err := ParseDevice(cfg.Model.Device)
	if err != nil {
		return nil, InitOptions{}, setupErr("config", err)
	}

	opts := []ExecutorOption{
		WithTemperature(cfg.Model.Temperature),
		WithExecutorLogger(s.logger.Named("executor")),
	}
	if obs.Progress != nil {
		opts = append(opts, WithProgress(obs.Progress))
	}

	return NewExecutor(loader, opts...), InitOptions{ModelID: cfg.Model.ID, Device: device}, nil
}

// Classify embeds one image. Without a target it ranks every known label;
// with one it runs the detection rule against the given negatives.
func (s *DetectService) Classify(ctx context.Context, in ClassifyInput, obs Observers) (*ClassifyOutput, error) {
	scope, cfg, err := loadScope(s.resolver, in.Scope)
	if err != nil {
		return nil, err
	}
	store, err := LoadEmbeddingStore(cfg.LabelsPath(scope))
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(in.Path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	exec, init, err := s.executor(cfg, obs)
	if err != nil {
		return nil, err
	}
	defer exec.Close()

	init.Labels = store.All()
	if err := exec.Initialize(ctx, init); err != nil {
		return nil, err
	}

	if in.Target != "" {
		dc, err := store.DetectionConfig(in.Target, in.Negatives, cfg.Params())
		if err != nil {
			return nil, err
		}
		if err := exec.SetActiveLabels(ctx, dc); err != nil {
			return nil, err
		}
	}

	c, err := exec.ClassifyFrame(ctx, Frame{Data: data, CapturedAt: time.Now()})
	if err != nil {
		return nil, err
	}
	return &ClassifyOutput{Path: in.Path, Ranked: c.Ranked, Detection: c.Detection}, nil
}

type WatchInput struct {
	Scope string
	Dir   string
}

// Watch runs the configured steps against frames dropped into a directory
// until every step is captured or ctx ends.
func (s *DetectService) Watch(ctx context.Context, in WatchInput, obs Observers) error {
	scope, cfg, err := loadScope(s.resolver, in.Scope)
	if err != nil {
		return err
	}
	if len(cfg.Steps) == 0 {
		return setupErr("watch", errors.New("no steps configured"))
	}
	store, err := LoadEmbeddingStore(cfg.LabelsPath(scope))
	if err != nil {
		return err
	}

	dirSink, err := NewDirectorySink(scope.CapturePath())
	if err != nil {
		return err
	}
	sinks := CaptureSinks{dirSink}
	if cfg.Upload.URL != "" {
		sinks = append(sinks, NewHTTPUploader(cfg.Upload.URL, cfg.Upload.MaxAttempts, s.client))
	}

	steps, err := NewStaticSteps(store, cfg.Steps, cfg.Params(), sinks)
	if err != nil {
		return err
	}

	src, err := NewDirectorySource(in.Dir, s.logger.Named("frames"))
	if err != nil {
		return err
	}
	defer src.Close()

	exec, init, err := s.executor(cfg, obs)
	if err != nil {
		return err
	}
	defer exec.Close()

	mopts := []MachineOption{WithCaptureQuality(cfg.Detection.CaptureQuality)}
	if obs.Transition != nil {
		mopts = append(mopts, OnTransition(obs.Transition))
	}
	session := NewSession(exec, src, steps, init,
		WithFrameInterval(cfg.Detection.FrameInterval),
		WithSessionLogger(s.logger.Named("session")),
		WithMachineOptions(mopts...),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return src.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return session.Run(gctx)
	})

	err = g.Wait()
	s.logger.Info("watch finished",
		zap.Stringer("phase", session.Machine().Phase()),
		zap.Int("captured", steps.Current()),
		zap.Uint64("frame_drops", src.Drops()))
	return err
}

// ModelService manages locally cached encoder weights.
type ModelService struct {
	resolver *ScopeResolver
	cacheDir string
}

func NewModelService(resolver *ScopeResolver, cacheDir string) *ModelService {
	return &ModelService{resolver: resolver, cacheDir: cacheDir}
}

func (s *ModelService) Pull(ctx context.Context, scopeHint string, progress ProgressFunc) (string, error) {
	_, cfg, err := loadScope(s.resolver, scopeHint)
	if err != nil {
		return "", err
	}
	if cfg.Model.WeightsURL == "" {
		return "", setupErr("pull", errors.New("model.weights_url is not set"))
	}

	cacheDir := s.cacheDir
	if cacheDir == "" {
		if cacheDir, err = DefaultCacheDir(); err != nil {
			return "", fmt.Errorf("resolve cache dir: %w", err)
		}
	}
	return NewDownloader(cacheDir, os.Getenv("SPOT_TOKEN")).
		Verify(cfg.Model.WeightsSum).
		EnsureModel(ctx, cfg.Model.WeightsURL, "", progress)
}
