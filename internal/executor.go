package internal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type ExecutorStatus int32

const (
	ExecutorUninitialized ExecutorStatus = iota
	ExecutorInitializing
	ExecutorReady
	ExecutorFailed
)

func (s ExecutorStatus) String() string {
	switch s {
	case ExecutorUninitialized:
		return "uninitialized"
	case ExecutorInitializing:
		return "initializing"
	case ExecutorReady:
		return "ready"
	case ExecutorFailed:
		return "failed"
	default:
		return fmt.Sprintf("ExecutorStatus(%d)", int32(s))
	}
}

type InitOptions struct {
	ModelID string
	Device  Device
	// Labels seeds the generic top-k mode. May be empty.
	Labels []LabelVector
}

// Classification is the outcome of one ClassifyFrame call. Exactly one of
// Skipped, Detection or Ranked is set.
type Classification struct {
	Skipped   bool
	Detection *DetectionScore
	Ranked    []RankedScore
}

type ExecutorStats struct {
	Loads      int64
	Classified uint64
	Dropped    uint64
	Failed     uint64
}

type ExecutorOption func(*executorConfig)

type executorConfig struct {
	temperature float64
	logger      *zap.Logger
	progress    []ProgressFunc
}

func WithTemperature(t float64) ExecutorOption {
	return func(c *executorConfig) {
		c.temperature = t
	}
}

func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return func(c *executorConfig) {
		c.logger = l
	}
}

// WithProgress registers an observer for load progress updates.
func WithProgress(fn ProgressFunc) ExecutorOption {
	return func(c *executorConfig) {
		c.progress = append(c.progress, fn)
	}
}

// Executor is the handle to the single inference worker of a host. Build one
// with NewExecutor and pass it to every consumer; concurrent Initialize calls
// share a single model load.
type Executor struct {
	mu      sync.Mutex
	status  ExecutorStatus
	done    chan struct{}
	initErr error

	inbox    chan envelope
	inFlight atomic.Bool
	seq      atomic.Uint64

	labelSets atomic.Uint64
	activeSet atomic.Uint64

	loads      atomic.Int64
	classified atomic.Uint64
	dropped    atomic.Uint64
	failed     atomic.Uint64

	progress []ProgressFunc
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewExecutor(loader EncoderLoader, opts ...ExecutorOption) *Executor {
	cfg := executorConfig{
		temperature: DefaultTemperature,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		inbox:    make(chan envelope),
		progress: cfg.progress,
		logger:   cfg.logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	w := &worker{
		loader:      loader,
		temperature: cfg.temperature,
		logger:      cfg.logger.Named("worker"),
		inbox:       e.inbox,
		loads:       &e.loads,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		w.run(ctx)
	}()

	return e
}

// Initialize loads the encoder once. Callers arriving while a load is in
// flight wait for the same outcome. Cancelling ctx only abandons the wait;
// the shared load keeps going for everyone else. A load failure is final
// for this executor.
func (e *Executor) Initialize(ctx context.Context, opts InitOptions) error {
	e.mu.Lock()
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return ErrExecutorClosed
	}

	switch e.status {
	case ExecutorUninitialized:
		req, err := initRequest(opts)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		e.status = ExecutorInitializing
		e.done = make(chan struct{})
		e.wg.Add(1)
		go e.runInit(req)
	case ExecutorReady:
		e.mu.Unlock()
		return nil
	case ExecutorFailed:
		err := e.initErr
		e.mu.Unlock()
		return err
	}
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func initRequest(opts InitOptions) (InitRequest, error) {
	if opts.ModelID == "" {
		return InitRequest{}, setupErr("initialize", fmt.Errorf("model id is required"))
	}
	req := InitRequest{
		ModelID:         opts.ModelID,
		Device:          opts.Device,
		Labels:          make([]string, 0, len(opts.Labels)),
		LabelEmbeddings: make([][]float32, 0, len(opts.Labels)),
	}
	for _, lv := range opts.Labels {
		if lv.Dimension() != opts.Labels[0].Dimension() {
			return InitRequest{}, setupErr("initialize", fmt.Errorf("label %q: %w", lv.Label, ErrDimensionMismatch))
		}
		req.Labels = append(req.Labels, lv.Label)
		req.LabelEmbeddings = append(req.LabelEmbeddings, lv.Vector)
	}
	return req, nil
}

func (e *Executor) runInit(req InitRequest) {
	defer e.wg.Done()

	env := newEnvelope(req, 16)
	select {
	case e.inbox <- env:
	case <-e.ctx.Done():
		e.finishInit(ErrExecutorClosed)
		return
	}

	for {
		select {
		case resp := <-env.reply:
			switch r := resp.(type) {
			case ProgressResponse:
				e.notify(r.Progress)
			case ReadyResponse:
				e.finishInit(nil)
				return
			case ErrorResponse:
				e.finishInit(r.Err)
				return
			}
		case <-e.ctx.Done():
			e.finishInit(ErrExecutorClosed)
			return
		}
	}
}

func (e *Executor) finishInit(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.initErr = err
	if err != nil {
		e.status = ExecutorFailed
	} else {
		e.status = ExecutorReady
	}
	close(e.done)
}

func (e *Executor) notify(p Progress) {
	for _, fn := range e.progress {
		fn(p)
	}
}

func (e *Executor) Status() ExecutorStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err returns the terminal load error, if any.
func (e *Executor) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initErr
}

// LoadCount reports how many times the underlying model load ran.
func (e *Executor) LoadCount() int64 {
	return e.loads.Load()
}

func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Loads:      e.loads.Load(),
		Classified: e.classified.Load(),
		Dropped:    e.dropped.Load(),
		Failed:     e.failed.Load(),
	}
}

func (e *Executor) requireReady(op string) error {
	if e.ctx.Err() != nil {
		return ErrExecutorClosed
	}
	if s := e.Status(); s != ExecutorReady {
		return setupErr(op, fmt.Errorf("status %s: %w", s, ErrNotReady))
	}
	return nil
}

// SetActiveLabels swaps the executor into single-target mode for cfg
// without reloading the model.
func (e *Executor) SetActiveLabels(ctx context.Context, cfg DetectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := e.requireReady("set labels"); err != nil {
		return err
	}

	negEmb := make([][]float32, len(cfg.NegativeVectors))
	for i, nv := range cfg.NegativeVectors {
		negEmb[i] = nv.Vector
	}

	return e.updateLabels(ctx, UpdateLabelsRequest{
		TargetLabel:        cfg.TargetLabel,
		TargetEmbedding:    cfg.TargetVector.Vector,
		NegativeLabels:     cfg.NegativeLabels(),
		NegativeEmbeddings: negEmb,
		Threshold:          cfg.Threshold,
	})
}

// SetGenericLabels switches back to top-k ranking over labels.
func (e *Executor) SetGenericLabels(ctx context.Context, labels []LabelVector) error {
	if len(labels) == 0 {
		return setupErr("set labels", ErrEmptyLabelSet)
	}
	if err := e.requireReady("set labels"); err != nil {
		return err
	}

	req := UpdateLabelsRequest{
		NegativeLabels:     make([]string, len(labels)),
		NegativeEmbeddings: make([][]float32, len(labels)),
	}
	for i, lv := range labels {
		req.NegativeLabels[i] = lv.Label
		req.NegativeEmbeddings[i] = lv.Vector
	}
	return e.updateLabels(ctx, req)
}

func (e *Executor) updateLabels(ctx context.Context, req UpdateLabelsRequest) error {
	req.LabelSet = e.labelSets.Add(1)
	resp, err := e.roundTrip(ctx, newEnvelope(req, 1))
	if err != nil {
		return err
	}
	switch r := resp.(type) {
	case LabelsUpdatedResponse:
		e.activeSet.Store(req.LabelSet)
		return nil
	case ErrorResponse:
		return r.Err
	default:
		return fmt.Errorf("unexpected %s response to %s", resp.Type(), MsgUpdateLabels)
	}
}

// ActiveLabelSet identifies the label set installed by the last successful
// SetActiveLabels or SetGenericLabels. Detection scores carry the set they
// were computed against.
func (e *Executor) ActiveLabelSet() uint64 {
	return e.activeSet.Load()
}

// ClassifyFrame runs one frame through the encoder. When a classification
// is already in flight the frame is dropped and Skipped is returned; that
// is not an error.
func (e *Executor) ClassifyFrame(ctx context.Context, frame Frame) (Classification, error) {
	if err := e.requireReady("classify"); err != nil {
		return Classification{}, err
	}

	if !e.inFlight.CompareAndSwap(false, true) {
		e.dropped.Add(1)
		FramesTotal.WithLabelValues(outcomeSkipped).Inc()
		return Classification{Skipped: true}, nil
	}

	if frame.Seq == 0 {
		frame.Seq = e.seq.Add(1)
	}

	env := newEnvelope(ClassifyRequest{Frame: frame}, 1)
	select {
	case e.inbox <- env:
	case <-ctx.Done():
		e.inFlight.Store(false)
		return Classification{}, ctx.Err()
	case <-e.ctx.Done():
		e.inFlight.Store(false)
		return Classification{}, ErrExecutorClosed
	}

	var resp Response
	select {
	case resp = <-env.reply:
		e.inFlight.Store(false)
	case <-ctx.Done():
		// The worker still owns the request; keep the slot busy until it answers.
		go func() {
			select {
			case <-env.reply:
			case <-e.ctx.Done():
			}
			e.inFlight.Store(false)
		}()
		return Classification{}, ctx.Err()
	case <-e.ctx.Done():
		return Classification{}, ErrExecutorClosed
	}

	switch r := resp.(type) {
	case DetectionResponse:
		e.classified.Add(1)
		FramesTotal.WithLabelValues(outcomeClassified).Inc()
		score := r.DetectionScore
		return Classification{Detection: &score}, nil
	case ResultResponse:
		e.classified.Add(1)
		FramesTotal.WithLabelValues(outcomeClassified).Inc()
		return Classification{Ranked: r.RankedScores}, nil
	case ErrorResponse:
		e.failed.Add(1)
		FramesTotal.WithLabelValues(outcomeFailed).Inc()
		return Classification{}, r.Err
	default:
		return Classification{}, fmt.Errorf("unexpected %s response to %s", resp.Type(), MsgClassify)
	}
}

func (e *Executor) roundTrip(ctx context.Context, env envelope) (Response, error) {
	select {
	case e.inbox <- env:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, ErrExecutorClosed
	}

	select {
	case resp := <-env.reply:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, ErrExecutorClosed
	}
}

// Close stops the worker and releases the encoder.
func (e *Executor) Close() error {
	e.cancel()
	e.wg.Wait()
	return nil
}
