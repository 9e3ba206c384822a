package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultFrameInterval is how often a preview frame is pulled.
const DefaultFrameInterval = 500 * time.Millisecond

var errSessionComplete = errors.New("session complete")

type SessionOption func(*Session)

func WithFrameInterval(d time.Duration) SessionOption {
	return func(s *Session) {
		s.interval = d
	}
}

func WithSessionLogger(l *zap.Logger) SessionOption {
	return func(s *Session) {
		s.logger = l
	}
}

// WithMachineOptions forwards options to the session's state machine.
func WithMachineOptions(opts ...MachineOption) SessionOption {
	return func(s *Session) {
		s.machineOpts = append(s.machineOpts, opts...)
	}
}

// Session wires a frame source, the shared executor, the state machine and
// the step flow together for one inspection run.
type Session struct {
	exec        *Executor
	frames      FrameSource
	steps       StepProvider
	init        InitOptions
	interval    time.Duration
	logger      *zap.Logger
	machineOpts []MachineOption

	machine  *Machine
	captures chan Capture
}

func NewSession(exec *Executor, frames FrameSource, steps StepProvider, init InitOptions, opts ...SessionOption) *Session {
	s := &Session{
		exec:     exec,
		frames:   frames,
		steps:    steps,
		init:     init,
		interval: DefaultFrameInterval,
		logger:   zap.NewNop(),
		captures: make(chan Capture, 1),
	}
	for _, o := range opts {
		o(s)
	}

	mopts := append([]MachineOption{
		WithMachineLogger(s.logger.Named("machine")),
		OnCapture(s.enqueue),
	}, s.machineOpts...)
	s.machine = NewMachine(frames, mopts...)

	return s
}

func (s *Session) Machine() *Machine { return s.machine }

// Run blocks until every step is captured (nil), ctx ends (nil) or a fatal
// error occurs. Load failures and a lost frame source leave the machine in
// the error phase.
func (s *Session) Run(ctx context.Context) error {
	defer s.machine.Stop()

	if err := s.exec.Initialize(ctx, s.init); err != nil {
		if IsLoad(err) {
			s.machine.Fail(err)
		}
		return err
	}

	cfg, err := s.steps.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin steps: %w", err)
	}
	if err := s.exec.SetActiveLabels(ctx, cfg); err != nil {
		return err
	}
	cfg.LabelSet = s.exec.ActiveLabelSet()
	if err := s.machine.Start(cfg); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pollFrames(gctx, g) })
	g.Go(func() error { return s.handleCaptures(gctx) })

	err = g.Wait()
	switch {
	case errors.Is(err, errSessionComplete):
		return nil
	case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return nil
	}
	return err
}

func (s *Session) pollFrames(ctx context.Context, g *errgroup.Group) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		switch s.machine.Phase() {
		case PhaseCapturing, PhaseComplete, PhaseError, PhaseIdle:
			continue
		}

		frame, err := s.frames.CaptureDownsampledFrame(ctx)
		if err != nil {
			if errors.Is(err, ErrSourceUnavailable) {
				s.machine.Fail(err)
				return err
			}
			s.logger.Debug("frame capture failed", zap.Error(err))
			continue
		}
		if frame == nil {
			continue
		}

		f := *frame
		g.Go(func() error { return s.classify(ctx, f) })
	}
}

func (s *Session) classify(ctx context.Context, frame Frame) error {
	c, err := s.exec.ClassifyFrame(ctx, frame)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil
	case IsRecoverable(err):
		s.logger.Debug("frame skipped", zap.Uint64("seq", frame.Seq), zap.Error(err))
		return nil
	default:
		s.machine.Fail(err)
		return err
	}

	if c.Detection != nil {
		s.machine.Observe(*c.Detection)
	}
	return nil
}

func (s *Session) enqueue(c Capture) {
	select {
	case s.captures <- c:
	default:
		s.logger.Warn("capture dropped, previous capture still in flight")
		_ = s.machine.Retry()
	}
}

func (s *Session) handleCaptures(ctx context.Context) error {
	for {
		var c Capture
		select {
		case <-ctx.Done():
			return nil
		case c = <-s.captures:
		}

		next, done, err := s.steps.Submit(ctx, c)
		if err != nil {
			s.logger.Warn("capture not accepted, retrying step", zap.Error(err))
			_ = s.machine.Retry()
			continue
		}
		if done {
			_ = s.machine.Complete()
			s.logger.Info("all steps captured")
			return errSessionComplete
		}

		if err := s.exec.SetActiveLabels(ctx, next); err != nil {
			s.machine.Fail(err)
			return err
		}
		next.LabelSet = s.exec.ActiveLabelSet()
		if err := s.machine.Advance(next); err != nil {
			return err
		}
		s.logger.Info("next step", zap.String("target", next.TargetLabel))
	}
}
