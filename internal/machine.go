package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDetecting
	PhaseSustaining
	PhaseCountdown
	PhaseCapturing
	PhaseComplete
	PhaseError
)

var phaseNames = [...]string{
	PhaseIdle:       "idle",
	PhaseDetecting:  "detecting",
	PhaseSustaining: "sustaining",
	PhaseCountdown:  "countdown",
	PhaseCapturing:  "capturing",
	PhaseComplete:   "complete",
	PhaseError:      "error",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for i, name := range phaseNames {
		if name == string(text) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// CountdownStep is the interval between countdown decrements.
const CountdownStep = time.Second

// DefaultCaptureQuality is the JPEG quality requested for the final capture.
const DefaultCaptureQuality = 0.92

var ErrInvalidPhase = errors.New("invalid phase for operation")

// Transition is emitted on every phase change and on every countdown tick.
type Transition struct {
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	At        time.Time `json:"at"`
	Target    string    `json:"target,omitempty"`
	Score     float32   `json:"score,omitempty"`
	Remaining int       `json:"remaining,omitempty"`
	Err       error     `json:"-"`
}

// Capturer takes the full resolution picture once the countdown ends.
// A nil frame with a nil error means the source was not ready.
type Capturer interface {
	CaptureFullResolutionFrame(ctx context.Context, quality float64) (*Frame, error)
}

// Capture is handed to the step flow after a successful full resolution
// capture. Score is the one recorded when sustaining completed.
type Capture struct {
	Frame  Frame
	Score  DetectionScore
	Config DetectionConfig
}

type MachineOption func(*Machine)

func WithClock(c Clock) MachineOption {
	return func(m *Machine) {
		m.clock = c
	}
}

func WithCaptureQuality(q float64) MachineOption {
	return func(m *Machine) {
		m.quality = q
	}
}

func WithMachineLogger(l *zap.Logger) MachineOption {
	return func(m *Machine) {
		m.logger = l
	}
}

// OnTransition registers a listener. Listeners run while the machine is
// locked, in emission order; they must not call back into the machine.
func OnTransition(fn func(Transition)) MachineOption {
	return func(m *Machine) {
		m.listeners = append(m.listeners, fn)
	}
}

// OnCapture sets the handler that receives successful captures. It runs
// unlocked and is expected to call Advance or Complete.
func OnCapture(fn func(Capture)) MachineOption {
	return func(m *Machine) {
		m.onCapture = fn
	}
}

// Machine is the temporal detection state machine. It consumes detection
// scores, enforces wall-clock sustained detection, runs the countdown and
// requests the capture. Hysteresis is time based, so dropped frames only
// delay decisions.
type Machine struct {
	mu        sync.Mutex
	clock     Clock
	capturer  Capturer
	quality   float64
	logger    *zap.Logger
	listeners []func(Transition)
	onCapture func(Capture)

	phase        Phase
	cfg          DetectionConfig
	sustainStart time.Time
	sustainScore DetectionScore
	remaining    int
	err          error

	// At most one timer is armed; gen invalidates callbacks of stopped ones.
	timer Timer
	gen   uint64

	ctx    context.Context
	cancel context.CancelFunc
}

func NewMachine(capturer Capturer, opts ...MachineOption) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		clock:    SystemClock(),
		capturer: capturer,
		quality:  DefaultCaptureQuality,
		logger:   zap.NewNop(),
		phase:    PhaseIdle,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Remaining returns the seconds left on the countdown.
func (m *Machine) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining
}

func (m *Machine) Config() DetectionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Start moves an idle machine into detecting for cfg.
func (m *Machine) Start(cfg DetectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseIdle {
		return fmt.Errorf("start from %s: %w", m.phase, ErrInvalidPhase)
	}
	m.cfg = cfg
	m.transition(PhaseDetecting, Transition{})
	return nil
}

// Observe feeds one classified frame and returns the phase after it.
func (m *Machine) Observe(score DetectionScore) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A result computed against the previous step's labels.
	if score.TargetLabel != "" && score.TargetLabel != m.cfg.TargetLabel {
		return m.phase
	}
	if m.cfg.LabelSet != 0 && score.LabelSet != m.cfg.LabelSet {
		return m.phase
	}

	now := m.clock.Now()

	switch m.phase {
	case PhaseDetecting:
		if score.IsDetected {
			m.sustainStart = now
			m.transition(PhaseSustaining, Transition{Score: score.TargetScore})
		}

	case PhaseSustaining:
		if !score.IsDetected {
			m.sustainStart = time.Time{}
			m.transition(PhaseDetecting, Transition{Score: score.TargetScore})
			break
		}
		if now.Sub(m.sustainStart) >= m.cfg.Sustain() {
			m.sustainScore = score
			m.enterCountdown(score)
		}

	case PhaseCountdown:
		if !score.IsDetected {
			m.stopTimer()
			m.remaining = 0
			m.sustainStart = time.Time{}
			m.transition(PhaseDetecting, Transition{Score: score.TargetScore})
		}
	}

	return m.phase
}

func (m *Machine) enterCountdown(score DetectionScore) {
	m.sustainStart = time.Time{}
	m.remaining = m.cfg.CountdownSeconds
	if m.remaining == 0 {
		m.enterCapturing()
		return
	}
	m.transition(PhaseCountdown, Transition{Score: score.TargetScore, Remaining: m.remaining})
	m.armTick()
}

func (m *Machine) armTick() {
	m.stopTimer()
	gen := m.gen
	m.timer = m.clock.AfterFunc(CountdownStep, func() { m.tick(gen) })
}

func (m *Machine) tick(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.phase != PhaseCountdown {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.remaining--
	if m.remaining > 0 {
		m.transition(PhaseCountdown, Transition{Score: m.sustainScore.TargetScore, Remaining: m.remaining})
		m.armTick()
		m.mu.Unlock()
		return
	}
	capGen := m.enterCapturingLocked()
	m.mu.Unlock()

	m.capture(capGen)
}

// enterCapturing is used from paths that hold the lock for the caller and
// therefore cannot block on the capturer.
func (m *Machine) enterCapturing() {
	capGen := m.enterCapturingLocked()
	go m.capture(capGen)
}

func (m *Machine) enterCapturingLocked() uint64 {
	m.stopTimer()
	m.remaining = 0
	m.transition(PhaseCapturing, Transition{Score: m.sustainScore.TargetScore})
	return m.gen
}

func (m *Machine) capture(gen uint64) {
	var (
		frame *Frame
		err   error
	)
	if m.capturer == nil {
		err = ErrSourceUnavailable
	} else {
		frame, err = m.capturer.CaptureFullResolutionFrame(m.ctx, m.quality)
	}

	m.mu.Lock()
	if gen != m.gen || m.phase != PhaseCapturing {
		m.mu.Unlock()
		return
	}
	if err == nil && frame == nil {
		err = ErrSourceUnavailable
	}
	if err != nil {
		Captures.WithLabelValues("failed").Inc()
		m.logger.Warn("capture failed, back to detecting", zap.Error(err))
		m.transition(PhaseDetecting, Transition{Err: err})
		m.mu.Unlock()
		return
	}

	c := Capture{Frame: *frame, Score: m.sustainScore, Config: m.cfg}
	handler := m.onCapture
	m.mu.Unlock()

	Captures.WithLabelValues("ok").Inc()
	if handler != nil {
		handler(c)
	}
}

// Advance leaves the current step and starts detecting for cfg. It is the
// normal exit from capturing once the step flow has accepted the capture.
func (m *Machine) Advance(cfg DetectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseIdle, PhaseComplete, PhaseError:
		return fmt.Errorf("advance from %s: %w", m.phase, ErrInvalidPhase)
	}
	m.stopTimer()
	m.remaining = 0
	m.sustainStart = time.Time{}
	m.cfg = cfg
	m.transition(PhaseDetecting, Transition{})
	return nil
}

// Retry returns to detecting on the same step, e.g. after a failed upload.
func (m *Machine) Retry() error {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()
	return m.Advance(cfg)
}

// Complete ends the session after the last step.
func (m *Machine) Complete() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseIdle, PhaseError:
		return fmt.Errorf("complete from %s: %w", m.phase, ErrInvalidPhase)
	case PhaseComplete:
		return nil
	}
	m.stopTimer()
	m.transition(PhaseComplete, Transition{})
	return nil
}

// Fail moves the machine into the absorbing error phase.
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == PhaseError {
		return
	}
	m.stopTimer()
	m.remaining = 0
	m.sustainStart = time.Time{}
	m.err = err
	m.logger.Error("detection failed", zap.Error(err))
	m.transition(PhaseError, Transition{Err: err})
}

// Reset returns the machine to idle from any phase.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTimer()
	m.remaining = 0
	m.sustainStart = time.Time{}
	m.sustainScore = DetectionScore{}
	m.err = nil
	m.cfg = DetectionConfig{}
	if m.phase != PhaseIdle {
		m.transition(PhaseIdle, Transition{})
	}
}

// Stop clears any armed timer and aborts a pending capture.
func (m *Machine) Stop() {
	m.mu.Lock()
	m.stopTimer()
	m.mu.Unlock()
	m.cancel()
}

// stopTimer must be called on every phase exit.
func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
}

func (m *Machine) transition(to Phase, t Transition) {
	from := m.phase
	m.phase = to

	t.From, t.To = from, to
	t.At = m.clock.Now()
	t.Target = m.cfg.TargetLabel

	if from != to {
		PhaseTransitions.WithLabelValues(from.String(), to.String()).Inc()
		m.logger.Debug("phase transition",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.String("target", t.Target),
			zap.Float32("score", t.Score))
	}

	for _, fn := range m.listeners {
		fn(t)
	}
}
