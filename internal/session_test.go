package internal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticSource serves the same frame on every poll, like a camera pointed
// at a part that does not move.
type staticSource struct {
	frame Frame
	err   error
	seq   atomic.Uint64
}

func (s *staticSource) CaptureDownsampledFrame(context.Context) (*Frame, error) {
	if s.err != nil {
		return nil, s.err
	}
	f := s.frame
	f.Seq = s.seq.Add(1)
	f.CapturedAt = time.Now()
	return &f, nil
}

func (s *staticSource) CaptureFullResolutionFrame(context.Context, float64) (*Frame, error) {
	if s.err != nil {
		return nil, s.err
	}
	f := s.frame
	f.CapturedAt = time.Now()
	return &f, nil
}

type phaseLog struct {
	mu     sync.Mutex
	phases []Phase
}

func (l *phaseLog) record(t Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.From != t.To {
		l.phases = append(l.phases, t.To)
	}
}

func (l *phaseLog) Phases() []Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Phase(nil), l.phases...)
}

func TestSessionCapturesEveryStep(t *testing.T) {
	store := fixtureStore(t)
	sink := &memorySink{}
	steps, err := NewStaticSteps(store, []StepSpec{
		{Target: "front bumper", Negatives: []string{"rear bumper"}},
		{Target: "wheel", Negatives: []string{"rear bumper"}},
	}, DetectionParams{Threshold: 0.5, SustainedMs: 1, CountdownSeconds: 0}, sink)
	require.NoError(t, err)

	// Closer to "front bumper" than "rear bumper", and closer to "wheel"
	// than "rear bumper".
	exec := NewExecutor(&fakeLoader{encoder: constantEncoder(0.6, 0.6, 0.8)})
	defer exec.Close()

	log := &phaseLog{}
	session := NewSession(exec, &staticSource{frame: pngFrame(t, 3)}, steps,
		InitOptions{ModelID: "clip-test", Device: DeviceCPU, Labels: store.All()},
		WithFrameInterval(5*time.Millisecond),
		WithMachineOptions(OnTransition(log.record)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, session.Run(ctx))
	assert.Equal(t, PhaseComplete, session.Machine().Phase())
	assert.Equal(t, []string{"front bumper", "wheel"}, sink.Targets())
	assert.Equal(t, int64(1), exec.LoadCount())

	phases := log.Phases()
	require.NotEmpty(t, phases)
	assert.Equal(t, PhaseDetecting, phases[0])
	assert.Equal(t, PhaseComplete, phases[len(phases)-1])
	assert.Contains(t, phases, PhaseSustaining)
	assert.Contains(t, phases, PhaseCapturing)
}

func TestSessionLoadFailureEntersError(t *testing.T) {
	store := fixtureStore(t)
	steps, err := NewStaticSteps(store, []StepSpec{{Target: "wheel"}}, defaultTestParams, nil)
	require.NoError(t, err)

	exec := NewExecutor(&fakeLoader{err: errors.New("weights corrupt")})
	defer exec.Close()

	session := NewSession(exec, &staticSource{frame: pngFrame(t, 1)}, steps,
		InitOptions{ModelID: "clip-test", Device: DeviceCPU, Labels: store.All()})

	err = session.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsLoad(err))
	assert.Equal(t, PhaseError, session.Machine().Phase())
	assert.Error(t, session.Machine().Err())
}

func TestSessionLostSourceEntersError(t *testing.T) {
	store := fixtureStore(t)
	steps, err := NewStaticSteps(store, []StepSpec{{Target: "wheel"}}, defaultTestParams, nil)
	require.NoError(t, err)

	exec := NewExecutor(&fakeLoader{encoder: constantEncoder(1, 1, 1)})
	defer exec.Close()

	src := &staticSource{err: ErrSourceUnavailable}
	session := NewSession(exec, src, steps,
		InitOptions{ModelID: "clip-test", Device: DeviceCPU, Labels: store.All()},
		WithFrameInterval(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = session.Run(ctx)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, PhaseError, session.Machine().Phase())
}

func TestSessionStopsWithContext(t *testing.T) {
	store := fixtureStore(t)
	steps, err := NewStaticSteps(store, []StepSpec{{Target: "rear bumper", Negatives: []string{"front bumper"}}}, defaultTestParams, nil)
	require.NoError(t, err)

	// Never matches the target.
	exec := NewExecutor(&fakeLoader{encoder: constantEncoder(3, 0, 4)})
	defer exec.Close()

	session := NewSession(exec, &staticSource{frame: pngFrame(t, 1)}, steps,
		InitOptions{ModelID: "clip-test", Device: DeviceCPU, Labels: store.All()},
		WithFrameInterval(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.NoError(t, session.Run(ctx))
	assert.Equal(t, PhaseDetecting, session.Machine().Phase())
}
