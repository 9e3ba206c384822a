package internal

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type workerMode int

const (
	modeNone workerMode = iota
	modeGeneric
	modeTarget
)

// worker owns the encoder and the active matrix. All of its state is touched
// only from run, so every mutation arrives through the inbox.
type worker struct {
	loader      EncoderLoader
	temperature float64
	logger      *zap.Logger
	inbox       <-chan envelope
	loads       *atomic.Int64

	encoder   VisionEncoder
	spec      ModelSpec
	matrix    *EmbeddingMatrix
	mode      workerMode
	threshold float32
	labelSet  uint64
	failed    error
}

func (w *worker) run(ctx context.Context) {
	defer w.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-w.inbox:
			w.handle(ctx, env)
		}
	}
}

func (w *worker) handle(ctx context.Context, env envelope) {
	log := w.logger.With(zap.Stringer("request", env.id))
	log.Debug("worker request", zap.String("type", string(env.req.Type())))

	var resp Response
	switch req := env.req.(type) {
	case InitRequest:
		resp = w.initialize(ctx, env, req)
	case UpdateLabelsRequest:
		resp = w.updateLabels(req)
	case ClassifyRequest:
		resp = w.classify(ctx, req)
	default:
		err := setupErr("dispatch", fmt.Errorf("unknown request %T", env.req))
		resp = ErrorResponse{Reason: err.Error(), Err: err}
	}

	if e, ok := resp.(ErrorResponse); ok {
		log.Debug("worker request failed", zap.String("reason", e.Reason))
	}

	select {
	case env.reply <- resp:
	case <-ctx.Done():
	}
}

func (w *worker) ready() bool {
	return w.encoder != nil
}

// emit sends a progress update without ever blocking the worker.
func (w *worker) emit(env envelope, p Progress) {
	select {
	case env.reply <- ProgressResponse{Progress: p}:
	default:
		ProgressDropped.WithLabelValues(string(p.Status)).Inc()
		w.logger.Debug("progress update dropped",
			zap.Stringer("request", env.id),
			zap.String("status", string(p.Status)))
	}
}

func (w *worker) initialize(ctx context.Context, env envelope, req InitRequest) Response {
	if w.ready() {
		return ReadyResponse{Dimension: w.encoder.Dimension()}
	}
	if w.failed != nil {
		return ErrorResponse{Reason: w.failed.Error(), Err: w.failed}
	}

	w.spec = ModelSpec{ID: req.ModelID, Device: req.Device.Resolve()}
	log := w.logger.With(zap.String("model", w.spec.ID), zap.String("device", string(w.spec.Device)))

	w.emit(env, Progress{Status: StatusQueued})

	w.loads.Add(1)
	start := time.Now()
	enc, err := w.loader.Load(ctx, w.spec, func(p Progress) { w.emit(env, p) })
	if err != nil {
		return w.fail(log, err)
	}

	if len(req.LabelEmbeddings) > 0 && len(req.LabelEmbeddings[0]) != enc.Dimension() {
		_ = enc.Close()
		return w.fail(log, fmt.Errorf("encoder produces %d dimensions, labels have %d: %w",
			enc.Dimension(), len(req.LabelEmbeddings[0]), ErrDimensionMismatch))
	}

	if warmer, ok := enc.(Warmer); ok {
		w.emit(env, Progress{Status: StatusWarming})
		if err := warmer.Warm(ctx); err != nil {
			_ = enc.Close()
			return w.fail(log, fmt.Errorf("warm up: %w", err))
		}
	}

	if len(req.Labels) > 0 {
		rows, err := labelRows(req.Labels, req.LabelEmbeddings)
		if err == nil {
			w.matrix, err = NewEmbeddingMatrix(rows)
		}
		if err != nil {
			_ = enc.Close()
			return w.fail(log, err)
		}
		w.mode = modeGeneric
	}

	w.encoder = enc
	ModelLoads.WithLabelValues("ok").Inc()
	ModelLoadSeconds.Observe(time.Since(start).Seconds())
	log.Info("vision encoder ready",
		zap.Int("dimension", enc.Dimension()),
		zap.Duration("took", time.Since(start)))

	w.emit(env, Progress{Status: StatusReady})
	return ReadyResponse{Dimension: enc.Dimension()}
}

func (w *worker) fail(log *zap.Logger, err error) Response {
	w.failed = &LoadError{ModelID: w.spec.ID, Err: err}
	ModelLoads.WithLabelValues("failed").Inc()
	log.Error("vision encoder load failed", zap.Error(err))
	return ErrorResponse{Reason: err.Error(), Err: w.failed}
}

func (w *worker) updateLabels(req UpdateLabelsRequest) Response {
	if !w.ready() {
		err := setupErr("update labels", ErrNotReady)
		return ErrorResponse{Reason: err.Error(), Err: err}
	}

	negatives, err := labelRows(req.NegativeLabels, req.NegativeEmbeddings)
	if err != nil {
		return setupResponse("update labels", err)
	}
	if req.TargetLabel == "" {
		return w.genericLabels(negatives, req.LabelSet)
	}

	target, err := asLabelVector(req.TargetLabel, req.TargetEmbedding)
	if err != nil {
		return setupResponse("update labels", err)
	}
	if target.Dimension() != w.encoder.Dimension() {
		return setupResponse("update labels", fmt.Errorf("labels have %d dimensions, encoder produces %d: %w",
			target.Dimension(), w.encoder.Dimension(), ErrDimensionMismatch))
	}

	m, err := NewTargetMatrix(target, negatives)
	if err != nil {
		return setupResponse("update labels", err)
	}

	// Swap the whole matrix; the old one is dropped, never edited.
	w.matrix = m
	w.mode = modeTarget
	w.threshold = req.Threshold
	w.labelSet = req.LabelSet

	w.logger.Debug("active labels updated",
		zap.String("target", req.TargetLabel),
		zap.Int("negatives", len(negatives)),
		zap.Float32("threshold", req.Threshold))

	return LabelsUpdatedResponse{Rows: m.Rows()}
}

// genericLabels ranks against rows with no target.
func (w *worker) genericLabels(rows []LabelVector, labelSet uint64) Response {
	m, err := NewEmbeddingMatrix(rows)
	if err != nil {
		return setupResponse("update labels", err)
	}
	if m.Dim() != w.encoder.Dimension() {
		return setupResponse("update labels", fmt.Errorf("labels have %d dimensions, encoder produces %d: %w",
			m.Dim(), w.encoder.Dimension(), ErrDimensionMismatch))
	}

	w.matrix = m
	w.mode = modeGeneric
	w.threshold = 0
	w.labelSet = labelSet
	return LabelsUpdatedResponse{Rows: m.Rows()}
}

func (w *worker) classify(ctx context.Context, req ClassifyRequest) Response {
	if !w.ready() {
		err := setupErr("classify", ErrNotReady)
		return ErrorResponse{Reason: err.Error(), Err: err}
	}
	if w.matrix == nil {
		err := setupErr("classify", ErrEmptyLabelSet)
		return ErrorResponse{Reason: err.Error(), Err: err}
	}

	frame := req.Frame
	if err := frame.Validate(); err != nil {
		return frameResponse(frame.Seq, err)
	}

	start := time.Now()
	defer func() { InferenceSeconds.Observe(time.Since(start).Seconds()) }()

	vec, err := w.encoder.Embed(ctx, frame)
	if err != nil {
		return frameResponse(frame.Seq, err)
	}

	switch w.mode {
	case modeTarget:
		score, err := Classify(vec, w.matrix, w.threshold, w.temperature)
		if err != nil {
			return classifyFailure(frame.Seq, err)
		}
		score.LabelSet = w.labelSet
		return DetectionResponse{DetectionScore: score}
	default:
		ranked, err := Rank(vec, w.matrix, w.temperature, TopK)
		if err != nil {
			return classifyFailure(frame.Seq, err)
		}
		return ResultResponse{RankedScores: ranked}
	}
}

func (w *worker) shutdown() {
	if w.encoder != nil {
		if err := w.encoder.Close(); err != nil {
			w.logger.Warn("close encoder", zap.Error(err))
		}
		w.encoder = nil
	}
}

func setupResponse(op string, err error) Response {
	if !IsSetup(err) {
		err = setupErr(op, err)
	}
	return ErrorResponse{Reason: err.Error(), Err: err}
}

func frameResponse(seq uint64, err error) Response {
	fe := &FrameError{Seq: seq, Err: err}
	return ErrorResponse{Reason: fe.Error(), Err: fe}
}

func classifyFailure(seq uint64, err error) Response {
	if errors.Is(err, ErrDegenerateEmbedding) {
		return frameResponse(seq, err)
	}
	return ErrorResponse{Reason: err.Error(), Err: err}
}

// asLabelVector accepts vectors that are already unit length as-is and
// normalizes anything else once.
func asLabelVector(label string, vec []float32) (LabelVector, error) {
	if len(vec) > 0 && isUnit(vec) {
		return LabelVector{Label: label, Vector: vec, Normalized: true}, nil
	}
	return NewLabelVector(label, vec)
}

func labelRows(labels []string, embeddings [][]float32) ([]LabelVector, error) {
	if len(labels) != len(embeddings) {
		return nil, fmt.Errorf("%d labels but %d embeddings: %w", len(labels), len(embeddings), ErrDimensionMismatch)
	}
	rows := make([]LabelVector, 0, len(labels))
	for i, l := range labels {
		lv, err := asLabelVector(l, embeddings[i])
		if err != nil {
			return nil, err
		}
		rows = append(rows, lv)
	}
	return rows, nil
}
