package internal

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"time"
)

// Frame is an encoded camera image (JPEG or PNG). Data must not be modified
// once the frame has been handed to the executor.
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	CapturedAt time.Time
	Seq        uint64
}

// Validate decodes the image header and fills in the dimensions.
func (f *Frame) Validate() error {
	if len(f.Data) == 0 {
		return fmt.Errorf("empty frame: %w", ErrMalformedFrame)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(f.Data))
	if err != nil {
		return fmt.Errorf("decode header: %v: %w", err, ErrMalformedFrame)
	}
	f.Width, f.Height = cfg.Width, cfg.Height
	return nil
}

// VisionEncoder maps one frame to a fixed-length image embedding.
type VisionEncoder interface {
	Embed(ctx context.Context, frame Frame) ([]float32, error)
	Dimension() int
	Close() error
}

// Warmer is implemented by encoders that benefit from a first dry run
// before real frames arrive.
type Warmer interface {
	Warm(ctx context.Context) error
}

type ModelSpec struct {
	ID     string
	Device Device
}

type LoadStatus string

const (
	StatusQueued      LoadStatus = "queued"
	StatusDownloading LoadStatus = "downloading"
	StatusWarming     LoadStatus = "warming"
	StatusReady       LoadStatus = "ready"
)

// Progress is an observational load update. It never gates correctness.
type Progress struct {
	Status LoadStatus `json:"status"`
	File   string     `json:"file,omitempty"`
	Loaded int64      `json:"loaded,omitempty"`
	Total  int64      `json:"total,omitempty"`
}

type ProgressFunc func(Progress)

// EncoderLoader fetches and compiles a vision encoder. It is the only
// long-latency operation in the system.
type EncoderLoader interface {
	Load(ctx context.Context, spec ModelSpec, progress ProgressFunc) (VisionEncoder, error)
}

// EncoderLoaderFunc adapts a function to EncoderLoader.
type EncoderLoaderFunc func(ctx context.Context, spec ModelSpec, progress ProgressFunc) (VisionEncoder, error)

func (f EncoderLoaderFunc) Load(ctx context.Context, spec ModelSpec, progress ProgressFunc) (VisionEncoder, error) {
	return f(ctx, spec, progress)
}
