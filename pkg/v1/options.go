package v1

import (
	"context"

	"go.uber.org/zap"
)

// Encoder turns encoded image bytes into an embedding. It lets callers
// bring their own vision model instead of the HTTP inference service.
type Encoder interface {
	Embed(ctx context.Context, image []byte) ([]float32, error)
	Dimension() int
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	endpoint    string
	modelID     string
	device      string
	temperature float64
	threshold   float32
	labelsPath  string
	encoder     Encoder
	logger      *zap.Logger
}

// WithEndpoint sets the inference service base URL.
func WithEndpoint(url string) Option {
	return func(c *clientConfig) {
		c.endpoint = url
	}
}

// WithModel selects the vision model and device (auto|cpu|cuda|mps).
func WithModel(id, device string) Option {
	return func(c *clientConfig) {
		c.modelID = id
		c.device = device
	}
}

// WithTemperature sets the softmax logit scale.
func WithTemperature(t float64) Option {
	return func(c *clientConfig) {
		c.temperature = t
	}
}

// WithThreshold sets the minimum target probability for a detection.
func WithThreshold(t float32) Option {
	return func(c *clientConfig) {
		c.threshold = t
	}
}

// WithLabels points at a precomputed label embedding file. When unset the
// label file of the resolved scope is used.
func WithLabels(path string) Option {
	return func(c *clientConfig) {
		c.labelsPath = path
	}
}

// WithEncoder replaces the HTTP inference service.
func WithEncoder(e Encoder) Option {
	return func(c *clientConfig) {
		c.encoder = e
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *clientConfig) {
		c.logger = l
	}
}
