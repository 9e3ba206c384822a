package v1

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testLabels = `{
  "model": "clip-vit-base-patch32",
  "dimension": 3,
  "labels": {
    "front bumper": [3, 0, 4],
    "rear bumper": [0, 2, 0],
    "wheel": [1, 1, 1]
  }
}`

type staticEncoder struct {
	vec []float32
	err error
}

func (e staticEncoder) Embed(context.Context, []byte) ([]float32, error) {
	return e.vec, e.err
}

func (e staticEncoder) Dimension() int { return len(e.vec) }

// blockingEncoder holds every Embed call until release is closed.
type blockingEncoder struct {
	started chan struct{}
	release chan struct{}
}

func (e blockingEncoder) Embed(ctx context.Context, _ []byte) ([]float32, error) {
	e.started <- struct{}{}
	select {
	case <-e.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []float32{3, 0, 4}, nil
}

func (e blockingEncoder) Dimension() int { return 3 }

func testImage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func setupClientTest(t *testing.T, enc Encoder, opts ...Option) *Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "labels.json")
	if err := os.WriteFile(path, []byte(testLabels), 0644); err != nil {
		t.Fatalf("write labels: %v", err)
	}

	opts = append([]Option{WithLabels(path), WithEncoder(enc), WithModel("clip-test", "cpu")}, opts...)
	client, err := New(opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return client
}

func TestClientLabels(t *testing.T) {
	client := setupClientTest(t, staticEncoder{vec: []float32{3, 0, 4}})

	labels := client.Labels()
	if len(labels) != 3 {
		t.Fatalf("expected 3 labels, got %d", len(labels))
	}
	if labels[0] != "front bumper" {
		t.Errorf("labels[0] = %q, want %q", labels[0], "front bumper")
	}
}

func TestClientClassify(t *testing.T) {
	client := setupClientTest(t, staticEncoder{vec: []float32{3, 0, 4}})

	ranked, err := client.Classify(context.Background(), testImage(t))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(ranked) != 3 {
		t.Fatalf("expected 3 ranked labels, got %d", len(ranked))
	}
	if ranked[0].Label != "front bumper" {
		t.Errorf("top label = %q, want %q", ranked[0].Label, "front bumper")
	}

	var sum float32
	for i, r := range ranked {
		sum += r.Score
		if i > 0 && r.Score > ranked[i-1].Score {
			t.Errorf("ranking not descending at %d", i)
		}
	}
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("scores sum to %v, want 1", sum)
	}
}

func TestClientDetect(t *testing.T) {
	client := setupClientTest(t, staticEncoder{vec: []float32{3, 0, 4}})
	ctx := context.Background()
	img := testImage(t)

	got, err := client.Detect(ctx, img, "front bumper", "rear bumper", "wheel")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !got.Detected {
		t.Errorf("expected front bumper to be detected, score %v", got.Score)
	}
	if got.Target != "front bumper" {
		t.Errorf("target = %q", got.Target)
	}

	got, err = client.Detect(ctx, img, "rear bumper", "front bumper")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if got.Detected {
		t.Error("rear bumper should not be detected")
	}

	// Switching back to the full ranking after a detection.
	ranked, err := client.Classify(ctx, img)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(ranked) != 3 {
		t.Errorf("expected full ranking after detect, got %d labels", len(ranked))
	}

	if s := client.Stats(); s.Classified != 3 {
		t.Errorf("classified = %d, want 3", s.Classified)
	}
}

func TestClientDetectUnknownLabel(t *testing.T) {
	client := setupClientTest(t, staticEncoder{vec: []float32{3, 0, 4}})

	if _, err := client.Detect(context.Background(), testImage(t), "hood"); err == nil {
		t.Error("expected error for unknown target label")
	}
	if _, err := client.Detect(context.Background(), testImage(t), "wheel", "hood"); err == nil {
		t.Error("expected error for unknown negative label")
	}
}

func TestClientEncoderFailure(t *testing.T) {
	client := setupClientTest(t, staticEncoder{vec: []float32{1, 0, 0}, err: errors.New("gpu reset")})

	if _, err := client.Classify(context.Background(), testImage(t)); err == nil {
		t.Error("expected encoder error")
	}
	if s := client.Stats(); s.Failed != 1 {
		t.Errorf("failed = %d, want 1", s.Failed)
	}
}

func TestClientRequiresInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.json")
	if err := os.WriteFile(path, []byte(testLabels), 0644); err != nil {
		t.Fatalf("write labels: %v", err)
	}

	client, err := New(WithLabels(path), WithEncoder(staticEncoder{vec: []float32{1, 0, 0}}))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	if _, err := client.Classify(context.Background(), testImage(t)); err == nil {
		t.Error("expected error before Init")
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	if _, err := New(WithLabels(filepath.Join(t.TempDir(), "missing.json"))); err == nil {
		t.Error("expected error for missing label file")
	}

	path := filepath.Join(t.TempDir(), "labels.json")
	if err := os.WriteFile(path, []byte(testLabels), 0644); err != nil {
		t.Fatalf("write labels: %v", err)
	}
	if _, err := New(WithLabels(path), WithModel("clip", "tpu")); err == nil {
		t.Error("expected error for unknown device")
	}
}

func TestClientClassifyWhileBusy(t *testing.T) {
	enc := blockingEncoder{started: make(chan struct{}, 1), release: make(chan struct{})}
	client := setupClientTest(t, enc)
	img := testImage(t)

	first := make(chan error, 1)
	go func() {
		_, err := client.Classify(context.Background(), img)
		first <- err
	}()
	<-enc.started

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := client.Classify(ctx, img); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := client.Detect(ctx, img, "front bumper", "wheel"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from Detect, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("busy calls waited %s, expected an immediate drop", elapsed)
	}

	close(enc.release)
	if err := <-first; err != nil {
		t.Fatalf("first classify: %v", err)
	}

	if got := client.Stats().Dropped; got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}

	if _, err := client.Classify(context.Background(), img); err != nil {
		t.Errorf("classify after release: %v", err)
	}
}
