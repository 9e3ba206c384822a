package internal

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInference struct {
	dimension int
	embedding []float32
	embedCode int
	loadCode  int

	loads  atomic.Int32
	embeds atomic.Int32

	mu         sync.Mutex
	lastLoad   loadRequest
	lastUpload []byte
}

func (f *fakeInference) loaded() loadRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastLoad
}

func (f *fakeInference) uploaded() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUpload
}

func (f *fakeInference) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/load", func(w http.ResponseWriter, r *http.Request) {
		f.loads.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		var req loadRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.lastLoad = req
		f.mu.Unlock()
		if f.loadCode != 0 {
			w.WriteHeader(f.loadCode)
			_ = json.NewEncoder(w).Encode(loadResponse{Error: "cuda out of memory"})
			return
		}
		_ = json.NewEncoder(w).Encode(loadResponse{Dimension: f.dimension})
	})
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		f.embeds.Add(1)
		file, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		f.mu.Lock()
		f.lastUpload = data
		f.mu.Unlock()
		if f.embedCode != 0 {
			w.WriteHeader(f.embedCode)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: f.embedding})
	})
	return mux
}

func startInference(t *testing.T, f *fakeInference) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPEncoderLoadAndEmbed(t *testing.T) {
	f := &fakeInference{dimension: 3, embedding: []float32{0.1, 0.2, 0.3}}
	srv := startInference(t, f)

	loader := NewHTTPEncoderLoader(srv.URL + "/")
	enc, err := loader.Load(context.Background(), ModelSpec{ID: "clip-vit-base-patch32", Device: DeviceCPU}, nil)
	require.NoError(t, err)
	defer enc.Close()

	assert.Equal(t, 3, enc.Dimension())
	assert.Equal(t, "clip-vit-base-patch32", f.loaded().ModelID)
	assert.Equal(t, DeviceCPU, f.loaded().Device)

	frame := pngFrame(t, 9)
	vec, err := enc.Embed(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, frame.Data, f.uploaded())

	warmer, ok := enc.(Warmer)
	require.True(t, ok)
	require.NoError(t, warmer.Warm(context.Background()))
	assert.Equal(t, int32(2), f.embeds.Load())
}

func TestHTTPEncoderLoadFailure(t *testing.T) {
	f := &fakeInference{loadCode: http.StatusInternalServerError}
	srv := startInference(t, f)

	_, err := NewHTTPEncoderLoader(srv.URL).Load(context.Background(), ModelSpec{ID: "clip"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cuda out of memory")
}

func TestHTTPEncoderRejectsZeroDimension(t *testing.T) {
	srv := startInference(t, &fakeInference{dimension: 0})

	_, err := NewHTTPEncoderLoader(srv.URL).Load(context.Background(), ModelSpec{ID: "clip"}, nil)
	assert.Error(t, err)
}

func TestHTTPEncoderDimensionMismatch(t *testing.T) {
	srv := startInference(t, &fakeInference{dimension: 4, embedding: []float32{1, 2}})

	enc, err := NewHTTPEncoderLoader(srv.URL).Load(context.Background(), ModelSpec{ID: "clip"}, nil)
	require.NoError(t, err)

	_, err = enc.Embed(context.Background(), pngFrame(t, 1))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestHTTPEncoderBreakerOpensAfterFailures(t *testing.T) {
	f := &fakeInference{dimension: 2, embedCode: http.StatusServiceUnavailable}
	srv := startInference(t, f)

	loader := NewHTTPEncoderLoader(srv.URL, WithBreaker(2, time.Minute))
	enc, err := loader.Load(context.Background(), ModelSpec{ID: "clip"}, nil)
	require.NoError(t, err)

	frame := pngFrame(t, 1)
	for i := 0; i < 2; i++ {
		_, err := enc.Embed(context.Background(), frame)
		require.Error(t, err)
	}

	_, err = enc.Embed(context.Background(), frame)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), f.embeds.Load())
}

func TestHTTPEncoderFetchesWeightsFirst(t *testing.T) {
	weights := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("onnx-bytes"))
	}))
	defer weights.Close()

	f := &fakeInference{dimension: 2}
	srv := startInference(t, f)

	cache := t.TempDir()
	var statuses []LoadStatus
	loader := NewHTTPEncoderLoader(srv.URL, WithWeights(weights.URL+"/clip.onnx", NewDownloader(cache, "")))
	_, err := loader.Load(context.Background(), ModelSpec{ID: "clip"}, func(p Progress) {
		statuses = append(statuses, p.Status)
	})
	require.NoError(t, err)

	want := filepath.Join(cache, "clip.onnx")
	assert.Equal(t, want, f.loaded().WeightsPath)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "onnx-bytes", string(data))
	assert.Contains(t, statuses, StatusDownloading)
}
