package internal

import (
	"fmt"
	"io"
	"os"
	"sort"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LabelFile is the on-disk form of precomputed text embeddings, generated at
// build time by the same model family the vision encoder belongs to.
type LabelFile struct {
	Model     string               `json:"model"`
	Dimension int                  `json:"dimension"`
	Labels    map[string][]float32 `json:"labels"`
}

// EmbeddingStore is an immutable label -> unit vector mapping. Vectors are
// normalized once at load time and never touched again.
type EmbeddingStore struct {
	model     string
	dimension int
	vectors   map[string]LabelVector
}

func NewEmbeddingStore(file LabelFile) (*EmbeddingStore, error) {
	if len(file.Labels) == 0 {
		return nil, setupErr("load labels", ErrEmptyLabelSet)
	}

	s := &EmbeddingStore{
		model:     file.Model,
		dimension: file.Dimension,
		vectors:   make(map[string]LabelVector, len(file.Labels)),
	}

	for label, vec := range file.Labels {
		if s.dimension == 0 {
			s.dimension = len(vec)
		}
		if len(vec) != s.dimension {
			return nil, setupErr("load labels", fmt.Errorf("label %q has %d dimensions, want %d: %w",
				label, len(vec), s.dimension, ErrDimensionMismatch))
		}
		lv, err := NewLabelVector(label, vec)
		if err != nil {
			return nil, setupErr("load labels", err)
		}
		s.vectors[label] = lv
	}

	return s, nil
}

func LoadEmbeddingStore(path string) (*EmbeddingStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, setupErr("load labels", fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	return ReadEmbeddingStore(f)
}

func ReadEmbeddingStore(r io.Reader) (*EmbeddingStore, error) {
	var file LabelFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, setupErr("load labels", fmt.Errorf("parse label file: %w", err))
	}
	return NewEmbeddingStore(file)
}

func (s *EmbeddingStore) Model() string  { return s.model }
func (s *EmbeddingStore) Dimension() int { return s.dimension }
func (s *EmbeddingStore) Len() int       { return len(s.vectors) }

// Lookup matches the label string exactly.
func (s *EmbeddingStore) Lookup(label string) (LabelVector, error) {
	lv, ok := s.vectors[label]
	if !ok {
		return LabelVector{}, setupErr("lookup", fmt.Errorf("%q: %w", label, ErrMissingLabel))
	}
	return lv, nil
}

func (s *EmbeddingStore) LookupAll(labels []string) ([]LabelVector, error) {
	out := make([]LabelVector, 0, len(labels))
	for _, l := range labels {
		lv, err := s.Lookup(l)
		if err != nil {
			return nil, err
		}
		out = append(out, lv)
	}
	return out, nil
}

// Labels returns all labels in lexical order.
func (s *EmbeddingStore) Labels() []string {
	labels := make([]string, 0, len(s.vectors))
	for l := range s.vectors {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// All returns every label vector in lexical label order.
func (s *EmbeddingStore) All() []LabelVector {
	labels := s.Labels()
	out := make([]LabelVector, 0, len(labels))
	for _, l := range labels {
		out = append(out, s.vectors[l])
	}
	return out
}

// DetectionConfig builds a per-step config. Every label must exist.
func (s *EmbeddingStore) DetectionConfig(target string, negatives []string, params DetectionParams) (DetectionConfig, error) {
	tv, err := s.Lookup(target)
	if err != nil {
		return DetectionConfig{}, err
	}
	nvs, err := s.LookupAll(negatives)
	if err != nil {
		return DetectionConfig{}, err
	}
	cfg := DetectionConfig{
		TargetLabel:      target,
		TargetVector:     tv,
		NegativeVectors:  nvs,
		Threshold:        params.Threshold,
		SustainedMs:      params.SustainedMs,
		CountdownSeconds: params.CountdownSeconds,
	}
	if err := cfg.Validate(); err != nil {
		return DetectionConfig{}, err
	}
	return cfg, nil
}
