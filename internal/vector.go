package internal

import (
	"fmt"
	"math"
)

// normTolerance bounds how far a stored vector may drift from unit length
// and still count as normalized.
const normTolerance = 1e-4

type LabelVector struct {
	Label      string
	Vector     []float32
	Normalized bool
}

// NewLabelVector copies vec and normalizes it to unit L2 norm.
func NewLabelVector(label string, vec []float32) (LabelVector, error) {
	if len(vec) == 0 {
		return LabelVector{}, fmt.Errorf("label %q: %w", label, ErrDimensionMismatch)
	}
	normalized, err := l2Normalize(vec)
	if err != nil {
		return LabelVector{}, fmt.Errorf("label %q: %w", label, err)
	}
	return LabelVector{
		Label:      label,
		Vector:     normalized,
		Normalized: true,
	}, nil
}

func (v LabelVector) Dimension() int {
	return len(v.Vector)
}

func l2Norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func l2Normalize(vec []float32) ([]float32, error) {
	norm := l2Norm(vec)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, ErrDegenerateEmbedding
	}

	result := make([]float32, len(vec))
	for i, v := range vec {
		result[i] = float32(float64(v) / norm)
	}

	return result, nil
}

func isUnit(vec []float32) bool {
	return math.Abs(l2Norm(vec)-1) <= normTolerance
}
