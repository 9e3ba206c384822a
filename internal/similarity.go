package internal

import (
	"fmt"
	"math"
	"slices"
)

// DefaultTemperature is the logit scale applied to cosine similarities
// before softmax. CLIP-family models are calibrated around 100.
const DefaultTemperature = 100.0

// EmbeddingMatrix is a row-major [rows x dim] buffer of unit vectors. It is
// never mutated after construction; a label change builds a new one.
type EmbeddingMatrix struct {
	labels []string
	data   []float32
	dim    int
}

func NewEmbeddingMatrix(rows []LabelVector) (*EmbeddingMatrix, error) {
	if len(rows) == 0 {
		return nil, setupErr("build matrix", ErrEmptyLabelSet)
	}

	dim := rows[0].Dimension()
	if dim == 0 {
		return nil, setupErr("build matrix", ErrDimensionMismatch)
	}

	m := &EmbeddingMatrix{
		labels: make([]string, len(rows)),
		data:   make([]float32, 0, len(rows)*dim),
		dim:    dim,
	}

	for i, row := range rows {
		if row.Dimension() != dim {
			return nil, setupErr("build matrix", fmt.Errorf("row %d (%q) has %d dimensions, want %d: %w",
				i, row.Label, row.Dimension(), dim, ErrDimensionMismatch))
		}
		if !row.Normalized || !isUnit(row.Vector) {
			return nil, setupErr("build matrix", fmt.Errorf("row %d (%q): %w", i, row.Label, ErrNotNormalized))
		}
		m.labels[i] = row.Label
		m.data = append(m.data, row.Vector...)
	}

	return m, nil
}

// NewTargetMatrix puts the target at row 0 and the negatives after it.
func NewTargetMatrix(target LabelVector, negatives []LabelVector) (*EmbeddingMatrix, error) {
	rows := make([]LabelVector, 0, 1+len(negatives))
	rows = append(rows, target)
	rows = append(rows, negatives...)
	return NewEmbeddingMatrix(rows)
}

func (m *EmbeddingMatrix) Rows() int { return len(m.labels) }
func (m *EmbeddingMatrix) Dim() int  { return m.dim }

func (m *EmbeddingMatrix) Label(i int) string { return m.labels[i] }

func (m *EmbeddingMatrix) row(i int) []float32 {
	return m.data[i*m.dim : (i+1)*m.dim]
}

// Probabilities returns the temperature-scaled softmax over cosine
// similarities together with the scaled logits it was computed from.
func (m *EmbeddingMatrix) Probabilities(image []float32, temperature float64) (probs, logits []float64, err error) {
	if m == nil || len(m.labels) == 0 {
		return nil, nil, setupErr("classify", ErrEmptyLabelSet)
	}
	if len(image) != m.dim {
		return nil, nil, setupErr("classify", fmt.Errorf("image has %d dimensions, matrix has %d: %w",
			len(image), m.dim, ErrDimensionMismatch))
	}

	norm := l2Norm(image)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, nil, ErrDegenerateEmbedding
	}

	n := len(m.labels)
	logits = make([]float64, n)
	maxLogit := math.Inf(-1)
	for i := 0; i < n; i++ {
		var dot float64
		for j, v := range m.row(i) {
			dot += float64(v) * float64(image[j])
		}
		logits[i] = temperature * (dot / norm)
		if logits[i] > maxLogit {
			maxLogit = logits[i]
		}
	}

	probs = make([]float64, n)
	var sum float64
	for i, l := range logits {
		probs[i] = math.Exp(l - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}

	return probs, logits, nil
}

// Classify scores image against a target matrix (target at row 0). The
// target counts as detected only when it clears the threshold and strictly
// outranks every negative; ties go to not-detected.
func Classify(image []float32, m *EmbeddingMatrix, threshold float32, temperature float64) (DetectionScore, error) {
	probs, logits, err := m.Probabilities(image, temperature)
	if err != nil {
		return DetectionScore{}, err
	}

	top := true
	for i := 1; i < len(logits); i++ {
		if logits[i] >= logits[0] {
			top = false
			break
		}
	}

	targetScore := float32(probs[0])

	return DetectionScore{
		TargetLabel:  m.labels[0],
		TargetScore:  targetScore,
		IsDetected:   top && targetScore >= threshold,
		RankedScores: m.rank(probs, TopK),
	}, nil
}

// Rank scores image against every row and returns the best k labels.
func Rank(image []float32, m *EmbeddingMatrix, temperature float64, k int) ([]RankedScore, error) {
	probs, _, err := m.Probabilities(image, temperature)
	if err != nil {
		return nil, err
	}
	return m.rank(probs, k), nil
}

func (m *EmbeddingMatrix) rank(probs []float64, k int) []RankedScore {
	ranked := make([]RankedScore, len(probs))
	for i, p := range probs {
		ranked[i] = RankedScore{Label: m.labels[i], Score: float32(p)}
	}

	// Stable so equal scores keep matrix order.
	slices.SortStableFunc(ranked, func(a, b RankedScore) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})

	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}
