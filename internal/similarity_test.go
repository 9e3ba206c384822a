package internal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustVector(t *testing.T, label string, vec ...float32) LabelVector {
	t.Helper()
	lv, err := NewLabelVector(label, vec)
	require.NoError(t, err)
	return lv
}

func targetMatrix(t *testing.T, target LabelVector, negatives ...LabelVector) *EmbeddingMatrix {
	t.Helper()
	m, err := NewTargetMatrix(target, negatives)
	require.NoError(t, err)
	return m
}

func TestProbabilitiesSumToOne(t *testing.T) {
	m := targetMatrix(t,
		mustVector(t, "scratch", 0.9, 0.1, 0.3, -0.2),
		mustVector(t, "dent", 0.1, 0.8, -0.4, 0.2),
		mustVector(t, "clean panel", -0.3, 0.2, 0.7, 0.6),
	)

	images := [][]float32{
		{1, 0, 0, 0},
		{0.2, -0.5, 3.1, 0.7},
		{-4, 2, 0.01, 9},
	}
	for _, img := range images {
		for _, temp := range []float64{1, 10, DefaultTemperature} {
			probs, _, err := m.Probabilities(img, temp)
			require.NoError(t, err)

			var sum float64
			for _, p := range probs {
				assert.GreaterOrEqual(t, p, 0.0)
				sum += p
			}
			assert.InDelta(t, 1.0, sum, 1e-5)
		}
	}
}

func TestClassifyGoldenScore(t *testing.T) {
	m := targetMatrix(t, mustVector(t, "bolt", 1, 0), mustVector(t, "nut", 0, 1))

	score, err := Classify([]float32{1, 0}, m, 0.5, 1)
	require.NoError(t, err)

	// softmax([1, 0]) = e/(e+1)
	want := math.E / (math.E + 1)
	assert.Equal(t, "bolt", score.TargetLabel)
	assert.InDelta(t, want, float64(score.TargetScore), 1e-6)
	assert.True(t, score.IsDetected)
	require.Len(t, score.RankedScores, 2)
	assert.Equal(t, "bolt", score.RankedScores[0].Label)
	assert.Equal(t, "nut", score.RankedScores[1].Label)
}

func TestClassifyScaleInvariance(t *testing.T) {
	m := targetMatrix(t,
		mustVector(t, "hinge", 0.6, 0.3, 0.1),
		mustVector(t, "latch", 0.2, 0.7, 0.4),
	)
	img := []float32{0.5, 0.4, -0.2}

	base, err := Classify(img, m, 0.5, DefaultTemperature)
	require.NoError(t, err)

	for _, k := range []float32{2, 4, 0.25} {
		scaled := make([]float32, len(img))
		for i, v := range img {
			scaled[i] = v * k
		}
		got, err := Classify(scaled, m, 0.5, DefaultTemperature)
		require.NoError(t, err)
		// Powers of two scale float32 exactly.
		assert.Equal(t, base, got)
	}

	scaled := []float32{img[0] * 3.7, img[1] * 3.7, img[2] * 3.7}
	got, err := Classify(scaled, m, 0.5, DefaultTemperature)
	require.NoError(t, err)
	assert.InDelta(t, base.TargetScore, got.TargetScore, 1e-5)
	assert.Equal(t, base.IsDetected, got.IsDetected)
}

func TestClassifyEmptyNegativesIsThresholdTest(t *testing.T) {
	m := targetMatrix(t, mustVector(t, "gasket", 0, 1, 0))

	for _, img := range [][]float32{{0, 1, 0}, {1, 0, 0}, {0, -1, 0.5}} {
		score, err := Classify(img, m, 0.99, DefaultTemperature)
		require.NoError(t, err)
		assert.Equal(t, float32(1), score.TargetScore)
		assert.Equal(t, score.TargetScore >= 0.99, score.IsDetected)
	}
}

func TestClassifyTieIsNotDetected(t *testing.T) {
	m := targetMatrix(t, mustVector(t, "valve", 1, 1), mustVector(t, "valve cap", 1, 1))

	score, err := Classify([]float32{1, 0}, m, 0, DefaultTemperature)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, score.TargetScore, 1e-6)
	assert.False(t, score.IsDetected)
}

func TestClassifyScoreEqualToThresholdIsDetected(t *testing.T) {
	m := targetMatrix(t, mustVector(t, "bolt", 1, 0.2), mustVector(t, "nut", 0.1, 1))
	img := []float32{0.8, 0.3}

	first, err := Classify(img, m, 0, 10)
	require.NoError(t, err)

	score, err := Classify(img, m, first.TargetScore, 10)
	require.NoError(t, err)
	assert.True(t, score.IsDetected)
}

func TestClassifyNotTopRanked(t *testing.T) {
	m := targetMatrix(t, mustVector(t, "bolt", 1, 0), mustVector(t, "nut", 0, 1))

	score, err := Classify([]float32{0.1, 1}, m, 0, DefaultTemperature)
	require.NoError(t, err)
	assert.False(t, score.IsDetected)
	assert.Equal(t, "nut", score.RankedScores[0].Label)
}

func TestClassifyDimensionMismatch(t *testing.T) {
	m := targetMatrix(t, mustVector(t, "bolt", 1, 0))

	_, err := Classify([]float32{1, 0, 0}, m, 0.5, DefaultTemperature)
	require.Error(t, err)
	assert.True(t, IsSetup(err))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestClassifyDegenerateImage(t *testing.T) {
	m := targetMatrix(t, mustVector(t, "bolt", 1, 0))

	_, err := Classify([]float32{0, 0}, m, 0.5, DefaultTemperature)
	assert.ErrorIs(t, err, ErrDegenerateEmbedding)
	assert.True(t, IsRecoverable(err))

	_, err = Classify([]float32{float32(math.NaN()), 1}, m, 0.5, DefaultTemperature)
	assert.ErrorIs(t, err, ErrDegenerateEmbedding)
}

func TestRankTopK(t *testing.T) {
	rows := []LabelVector{
		mustVector(t, "a", 1, 0, 0),
		mustVector(t, "b", 0.9, 0.1, 0),
		mustVector(t, "c", 0.8, 0.2, 0),
		mustVector(t, "d", 0.7, 0.3, 0),
		mustVector(t, "e", 0.6, 0.4, 0),
		mustVector(t, "f", 0.5, 0.5, 0),
		mustVector(t, "g", 0, 0, 1),
	}
	m, err := NewEmbeddingMatrix(rows)
	require.NoError(t, err)

	ranked, err := Rank([]float32{1, 0, 0}, m, DefaultTemperature, TopK)
	require.NoError(t, err)
	require.Len(t, ranked, TopK)

	labels := make([]string, len(ranked))
	for i, r := range ranked {
		labels[i] = r.Label
		if i > 0 {
			assert.GreaterOrEqual(t, ranked[i-1].Score, r.Score)
		}
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, labels)
}

func TestNewEmbeddingMatrixValidation(t *testing.T) {
	_, err := NewEmbeddingMatrix(nil)
	assert.ErrorIs(t, err, ErrEmptyLabelSet)

	_, err = NewEmbeddingMatrix([]LabelVector{
		mustVector(t, "a", 1, 0),
		mustVector(t, "b", 1, 0, 0),
	})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = NewEmbeddingMatrix([]LabelVector{{Label: "raw", Vector: []float32{2, 0}, Normalized: true}})
	assert.ErrorIs(t, err, ErrNotNormalized)
	assert.True(t, IsSetup(err))
}

func TestNewLabelVector(t *testing.T) {
	src := []float32{3, 4}
	lv, err := NewLabelVector("washer", src)
	require.NoError(t, err)

	assert.True(t, lv.Normalized)
	assert.InDelta(t, 0.6, lv.Vector[0], 1e-7)
	assert.InDelta(t, 0.8, lv.Vector[1], 1e-7)
	assert.Equal(t, float32(3), src[0], "input must not be modified")

	_, err = NewLabelVector("zero", []float32{0, 0})
	assert.ErrorIs(t, err, ErrDegenerateEmbedding)

	_, err = NewLabelVector("empty", nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
