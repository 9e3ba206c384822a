package internal

import (
	"fmt"
	"time"
)

// TopK is the number of labels kept in a ranking.
const TopK = 5

// DetectionParams are the tunables shared by every step unless overridden.
type DetectionParams struct {
	Threshold        float32
	SustainedMs      int
	CountdownSeconds int
}

// DetectionConfig is created per inspection step and owned by the caller.
type DetectionConfig struct {
	TargetLabel      string
	TargetVector     LabelVector
	NegativeVectors  []LabelVector
	Threshold        float32
	SustainedMs      int
	CountdownSeconds int
	// LabelSet is the executor generation these labels were activated
	// under. Zero accepts scores from any generation.
	LabelSet uint64
}

func (c DetectionConfig) Validate() error {
	if c.TargetLabel == "" || len(c.TargetVector.Vector) == 0 {
		return setupErr("detection config", ErrEmptyLabelSet)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return setupErr("detection config", fmt.Errorf("threshold %v outside [0,1]", c.Threshold))
	}
	if c.SustainedMs <= 0 {
		return setupErr("detection config", fmt.Errorf("sustained_ms must be positive, got %d", c.SustainedMs))
	}
	if c.CountdownSeconds < 0 {
		return setupErr("detection config", fmt.Errorf("countdown_seconds must not be negative, got %d", c.CountdownSeconds))
	}
	return nil
}

func (c DetectionConfig) Sustain() time.Duration {
	return time.Duration(c.SustainedMs) * time.Millisecond
}

func (c DetectionConfig) NegativeLabels() []string {
	labels := make([]string, len(c.NegativeVectors))
	for i, nv := range c.NegativeVectors {
		labels[i] = nv.Label
	}
	return labels
}

type RankedScore struct {
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

// DetectionScore is produced per classified frame and consumed immediately.
type DetectionScore struct {
	TargetLabel  string        `json:"target_label"`
	TargetScore  float32       `json:"target_score"`
	IsDetected   bool          `json:"is_detected"`
	RankedScores []RankedScore `json:"ranked_scores"`
	LabelSet     uint64        `json:"-"`
}
