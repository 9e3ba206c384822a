package v1

import "time"

// Ranked is one label in a top-k ranking.
type Ranked struct {
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

// Detection is the verdict for one image against a target label.
type Detection struct {
	Target   string   `json:"target"`
	Score    float32  `json:"score"`
	Detected bool     `json:"detected"`
	Ranked   []Ranked `json:"ranked"`
}

// Stats summarizes the frames seen by a Client.
type Stats struct {
	Classified uint64        `json:"classified"`
	Dropped    uint64        `json:"dropped"`
	Failed     uint64        `json:"failed"`
	Uptime     time.Duration `json:"uptime"`
}
