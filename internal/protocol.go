package internal

import "github.com/google/uuid"

// MessageType tags every request and response crossing the worker boundary.
type MessageType string

const (
	MsgInit          MessageType = "init"
	MsgProgress      MessageType = "progress"
	MsgReady         MessageType = "ready"
	MsgError         MessageType = "error"
	MsgUpdateLabels  MessageType = "updateLabels"
	MsgLabelsUpdated MessageType = "labelsUpdated"
	MsgClassify      MessageType = "classify"
	MsgResult        MessageType = "result"
	MsgDetection     MessageType = "detection"
)

// Request is the closed set of messages the worker accepts.
type Request interface {
	Type() MessageType
	request()
}

// Response is the closed set of messages the worker sends back.
type Response interface {
	Type() MessageType
	// Terminal reports whether this response completes its request.
	Terminal() bool
	response()
}

type InitRequest struct {
	ModelID         string
	Device          Device
	Labels          []string
	LabelEmbeddings [][]float32
}

type UpdateLabelsRequest struct {
	TargetLabel        string
	TargetEmbedding    []float32
	NegativeLabels     []string
	NegativeEmbeddings [][]float32
	Threshold          float32
	LabelSet           uint64
}

type ClassifyRequest struct {
	Frame Frame
}

func (InitRequest) Type() MessageType         { return MsgInit }
func (UpdateLabelsRequest) Type() MessageType { return MsgUpdateLabels }
func (ClassifyRequest) Type() MessageType     { return MsgClassify }

func (InitRequest) request()         {}
func (UpdateLabelsRequest) request() {}
func (ClassifyRequest) request()     {}

type ProgressResponse struct {
	Progress
}

type ReadyResponse struct {
	Dimension int
}

type ErrorResponse struct {
	Reason string
	Err    error
}

type LabelsUpdatedResponse struct {
	Rows int
}

// ResultResponse answers classify in generic top-k mode.
type ResultResponse struct {
	RankedScores []RankedScore
}

// DetectionResponse answers classify in single-target mode.
type DetectionResponse struct {
	DetectionScore
}

func (ProgressResponse) Type() MessageType      { return MsgProgress }
func (ReadyResponse) Type() MessageType         { return MsgReady }
func (ErrorResponse) Type() MessageType         { return MsgError }
func (LabelsUpdatedResponse) Type() MessageType { return MsgLabelsUpdated }
func (ResultResponse) Type() MessageType        { return MsgResult }
func (DetectionResponse) Type() MessageType     { return MsgDetection }

func (ProgressResponse) Terminal() bool      { return false }
func (ReadyResponse) Terminal() bool         { return true }
func (ErrorResponse) Terminal() bool         { return true }
func (LabelsUpdatedResponse) Terminal() bool { return true }
func (ResultResponse) Terminal() bool        { return true }
func (DetectionResponse) Terminal() bool     { return true }

func (ProgressResponse) response()      {}
func (ReadyResponse) response()         {}
func (ErrorResponse) response()         {}
func (LabelsUpdatedResponse) response() {}
func (ResultResponse) response()        {}
func (DetectionResponse) response()     {}

// envelope pairs a request with the channel its responses go to. The reply
// channel belongs to exactly one request, so a response can never reach the
// wrong caller.
type envelope struct {
	id    uuid.UUID
	req   Request
	reply chan Response
}

func newEnvelope(req Request, buffer int) envelope {
	return envelope{
		id:    uuid.New(),
		req:   req,
		reply: make(chan Response, buffer),
	}
}
