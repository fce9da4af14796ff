package pipeline

import (
	"context"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/veda/backend/internal/analysis/moderation"
	"github.com/zhouzirui/veda/backend/internal/service/ai"
	"github.com/zhouzirui/veda/backend/internal/service/retrieval"
)

// Transcriber turns a voice message into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (string, error)
}

// ImageDescriber turns an image into a short description.
type ImageDescriber interface {
	Describe(ctx context.Context, image []byte) (string, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.Passage, error)
}

// Generator produces the answer, whole or streamed.
type Generator interface {
	Generate(ctx context.Context, req ai.GenerateRequest) (string, error)
	Stream(ctx context.Context, req ai.GenerateRequest) (*schema.StreamReader[*schema.Message], error)
}

type Screener interface {
	Screen(text string, sc moderation.Context) moderation.Verdict
}

// Stage names used in reports and metrics.
const (
	StageTranscription = "transcription"
	StageVision        = "vision"
	StageScreenInput   = "screen_input"
	StageSummarize     = "summarization"
	StageRetrieval     = "retrieval"
	StageGeneration    = "generation"
	StageScreenOutput  = "screen_output"
)

// StageStatus 描述单个阶段的执行结果。
type StageStatus string

const (
	StageOK      StageStatus = "ok"
	StageSkipped StageStatus = "skipped"
	StageFailed  StageStatus = "failed"
)

// StageReport records how each stage of a turn went.
type StageReport struct {
	Status map[string]StageStatus
	Errors map[string]string
}

func newStageReport() StageReport {
	return StageReport{Status: map[string]StageStatus{}, Errors: map[string]string{}}
}

func (r StageReport) ok(stage string)      { r.Status[stage] = StageOK }
func (r StageReport) skipped(stage string) { r.Status[stage] = StageSkipped }

func (r StageReport) failed(stage string, err error) {
	r.Status[stage] = StageFailed
	if err != nil {
		r.Errors[stage] = err.Error()
	}
	stageFailures.WithLabelValues(stage).Inc()
}

// Failed reports whether stage ran and failed.
func (r StageReport) Failed(stage string) bool {
	return r.Status[stage] == StageFailed
}

// AsMap renders the report for message metadata.
func (r StageReport) AsMap() map[string]any {
	out := make(map[string]any, len(r.Status))
	for stage, status := range r.Status {
		out[stage] = string(status)
	}
	if len(r.Errors) > 0 {
		errs := make(map[string]any, len(r.Errors))
		for stage, msg := range r.Errors {
			errs[stage] = msg
		}
		out["errors"] = errs
	}
	return out
}
