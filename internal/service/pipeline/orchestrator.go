package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/veda/backend/internal/analysis/moderation"
	"github.com/zhouzirui/veda/backend/internal/model/chat"
	"github.com/zhouzirui/veda/backend/internal/service/ai"
	"github.com/zhouzirui/veda/backend/internal/service/retrieval"
)

const (
	// Disclaimer ends every answer exactly once.
	Disclaimer = "\n\n⚠️ **Medical Disclaimer**: This information is for educational purposes only " +
		"and should not replace professional medical advice. Please consult with a " +
		"healthcare provider for medical concerns."

	Apology        = "I apologize, but I'm experiencing technical difficulties. Please try again later."
	IncompleteNote = "\n\n[Response incomplete due to technical error]"

	transcriptionPlaceholder = "[Voice message could not be transcribed]"
	visionPlaceholder        = "[Image could not be analyzed]"
)

// Incomplete reasons recorded on degraded turns.
const (
	ReasonGenerationFailed = "generation_failed"
	ReasonStreamBroken     = "stream_interrupted"
	ReasonEmptyResponse    = "empty_response"
)

// Options tunes the optional stages.
type Options struct {
	SummarizeThreshold int
	TopK               int
	EnableSummarizer   bool
	EnableRAG          bool
	StageTimeout       time.Duration
	GenerationTimeout  time.Duration
}

// Deps are the stage collaborators. Nil optional collaborators skip their stage.
type Deps struct {
	Transcriber Transcriber
	Describer   ImageDescriber
	Summarizer  Summarizer
	Retriever   Retriever
	Generator   Generator
	Screener    Screener
}

// Orchestrator runs the staged answer pipeline for one turn at a time.
type Orchestrator struct {
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.SummarizeThreshold <= 0 {
		opts.SummarizeThreshold = 500
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 30 * time.Second
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = 120 * time.Second
	}
	return &Orchestrator{deps: deps, opts: opts}
}

// Turn is a prepared turn: stages 1 to 5 have run.
type Turn struct {
	Input      chat.TurnInput
	Caller     moderation.Context
	Text       string
	Transcript string
	Query      string
	Passages   []retrieval.Passage
	Stages     StageReport

	verdict moderation.Verdict
}

// Verdict is the input screening result.
func (t *Turn) Verdict() moderation.Verdict { return t.verdict }

// Result is the finalized answer of a turn.
type Result struct {
	Text             string
	Blocked          bool
	Incomplete       bool
	IncompleteReason string
	OutputVerdict    moderation.Verdict
	Stages           StageReport
}

// Prepare runs transcription, image description, input screening,
// summarization and retrieval. Stage failures fall back and never abort.
func (o *Orchestrator) Prepare(ctx context.Context, in chat.TurnInput, caller moderation.Context) *Turn {
	t := &Turn{Input: in, Caller: caller, Stages: newStageReport()}
	text := in.Text()

	if in.HasAudio() && o.deps.Transcriber != nil {
		transcript, err := o.transcribe(ctx, in)
		if err != nil {
			t.Stages.failed(StageTranscription, err)
			o.warnStage(StageTranscription, caller, err)
			text = joinParts(text, transcriptionPlaceholder)
		} else {
			t.Stages.ok(StageTranscription)
			t.Transcript = transcript
			text = joinParts(text, "Transcribed audio: "+transcript)
		}
	} else if in.HasAudio() {
		t.Stages.skipped(StageTranscription)
		text = joinParts(text, transcriptionPlaceholder)
	}

	if in.HasImage() && o.deps.Describer != nil {
		desc, err := o.describe(ctx, in)
		if err != nil {
			t.Stages.failed(StageVision, err)
			o.warnStage(StageVision, caller, err)
			text = joinParts(text, visionPlaceholder)
		} else {
			t.Stages.ok(StageVision)
			text = joinParts(text, "Image analysis: "+desc)
		}
	} else if in.HasImage() {
		t.Stages.skipped(StageVision)
		text = joinParts(text, visionPlaceholder)
	}

	t.Text = text
	t.Query = text

	inputCtx := caller
	inputCtx.Direction = moderation.DirectionInput
	if o.deps.Screener != nil {
		t.verdict = o.deps.Screener.Screen(text, inputCtx)
		t.Stages.ok(StageScreenInput)
	} else {
		t.verdict = moderation.Allowed()
		t.Stages.skipped(StageScreenInput)
	}

	if t.verdict.Blocked() {
		t.Stages.skipped(StageSummarize)
		t.Stages.skipped(StageRetrieval)
		return t
	}

	o.summarize(ctx, t)
	o.retrieve(ctx, t)
	return t
}

// Run finishes a prepared turn in one piece.
func (o *Orchestrator) Run(ctx context.Context, t *Turn) Result {
	if t.verdict.Blocked() {
		return o.refusal(t)
	}

	genCtx, cancel := context.WithTimeout(ctx, o.opts.GenerationTimeout)
	defer cancel()

	start := time.Now()
	body, err := o.deps.Generator.Generate(genCtx, o.request(t))
	generationSeconds.WithLabelValues("run").Observe(time.Since(start).Seconds())

	res := Result{Stages: t.Stages}
	switch {
	case err != nil:
		o.generationFailed(t, err)
		res.Incomplete, res.IncompleteReason = true, ReasonGenerationFailed
		body = Apology
	case strings.TrimSpace(body) == "":
		o.generationFailed(t, errors.New("empty response"))
		res.Incomplete, res.IncompleteReason = true, ReasonEmptyResponse
		body = Apology
	default:
		t.Stages.ok(StageGeneration)
	}

	if !res.Incomplete {
		body, res.OutputVerdict = o.screenOutput(t, body)
	} else {
		res.OutputVerdict = moderation.Allowed()
	}
	res.Text = body + o.suffix(t)
	return res
}

// Stream finishes a prepared turn, calling emit for each piece of output.
// The concatenated emits equal Result.Text unless output screening replaced
// the body; Result.Text is always authoritative.
func (o *Orchestrator) Stream(ctx context.Context, t *Turn, emit func(string)) Result {
	if t.verdict.Blocked() {
		res := o.refusal(t)
		emit(res.Text)
		return res
	}

	genCtx, cancel := context.WithTimeout(ctx, o.opts.GenerationTimeout)
	defer cancel()

	start := time.Now()
	body, streamErr := o.pump(genCtx, o.request(t), emit)
	generationSeconds.WithLabelValues("stream").Observe(time.Since(start).Seconds())

	res := Result{Stages: t.Stages, OutputVerdict: moderation.Allowed()}
	var tail string
	switch {
	case streamErr != nil && body == "":
		o.generationFailed(t, streamErr)
		res.Incomplete, res.IncompleteReason = true, ReasonGenerationFailed
		body = Apology
		emit(body)
	case streamErr != nil:
		o.generationFailed(t, streamErr)
		res.Incomplete, res.IncompleteReason = true, ReasonStreamBroken
		tail = IncompleteNote
	case strings.TrimSpace(body) == "":
		o.generationFailed(t, errors.New("empty response"))
		res.Incomplete, res.IncompleteReason = true, ReasonEmptyResponse
		body = Apology
		emit(body)
	default:
		t.Stages.ok(StageGeneration)
	}

	if res.IncompleteReason != ReasonGenerationFailed && res.IncompleteReason != ReasonEmptyResponse {
		screened, verdict := o.screenOutput(t, body)
		if verdict.Blocked() {
			log.Warn().
				Str("component", "pipeline").
				Str("conversation_id", t.Caller.ConversationID).
				Msg("streamed output replaced after screening")
		}
		body, res.OutputVerdict = screened, verdict
	}

	if tail != "" {
		emit(tail)
	}
	if t.verdict.Emergency() {
		emit(moderation.EmergencyResources)
	}
	emit(Disclaimer)

	res.Text = body + tail + o.suffix(t)
	return res
}

// RunInput prepares and runs a turn in one call.
func (o *Orchestrator) RunInput(ctx context.Context, in chat.TurnInput, caller moderation.Context) Result {
	return o.Run(ctx, o.Prepare(ctx, in, caller))
}

// StreamInput prepares and streams a turn in one call.
func (o *Orchestrator) StreamInput(ctx context.Context, in chat.TurnInput, caller moderation.Context, emit func(string)) Result {
	return o.Stream(ctx, o.Prepare(ctx, in, caller), emit)
}

type recvResult struct {
	msg *schema.Message
	err error
}

// pump forwards stream chunks to emit until EOF, error or ctx expiry. A tail
// that may be the start of Disclaimer is held back, and a Disclaimer the model
// wrote itself is never emitted, so Stream can append it exactly once.
func (o *Orchestrator) pump(ctx context.Context, req ai.GenerateRequest, emit func(string)) (string, error) {
	sr, err := o.deps.Generator.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer sr.Close()

	next := make(chan recvResult, 1)
	recv := func() {
		msg, err := sr.Recv()
		next <- recvResult{msg: msg, err: err}
	}

	var b strings.Builder
	sent := 0
	flush := func(end int) {
		if end > sent {
			emit(b.String()[sent:end])
			sent = end
		}
	}

	for {
		go recv()
		select {
		case <-ctx.Done():
			flush(b.Len())
			return b.String(), fmt.Errorf("generation stream: %w", ctx.Err())
		case r := <-next:
			if ctx.Err() != nil {
				// 超时后 writer 关闭产生的 EOF 不算正常结束
				flush(b.Len())
				return b.String(), fmt.Errorf("generation stream: %w", ctx.Err())
			}
			if errors.Is(r.err, io.EOF) {
				body := b.String()
				if strings.HasSuffix(body, Disclaimer) {
					flush(len(body) - len(Disclaimer))
				} else {
					flush(len(body))
				}
				return body, nil
			}
			if r.err != nil {
				flush(b.Len())
				return b.String(), fmt.Errorf("generation stream: %w", r.err)
			}
			if r.msg == nil || r.msg.Content == "" {
				continue
			}
			b.WriteString(r.msg.Content)
			flush(b.Len() - disclaimerOverlap(b.String()))
		}
	}
}

// disclaimerOverlap returns the length of the longest suffix of s that is a
// prefix of Disclaimer.
func disclaimerOverlap(s string) int {
	for k := min(len(s), len(Disclaimer)); k > 0; k-- {
		if strings.HasSuffix(s, Disclaimer[:k]) {
			return k
		}
	}
	return 0
}

func (o *Orchestrator) refusal(t *Turn) Result {
	t.Stages.skipped(StageGeneration)
	t.Stages.skipped(StageScreenOutput)
	return Result{
		Text:          moderation.SafeResponse(t.verdict.Severity) + Disclaimer,
		Blocked:       true,
		OutputVerdict: moderation.Allowed(),
		Stages:        t.Stages,
	}
}

func (o *Orchestrator) screenOutput(t *Turn, body string) (string, moderation.Verdict) {
	if o.deps.Screener == nil {
		t.Stages.skipped(StageScreenOutput)
		return body, moderation.Allowed()
	}
	outCtx := t.Caller
	outCtx.Direction = moderation.DirectionOutput
	v := o.deps.Screener.Screen(body, outCtx)
	t.Stages.ok(StageScreenOutput)
	if v.Blocked() {
		return moderation.HighRiskResponse, v
	}
	return strings.TrimSuffix(body, Disclaimer), v
}

// suffix is appended after the answer body: emergency resources for
// emergency-tier input, then the disclaimer.
func (o *Orchestrator) suffix(t *Turn) string {
	if t.verdict.Emergency() {
		return moderation.EmergencyResources + Disclaimer
	}
	return Disclaimer
}

func (o *Orchestrator) request(t *Turn) ai.GenerateRequest {
	return ai.GenerateRequest{
		Query:    t.Query,
		UserText: t.Input.Text(),
		Passages: t.Passages,
		HasAudio: t.Input.HasAudio(),
		HasImage: t.Input.HasImage(),
	}
}

func (o *Orchestrator) transcribe(ctx context.Context, in chat.TurnInput) (string, error) {
	stageCtx, cancel := context.WithTimeout(ctx, o.opts.StageTimeout)
	defer cancel()

	text, err := o.deps.Transcriber.Transcribe(stageCtx, in.Audio(), in.Language())
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty transcript")
	}
	return text, nil
}

func (o *Orchestrator) describe(ctx context.Context, in chat.TurnInput) (string, error) {
	stageCtx, cancel := context.WithTimeout(ctx, o.opts.StageTimeout)
	defer cancel()

	desc, err := o.deps.Describer.Describe(stageCtx, in.Image())
	if err != nil {
		return "", err
	}
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return "", errors.New("empty description")
	}
	return desc, nil
}

func (o *Orchestrator) summarize(ctx context.Context, t *Turn) {
	if !o.opts.EnableSummarizer || o.deps.Summarizer == nil || t.Input.Options().SkipSummarizer ||
		utf8.RuneCountInString(t.Text) <= o.opts.SummarizeThreshold {
		t.Stages.skipped(StageSummarize)
		return
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.opts.StageTimeout)
	defer cancel()

	summary, err := o.deps.Summarizer.Summarize(stageCtx, t.Text)
	if err == nil && strings.TrimSpace(summary) == "" {
		err = errors.New("empty summary")
	}
	if err != nil {
		t.Stages.failed(StageSummarize, err)
		o.warnStage(StageSummarize, t.Caller, err)
		return
	}
	t.Stages.ok(StageSummarize)
	t.Query = strings.TrimSpace(summary)
}

func (o *Orchestrator) retrieve(ctx context.Context, t *Turn) {
	if !o.opts.EnableRAG || o.deps.Retriever == nil || t.Input.Options().SkipRAG {
		t.Stages.skipped(StageRetrieval)
		return
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.opts.StageTimeout)
	defer cancel()

	passages, err := o.deps.Retriever.Retrieve(stageCtx, t.Query, o.opts.TopK)
	if err != nil {
		t.Stages.failed(StageRetrieval, err)
		o.warnStage(StageRetrieval, t.Caller, err)
		return
	}
	if len(passages) > o.opts.TopK {
		passages = passages[:o.opts.TopK]
	}
	t.Stages.ok(StageRetrieval)
	t.Passages = passages
}

func (o *Orchestrator) generationFailed(t *Turn, err error) {
	t.Stages.failed(StageGeneration, err)
	log.Error().
		Err(err).
		Str("component", "pipeline").
		Str("user_id", t.Caller.UserID).
		Str("conversation_id", t.Caller.ConversationID).
		Msg("generation failed")
}

func (o *Orchestrator) warnStage(stage string, caller moderation.Context, err error) {
	log.Warn().
		Err(err).
		Str("component", "pipeline").
		Str("stage", stage).
		Str("conversation_id", caller.ConversationID).
		Msg("stage failed, using fallback")
}

func joinParts(base, part string) string {
	if base == "" {
		return part
	}
	return base + "\n\n" + part
}
