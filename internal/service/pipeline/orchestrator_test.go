package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/veda/backend/internal/analysis/moderation"
	"github.com/zhouzirui/veda/backend/internal/model/chat"
	"github.com/zhouzirui/veda/backend/internal/service/ai"
	"github.com/zhouzirui/veda/backend/internal/service/retrieval"
)

var testRules = moderation.StaticStore{
	"high":      {"kill myself", "suicide"},
	"emergency": {"chest pain"},
	"medium":    {"assault"},
	"low":       {"damn"},
}

type countingGenerator struct {
	ai.OfflineGenerator
	calls atomic.Int32
	last  ai.GenerateRequest
}

func (g *countingGenerator) Generate(ctx context.Context, req ai.GenerateRequest) (string, error) {
	g.calls.Add(1)
	g.last = req
	return g.OfflineGenerator.Generate(ctx, req)
}

func (g *countingGenerator) Stream(ctx context.Context, req ai.GenerateRequest) (*schema.StreamReader[*schema.Message], error) {
	g.calls.Add(1)
	g.last = req
	return g.OfflineGenerator.Stream(ctx, req)
}

type scriptedGenerator struct {
	reply     string
	chunks    []string
	genErr    error
	streamErr error
	breakErr  error
}

func (g *scriptedGenerator) Generate(context.Context, ai.GenerateRequest) (string, error) {
	return g.reply, g.genErr
}

func (g *scriptedGenerator) Stream(context.Context, ai.GenerateRequest) (*schema.StreamReader[*schema.Message], error) {
	if g.streamErr != nil {
		return nil, g.streamErr
	}
	sr, sw := schema.Pipe[*schema.Message](len(g.chunks) + 1)
	for _, c := range g.chunks {
		sw.Send(schema.AssistantMessage(c, nil), nil)
	}
	if g.breakErr != nil {
		sw.Send(nil, g.breakErr)
	}
	sw.Close()
	return sr, nil
}

type failingTranscriber struct{}

func (failingTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return "", errors.New("asr unavailable")
}

type failingDescriber struct{}

func (failingDescriber) Describe(context.Context, []byte) (string, error) {
	return "", errors.New("vision unavailable")
}

type recordingSummarizer struct {
	calls int
	err   error
}

func (s *recordingSummarizer) Summarize(_ context.Context, text string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "short summary", nil
}

type failingRetriever struct{}

func (failingRetriever) Retrieve(context.Context, string, int) ([]retrieval.Passage, error) {
	return nil, errors.New("vector store down")
}

func newOrchestrator(gen Generator, mutate func(*Deps, *Options)) *Orchestrator {
	deps := Deps{
		Transcriber: ai.OfflineTranscriber{},
		Describer:   ai.OfflineDescriber{},
		Retriever:   retrieval.NewMemoryRetriever(nil),
		Generator:   gen,
		Screener:    moderation.NewScreener(testRules, true),
	}
	opts := Options{EnableRAG: true, EnableSummarizer: true, TopK: 3}
	if mutate != nil {
		mutate(&deps, &opts)
	}
	return New(deps, opts)
}

func textTurn(t *testing.T, text string) chat.TurnInput {
	t.Helper()
	in, err := chat.NewTurnInput(text, nil, nil, "", chat.TurnOptions{})
	require.NoError(t, err)
	return in
}

var caller = moderation.Context{UserID: "u1", ConversationID: "c1"}

func collect(chunks *[]string) func(string) {
	return func(s string) { *chunks = append(*chunks, s) }
}

func assertDisclaimerOnce(t *testing.T, text string) {
	t.Helper()
	assert.True(t, strings.HasSuffix(text, Disclaimer), "answer must end with the disclaimer")
	assert.Equal(t, 1, strings.Count(text, Disclaimer))
}

func TestScenarioHeadache(t *testing.T) {
	gen := &countingGenerator{}
	o := newOrchestrator(gen, nil)

	turn := o.Prepare(context.Background(), textTurn(t, "I have a headache"), caller)
	assert.Equal(t, moderation.SeverityNone, turn.Verdict().Severity)
	assert.NotEmpty(t, turn.Passages, "headache should hit the reference corpus")

	res := o.Run(context.Background(), turn)
	assert.False(t, res.Blocked)
	assert.False(t, res.Incomplete)
	assert.EqualValues(t, 1, gen.calls.Load())
	assertDisclaimerOnce(t, res.Text)
	assert.Equal(t, "I have a headache", gen.last.UserText)
}

func TestScenarioSelfHarmBlocks(t *testing.T) {
	gen := &countingGenerator{}
	o := newOrchestrator(gen, nil)

	res := o.RunInput(context.Background(), textTurn(t, "I want to KILL MYSELF"), caller)
	assert.True(t, res.Blocked)
	assert.EqualValues(t, 0, gen.calls.Load(), "generation must not run for blocked input")
	assert.True(t, strings.HasPrefix(res.Text, moderation.HighRiskResponse))
	assertDisclaimerOnce(t, res.Text)
	assert.Equal(t, StageSkipped, res.Stages.Status[StageGeneration])
}

func TestScenarioChestPainAddsResources(t *testing.T) {
	gen := &countingGenerator{}
	o := newOrchestrator(gen, nil)

	turn := o.Prepare(context.Background(), textTurn(t, "I'm having severe chest pain"), caller)
	require.True(t, turn.Verdict().Flagged())
	require.True(t, turn.Verdict().Emergency())

	res := o.Run(context.Background(), turn)
	assert.False(t, res.Blocked)
	assert.EqualValues(t, 1, gen.calls.Load())
	assert.Contains(t, res.Text, moderation.EmergencyResources)
	assert.True(t, strings.HasSuffix(res.Text, moderation.EmergencyResources+Disclaimer))
	assertDisclaimerOnce(t, res.Text)
}

func TestStreamMatchesResult(t *testing.T) {
	o := newOrchestrator(&countingGenerator{}, nil)

	var chunks []string
	res := o.StreamInput(context.Background(), textTurn(t, "fever for two days"), caller, collect(&chunks))
	require.Greater(t, len(chunks), 2)
	assert.Equal(t, res.Text, strings.Join(chunks, ""))
	assert.Equal(t, Disclaimer, chunks[len(chunks)-1])
	assertDisclaimerOnce(t, res.Text)
}

func TestStreamBlockedEmitsRefusal(t *testing.T) {
	gen := &countingGenerator{}
	o := newOrchestrator(gen, nil)

	var chunks []string
	res := o.StreamInput(context.Background(), textTurn(t, "thinking about suicide"), caller, collect(&chunks))
	assert.True(t, res.Blocked)
	assert.Equal(t, []string{res.Text}, chunks)
	assert.EqualValues(t, 0, gen.calls.Load())
}

func TestStreamEmergencyEmitsResources(t *testing.T) {
	o := newOrchestrator(&countingGenerator{}, nil)

	var chunks []string
	res := o.StreamInput(context.Background(), textTurn(t, "chest pain"), caller, collect(&chunks))
	assert.Equal(t, res.Text, strings.Join(chunks, ""))
	assert.Equal(t, moderation.EmergencyResources, chunks[len(chunks)-2])
}

func TestTranscriptionFailureFallsBack(t *testing.T) {
	o := newOrchestrator(&countingGenerator{}, func(d *Deps, _ *Options) {
		d.Transcriber = failingTranscriber{}
		d.Describer = failingDescriber{}
	})
	in, err := chat.NewTurnInput("", []byte("audio"), []byte("img"), "en", chat.TurnOptions{})
	require.NoError(t, err)

	turn := o.Prepare(context.Background(), in, caller)
	assert.Equal(t, transcriptionPlaceholder+"\n\n"+visionPlaceholder, turn.Text)
	assert.True(t, turn.Stages.Failed(StageTranscription))
	assert.True(t, turn.Stages.Failed(StageVision))

	res := o.Run(context.Background(), turn)
	assert.False(t, res.Incomplete)
	assert.NotEmpty(t, strings.TrimSuffix(res.Text, Disclaimer))
	assert.True(t, strings.HasPrefix(res.Text, "I've analyzed your image. I've processed your voice message. "))
}

func TestMultimodalComposition(t *testing.T) {
	o := newOrchestrator(&countingGenerator{}, nil)
	in, err := chat.NewTurnInput("look at this", []byte("audio"), []byte("img"), "en", chat.TurnOptions{})
	require.NoError(t, err)

	turn := o.Prepare(context.Background(), in, caller)
	assert.Equal(t, "look at this\n\nTranscribed audio: Hello, I have a health question.\n\nImage analysis: Image shows medical-related content.", turn.Text)
	assert.Equal(t, "Hello, I have a health question.", turn.Transcript)
}

func TestTranscriptIsScreened(t *testing.T) {
	o := newOrchestrator(&countingGenerator{}, func(d *Deps, _ *Options) {
		d.Transcriber = staticTranscriber("i want to kill myself")
	})
	in, err := chat.NewTurnInput("", []byte("audio"), nil, "en", chat.TurnOptions{})
	require.NoError(t, err)

	turn := o.Prepare(context.Background(), in, caller)
	assert.True(t, turn.Verdict().Blocked())
}

type staticTranscriber string

func (s staticTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return string(s), nil
}

func TestSummarizerThresholdAndFallback(t *testing.T) {
	sum := &recordingSummarizer{}
	o := newOrchestrator(&countingGenerator{}, func(d *Deps, opts *Options) {
		d.Summarizer = sum
		opts.SummarizeThreshold = 20
	})

	short := o.Prepare(context.Background(), textTurn(t, "short question"), caller)
	assert.Equal(t, 0, sum.calls)
	assert.Equal(t, StageSkipped, short.Stages.Status[StageSummarize])

	long := o.Prepare(context.Background(), textTurn(t, "a much longer question about my symptoms"), caller)
	assert.Equal(t, 1, sum.calls)
	assert.Equal(t, "short summary", long.Query)

	sum.err = errors.New("ollama down")
	failed := o.Prepare(context.Background(), textTurn(t, "a much longer question about my symptoms"), caller)
	assert.Equal(t, failed.Text, failed.Query)
	assert.True(t, failed.Stages.Failed(StageSummarize))

	in, err := chat.NewTurnInput("a much longer question about my symptoms", nil, nil, "en", chat.TurnOptions{SkipSummarizer: true, SkipRAG: true})
	require.NoError(t, err)
	skipped := o.Prepare(context.Background(), in, caller)
	assert.Equal(t, 2, sum.calls)
	assert.Equal(t, StageSkipped, skipped.Stages.Status[StageRetrieval])
}

func TestRetrievalFailureIsNotFatal(t *testing.T) {
	o := newOrchestrator(&countingGenerator{}, func(d *Deps, _ *Options) {
		d.Retriever = failingRetriever{}
	})

	res := o.RunInput(context.Background(), textTurn(t, "I have a headache"), caller)
	assert.True(t, res.Stages.Failed(StageRetrieval))
	assert.False(t, res.Incomplete)
	assertDisclaimerOnce(t, res.Text)
}

func TestGenerationFailureApologizes(t *testing.T) {
	o := newOrchestrator(&scriptedGenerator{genErr: errors.New("model offline")}, nil)

	res := o.RunInput(context.Background(), textTurn(t, "I have a headache"), caller)
	assert.True(t, res.Incomplete)
	assert.Equal(t, ReasonGenerationFailed, res.IncompleteReason)
	assert.Equal(t, Apology+Disclaimer, res.Text)

	empty := newOrchestrator(&scriptedGenerator{reply: "   "}, nil)
	res = empty.RunInput(context.Background(), textTurn(t, "I have a headache"), caller)
	assert.Equal(t, ReasonEmptyResponse, res.IncompleteReason)
	assert.Equal(t, Apology+Disclaimer, res.Text)
}

func TestStreamFailureBeforeFirstChunk(t *testing.T) {
	o := newOrchestrator(&scriptedGenerator{streamErr: errors.New("refused")}, nil)

	var chunks []string
	res := o.StreamInput(context.Background(), textTurn(t, "hello"), caller, collect(&chunks))
	assert.True(t, res.Incomplete)
	assert.Equal(t, Apology+Disclaimer, res.Text)
	assert.Equal(t, []string{Apology, Disclaimer}, chunks)
}

func TestStreamBrokenMidway(t *testing.T) {
	o := newOrchestrator(&scriptedGenerator{
		chunks:   []string{"Stay ", "hydrated "},
		breakErr: errors.New("connection reset"),
	}, nil)

	var chunks []string
	res := o.StreamInput(context.Background(), textTurn(t, "hello"), caller, collect(&chunks))
	assert.True(t, res.Incomplete)
	assert.Equal(t, ReasonStreamBroken, res.IncompleteReason)
	assert.Equal(t, "Stay hydrated "+IncompleteNote+Disclaimer, res.Text)
	assert.Equal(t, res.Text, strings.Join(chunks, ""))
}

func TestOutputScreeningReplacesBlockedContent(t *testing.T) {
	o := newOrchestrator(&scriptedGenerator{
		reply:  "You could consider suicide",
		chunks: []string{"You could ", "consider suicide"},
	}, nil)

	res := o.RunInput(context.Background(), textTurn(t, "hello"), caller)
	assert.True(t, res.OutputVerdict.Blocked())
	assert.Equal(t, moderation.HighRiskResponse+Disclaimer, res.Text)

	var chunks []string
	streamed := o.StreamInput(context.Background(), textTurn(t, "hello"), caller, collect(&chunks))
	assert.Equal(t, moderation.HighRiskResponse+Disclaimer, streamed.Text)
	assert.NotEqual(t, streamed.Text, strings.Join(chunks, ""), "chunks already sent cannot be retracted")
}

func TestModelDisclaimerNotDuplicated(t *testing.T) {
	o := newOrchestrator(&scriptedGenerator{reply: "Rest well." + Disclaimer}, nil)
	res := o.RunInput(context.Background(), textTurn(t, "hello"), caller)
	assertDisclaimerOnce(t, res.Text)
}

func TestStreamedModelDisclaimerNotDuplicated(t *testing.T) {
	// The model's own disclaimer arrives split across chunks.
	cut := len(Disclaimer) / 2
	o := newOrchestrator(&scriptedGenerator{
		chunks: []string{"Rest well.", Disclaimer[:cut], Disclaimer[cut:]},
	}, nil)

	var chunks []string
	res := o.StreamInput(context.Background(), textTurn(t, "hello"), caller, collect(&chunks))
	assertDisclaimerOnce(t, res.Text)
	assert.Equal(t, "Rest well."+Disclaimer, res.Text)
	assert.Equal(t, res.Text, strings.Join(chunks, ""))
}

func TestStreamReleasesHeldPrefix(t *testing.T) {
	// A trailing newline looks like the start of the disclaimer until the next chunk.
	o := newOrchestrator(&scriptedGenerator{chunks: []string{"Line one\n", "\nLine two"}}, nil)

	var chunks []string
	res := o.StreamInput(context.Background(), textTurn(t, "hello"), caller, collect(&chunks))
	assert.Equal(t, "Line one\n\nLine two"+Disclaimer, res.Text)
	assert.Equal(t, res.Text, strings.Join(chunks, ""))
	assert.Equal(t, "Line one", chunks[0])
}

func TestGenerationTimeout(t *testing.T) {
	o := newOrchestrator(hangingGenerator{}, func(_ *Deps, opts *Options) {
		opts.GenerationTimeout = 20 * time.Millisecond
	})

	res := o.RunInput(context.Background(), textTurn(t, "hello"), caller)
	assert.True(t, res.Incomplete)
	assert.Equal(t, Apology+Disclaimer, res.Text)
}

type hangingGenerator struct{}

func (hangingGenerator) Generate(ctx context.Context, _ ai.GenerateRequest) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (hangingGenerator) Stream(ctx context.Context, _ ai.GenerateRequest) (*schema.StreamReader[*schema.Message], error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// stallingGenerator streams one chunk and then goes quiet until its context ends.
type stallingGenerator struct {
	ai.OfflineGenerator
	first string
}

func (g stallingGenerator) Stream(ctx context.Context, _ ai.GenerateRequest) (*schema.StreamReader[*schema.Message], error) {
	sr, sw := schema.Pipe[*schema.Message](1)
	sw.Send(schema.AssistantMessage(g.first, nil), nil)
	go func() {
		<-ctx.Done()
		sw.Close()
	}()
	return sr, nil
}

func TestStreamTimesOutMidway(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	o := newOrchestrator(stallingGenerator{first: "Drink water "}, func(_ *Deps, opts *Options) {
		opts.GenerationTimeout = 50 * time.Millisecond
	})

	var chunks []string
	res := o.StreamInput(context.Background(), textTurn(t, "hello"), caller, collect(&chunks))
	assert.True(t, res.Incomplete)
	assert.Equal(t, ReasonStreamBroken, res.IncompleteReason)
	assert.Equal(t, "Drink water "+IncompleteNote+Disclaimer, res.Text)
	assert.Equal(t, []string{"Drink water ", IncompleteNote, Disclaimer}, chunks)
	assert.Equal(t, StageFailed, res.Stages.Status[StageGeneration])
}

func TestStageReportAsMap(t *testing.T) {
	r := newStageReport()
	r.ok(StageRetrieval)
	r.failed(StageVision, errors.New("boom"))

	m := r.AsMap()
	assert.Equal(t, "ok", m[StageRetrieval])
	assert.Equal(t, "failed", m[StageVision])
	assert.Equal(t, map[string]any{StageVision: "boom"}, m["errors"])
}
