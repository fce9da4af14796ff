package chat

import (
	"errors"
	"strings"
)

// ErrEmptyTurn is returned when a turn carries no text, audio or image.
var ErrEmptyTurn = errors.New("turn requires text, audio or image")

// TurnOptions toggles optional pipeline stages for a single turn.
type TurnOptions struct {
	SkipSummarizer bool
	SkipRAG        bool
}

// TurnInput is the multi-modal payload of one user turn. Build it with NewTurnInput.
type TurnInput struct {
	text     string
	audio    []byte
	image    []byte
	language string
	options  TurnOptions
}

// NewTurnInput validates that at least one modality is present.
func NewTurnInput(text string, audio, image []byte, language string, opts TurnOptions) (TurnInput, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(audio) == 0 && len(image) == 0 {
		return TurnInput{}, ErrEmptyTurn
	}
	if language == "" {
		language = "en"
	}
	return TurnInput{
		text:     text,
		audio:    audio,
		image:    image,
		language: language,
		options:  opts,
	}, nil
}

func (in TurnInput) Text() string         { return in.text }
func (in TurnInput) Audio() []byte        { return in.audio }
func (in TurnInput) Image() []byte        { return in.image }
func (in TurnInput) Language() string     { return in.language }
func (in TurnInput) Options() TurnOptions { return in.options }
func (in TurnInput) HasText() bool        { return in.text != "" }
func (in TurnInput) HasAudio() bool       { return len(in.audio) > 0 }
func (in TurnInput) HasImage() bool       { return len(in.image) > 0 }

// DisplayContent is what gets stored as the user message body.
func (in TurnInput) DisplayContent() string {
	switch {
	case in.text != "":
		return in.text
	case in.HasAudio():
		return "[Voice message]"
	default:
		return "[Image message]"
	}
}
