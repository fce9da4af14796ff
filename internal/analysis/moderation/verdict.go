package moderation

// Severity 表示命中的风险等级。
type Severity string

const (
	SeverityNone      Severity = "none"
	SeverityLow       Severity = "low"
	SeverityMedium    Severity = "medium"
	SeverityHigh      Severity = "high"
	SeverityEmergency Severity = "emergency"
)

// Action is the recommended handling for screened content.
type Action string

const (
	ActionAllow Action = "allow"
	ActionFlag  Action = "flag"
	ActionBlock Action = "block"
)

// tierOrder fixes the evaluation priority; the first tier with a match wins.
var tierOrder = []Severity{SeverityHigh, SeverityEmergency, SeverityMedium, SeverityLow}

// Verdict 是一次审核的结果，会被写入消息的 metadata。
type Verdict struct {
	IsSafe       bool     `json:"isSafe"`
	Severity     Severity `json:"severity"`
	MatchedTerms []string `json:"matchedTerms"`
	Action       Action   `json:"action"`
}

// Allowed is the verdict for content with no tier match.
func Allowed() Verdict {
	return Verdict{IsSafe: true, Severity: SeverityNone, MatchedTerms: []string{}, Action: ActionAllow}
}

func (v Verdict) Blocked() bool   { return v.Action == ActionBlock }
func (v Verdict) Flagged() bool   { return v.Action == ActionFlag }
func (v Verdict) Emergency() bool { return v.Severity == SeverityEmergency }

// AsMap renders the verdict for message metadata.
func (v Verdict) AsMap() map[string]any {
	terms := v.MatchedTerms
	if terms == nil {
		terms = []string{}
	}
	return map[string]any{
		"isSafe":       v.IsSafe,
		"severity":     string(v.Severity),
		"matchedTerms": terms,
		"action":       string(v.Action),
	}
}

// Direction distinguishes user input from model output in audit records.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Context carries caller information for the audit trail.
type Context struct {
	UserID         string
	ConversationID string
	Direction      Direction
}

func verdictFor(severity Severity, terms []string) Verdict {
	switch severity {
	case SeverityHigh:
		return Verdict{IsSafe: false, Severity: severity, MatchedTerms: terms, Action: ActionBlock}
	case SeverityEmergency, SeverityMedium:
		return Verdict{IsSafe: true, Severity: severity, MatchedTerms: terms, Action: ActionFlag}
	case SeverityLow:
		return Verdict{IsSafe: true, Severity: severity, MatchedTerms: terms, Action: ActionAllow}
	default:
		return Allowed()
	}
}
