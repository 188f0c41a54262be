// Package phase classifies the structured teaching payloads that the tutor
// embeds in assistant messages.
package phase

import (
	"encoding/json"
	"errors"
)

// Kind is the phase discriminator carried in the payload's "phase" field.
type Kind string

const (
	KindLevelSelect          Kind = "LEVEL_SELECT"
	KindDiagnostic           Kind = "DIAGNOSTIC"
	KindQuiz                 Kind = "QUIZ"
	KindCodeReview           Kind = "CODE_REVIEW"
	KindTextDiagnosticResult Kind = "TEXT_DIAGNOSTIC_RESULT"
)

// Version is the only payload version this package understands. Payloads
// without a "v" field are treated as this version.
const Version = 1

// Data is one classified phase payload.
type Data interface {
	Kind() Kind
}

// Level describes one selectable skill level.
type Level struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Desc string `json:"desc,omitempty"`
}

// LevelSelect asks the learner to pick a skill level.
type LevelSelect struct {
	Prompt      string  `json:"prompt"`
	Topic       string  `json:"topic,omitempty"`
	Levels      []Level `json:"levels,omitempty"`
	Instruction string  `json:"instruction,omitempty"`
}

// Option is one keyed answer choice of a diagnostic question.
type Option struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Question is one diagnostic question.
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Type    string   `json:"type,omitempty"`
	Options []Option `json:"options"`
}

// Diagnostic verifies the selected level with a few questions.
type Diagnostic struct {
	Level     string     `json:"level"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Questions []Question `json:"questions"`
	NextPhase string     `json:"next_phase,omitempty"`
}

// QuizOption is a quiz answer. On the wire it is either a bare string or an
// object with a text field and an optional key.
type QuizOption struct {
	Key  string
	Text string
}

// Quiz is a knowledge check.
type Quiz struct {
	Level    string       `json:"level,omitempty"`
	Title    string       `json:"title"`
	Question string       `json:"question"`
	Options  []QuizOption `json:"options"`
}

// Feedback is one code review remark. Kind is "hint", "error",
// "improvement" or "question".
type Feedback struct {
	Kind    string `json:"type"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// CodeReview carries feedback on submitted code.
type CodeReview struct {
	Title      string     `json:"title,omitempty"`
	Feedback   []Feedback `json:"feedback"`
	NextAction string     `json:"next_action,omitempty"`
}

// TextDiagnosticResult reports the level inferred from free-text answers.
type TextDiagnosticResult struct {
	Level string `json:"level"`
}

func (LevelSelect) Kind() Kind          { return KindLevelSelect }
func (Diagnostic) Kind() Kind           { return KindDiagnostic }
func (Quiz) Kind() Kind                 { return KindQuiz }
func (CodeReview) Kind() Kind           { return KindCodeReview }
func (TextDiagnosticResult) Kind() Kind { return KindTextDiagnosticResult }

// MarshalJSON writes the option as a bare string unless it carries a key.
func (o QuizOption) MarshalJSON() ([]byte, error) {
	if o.Key == "" {
		return json.Marshal(o.Text)
	}
	return json.Marshal(struct {
		Key  string `json:"key"`
		Text string `json:"text"`
	}{o.Key, o.Text})
}

var errInvalidQuizOption = errors.New("quiz option must be a string or an object with text")

// UnmarshalJSON accepts a bare string or an object with a text field.
func (o *QuizOption) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*o = QuizOption{Text: s}
		return nil
	}
	var obj struct {
		Key  string  `json:"key"`
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(data, &obj); err != nil || obj.Text == nil {
		return errInvalidQuizOption
	}
	*o = QuizOption{Key: obj.Key, Text: *obj.Text}
	return nil
}

// The MarshalJSON methods below add the discriminator so a variant can be
// serialized on its own and classified back.

func (p LevelSelect) MarshalJSON() ([]byte, error) {
	type alias LevelSelect
	return json.Marshal(struct {
		Phase Kind `json:"phase"`
		alias
	}{KindLevelSelect, alias(p)})
}

func (p Diagnostic) MarshalJSON() ([]byte, error) {
	type alias Diagnostic
	return json.Marshal(struct {
		Phase Kind `json:"phase"`
		alias
	}{KindDiagnostic, alias(p)})
}

func (p Quiz) MarshalJSON() ([]byte, error) {
	type alias Quiz
	return json.Marshal(struct {
		Phase Kind `json:"phase"`
		alias
	}{KindQuiz, alias(p)})
}

func (p CodeReview) MarshalJSON() ([]byte, error) {
	type alias CodeReview
	return json.Marshal(struct {
		Phase Kind `json:"phase"`
		alias
	}{KindCodeReview, alias(p)})
}

func (p TextDiagnosticResult) MarshalJSON() ([]byte, error) {
	type alias TextDiagnosticResult
	return json.Marshal(struct {
		Phase Kind `json:"phase"`
		alias
	}{KindTextDiagnosticResult, alias(p)})
}
