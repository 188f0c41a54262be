// Package transcript folds decoded wire events into an append-only,
// role-tagged message sequence.
package transcript

import (
	"strings"

	"github.com/ashureev/cortana/internal/phase"
	"github.com/ashureev/cortana/internal/sse"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrorPrefix marks assistant messages that report a failure.
const ErrorPrefix = "Error: "

// noPending is the pending index value when no assistant message is streaming.
const noPending = -1

// Message is one transcript entry. Content is the raw text as received; Text
// is the narrative left after removing any embedded phase block.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Text      string     `json:"text"`
	Phase     phase.Data `json:"phase,omitempty"`
	Error     bool       `json:"error,omitempty"`
	Streaming bool       `json:"streaming,omitempty"`
}

// HistoryEntry is the outbound view of a message: role and content only.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Effect describes what Apply did to the transcript.
type Effect int

const (
	// EffectNone means the transcript was not mutated.
	EffectNone Effect = iota
	// EffectAppended means a new message was appended.
	EffectAppended
	// EffectExtended means the pending assistant message grew.
	EffectExtended
	// EffectSealed means the pending assistant message was sealed.
	EffectSealed
)

// Transcript is an ordered message sequence with at most one assistant
// message in progress. It is not safe for concurrent use; the owning session
// serializes access.
type Transcript struct {
	messages []Message
	pending  int
}

// New returns an empty transcript.
func New() *Transcript {
	return &Transcript{pending: noPending}
}

// Restore builds a sealed transcript from stored history.
func Restore(entries []HistoryEntry) *Transcript {
	t := New()
	for _, e := range entries {
		msg := Message{Role: Role(e.Role), Content: e.Content, Text: e.Content}
		msg.Error = msg.Role == RoleAssistant && strings.HasPrefix(e.Content, ErrorPrefix)
		if msg.Role == RoleAssistant {
			t.resolve(&msg)
		}
		t.messages = append(t.messages, msg)
	}
	return t
}

// Apply folds one wire event into the transcript using the merge-or-append
// rule: content extends the pending assistant message or starts a new one.
func (t *Transcript) Apply(ev sse.Event) Effect {
	switch ev.Type {
	case sse.EventContent:
		if t.pending != noPending {
			msg := &t.messages[t.pending]
			msg.Content += ev.Text
			t.resolve(msg)
			return EffectExtended
		}
		msg := Message{Role: RoleAssistant, Content: ev.Text}
		t.resolve(&msg)
		t.messages = append(t.messages, msg)
		t.pending = len(t.messages) - 1
		return EffectAppended

	case sse.EventDone:
		if t.Seal() {
			return EffectSealed
		}
		return EffectNone

	case sse.EventError:
		t.appendError(ev.Text)
		return EffectAppended
	}
	return EffectNone
}

// AppendUser seals any pending assistant message and appends a user message.
func (t *Transcript) AppendUser(text string) {
	t.Seal()
	t.messages = append(t.messages, Message{Role: RoleUser, Content: text, Text: text})
}

// AppendAssistant seals any pending assistant message and appends a complete
// assistant message that is not streamed.
func (t *Transcript) AppendAssistant(content string) {
	t.Seal()
	msg := Message{Role: RoleAssistant, Content: content}
	t.resolve(&msg)
	t.messages = append(t.messages, msg)
}

// AppendError seals any pending assistant message and appends an error
// message wrapping text. Error messages are exempt from phase extraction.
func (t *Transcript) AppendError(text string) {
	t.appendError(text)
}

func (t *Transcript) appendError(text string) {
	t.Seal()
	content := ErrorPrefix + text
	t.messages = append(t.messages, Message{
		Role:    RoleAssistant,
		Content: content,
		Text:    content,
		Error:   true,
	})
}

// Seal ends the pending assistant message without mutating it. It reports
// whether a message was pending.
func (t *Transcript) Seal() bool {
	if t.pending == noPending {
		return false
	}
	t.pending = noPending
	return true
}

// Last returns a copy of the final message.
func (t *Transcript) Last() (Message, bool) {
	if len(t.messages) == 0 {
		return Message{}, false
	}
	msg := t.messages[len(t.messages)-1]
	msg.Streaming = t.pending == len(t.messages)-1
	return msg, true
}

// Snapshot returns a copy of all messages safe to hand to readers.
func (t *Transcript) Snapshot() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	if t.pending != noPending {
		out[t.pending].Streaming = true
	}
	return out
}

// History returns role and content pairs for the outbound request.
func (t *Transcript) History() []HistoryEntry {
	out := make([]HistoryEntry, 0, len(t.messages))
	for _, m := range t.messages {
		out = append(out, HistoryEntry{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// resolve re-runs phase extraction on an assistant message.
func (t *Transcript) resolve(msg *Message) {
	if msg.Error {
		msg.Phase = nil
		msg.Text = msg.Content
		return
	}
	res := phase.Extract(msg.Content)
	msg.Phase = res.Phase
	msg.Text = res.Text
}
