// Package session drives request/response exchanges with the tutor and keeps
// the resulting transcript for one learner tab.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/cortana/internal/agent"
	"github.com/ashureev/cortana/internal/domain"
	"github.com/ashureev/cortana/internal/phase"
	"github.com/ashureev/cortana/internal/sse"
	"github.com/ashureev/cortana/internal/transcript"
)

var (
	// ErrEmptyMessage is returned for blank input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrExchangeInFlight is returned while another exchange is running.
	ErrExchangeInFlight = errors.New("an exchange is already in flight")
	// ErrNoDiagnostic is returned when answers are submitted without an open
	// diagnostic.
	ErrNoDiagnostic = errors.New("no diagnostic is awaiting answers")
	// ErrInvalidLevel is returned for a blank level.
	ErrInvalidLevel = errors.New("level is required")
)

// InBandError is a failure reported by the tutor inside the stream.
type InBandError struct {
	Message string
}

func (e *InBandError) Error() string {
	return "tutor error: " + e.Message
}

const (
	reviewContext  = "User code submission"
	defaultLevel   = "beginner"
	archiveTimeout = 5 * time.Second
)

// Archiver persists sealed conversations.
type Archiver interface {
	UpsertConversation(ctx context.Context, conv *domain.Conversation) error
}

// Observer receives a state snapshot after every transcript mutation.
type Observer func(State)

// Config wires a Controller to its collaborators.
type Config struct {
	UserID    string
	SessionID string
	Generator agent.Generator
	// Archiver is optional.
	Archiver Archiver
	// ConversationLog is optional.
	ConversationLog agent.ConversationLogger
	Decoder         sse.DecoderConfig
	Logger          *slog.Logger
}

// State is a point-in-time view of a session.
type State struct {
	UserID           string               `json:"user_id"`
	SessionID        string               `json:"session_id"`
	ConversationID   string               `json:"conversation_id,omitempty"`
	Title            string               `json:"title,omitempty"`
	Messages         []transcript.Message `json:"messages"`
	Phase            phase.Data           `json:"phase,omitempty"`
	InFlight         bool                 `json:"in_flight"`
	RevealPlayground bool                 `json:"reveal_playground"`
	Level            string               `json:"level,omitempty"`
	Step             int                  `json:"step"`
	CodeFeedback     []phase.Feedback     `json:"code_feedback,omitempty"`
	LastError        string               `json:"last_error,omitempty"`
	MalformedLines   int64                `json:"malformed_lines"`
}

// Controller owns one learner's transcript and runs at most one exchange at
// a time.
type Controller struct {
	cfg    Config
	logger *slog.Logger
	stats  *sse.Stats

	// flight is held for the whole duration of an exchange.
	flight sync.Mutex

	mu             sync.Mutex
	tr             *transcript.Transcript
	conversationID string
	title          string
	createdAt      time.Time
	inFlight       bool
	reveal         bool
	level          string
	step           int
	codeFeedback   []phase.Feedback
	lastError      string
	exchange       *Exchange

	subMu     sync.Mutex
	nextSubID int
	observers map[int]Observer

	// lastActive is the last state change, in unix nanoseconds.
	lastActive atomic.Int64
}

// New creates an idle controller with an empty transcript.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user_id", cfg.UserID, "session_id", cfg.SessionID)

	stats := cfg.Decoder.Stats
	if stats == nil {
		stats = &sse.Stats{}
	}
	cfg.Decoder.Stats = stats
	if cfg.Decoder.Logger == nil {
		cfg.Decoder.Logger = logger
	}

	c := &Controller{
		cfg:       cfg,
		logger:    logger,
		stats:     stats,
		tr:        transcript.New(),
		observers: make(map[int]Observer),
	}
	c.lastActive.Store(time.Now().UnixNano())
	return c
}

// Subscribe registers an observer and returns a function that removes it.
// Observers run on the goroutine that mutated the transcript and must not
// block.
func (c *Controller) Subscribe(fn Observer) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.observers[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.observers, id)
	}
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Send starts an exchange without waiting for it.
func (c *Controller) Send(ctx context.Context, text string) error {
	_, err := c.Start(ctx, text)
	return err
}

// Start appends text as a user message and opens an exchange. Blank text and
// a busy controller are rejected before anything is mutated.
func (c *Controller) Start(ctx context.Context, text string) (*Exchange, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if !c.flight.TryLock() {
		return nil, ErrExchangeInFlight
	}
	return c.begin(ctx, text), nil
}

// SelectLevel records the learner's level and announces it as the next turn.
func (c *Controller) SelectLevel(ctx context.Context, level string) (*Exchange, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		return nil, ErrInvalidLevel
	}
	if !c.flight.TryLock() {
		return nil, ErrExchangeInFlight
	}
	c.mu.Lock()
	c.level = level
	c.mu.Unlock()
	return c.begin(ctx, fmt.Sprintf("I'm at the %s level.", level)), nil
}

// SubmitDiagnosticAnswers serializes answers against the open diagnostic and
// sends them as the next turn.
func (c *Controller) SubmitDiagnosticAnswers(ctx context.Context, answers map[string]string) (*Exchange, error) {
	c.mu.Lock()
	diag, ok := currentPhase(c.tr).(phase.Diagnostic)
	c.mu.Unlock()
	if !ok {
		return nil, ErrNoDiagnostic
	}

	text, err := diag.SerializeAnswers(answers)
	if err != nil {
		return nil, err
	}
	return c.Start(ctx, text)
}

// SubmitCode asks the tutor to review code and records both the submission
// and the review in the transcript. A failed review is recorded as a review
// carrying one error remark.
func (c *Controller) SubmitCode(ctx context.Context, code string) (phase.CodeReview, error) {
	if strings.TrimSpace(code) == "" {
		return phase.CodeReview{}, ErrEmptyMessage
	}
	if !c.flight.TryLock() {
		return phase.CodeReview{}, ErrExchangeInFlight
	}
	defer c.flight.Unlock()

	c.mu.Lock()
	c.inFlight = true
	level := c.level
	c.mu.Unlock()
	c.notify()

	if level == "" {
		level = defaultLevel
	}
	review, err := c.cfg.Generator.Review(ctx, agent.ReviewRequest{
		Code:      code,
		Context:   reviewContext,
		UserLevel: level,
	})
	if err != nil {
		c.logger.Warn("Code review failed", "error", err)
		review = phase.CodeReview{
			Feedback: []phase.Feedback{{Kind: "error", Message: "Review failed: " + err.Error()}},
		}
	}

	content, err := reviewMessage(review)
	if err != nil {
		c.logger.Error("Failed to render code review", "error", err)
		content = reviewNarrative(review)
	}

	c.mu.Lock()
	c.ensureConversationLocked("```\n" + code + "\n```")
	c.tr.AppendUser("```\n" + code + "\n```")
	c.tr.AppendAssistant(content)
	c.codeFeedback = review.Feedback
	c.inFlight = false
	conv := c.conversationLocked()
	c.mu.Unlock()

	c.archive(conv)
	c.notify()
	return review, nil
}

// Reset clears the transcript and all derived state for a new chat.
func (c *Controller) Reset() error {
	if !c.flight.TryLock() {
		return ErrExchangeInFlight
	}
	defer c.flight.Unlock()

	c.mu.Lock()
	c.tr = transcript.New()
	c.conversationID = ""
	c.title = ""
	c.createdAt = time.Time{}
	c.reveal = false
	c.level = ""
	c.step = 0
	c.codeFeedback = nil
	c.lastError = ""
	c.mu.Unlock()

	c.notify()
	return nil
}

// Open replaces the transcript with an archived conversation.
func (c *Controller) Open(conv *domain.Conversation) error {
	if !c.flight.TryLock() {
		return ErrExchangeInFlight
	}
	defer c.flight.Unlock()

	entries := make([]transcript.HistoryEntry, 0, len(conv.Messages))
	reveal := false
	for _, m := range conv.Messages {
		entries = append(entries, transcript.HistoryEntry{Role: m.Role, Content: m.Content})
		if m.Role == string(transcript.RoleAssistant) && phase.RevealsPlayground(m.Content) {
			reveal = true
		}
	}

	c.mu.Lock()
	c.tr = transcript.Restore(entries)
	c.conversationID = conv.ID
	c.title = conv.Title
	c.createdAt = conv.CreatedAt
	c.reveal = reveal
	c.level = conv.Level
	c.step = conv.Step
	c.codeFeedback = nil
	c.lastError = ""
	c.mu.Unlock()

	c.notify()
	return nil
}

// Cancel stops the running exchange, if any.
func (c *Controller) Cancel() bool {
	ex := c.running()
	if ex == nil {
		return false
	}
	ex.Cancel()
	return true
}

// RevealPlayground reports whether the playground has been unlocked.
func (c *Controller) RevealPlayground() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reveal
}

// begin runs with c.flight held; the exchange goroutine releases it.
func (c *Controller) begin(ctx context.Context, text string) *Exchange {
	exCtx, cancel := context.WithCancel(ctx)
	ex := &Exchange{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	history := c.tr.History()
	c.ensureConversationLocked(text)
	c.tr.AppendUser(text)
	c.inFlight = true
	c.lastError = ""
	c.exchange = ex
	req := agent.ChatRequest{
		Message:   text,
		History:   history,
		Stream:    true,
		UserLevel: c.level,
		UserID:    c.cfg.UserID,
		SessionID: c.cfg.SessionID,
	}
	c.mu.Unlock()

	c.logTurn("outbound", "chat_user_message", text, nil)
	c.notify()

	go c.run(exCtx, ex, req)
	return ex
}

// run drives one exchange to completion.
func (c *Controller) run(ctx context.Context, ex *Exchange, req agent.ChatRequest) {
	err := c.drive(ctx, req)

	var inBand *InBandError
	cancelled := false
	c.mu.Lock()
	switch {
	case err == nil:
		c.step++
	case errors.As(err, &inBand):
		c.lastError = inBand.Message
	case ctx.Err() != nil:
		// Cancelled: keep whatever arrived, without an error message.
		c.tr.Seal()
		err = ctx.Err()
		cancelled = true
	default:
		c.tr.AppendError(failureText(err))
		c.lastError = failureText(err)
	}
	c.inFlight = false
	c.exchange = nil
	conv := c.conversationLocked()
	last, _ := c.tr.Last()
	c.mu.Unlock()

	c.archive(conv)
	if last.Role == transcript.RoleAssistant {
		c.logTurn("inbound", "chat_assistant_message", last.Content, map[string]any{
			"error":     last.Error,
			"cancelled": cancelled,
		})
	}

	ex.err = err
	c.notify()
	c.flight.Unlock()
	ex.cancel()
	close(ex.done)
}

// drive opens the stream and folds its events into the transcript. It
// returns nil on Done, *InBandError on an Error event, and the transport
// error otherwise.
func (c *Controller) drive(ctx context.Context, req agent.ChatRequest) error {
	body, err := c.cfg.Generator.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	for ev, err := range sse.NewDecoder(body, c.cfg.Decoder).Events() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		c.apply(ev)
		if ev.Type == sse.EventError {
			return &InBandError{Message: ev.Text}
		}
	}
	return nil
}

func (c *Controller) apply(ev sse.Event) {
	c.mu.Lock()
	effect := c.tr.Apply(ev)
	if ev.Type == sse.EventContent && !c.reveal {
		if last, ok := c.tr.Last(); ok && phase.RevealsPlayground(last.Content) {
			c.reveal = true
			c.logger.Info("Playground revealed")
		}
	}
	c.mu.Unlock()

	if effect != transcript.EffectNone {
		c.notify()
	}
}

func (c *Controller) running() *Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchange
}

// busy reports whether an exchange is running or someone is watching.
func (c *Controller) busy() bool {
	c.mu.Lock()
	inFlight := c.inFlight
	c.mu.Unlock()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	return inFlight || len(c.observers) > 0
}

// notify publishes the current state. Callers hold c.flight so snapshots
// reach observers in mutation order.
func (c *Controller) notify() {
	c.lastActive.Store(time.Now().UnixNano())
	state := c.State()

	c.subMu.Lock()
	observers := make([]Observer, 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.subMu.Unlock()

	for _, fn := range observers {
		fn(state)
	}
}

func (c *Controller) snapshotLocked() State {
	return State{
		UserID:           c.cfg.UserID,
		SessionID:        c.cfg.SessionID,
		ConversationID:   c.conversationID,
		Title:            c.title,
		Messages:         c.tr.Snapshot(),
		Phase:            currentPhase(c.tr),
		InFlight:         c.inFlight,
		RevealPlayground: c.reveal,
		Level:            c.level,
		Step:             c.step,
		CodeFeedback:     append([]phase.Feedback(nil), c.codeFeedback...),
		LastError:        c.lastError,
		MalformedLines:   c.stats.Malformed.Load(),
	}
}

func (c *Controller) ensureConversationLocked(firstMessage string) {
	if c.conversationID != "" {
		return
	}
	c.conversationID = uuid.NewString()
	c.title = domain.ConversationTitle(firstMessage)
	c.createdAt = time.Now().UTC()
}

func (c *Controller) conversationLocked() *domain.Conversation {
	if c.cfg.Archiver == nil || c.conversationID == "" {
		return nil
	}
	history := c.tr.History()
	msgs := make([]domain.StoredMessage, 0, len(history))
	for _, h := range history {
		msgs = append(msgs, domain.StoredMessage{Role: h.Role, Content: h.Content})
	}
	return &domain.Conversation{
		ID:        c.conversationID,
		UserID:    c.cfg.UserID,
		SessionID: c.cfg.SessionID,
		Title:     c.title,
		Level:     c.level,
		Step:      c.step,
		Messages:  msgs,
		CreatedAt: c.createdAt,
		UpdatedAt: time.Now().UTC(),
	}
}

func (c *Controller) archive(conv *domain.Conversation) {
	if conv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := c.cfg.Archiver.UpsertConversation(ctx, conv); err != nil {
		c.logger.Warn("Failed to archive conversation", "conversation_id", conv.ID, "error", err)
	}
}

func (c *Controller) logTurn(direction, eventType, content string, meta map[string]any) {
	if c.cfg.ConversationLog == nil {
		return
	}
	c.cfg.ConversationLog.Log(agent.ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     c.cfg.UserID,
		SessionID:  c.cfg.SessionID,
		Channel:    "chat_http",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}

// currentPhase is the phase of the newest assistant message.
func currentPhase(tr *transcript.Transcript) phase.Data {
	msgs := tr.Snapshot()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == transcript.RoleAssistant {
			return msgs[i].Phase
		}
	}
	return nil
}

// failureText is the message shown for a failed exchange.
func failureText(err error) string {
	var transportErr *sse.TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Err.Error()
	}
	return err.Error()
}

// reviewMessage renders a review as an assistant message carrying the
// structured payload followed by a readable summary.
func reviewMessage(review phase.CodeReview) (string, error) {
	block, err := phase.Wrap(review)
	if err != nil {
		return "", err
	}
	return block + reviewNarrative(review), nil
}

func reviewNarrative(review phase.CodeReview) string {
	if len(review.Feedback) == 0 {
		return "**[CODE REVIEW]**\n\nGreat job!"
	}
	parts := make([]string, 0, len(review.Feedback))
	for _, f := range review.Feedback {
		parts = append(parts, fmt.Sprintf("**%s:** %s", strings.ToUpper(f.Kind), f.Message))
	}
	return "**[CODE REVIEW]**\n\n" + strings.Join(parts, "\n\n")
}
