package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/cortana/internal/agent"
	"github.com/ashureev/cortana/internal/domain"
	"github.com/ashureev/cortana/internal/phase"
	"github.com/ashureev/cortana/internal/sse"
	"github.com/ashureev/cortana/internal/transcript"
)

type fakeGenerator struct {
	mu        sync.Mutex
	requests  []agent.ChatRequest
	bodies    []string
	pipes     chan *io.PipeWriter
	openErr   error
	review    phase.CodeReview
	reviewErr error
	reviews   []agent.ReviewRequest
}

func newFakeGenerator(bodies ...string) *fakeGenerator {
	return &fakeGenerator{bodies: bodies, pipes: make(chan *io.PipeWriter, 1)}
}

func (f *fakeGenerator) Stream(_ context.Context, req agent.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	if f.openErr != nil {
		f.mu.Unlock()
		return nil, f.openErr
	}
	if len(f.bodies) > 0 {
		body := f.bodies[0]
		f.bodies = f.bodies[1:]
		f.mu.Unlock()
		return io.NopCloser(strings.NewReader(body)), nil
	}
	f.mu.Unlock()

	pr, pw := io.Pipe()
	f.pipes <- pw
	return pr, nil
}

func (f *fakeGenerator) Review(_ context.Context, req agent.ReviewRequest) (phase.CodeReview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews = append(f.reviews, req)
	return f.review, f.reviewErr
}

func (f *fakeGenerator) Levels(context.Context) ([]phase.Level, error) { return agent.DefaultLevels, nil }
func (f *fakeGenerator) Health(context.Context) (agent.Health, error) {
	return agent.Health{Status: "healthy"}, nil
}
func (f *fakeGenerator) Close() {}

func (f *fakeGenerator) lastRequest(t *testing.T) agent.ChatRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no request was sent")
	}
	return f.requests[len(f.requests)-1]
}

func (f *fakeGenerator) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeArchiver struct {
	mu    sync.Mutex
	convs []domain.Conversation
}

func (f *fakeArchiver) UpsertConversation(_ context.Context, conv *domain.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs = append(f.convs, *conv)
	return nil
}

func sseBody(t *testing.T, events ...map[string]any) string {
	t.Helper()
	var b strings.Builder
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal event: %v", err)
		}
		b.WriteString(sse.DataPrefix)
		b.Write(raw)
		b.WriteString("\n\n")
	}
	return b.String()
}

func content(s string) map[string]any { return map[string]any{"content": s} }
func done() map[string]any            { return map[string]any{"done": true} }
func fail(s string) map[string]any    { return map[string]any{"error": s} }

func newController(gen *fakeGenerator, archiver Archiver) *Controller {
	return New(Config{UserID: "u1", SessionID: "tab-1", Generator: gen, Archiver: archiver})
}

func wait(t *testing.T, ex *Exchange) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := ex.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("exchange did not finish")
	}
	return err
}

func waitForState(t *testing.T, c *Controller, pred func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := c.State(); pred(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never matched; last state: %+v", c.State())
	return State{}
}

func TestStartFoldsStreamIntoTranscript(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator(sseBody(t, content("Hel"), content("lo"), done()))
	c := newController(gen, nil)

	ex, err := c.Start(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := wait(t, ex); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	st := c.State()
	if st.InFlight {
		t.Fatal("expected idle after done")
	}
	if st.Step != 1 {
		t.Fatalf("step = %d, want 1", st.Step)
	}
	if len(st.Messages) != 2 || st.Messages[0].Content != "hi" || st.Messages[1].Content != "Hello" {
		t.Fatalf("unexpected messages %#v", st.Messages)
	}
	if st.Messages[1].Streaming {
		t.Fatal("assistant message should be sealed")
	}
	if st.Title != "hi" || st.ConversationID == "" {
		t.Fatalf("unexpected conversation identity %q %q", st.ConversationID, st.Title)
	}

	req := gen.lastRequest(t)
	if req.Message != "hi" || len(req.History) != 0 || !req.Stream {
		t.Fatalf("unexpected request %#v", req)
	}
	if req.UserID != "u1" || req.SessionID != "tab-1" {
		t.Fatalf("request not tagged with identity: %#v", req)
	}
}

func TestStartFoldsQuizBlock(t *testing.T) {
	t.Parallel()

	block := phase.StartMarker + "\n" + `{"phase":"QUIZ","title":"T","question":"Q?","options":["A","B"]}` + "\n" + phase.EndMarker + "\n"
	raw, err := json.Marshal(content(block))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// One fragment carries the whole block and the done marker.
	gen := newFakeGenerator(sse.DataPrefix + string(raw) + "\n" + sse.DataPrefix + `{"done":true}` + "\n")
	c := newController(gen, nil)

	ex, err := c.Start(context.Background(), "quiz me")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := wait(t, ex); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	st := c.State()
	want := phase.Quiz{Title: "T", Question: "Q?", Options: []phase.QuizOption{{Text: "A"}, {Text: "B"}}}
	if !reflect.DeepEqual(st.Phase, want) {
		t.Fatalf("phase = %#v, want %#v", st.Phase, want)
	}
	if len(st.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(st.Messages))
	}
	if reply := st.Messages[1]; reply.Text != "" || reply.Content != block || reply.Streaming {
		t.Fatalf("unexpected reply %#v", reply)
	}
	if st.Step != 1 {
		t.Fatalf("step = %d, want 1", st.Step)
	}
}

func TestStartRejectsBlankMessage(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator()
	c := newController(gen, nil)

	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := c.Start(context.Background(), text); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("Start(%q) error = %v, want ErrEmptyMessage", text, err)
		}
	}
	if n := len(c.State().Messages); n != 0 {
		t.Fatalf("blank input mutated the transcript: %d messages", n)
	}
	if gen.requestCount() != 0 {
		t.Fatal("blank input reached the generator")
	}
}

func TestStartIsSingleFlight(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator()
	c := newController(gen, nil)

	ex, err := c.Start(context.Background(), "first")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pw := <-gen.pipes

	if _, err := c.Start(context.Background(), "second"); !errors.Is(err, ErrExchangeInFlight) {
		t.Fatalf("second Start error = %v, want ErrExchangeInFlight", err)
	}
	if err := c.Reset(); !errors.Is(err, ErrExchangeInFlight) {
		t.Fatalf("Reset error = %v, want ErrExchangeInFlight", err)
	}
	if _, err := c.SubmitCode(context.Background(), "x"); !errors.Is(err, ErrExchangeInFlight) {
		t.Fatalf("SubmitCode error = %v, want ErrExchangeInFlight", err)
	}
	if st := c.State(); len(st.Messages) != 1 || !st.InFlight {
		t.Fatalf("rejected send mutated state: %+v", st)
	}

	_, _ = io.WriteString(pw, sseBody(t, content("ok"), done()))
	_ = pw.Close()
	if err := wait(t, ex); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	gen.bodies = []string{sseBody(t, done())}
	ex, err = c.Start(context.Background(), "third")
	if err != nil {
		t.Fatalf("Start after idle failed: %v", err)
	}
	_ = wait(t, ex)
	if gen.requestCount() != 2 {
		t.Fatalf("requests = %d, want 2", gen.requestCount())
	}
}

func TestInBandErrorAppendsErrorMessage(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator(sseBody(t, content("partial"), fail("rate limited"), content("ignored")))
	c := newController(gen, nil)

	ex, _ := c.Start(context.Background(), "q")
	err := wait(t, ex)
	var inBand *InBandError
	if !errors.As(err, &inBand) || inBand.Message != "rate limited" {
		t.Fatalf("err = %v, want InBandError(rate limited)", err)
	}

	st := c.State()
	if len(st.Messages) != 3 {
		t.Fatalf("messages = %#v", st.Messages)
	}
	if st.Messages[1].Content != "partial" {
		t.Fatalf("partial reply changed: %q", st.Messages[1].Content)
	}
	if !st.Messages[2].Error || st.Messages[2].Content != "Error: rate limited" {
		t.Fatalf("error message = %#v", st.Messages[2])
	}
	if st.LastError != "rate limited" || st.InFlight || st.Step != 0 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestOpenFailureAppendsErrorMessage(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator()
	gen.openErr = &agent.StatusError{Code: 500}
	c := newController(gen, nil)

	ex, _ := c.Start(context.Background(), "q")
	if err := wait(t, ex); err == nil {
		t.Fatal("expected an error")
	}

	st := c.State()
	last := st.Messages[len(st.Messages)-1]
	if last.Content != "Error: HTTP error! status: 500" || !last.Error {
		t.Fatalf("last message = %#v", last)
	}
	if st.InFlight {
		t.Fatal("expected idle after failure")
	}
}

func TestTransportFailureMidStream(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator()
	c := newController(gen, nil)

	ex, _ := c.Start(context.Background(), "q")
	pw := <-gen.pipes
	_, _ = io.WriteString(pw, sseBody(t, content("so far")))
	_ = pw.CloseWithError(errors.New("connection reset"))

	err := wait(t, ex)
	var transportErr *sse.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("err = %v, want TransportError", err)
	}

	st := c.State()
	if len(st.Messages) != 3 {
		t.Fatalf("messages = %#v", st.Messages)
	}
	if st.Messages[1].Content != "so far" || st.Messages[2].Content != "Error: connection reset" {
		t.Fatalf("unexpected messages %#v", st.Messages)
	}
}

func TestCancelKeepsPartialReply(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator()
	c := newController(gen, nil)

	ex, _ := c.Start(context.Background(), "q")
	pw := <-gen.pipes
	_, _ = io.WriteString(pw, sseBody(t, content("par")))
	waitForState(t, c, func(st State) bool {
		return len(st.Messages) == 2 && st.Messages[1].Content == "par"
	})

	ex.Cancel()
	if err := wait(t, ex); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	st := c.State()
	if len(st.Messages) != 2 {
		t.Fatalf("cancel should not add messages: %#v", st.Messages)
	}
	if st.Messages[1].Content != "par" || st.Messages[1].Streaming || st.Messages[1].Error {
		t.Fatalf("partial reply = %#v", st.Messages[1])
	}
	if st.InFlight || st.LastError != "" {
		t.Fatalf("unexpected state after cancel %+v", st)
	}
}

func TestPlaygroundLatch(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator(
		sseBody(t, content("Fill the blanks [NEAR-"), content("SOLUTION] below"), done()),
		sseBody(t, content("plain"), done()),
	)
	c := newController(gen, nil)

	ex, _ := c.Start(context.Background(), "q1")
	_ = wait(t, ex)
	if !c.State().RevealPlayground {
		t.Fatal("trigger split across chunks should reveal the playground")
	}

	ex, _ = c.Start(context.Background(), "q2")
	_ = wait(t, ex)
	if !c.RevealPlayground() {
		t.Fatal("reveal latch must not clear")
	}

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if st := c.State(); st.RevealPlayground || len(st.Messages) != 0 || st.Step != 0 || st.ConversationID != "" {
		t.Fatalf("Reset left state behind: %+v", st)
	}
}

func TestSubmitDiagnosticAnswers(t *testing.T) {
	t.Parallel()

	block, err := phase.Wrap(phase.Diagnostic{
		Level: "beginner",
		Title: "Quick Knowledge Check",
		Questions: []phase.Question{
			{ID: "d1", Options: []phase.Option{{Key: "A"}, {Key: "B"}}},
			{ID: "d2", Options: []phase.Option{{Key: "A"}, {Key: "B"}}},
		},
	})
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	gen := newFakeGenerator(sseBody(t, content(block+"Answer these."), done()), sseBody(t, done()))
	c := newController(gen, nil)

	if _, err := c.SubmitDiagnosticAnswers(context.Background(), map[string]string{"d1": "A"}); !errors.Is(err, ErrNoDiagnostic) {
		t.Fatalf("err = %v, want ErrNoDiagnostic", err)
	}

	ex, _ := c.Start(context.Background(), "teach me")
	_ = wait(t, ex)
	if _, ok := c.State().Phase.(phase.Diagnostic); !ok {
		t.Fatalf("phase = %#v, want Diagnostic", c.State().Phase)
	}

	if _, err := c.SubmitDiagnosticAnswers(context.Background(), map[string]string{"d1": "B"}); !errors.Is(err, phase.ErrIncompleteAnswers) {
		t.Fatalf("err = %v, want ErrIncompleteAnswers", err)
	}
	if gen.requestCount() != 1 {
		t.Fatal("incomplete answers must not be sent")
	}

	ex, err = c.SubmitDiagnosticAnswers(context.Background(), map[string]string{"d1": "B", "d2": "A"})
	if err != nil {
		t.Fatalf("SubmitDiagnosticAnswers failed: %v", err)
	}
	_ = wait(t, ex)

	req := gen.lastRequest(t)
	if req.Message != "D1: B, D2: A" {
		t.Fatalf("message = %q", req.Message)
	}
	if len(req.History) != 2 || req.History[1].Content != block+"Answer these." {
		t.Fatalf("history should carry raw content: %#v", req.History)
	}
}

func TestSelectLevel(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator(sseBody(t, done()))
	c := newController(gen, nil)

	if _, err := c.SelectLevel(context.Background(), " "); !errors.Is(err, ErrInvalidLevel) {
		t.Fatalf("err = %v, want ErrInvalidLevel", err)
	}

	ex, err := c.SelectLevel(context.Background(), "intermediate")
	if err != nil {
		t.Fatalf("SelectLevel failed: %v", err)
	}
	_ = wait(t, ex)

	req := gen.lastRequest(t)
	if req.Message != "I'm at the intermediate level." || req.UserLevel != "intermediate" {
		t.Fatalf("unexpected request %#v", req)
	}
	if c.State().Level != "intermediate" {
		t.Fatalf("level = %q", c.State().Level)
	}
}

func TestSubmitCode(t *testing.T) {
	t.Parallel()

	t.Run("review", func(t *testing.T) {
		t.Parallel()
		gen := newFakeGenerator()
		gen.review = phase.CodeReview{Title: "Code Review", Feedback: []phase.Feedback{{Kind: "hint", Message: "think"}}}
		archiver := &fakeArchiver{}
		c := newController(gen, archiver)

		review, err := c.SubmitCode(context.Background(), "print(1)")
		if err != nil {
			t.Fatalf("SubmitCode failed: %v", err)
		}
		if review.Title != "Code Review" {
			t.Fatalf("review = %#v", review)
		}

		st := c.State()
		if len(st.Messages) != 2 {
			t.Fatalf("messages = %#v", st.Messages)
		}
		if st.Messages[0].Content != "```\nprint(1)\n```" {
			t.Fatalf("user message = %q", st.Messages[0].Content)
		}
		reply := st.Messages[1]
		if _, ok := reply.Phase.(phase.CodeReview); !ok {
			t.Fatalf("reply phase = %#v", reply.Phase)
		}
		if reply.Text != "**[CODE REVIEW]**\n\n**HINT:** think" {
			t.Fatalf("reply text = %q", reply.Text)
		}
		if len(st.CodeFeedback) != 1 || st.InFlight {
			t.Fatalf("unexpected state %+v", st)
		}
		if gen.reviews[0].UserLevel != "beginner" || gen.reviews[0].Context != "User code submission" {
			t.Fatalf("review request = %#v", gen.reviews[0])
		}
		if len(archiver.convs) != 1 {
			t.Fatalf("archived %d conversations, want 1", len(archiver.convs))
		}
	})

	t.Run("failure fallback", func(t *testing.T) {
		t.Parallel()
		gen := newFakeGenerator()
		gen.reviewErr = errors.New("HTTP error! status: 503")
		c := newController(gen, nil)

		review, err := c.SubmitCode(context.Background(), "x = 1")
		if err != nil {
			t.Fatalf("SubmitCode failed: %v", err)
		}
		want := phase.Feedback{Kind: "error", Message: "Review failed: HTTP error! status: 503"}
		if len(review.Feedback) != 1 || review.Feedback[0] != want {
			t.Fatalf("feedback = %#v", review.Feedback)
		}
		if text := c.State().Messages[1].Text; text != "**[CODE REVIEW]**\n\n**ERROR:** Review failed: HTTP error! status: 503" {
			t.Fatalf("reply text = %q", text)
		}
	})
}

func TestArchiveAfterEachExchange(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator(sseBody(t, content("one"), done()), sseBody(t, content("two"), done()))
	archiver := &fakeArchiver{}
	c := newController(gen, archiver)

	ex, _ := c.Start(context.Background(), "How do I implement a binary search tree in Go?")
	_ = wait(t, ex)
	ex, _ = c.Start(context.Background(), "next")
	_ = wait(t, ex)

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	if len(archiver.convs) != 2 {
		t.Fatalf("archived %d times, want 2", len(archiver.convs))
	}
	first, second := archiver.convs[0], archiver.convs[1]
	if first.ID == "" || first.ID != second.ID {
		t.Fatalf("conversation id not stable: %q vs %q", first.ID, second.ID)
	}
	if second.Title != "How do I implement a binary se..." {
		t.Fatalf("title = %q", second.Title)
	}
	if len(second.Messages) != 4 || second.Step != 2 || second.UserID != "u1" {
		t.Fatalf("unexpected archive %#v", second)
	}
}

func TestOpenRestoresConversation(t *testing.T) {
	t.Parallel()

	block, _ := phase.Wrap(phase.TextDiagnosticResult{Level: "advanced"})
	conv := &domain.Conversation{
		ID:    "conv-1",
		Title: "old",
		Level: "advanced",
		Step:  3,
		Messages: []domain.StoredMessage{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: block + "[NEAR_SOLUTION] fill it in"},
		},
	}

	gen := newFakeGenerator(sseBody(t, done()))
	c := newController(gen, nil)
	if err := c.Open(conv); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	st := c.State()
	if st.ConversationID != "conv-1" || st.Step != 3 || st.Level != "advanced" || !st.RevealPlayground {
		t.Fatalf("unexpected state %+v", st)
	}
	if _, ok := st.Phase.(phase.TextDiagnosticResult); !ok {
		t.Fatalf("phase = %#v", st.Phase)
	}

	ex, _ := c.Start(context.Background(), "continue")
	_ = wait(t, ex)
	if req := gen.lastRequest(t); len(req.History) != 2 || req.UserLevel != "advanced" {
		t.Fatalf("restored history not sent: %#v", req)
	}
}

func TestObserversSeeEveryMutation(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator(sseBody(t, content("a"), content("b"), done()))
	c := newController(gen, nil)

	var (
		mu     sync.Mutex
		states []State
	)
	unsubscribe := c.Subscribe(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, st)
	})
	defer unsubscribe()

	ex, _ := c.Start(context.Background(), "q")
	_ = wait(t, ex)

	mu.Lock()
	defer mu.Unlock()
	// user message, two chunks, seal, idle
	if len(states) != 5 {
		t.Fatalf("notifications = %d, want 5", len(states))
	}
	if !states[1].InFlight || !states[1].Messages[1].Streaming || states[2].Messages[1].Content != "ab" {
		t.Fatalf("unexpected streaming snapshots %+v", states[1:3])
	}
	if states[4].InFlight {
		t.Fatal("final notification should be idle")
	}
}

func TestMalformedLinesAreCounted(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator("data: {broken\n\n" + sseBody(t, content("ok"), done()))
	c := newController(gen, nil)

	ex, _ := c.Start(context.Background(), "q")
	_ = wait(t, ex)

	st := c.State()
	if st.MalformedLines != 1 {
		t.Fatalf("malformed = %d, want 1", st.MalformedLines)
	}
	if st.Messages[1].Content != "ok" {
		t.Fatalf("reply = %q", st.Messages[1].Content)
	}
}

func TestHistoryCarriesErrorsAndRoles(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator(sseBody(t, fail("boom")), sseBody(t, done()))
	c := newController(gen, nil)

	ex, _ := c.Start(context.Background(), "one")
	_ = wait(t, ex)
	ex, _ = c.Start(context.Background(), "two")
	_ = wait(t, ex)

	want := []transcript.HistoryEntry{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "Error: boom"},
	}
	got := gen.lastRequest(t).History
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("history = %#v, want %#v", got, want)
	}
}

func TestFinalStateIsPublishedBeforeNextExchange(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator()
	c := newController(gen, nil)

	var (
		mu     sync.Mutex
		states []State
	)
	unsubscribe := c.Subscribe(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, st)
	})
	defer unsubscribe()

	first, err := c.Start(context.Background(), "one")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pw := <-gen.pipes

	// Retry as soon as the controller frees up, without waiting on first.
	second := make(chan *Exchange, 1)
	go func() {
		for {
			if ex, err := c.Start(context.Background(), "two"); err == nil {
				second <- ex
				return
			}
			runtime.Gosched()
		}
	}()

	if _, err := pw.Write([]byte(sseBody(t, content("a"), done()))); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = pw.Close()
	_ = wait(t, first)

	ex := <-second
	pw2 := <-gen.pipes
	_ = pw2.Close()
	_ = wait(t, ex)

	mu.Lock()
	defer mu.Unlock()
	firstIdle, secondStart := -1, -1
	for i, st := range states {
		if firstIdle < 0 && len(st.Messages) == 2 && !st.InFlight {
			firstIdle = i
		}
		if secondStart < 0 && len(st.Messages) == 3 {
			secondStart = i
		}
	}
	if firstIdle < 0 || secondStart < 0 || firstIdle > secondStart {
		t.Fatalf("first idle at %d, second start at %d", firstIdle, secondStart)
	}
	for i := 1; i < len(states); i++ {
		if len(states[i].Messages) < len(states[i-1].Messages) {
			t.Fatalf("snapshot %d went backwards: %d < %d messages", i, len(states[i].Messages), len(states[i-1].Messages))
		}
	}
}
