package transcript

import (
	"reflect"
	"testing"

	"github.com/ashureev/cortana/internal/phase"
	"github.com/ashureev/cortana/internal/sse"
)

func TestApplyMergeOrAppend(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.AppendUser("hi")

	if got := tr.Apply(sse.Content("Hel")); got != EffectAppended {
		t.Fatalf("first chunk effect = %v, want EffectAppended", got)
	}
	if got := tr.Apply(sse.Content("lo")); got != EffectExtended {
		t.Fatalf("second chunk effect = %v, want EffectExtended", got)
	}
	if got := tr.Apply(sse.Done()); got != EffectSealed {
		t.Fatalf("done effect = %v, want EffectSealed", got)
	}

	msgs := tr.Snapshot()
	want := []Message{
		{Role: RoleUser, Content: "hi", Text: "hi"},
		{Role: RoleAssistant, Content: "Hello", Text: "Hello"},
	}
	if !reflect.DeepEqual(msgs, want) {
		t.Fatalf("messages = %#v, want %#v", msgs, want)
	}
	if tr.pending != noPending {
		t.Fatal("expected no pending message after done")
	}
}

func TestApplyNoDeduplication(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.Apply(sse.Content("ab"))
	tr.Apply(sse.Content("ab"))

	last, _ := tr.Last()
	if last.Content != "abab" {
		t.Fatalf("content = %q, want %q", last.Content, "abab")
	}
	if !last.Streaming {
		t.Fatal("expected last message to be streaming")
	}
}

func TestApplyErrorStartsFreshSlot(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.AppendUser("q")
	tr.Apply(sse.Content("partial"))
	tr.Apply(sse.Error("rate limited"))
	tr.Apply(sse.Content("late"))

	msgs := tr.Snapshot()
	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4: %#v", len(msgs), msgs)
	}
	if msgs[1].Content != "partial" || msgs[1].Streaming {
		t.Fatalf("partial message = %#v, want sealed and unchanged", msgs[1])
	}
	if !msgs[2].Error || msgs[2].Content != "Error: rate limited" {
		t.Fatalf("error message = %#v", msgs[2])
	}
	if msgs[3].Content != "late" || !msgs[3].Streaming {
		t.Fatalf("late content should open a new pending message, got %#v", msgs[3])
	}
}

func TestDoneWithoutPendingIsNoop(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.AppendUser("q")
	if got := tr.Apply(sse.Done()); got != EffectNone {
		t.Fatalf("effect = %v, want EffectNone", got)
	}
	if n := len(tr.Snapshot()); n != 1 {
		t.Fatalf("len = %d, want 1", n)
	}
}

func TestAppendUserSealsPending(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.Apply(sse.Content("cut off"))
	tr.AppendUser("next")
	tr.Apply(sse.Content("reply"))

	msgs := tr.Snapshot()
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	if msgs[0].Content != "cut off" || msgs[2].Content != "reply" {
		t.Fatalf("unexpected messages: %#v", msgs)
	}
}

func TestPhaseResolvedWhileStreaming(t *testing.T) {
	t.Parallel()

	block, err := phase.Wrap(phase.TextDiagnosticResult{Level: "advanced"})
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	tr := New()
	half := len(block) / 2
	tr.Apply(sse.Content(block[:half]))
	if last, _ := tr.Last(); last.Phase != nil {
		t.Fatalf("phase resolved before end marker: %#v", last.Phase)
	}

	tr.Apply(sse.Content(block[half:] + "Nice work."))
	last, _ := tr.Last()
	if !reflect.DeepEqual(last.Phase, phase.TextDiagnosticResult{Level: "advanced"}) {
		t.Fatalf("phase = %#v", last.Phase)
	}
	if last.Text != "Nice work." {
		t.Fatalf("text = %q", last.Text)
	}
	if last.Content != block+"Nice work." {
		t.Fatal("raw content must be kept intact")
	}
}

func TestErrorMessagesSkipExtraction(t *testing.T) {
	t.Parallel()

	block, _ := phase.Wrap(phase.TextDiagnosticResult{Level: "beginner"})
	tr := New()
	tr.AppendError(block)

	last, _ := tr.Last()
	if last.Phase != nil {
		t.Fatalf("error message must not carry a phase, got %#v", last.Phase)
	}
	if last.Text != ErrorPrefix+block {
		t.Fatalf("text = %q", last.Text)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.AppendUser("original")
	snap := tr.Snapshot()
	snap[0].Content = "mutated"

	if last, _ := tr.Last(); last.Content != "original" {
		t.Fatalf("snapshot mutation leaked into transcript: %q", last.Content)
	}
}

func TestHistoryAndRestore(t *testing.T) {
	t.Parallel()

	block, _ := phase.Wrap(phase.TextDiagnosticResult{Level: "intermediate"})
	tr := New()
	tr.AppendUser("hi")
	tr.Apply(sse.Content(block + "Let's go."))
	tr.Apply(sse.Error("boom"))

	history := tr.History()
	want := []HistoryEntry{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: block + "Let's go."},
		{Role: "assistant", Content: "Error: boom"},
	}
	if !reflect.DeepEqual(history, want) {
		t.Fatalf("history = %#v, want %#v", history, want)
	}

	restored := Restore(history)
	msgs := restored.Snapshot()
	if len(msgs) != 3 {
		t.Fatalf("restored len = %d", len(msgs))
	}
	if !reflect.DeepEqual(msgs[1].Phase, phase.TextDiagnosticResult{Level: "intermediate"}) {
		t.Fatalf("restored phase = %#v", msgs[1].Phase)
	}
	if msgs[1].Text != "Let's go." {
		t.Fatalf("restored text = %q", msgs[1].Text)
	}
	if restored.pending != noPending {
		t.Fatal("restored transcript must be sealed")
	}
}
