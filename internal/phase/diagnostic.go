package phase

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIncompleteAnswers is returned when a diagnostic question has no answer.
	ErrIncompleteAnswers = errors.New("not all diagnostic questions are answered")
	// ErrUnknownOption is returned when an answer key is not a listed option.
	ErrUnknownOption = errors.New("answer is not one of the question's options")
	// ErrNoQuestions is returned when the diagnostic has nothing to answer.
	ErrNoQuestions = errors.New("diagnostic has no questions")
)

// SerializeAnswers renders one answer per question, keyed by question ID, as
// the learner's next message: "D1: B, D2: A". Questions are numbered by
// display position, independent of their IDs.
func (d Diagnostic) SerializeAnswers(answers map[string]string) (string, error) {
	if len(d.Questions) == 0 {
		return "", ErrNoQuestions
	}

	parts := make([]string, 0, len(d.Questions))
	for i, q := range d.Questions {
		key, ok := answers[q.ID]
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return "", fmt.Errorf("%w: question %q", ErrIncompleteAnswers, q.ID)
		}
		if len(q.Options) > 0 && !q.hasOption(key) {
			return "", fmt.Errorf("%w: question %q answer %q", ErrUnknownOption, q.ID, key)
		}
		parts = append(parts, fmt.Sprintf("D%d: %s", i+1, key))
	}
	return strings.Join(parts, ", "), nil
}

func (q Question) hasOption(key string) bool {
	for _, o := range q.Options {
		if o.Key == key {
			return true
		}
	}
	return false
}
