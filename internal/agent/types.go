// Package agent talks to the remote tutor that generates assistant replies.
package agent

import (
	"fmt"

	"github.com/ashureev/cortana/internal/phase"
	"github.com/ashureev/cortana/internal/transcript"
)

// ChatRequest is the outbound request that opens one exchange.
type ChatRequest struct {
	Message   string                    `json:"message"`
	History   []transcript.HistoryEntry `json:"history"`
	Stream    bool                      `json:"stream"`
	UserLevel string                    `json:"user_level,omitempty"`
	UserID    string                    `json:"-"`
	SessionID string                    `json:"-"`
}

// ReviewRequest asks the tutor to review submitted code.
type ReviewRequest struct {
	Code      string `json:"code"`
	Context   string `json:"context"`
	UserLevel string `json:"user_level"`
}

// Health is the tutor's health report.
type Health struct {
	Status string `json:"status"`
	Model  string `json:"model,omitempty"`
}

// levelsResponse is the body of the levels endpoint.
type levelsResponse struct {
	Levels []phase.Level `json:"levels"`
}

// StatusError reports a non-2xx response from the tutor.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error! status: %d", e.Code)
}

// DefaultLevels is used when the tutor cannot list its levels.
var DefaultLevels = []phase.Level{
	{ID: "beginner", Name: "Beginner", Desc: "I'm new / shaky fundamentals"},
	{ID: "intermediate", Name: "Intermediate", Desc: "I know basics but struggle with application"},
	{ID: "advanced", Name: "Advanced", Desc: "I understand concepts, want guided problem solving"},
}
