package agent

import (
	"context"
	"io"

	"github.com/ashureev/cortana/internal/phase"
)

// Generator opens exchanges with the remote tutor.
// It is implemented by the HTTP and gRPC clients.
type Generator interface {
	// Stream opens a streamed reply. The returned body carries "data: " lines
	// and must be closed by the caller.
	Stream(ctx context.Context, req ChatRequest) (io.ReadCloser, error)

	// Review asks for feedback on submitted code.
	Review(ctx context.Context, req ReviewRequest) (phase.CodeReview, error)

	// Levels lists the selectable skill levels.
	Levels(ctx context.Context) ([]phase.Level, error)

	// Health reports whether the tutor is serving.
	Health(ctx context.Context) (Health, error)

	// Close releases resources.
	Close()
}

var (
	_ Generator = (*HTTPClient)(nil)
	_ Generator = (*GrpcClient)(nil)
)
