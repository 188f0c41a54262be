package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ashureev/cortana/internal/phase"
)

// Tutor service method names. Requests and replies use well-known protobuf
// types so no generated stubs are needed.
const (
	TutorService      = "cortana.v1.Tutor"
	chatStreamMethod  = "/" + TutorService + "/ChatStream"
	reviewMethod      = "/" + TutorService + "/Review"
	listLevelsMethod  = "/" + TutorService + "/ListLevels"
	chatStreamName    = "ChatStream"
	defaultTutorAddr  = "localhost:50051"
	defaultRPCTimeout = 30 * time.Second
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

var chatStreamDesc = &grpc.StreamDesc{
	StreamName:    chatStreamName,
	ServerStreams: true,
}

// GrpcClient reaches the tutor over gRPC. Each ChatStream reply message is a
// BytesValue fragment of the same "data: " line protocol the HTTP transport
// carries.
type GrpcClient struct {
	conn           *grpc.ClientConn
	health         healthpb.HealthClient
	addr           string
	requestTimeout time.Duration
	logger         *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          defaultTutorAddr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   defaultRPCTimeout,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient dials the tutor and waits until the connection is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = defaults.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = defaults.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = defaults.KeepaliveTimeout
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}),
	}
	opts = append(opts, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to tutor at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("tutor at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to tutor service", "address", cfg.Address)

	return &GrpcClient{
		conn:           conn,
		health:         healthpb.NewHealthClient(conn),
		addr:           cfg.Address,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health runs the standard gRPC health check for the tutor service.
func (c *GrpcClient) Health(ctx context.Context) (Health, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: TutorService})
	if err != nil {
		return Health{}, fmt.Errorf("health check failed: %w", err)
	}
	status := "unhealthy"
	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		status = "healthy"
	}
	return Health{Status: status, Model: c.addr}, nil
}

// Stream opens a server stream and exposes its fragments as a reader.
func (c *GrpcClient) Stream(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	req.Stream = true
	msg, err := toStruct(req)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	cs, err := c.conn.NewStream(streamCtx, chatStreamDesc, chatStreamMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	if err := cs.SendMsg(msg); err != nil {
		cancel()
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("chat request failed: %w", err)
	}

	c.logger.Debug("Chat stream opened via gRPC",
		"user_id", req.UserID,
		"session_id", req.SessionID,
		"history_len", len(req.History),
	)
	return &fragmentReader{stream: cs, cancel: cancel}, nil
}

// Review asks the tutor for a CODE_REVIEW payload.
func (c *GrpcClient) Review(ctx context.Context, req ReviewRequest) (phase.CodeReview, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	in, err := toStruct(req)
	if err != nil {
		return phase.CodeReview{}, err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, reviewMethod, in, out); err != nil {
		return phase.CodeReview{}, fmt.Errorf("review request failed: %w", err)
	}
	raw, err := protojson.Marshal(out)
	if err != nil {
		return phase.CodeReview{}, fmt.Errorf("encode review response: %w", err)
	}
	return decodeReview(raw)
}

// Levels lists the tutor's skill levels.
func (c *GrpcClient) Levels(ctx context.Context) ([]phase.Level, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, listLevelsMethod, &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("list levels failed: %w", err)
	}
	raw, err := protojson.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode levels response: %w", err)
	}
	var body levelsResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode levels response: %w", err)
	}
	return body.Levels, nil
}

// toStruct converts a JSON-tagged value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("convert request: %w", err)
	}
	return s, nil
}

// fragmentReader adapts a stream of BytesValue messages to io.Reader.
type fragmentReader struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	buf    []byte
}

func (r *fragmentReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		msg := &wrapperspb.BytesValue{}
		if err := r.stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("chat stream error: %w", err)
		}
		r.buf = msg.GetValue()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Close cancels the stream; the server sees the cancellation.
func (r *fragmentReader) Close() error {
	r.cancel()
	return nil
}
