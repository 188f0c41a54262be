// Package playground runs learner code in per-user sandbox containers.
package playground

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/ashureev/cortana/internal/domain"
)

const (
	// Container configuration.
	defaultImage    = "cortana-playground:latest"
	containerUser   = "1000"
	workingDir      = "/home/learner/work"
	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 256 * 1024 * 1024 // 256MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 128

	// Restart grace period for stopped containers.
	restartGracePeriod = 60 * time.Minute

	// Playground network configuration.
	playgroundNetwork = "cortana-playground"
	playgroundSubnet  = "172.29.0.0/16"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond

	defaultRunTimeout = 10 * time.Second
	defaultMaxOutput  = 64 * 1024
)

var (
	// ErrUnsupportedLanguage is returned by Run for languages without a runner.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrRunTimeout is returned when code runs past the configured timeout.
	ErrRunTimeout = errors.New("run timed out")
)

// RunResult is the outcome of running a snippet.
type RunResult struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration_ns"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Manager defines the interface for managing playground containers.
type Manager interface {
	// EnsureContainer ensures a container exists and is running for a user.
	EnsureContainer(ctx context.Context, userID string, currentContainerID string, lastSeenAt time.Time) (string, error)

	// Run executes code in a running container.
	Run(ctx context.Context, containerID, language, code string) (RunResult, error)

	// StopContainer stops and removes a container.
	StopContainer(ctx context.Context, containerID string) error

	// IsRunning checks if a container is currently running.
	IsRunning(ctx context.Context, containerID string) (bool, error)

	// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
	EnsureNetwork(ctx context.Context) (string, error)
}

// Config configures a DockerManager.
type Config struct {
	Image string
	// Runtime is "" for the default runtime or "runsc" for gVisor.
	Runtime    string
	RunTimeout time.Duration
	MaxOutput  int
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli *client.Client
	cfg Config
}

// NewDockerManager creates a new Docker-backed playground manager.
func NewDockerManager(cfg Config) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = defaultMaxOutput
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	slog.Info("Docker client initialized", "runtime", runtime, "image", cfg.Image)
	return &DockerManager{cli: cli, cfg: cfg}, nil
}

// Close releases the Docker client.
func (m *DockerManager) Close() error {
	return m.cli.Close()
}

// EnsureContainer ensures a container exists and is running for a user.
func (m *DockerManager) EnsureContainer(ctx context.Context, userID string, currentContainerID string, lastSeenAt time.Time) (string, error) {
	containerName := fmt.Sprintf("cortana-playground-%s", userID)
	volumeName := domain.PlaygroundVolume(userID)

	inspect, err := m.cli.ContainerInspect(ctx, containerName)
	if err == nil {
		// A named container the database no longer points at is stale.
		if currentContainerID == "" {
			slog.Info("Found unbound container, recreating", "container_id", inspect.ID, "user_id", userID)
			if err := m.StopContainer(ctx, inspect.ID); err != nil {
				slog.Warn("Failed to stop unbound container before recreation", "error", err, "container_id", inspect.ID)
			}
		} else {
			if inspect.State.Running {
				return inspect.ID, nil
			}

			if time.Since(lastSeenAt) < restartGracePeriod {
				slog.Info("Restarting stopped container", "container_id", inspect.ID, "user_id", userID)
				if err := m.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
					return "", fmt.Errorf("restart container %s: %w", inspect.ID, err)
				}
				return inspect.ID, nil
			}

			slog.Info("Container expired, recreating", "container_id", inspect.ID, "user_id", userID)
			if err := m.StopContainer(ctx, inspect.ID); err != nil {
				slog.Warn("Failed to stop container before recreation", "error", err, "container_id", inspect.ID)
			}
		}
	}

	slog.Info("Creating playground container", "user_id", userID, "volume", volumeName)

	config := &container.Config{
		Image:      m.cfg.Image,
		User:       containerUser,
		WorkingDir: workingDir,
		Cmd:        []string{"sleep", "infinity"},
	}

	hostConfig := &container.HostConfig{
		Runtime:     m.cfg.Runtime,
		NetworkMode: container.NetworkMode(playgroundNetwork),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: workingDir,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A delayed cleanup can leave the old named container briefly.
		slog.Warn("Container name conflict during create, retrying",
			"user_id", userID,
			"container_name", containerName,
			"attempt", i+1,
			"error", createErr,
		)
		if inspect, inspectErr := m.cli.ContainerInspect(ctx, containerName); inspectErr == nil {
			if stopErr := m.StopContainer(ctx, inspect.ID); stopErr != nil {
				slog.Warn("Failed to stop conflicting container before retry", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Info("Container created and started", "container_id", resp.ID, "user_id", userID)
	return resp.ID, nil
}

// Run executes code with the interpreter for language and collects its
// demultiplexed output and exit code.
func (m *DockerManager) Run(ctx context.Context, containerID, language, code string) (RunResult, error) {
	cmd, err := Command(language, code)
	if err != nil {
		return RunResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.RunTimeout)
	defer cancel()
	started := time.Now()

	resp, err := m.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
		User:         containerUser,
		WorkingDir:   workingDir,
	})
	if err != nil {
		return RunResult{}, fmt.Errorf("create exec in container %s: %w", containerID, err)
	}

	attachResp, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return RunResult{}, fmt.Errorf("attach to exec %s: %w", resp.ID, err)
	}
	defer attachResp.Close()

	stdout := &cappedBuffer{limit: m.cfg.MaxOutput}
	stderr := &cappedBuffer{limit: m.cfg.MaxOutput}
	if _, err := stdcopy.StdCopy(stdout, stderr, attachResp.Reader); err != nil {
		if ctx.Err() != nil {
			return RunResult{}, ErrRunTimeout
		}
		return RunResult{}, fmt.Errorf("read exec %s output: %w", resp.ID, err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return RunResult{}, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}

	return RunResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  inspect.ExitCode,
		Duration:  time.Since(started),
		Truncated: stdout.truncated || stderr.truncated,
	}, nil
}

// StopContainer stops and removes a container.
// It is idempotent and handles concurrent calls gracefully.
func (m *DockerManager) StopContainer(ctx context.Context, containerID string) error {
	slog.Info("Stopping container", "container_id", containerID)

	if _, err := m.cli.ContainerInspect(ctx, containerID); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped/removed", "container_id", containerID)
		} else {
			slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	slog.Info("Container stopped and removed", "container_id", containerID)
	return nil
}

// IsRunning checks if a container is currently running.
func (m *DockerManager) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	return inspect.State.Running, nil
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (m *DockerManager) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := m.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == playgroundNetwork {
			slog.Info("Playground network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := m.cli.NetworkCreate(ctx, playgroundNetwork, network.CreateOptions{
		Driver:   "bridge",
		Internal: true,
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: playgroundSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", playgroundNetwork, err)
	}

	slog.Info("Playground network created", "network_id", createResp.ID, "subnet", playgroundSubnet)
	return createResp.ID, nil
}

// Command returns the exec argv that runs code for language.
func Command(language, code string) ([]string, error) {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "python", "python3", "py":
		return []string{"python3", "-c", code}, nil
	case "javascript", "js", "node":
		return []string{"node", "-e", code}, nil
	case "bash", "sh", "shell":
		return []string{"bash", "-c", code}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
}

// cappedBuffer keeps the first limit bytes and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}

func ptr[T any](v T) *T {
	return &v
}

var _ Manager = (*DockerManager)(nil)
