package runqueue

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/ocx/backend/internal/logcapture"
)

// DockerWorkerSpawner runs each item's target function inside a short-lived
// container, generalizing internal/ghostpool's GhostContainer
// pre-warm/acquire/scrub/release cycle into "one container per queue item".
// It trades the GoWorkerSpawner's zero-dependency simplicity for actual
// process isolation between the engine and user-supplied code, at the cost
// of requiring a reachable Docker daemon.
type DockerWorkerSpawner struct {
	Image      string
	Logger     *slog.Logger
	EntrypointEnv string // env var name the container reads its config from
}

type dockerWorkerHandle struct {
	cli         *client.Client
	containerID string
	result      chan WorkerResult
}

func (h *dockerWorkerHandle) Wait() <-chan WorkerResult { return h.result }

func (h *dockerWorkerHandle) Terminate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	timeout := 5
	return h.cli.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout})
}

// Spawn creates, starts, and streams logs from a container running Image
// with the item's config passed via EntrypointEnv. Log lines are forwarded
// to sink exactly as the in-process spawner does, so the engine's log
// relay and log-capture contract are identical regardless of which spawner
// is configured.
func (s *DockerWorkerSpawner) Spawn(ctx context.Context, itemID uint64, itemName string, config []byte, sink *logcapture.Sink) (WorkerHandle, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker worker: connect: %w", err)
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: s.Image,
		Env:   []string{fmt.Sprintf("%s=%s", s.EntrypointEnv, string(config))},
		Labels: map[string]string{
			"runqueue.item_id":   fmt.Sprintf("%d", itemID),
			"runqueue.item_name": itemName,
		},
	}, &container.HostConfig{AutoRemove: false}, nil, nil, fmt.Sprintf("runqueue-item-%d", itemID))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker worker: create: %w", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker worker: start: %w", err)
	}

	h := &dockerWorkerHandle{cli: cli, containerID: resp.ID, result: make(chan WorkerResult, 1)}
	go s.pump(ctx, h, sink)
	return h, nil
}

func (s *DockerWorkerSpawner) pump(ctx context.Context, h *dockerWorkerHandle, sink *logcapture.Sink) {
	defer h.cli.Close()
	defer func() {
		_ = h.cli.ContainerRemove(context.Background(), h.containerID, types.ContainerRemoveOptions{Force: true})
	}()

	lineWriter := logcapture.NewLineWriter(sink)
	out, err := h.cli.ContainerLogs(ctx, h.containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err == nil {
		scanner := bufio.NewScanner(out)
		for scanner.Scan() {
			fmt.Fprintln(lineWriter, strings.TrimRight(scanner.Text(), "\r\n"))
		}
		out.Close()
	} else if s.Logger != nil {
		s.Logger.Warn("docker worker: log stream failed", "container_id", h.containerID, "error", err)
	}
	lineWriter.Flush()

	statusCh, errCh := h.cli.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		h.result <- WorkerResult{ExitCode: -1, Stderr: fmt.Sprintf("ContainerWaitError: %s", err)}
	case status := <-statusCh:
		if status.Error != nil {
			h.result <- WorkerResult{ExitCode: -1, Stderr: fmt.Sprintf("ContainerError: %s", status.Error.Message)}
			return
		}
		code := int32(status.StatusCode)
		if code != 0 {
			h.result <- WorkerResult{ExitCode: code, Stderr: fmt.Sprintf("non-zero exit code %d", code)}
			return
		}
		h.result <- WorkerResult{ExitCode: 0}
	}
}
