package worker

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/colonyrt/runtime/internal/colonyerr"
)

// Docker spawns each assignment in an ephemeral, auto-removed container,
// behind the async Spawn/Await/Abort shape WorkerExecutor needs.
type Docker struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	workspace   string

	mu         sync.Mutex
	containers map[string]string // address -> container id
}

func NewDocker(image string, memoryMB int64, networkMode, workspace string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, colonyerr.New("worker.NewDocker", colonyerr.InvalidState, fmt.Errorf("docker client: %w", err))
	}
	if image == "" {
		image = "golang:alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}
	return &Docker{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
		workspace:   workspace,
		containers:  make(map[string]string),
	}, nil
}

func (d *Docker) Spawn(ctx context.Context, a Assignment) (string, error) {
	cmd := fmt.Sprintf("echo %q", a.Description)
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", d.workspace)},
	}, nil, nil, "")
	if err != nil {
		return "", colonyerr.New("worker.Spawn", colonyerr.InvalidState, fmt.Errorf("create container: %w", err))
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", colonyerr.New("worker.Spawn", colonyerr.InvalidState, fmt.Errorf("start container: %w", err))
	}

	address := "docker:" + uuid.NewString()
	d.mu.Lock()
	d.containers[address] = resp.ID
	d.mu.Unlock()
	return address, nil
}

func (d *Docker) Await(ctx context.Context, address string) (Result, error) {
	containerID, ok := d.containerID(address)
	if !ok {
		return Result{}, colonyerr.New("worker.Await", colonyerr.NotFound, fmt.Errorf("no such worker %q", address))
	}

	start := time.Now()
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		return Result{}, colonyerr.New("worker.Await", colonyerr.InvalidState, fmt.Errorf("wait container: %w", err))
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(ctx, containerID, "SIGKILL")
		return Result{}, colonyerr.New("worker.Await", colonyerr.Timeout, ctx.Err())
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{}, colonyerr.New("worker.Await", colonyerr.InvalidState, fmt.Errorf("get logs: %w", err))
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)
	_ = d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})

	return Result{
		Success:  exitCode == 0,
		Output:   stdoutBuf.String() + stderrBuf.String(),
		Duration: time.Since(start),
	}, nil
}

func (d *Docker) Abort(ctx context.Context, address string) error {
	containerID, ok := d.containerID(address)
	if !ok {
		return colonyerr.New("worker.Abort", colonyerr.NotFound, fmt.Errorf("no such worker %q", address))
	}
	return d.client.ContainerKill(ctx, containerID, "SIGKILL")
}

func (d *Docker) containerID(address string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.containers[address]
	return id, ok
}

func (d *Docker) Close() error { return d.client.Close() }
