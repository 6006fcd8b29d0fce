package actionexec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// LocalDockerExecutor runs an action's command inside a throwaway
// container, the local-sandbox execution strategy adapted from the
// teacher's common.ContainerRun: create, start, wait for exit, collect
// logs, auto-remove.
type LocalDockerExecutor struct {
	client *client.Client
	image  string
}

// NewLocalDockerExecutor constructs a LocalDockerExecutor against the
// given Docker API client, running every action inside image (a fixed
// toolchain image; the engine's compute functions never pick an image
// per action — that policy belongs to whatever loads action
// definitions, out of scope per spec.md §1).
func NewLocalDockerExecutor(cli *client.Client, image string) *LocalDockerExecutor {
	return &LocalDockerExecutor{client: cli, image: image}
}

func (e *LocalDockerExecutor) Name() string { return "local-docker" }

// CanHandle accepts every action; LocalDockerExecutor is the fallback
// strategy when no remote executor is configured.
func (e *LocalDockerExecutor) CanHandle(spec Spec) bool { return true }

func (e *LocalDockerExecutor) Execute(ctx context.Context, spec Spec) (*Result, error) {
	started := time.Now()

	resp, err := e.client.ContainerCreate(
		ctx,
		&containertypes.Config{
			Image:        e.image,
			Cmd:          spec.Command,
			Env:          spec.Env,
			AttachStdout: true,
			AttachStderr: true,
		},
		&containertypes.HostConfig{AutoRemove: true},
		&networktypes.NetworkingConfig{},
		&ocispec.Platform{},
		"",
	)
	if err != nil {
		return nil, fmt.Errorf("create container for action %v: %w", spec.Command, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	statusCh, errCh := e.client.ContainerWait(ctx, resp.ID, containertypes.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("wait for container %s: %w", resp.ID, err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	out, err := e.client.ContainerLogs(ctx, resp.ID, containertypes.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("read logs for container %s: %w", resp.ID, err)
	}
	defer out.Close()
	output, err := io.ReadAll(out)
	if err != nil {
		return nil, fmt.Errorf("drain logs for container %s: %w", resp.ID, err)
	}

	digest := sha256.Sum256(output)
	return &Result{
		ExitCode:     exitCode,
		OutputDigest: hex.EncodeToString(digest[:]),
		Output:       string(output),
		StartedAt:    started,
		FinishedAt:   time.Now(),
	}, nil
}
