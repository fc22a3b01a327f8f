package container

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// ContainerdRuntime implements Runtime against the containerd API directly,
// for hosts where the Docker CLI is not present. Container IDs double as
// names in this backend.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime connects to containerd and verifies the connection.
func NewContainerdRuntime(ctx context.Context, socket, namespace string) (*ContainerdRuntime, error) {
	client, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to containerd at %s: %v", ErrRuntimeUnavailable, socket, err)
	}

	if _, err := client.Version(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: containerd health check failed: %v", ErrRuntimeUnavailable, err)
	}

	log.Info().Str("socket", socket).Str("namespace", namespace).Msg("connected to containerd")

	return &ContainerdRuntime{client: client, namespace: namespace}, nil
}

func (c *ContainerdRuntime) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Close shuts down the containerd client.
func (c *ContainerdRuntime) Close() error {
	return c.client.Close()
}

func (c *ContainerdRuntime) ListContainers(ctx context.Context) ([]Descriptor, error) {
	ctx = c.withNamespace(ctx)

	containers, err := c.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing containers: %v", ErrRuntimeUnavailable, err)
	}

	var out []Descriptor
	for _, cont := range containers {
		info, err := cont.Info(ctx)
		if err != nil {
			log.Debug().Err(err).Str("container_id", cont.ID()).Msg("skipping container without info")
			continue
		}

		status := "created"
		if task, err := cont.Task(ctx, nil); err == nil {
			if st, err := task.Status(ctx); err == nil {
				status = string(st.Status)
			}
		}

		id := cont.ID()
		if len(id) > 12 {
			id = id[:12]
		}
		out = append(out, Descriptor{
			Name:      cont.ID(),
			Image:     info.Image,
			Status:    status,
			ID:        id,
			CreatedAt: info.CreatedAt.Format(time.RFC3339),
		})
	}
	return out, nil
}

func (c *ContainerdRuntime) Inspect(ctx context.Context, name string) (string, error) {
	ctx = c.withNamespace(ctx)

	cont, err := c.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrContainerNotFound, name)
		}
		return "", fmt.Errorf("%w: loading container %s: %v", ErrRuntimeUnavailable, name, err)
	}

	task, err := cont.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			// No task means the container exists but has never started.
			return "created", nil
		}
		return "", fmt.Errorf("%w: inspecting task for %s: %v", ErrRuntimeUnavailable, name, err)
	}

	st, err := task.Status(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: task status for %s: %v", ErrRuntimeUnavailable, name, err)
	}

	// Align with Docker state strings so the registry treats both backends alike.
	if st.Status == containerd.Stopped {
		return "exited", nil
	}
	return string(st.Status), nil
}

func (c *ContainerdRuntime) Start(ctx context.Context, name string) error {
	ctx = c.withNamespace(ctx)

	cont, err := c.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrContainerNotFound, name)
		}
		return fmt.Errorf("%w: loading container %s: %v", ErrRuntimeUnavailable, name, err)
	}

	// A stopped task must be deleted before a fresh one can be created.
	if task, err := cont.Task(ctx, nil); err == nil {
		st, err := task.Status(ctx)
		if err == nil && st.Status == containerd.Running {
			return nil
		}
		if _, err := task.Delete(ctx); err != nil {
			return fmt.Errorf("deleting stopped task for %s: %w", name, err)
		}
	}

	task, err := cont.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("creating task for %s: %w", name, err)
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		return fmt.Errorf("starting container %s: %w", name, err)
	}
	return nil
}

func (c *ContainerdRuntime) Exec(ctx context.Context, name, command string) (*ExecResult, error) {
	ctx = c.withNamespace(ctx)

	cont, err := c.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, name)
		}
		return nil, fmt.Errorf("%w: loading container %s: %v", ErrRuntimeUnavailable, name, err)
	}

	task, err := cont.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: container %s has no running task", ErrRuntimeUnavailable, name)
	}

	spec, err := cont.Spec(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: reading spec for %s: %v", ErrRuntimeUnavailable, name, err)
	}

	// Inherit the container's env and cwd; only the argv changes.
	pspec := &specs.Process{
		Args: []string{"bash", "-c", command},
		Env:  spec.Process.Env,
		Cwd:  spec.Process.Cwd,
		User: spec.Process.User,
	}

	var stdout, stderr bytes.Buffer
	execID := "gateway-exec-" + uuid.New().String()[:8]

	process, err := task.Exec(ctx, execID, pspec, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return nil, fmt.Errorf("%w: creating exec process: %v", ErrRuntimeUnavailable, err)
	}
	defer func() {
		if _, err := process.Delete(context.Background(), containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			log.Debug().Err(err).Str("exec_id", execID).Msg("exec process delete failed")
		}
	}()

	exitCh, err := process.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: waiting on exec process: %v", ErrRuntimeUnavailable, err)
	}
	if err := process.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: starting exec process: %v", ErrRuntimeUnavailable, err)
	}

	select {
	case status := <-exitCh:
		code, _, err := status.Result()
		if err != nil {
			return nil, fmt.Errorf("%w: exec result: %v", ErrRuntimeUnavailable, err)
		}
		return &ExecResult{
			ExitCode: int(code),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}, nil

	case <-ctx.Done():
		if err := process.Kill(context.Background(), syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			log.Error().Err(err).Str("exec_id", execID).Msg("failed to kill timed out exec process")
		}
		<-exitCh
		return nil, fmt.Errorf("%w: %s", ErrExecTimeout, strings.Split(command, " ")[0])
	}
}
