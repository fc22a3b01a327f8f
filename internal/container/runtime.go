package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Sentinel errors for typed error checking.
var (
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	ErrContainerNotFound  = errors.New("container not found")
	ErrExecTimeout        = errors.New("command execution timed out")
)

// ExecResult is the raw outcome of one runtime invocation.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Descriptor describes one discovered container.
type Descriptor struct {
	Name      string `json:"name"`
	Image     string `json:"image"`
	Status    string `json:"status"`
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
}

// Runtime is the narrow container-runtime capability the gateway depends on.
// Implementations shell out to the Docker CLI or talk to containerd directly;
// the gateway logic never cares which.
type Runtime interface {
	// ListContainers returns every container the runtime knows about,
	// running or not.
	ListContainers(ctx context.Context) ([]Descriptor, error)

	// Inspect returns the container's state string (running, exited, ...).
	// Returns ErrContainerNotFound for unknown names.
	Inspect(ctx context.Context, name string) (string, error)

	// Start starts a created or exited container.
	Start(ctx context.Context, name string) error

	// Exec runs a shell command inside a running container and reports the
	// exit code and captured output. A non-zero exit code is not an error;
	// errors are reserved for spawn failures and timeouts.
	Exec(ctx context.Context, name, command string) (*ExecResult, error)
}

// DockerCLI implements Runtime by shelling out to the docker binary.
type DockerCLI struct {
	dockerHost string // resolved DOCKER_HOST (e.g. from Docker context)
}

// NewDockerCLI verifies the docker binary is reachable and returns a CLI runtime.
func NewDockerCLI() (*DockerCLI, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("%w: docker not found in PATH", ErrRuntimeUnavailable)
	}
	return &DockerCLI{dockerHost: resolveDockerHost()}, nil
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

// run executes a docker subcommand, capturing output and translating spawn
// failures and timeouts into typed errors. The spawned process is always
// reaped: CommandContext kills it when ctx expires, and WaitDelay bounds the
// wait for pipe teardown.
func (d *DockerCLI) run(ctx context.Context, args ...string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally, container names validated upstream
	cmd.WaitDelay = 5 * time.Second
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: docker %s", ErrExecTimeout, args[0])
	}

	res := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	return res, nil
}

// dockerPSLine is one line of `docker ps --format json` output.
type dockerPSLine struct {
	Names     string `json:"Names"`
	Image     string `json:"Image"`
	State     string `json:"State"`
	ID        string `json:"ID"`
	CreatedAt string `json:"CreatedAt"`
}

func (d *DockerCLI) ListContainers(ctx context.Context) ([]Descriptor, error) {
	res, err := d.run(ctx, "ps", "-a", "--format", "json")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: docker ps exited %d: %s", ErrRuntimeUnavailable, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	var out []Descriptor
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ps dockerPSLine
		if err := json.Unmarshal([]byte(line), &ps); err != nil {
			log.Debug().Err(err).Msg("skipping unparseable docker ps line")
			continue
		}
		id := ps.ID
		if len(id) > 12 {
			id = id[:12]
		}
		out = append(out, Descriptor{
			Name:      strings.TrimPrefix(ps.Names, "/"),
			Image:     ps.Image,
			Status:    ps.State,
			ID:        id,
			CreatedAt: ps.CreatedAt,
		})
	}
	return out, nil
}

func (d *DockerCLI) Inspect(ctx context.Context, name string) (string, error) {
	res, err := d.run(ctx, "inspect", name, "--format", "{{.State.Status}}")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%w: %s", ErrContainerNotFound, name)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (d *DockerCLI) Start(ctx context.Context, name string) error {
	res, err := d.run(ctx, "start", name)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("starting container %s: %s", name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (d *DockerCLI) Exec(ctx context.Context, name, command string) (*ExecResult, error) {
	return d.run(ctx, "exec", name, "bash", "-c", command)
}
