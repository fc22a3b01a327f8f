package container

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"pentest-command-gateway/internal/config"
)

// NewRuntime picks a runtime per config. "auto" tries the Docker CLI first
// (the common laptop case), then falls back to containerd.
func NewRuntime(ctx context.Context, cfg *config.Config) (Runtime, error) {
	switch cfg.Runtime.Backend {
	case "docker":
		return NewDockerCLI()

	case "containerd":
		return NewContainerdRuntime(ctx, cfg.Runtime.ContainerdSocket, cfg.Runtime.Namespace)

	case "auto":
		if rt, err := NewDockerCLI(); err == nil {
			log.Info().Msg("using Docker CLI runtime")
			return rt, nil
		}
		rt, err := NewContainerdRuntime(ctx, cfg.Runtime.ContainerdSocket, cfg.Runtime.Namespace)
		if err != nil {
			return nil, fmt.Errorf("no container runtime available: %w", err)
		}
		log.Info().Msg("using containerd runtime")
		return rt, nil

	default:
		return nil, fmt.Errorf("unknown runtime backend %q", cfg.Runtime.Backend)
	}
}
