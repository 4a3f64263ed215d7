package sandbox

import (
	"go.uber.org/zap"

	"github.com/isdmx/databox/config"
)

// NewPodmanBoundary creates a ContainerBoundary that drives podman with
// security constraints identical to the Docker boundary. Rootless podman
// maps --user inside the user namespace it creates.
func NewPodmanBoundary(logger *zap.Logger, cfg *config.SandboxConfig, opts ...ContainerBoundaryOption) *ContainerBoundary {
	return newContainerBoundary(logger, config.BoundaryPodman, cfg, opts...)
}
