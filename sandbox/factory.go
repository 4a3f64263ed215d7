package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/databox/config"
)

// NewBoundary creates the isolation boundary named by the configuration
func NewBoundary(logger *zap.Logger, cfg *config.SandboxConfig) (Boundary, error) {
	switch cfg.Boundary {
	case config.BoundaryBwrap:
		return NewBwrapBoundary(logger, cfg), nil
	case config.BoundaryDocker:
		return NewDockerBoundary(logger, cfg), nil
	case config.BoundaryPodman:
		return NewPodmanBoundary(logger, cfg), nil
	case config.BoundaryProcess:
		if !cfg.EnableProcessBoundary {
			return nil, fmt.Errorf("the process boundary requires sandbox.enable_process_boundary")
		}
		logger.Warn("using the process boundary; submissions are not isolated from the host")
		return NewProcessBoundary(logger, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported boundary: %s", cfg.Boundary)
	}
}
