// Package guard models the container runtime's side of the liveness
// contract: it reads the health status Docker derives from the image's
// HEALTHCHECK and restarts the container when a RestartPolicy says so.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/psantana5/k3s-upgrade-monitor/pkg/logging"
)

// Health states reported by the daemon
const (
	HealthNone      = "none"
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// Docker is the part of the Docker client the guard needs
type Docker interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
}

// Observation is one reading of a container's health
type Observation struct {
	Running       bool
	Status        string
	FailingStreak int
}

// RestartPolicy decides whether an observation warrants a restart
type RestartPolicy interface {
	ShouldRestart(obs Observation) bool
}

// ConsecutiveFailures restarts once the failing streak reaches Threshold
type ConsecutiveFailures struct {
	Threshold int
}

// ShouldRestart implements RestartPolicy
func (p ConsecutiveFailures) ShouldRestart(obs Observation) bool {
	if !obs.Running || obs.Status != HealthUnhealthy {
		return false
	}
	threshold := p.Threshold
	if threshold < 1 {
		threshold = 1
	}
	return obs.FailingStreak >= threshold
}

// Never only observes
type Never struct{}

// ShouldRestart implements RestartPolicy
func (Never) ShouldRestart(Observation) bool { return false }

// ErrNoHealthcheck is returned when the container has no HEALTHCHECK
var ErrNoHealthcheck = errors.New("container has no healthcheck configured")

// Guard polls one container
type Guard struct {
	Docker    Docker
	Container string
	Policy    RestartPolicy
	Interval  time.Duration
	Logger    *logging.Logger

	restarts int
}

// New creates a guard using the Docker environment configuration
func New(containerID string, policy RestartPolicy, logger *logging.Logger) (*Guard, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Guard{
		Docker:    cli,
		Container: containerID,
		Policy:    policy,
		Interval:  5 * time.Second,
		Logger:    logger,
	}, nil
}

// Restarts returns how many restarts the guard has issued
func (g *Guard) Restarts() int {
	return g.restarts
}

// Observe inspects the container once
func (g *Guard) Observe(ctx context.Context) (Observation, error) {
	info, err := g.Docker.ContainerInspect(ctx, g.Container)
	if err != nil {
		return Observation{}, fmt.Errorf("failed to inspect container %s: %w", g.Container, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return Observation{}, fmt.Errorf("container %s has no state", g.Container)
	}

	obs := Observation{Running: info.State.Running, Status: HealthNone}
	if info.State.Health != nil {
		obs.Status = info.State.Health.Status
		obs.FailingStreak = info.State.Health.FailingStreak
	}
	return obs, nil
}

// Step observes once and restarts if the policy asks for it
func (g *Guard) Step(ctx context.Context) (Observation, bool, error) {
	obs, err := g.Observe(ctx)
	if err != nil {
		return obs, false, err
	}
	if obs.Status == HealthNone {
		return obs, false, ErrNoHealthcheck
	}

	policy := g.Policy
	if policy == nil {
		policy = Never{}
	}
	if !policy.ShouldRestart(obs) {
		return obs, false, nil
	}

	g.Logger.Warn("container unhealthy, restarting", map[string]interface{}{
		"container":      g.Container,
		"failing_streak": obs.FailingStreak,
	})
	if err := g.Docker.ContainerRestart(ctx, g.Container, container.StopOptions{}); err != nil {
		return obs, false, fmt.Errorf("failed to restart container %s: %w", g.Container, err)
	}
	g.restarts++
	return obs, true, nil
}

// Run polls until ctx is cancelled. Inspect errors are logged and the
// loop continues; a container without a healthcheck ends the run.
func (g *Guard) Run(ctx context.Context) error {
	interval := g.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.Logger.Info("guarding container", map[string]interface{}{
		"container": g.Container,
		"interval":  interval.String(),
	})

	last := ""
	for {
		obs, restarted, err := g.Step(ctx)
		switch {
		case errors.Is(err, ErrNoHealthcheck):
			return err
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			g.Logger.Error("health poll failed", map[string]interface{}{"error": err.Error()})
		case obs.Status != last || restarted:
			g.Logger.Info("container health", map[string]interface{}{
				"status":         obs.Status,
				"failing_streak": obs.FailingStreak,
				"restarted":      restarted,
			})
			last = obs.Status
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
