// Package local runs bots as containers on the host's Docker daemon. It is
// the development adapter: no pool, no queue, no limits beyond the machine.
package local

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/meeboter/meeboter/internal/config"
	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/gate"
	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/platform"
)

// Adapter shells out to the docker CLI, mirroring what a developer would run
// by hand.
type Adapter struct {
	cfg         config.LocalConfig
	callbackURL string
	gate        *gate.Gate
}

// New builds the local adapter. Fails fast when docker is unavailable.
func New(cfg config.LocalConfig, callbackURL string, g *gate.Gate) (*Adapter, error) {
	if err := exec.Command("docker", "version").Run(); err != nil {
		return nil, fmt.Errorf("docker not available: %w", err)
	}
	if g == nil {
		g = gate.New(0, 0, nil)
	}
	return &Adapter{cfg: cfg, callbackURL: callbackURL, gate: g}, nil
}

func (a *Adapter) Name() string { return platform.NameLocal }

func (a *Adapter) image(bot *domain.Bot) string {
	if a.cfg.ImageRegistry == "" {
		return fmt.Sprintf("meetbot-%s:%s", bot.Meeting.Platform, a.cfg.ImageTag)
	}
	return fmt.Sprintf("%s/meetbot-%s:%s", a.cfg.ImageRegistry, bot.Meeting.Platform, a.cfg.ImageTag)
}

// Deploy starts a detached container and returns its id. docker run pulls
// the image itself, so the permit covers the whole call.
func (a *Adapter) Deploy(ctx context.Context, bot *domain.Bot) (*platform.DeployResult, error) {
	if err := a.gate.Acquire(ctx, bot.ID); err != nil {
		return nil, err
	}
	defer a.gate.Release(bot.ID)

	args := []string{
		"run", "-d",
		"--name", fmt.Sprintf("meetbot-%d", bot.ID),
		"--shm-size", "512m",
		"-e", "BOT_ID=" + strconv.FormatInt(bot.ID, 10),
		"-e", "CONTROL_PLANE_URL=" + a.callbackURL,
	}
	if a.cfg.Network != "" {
		args = append(args, "--network", a.cfg.Network)
	}
	args = append(args, a.image(bot))

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker run for bot %d: %w: %s", bot.ID, err, strings.TrimSpace(string(out)))
	}

	containerID := strings.TrimSpace(string(out))
	if len(containerID) > 12 {
		containerID = containerID[:12]
	}
	logging.Op().Info("started local bot container", "container", containerID, "bot", bot.ID)
	return &platform.DeployResult{Identifier: containerID}, nil
}

// Stop kills and removes the container. Unknown containers are success.
func (a *Adapter) Stop(ctx context.Context, identifier string) error {
	if identifier == "" {
		return nil
	}
	exec.CommandContext(ctx, "docker", "stop", "-t", "2", identifier).Run()
	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", identifier).CombinedOutput()
	if err != nil && !strings.Contains(string(out), "No such container") {
		return fmt.Errorf("docker rm %s: %w: %s", identifier, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Status inspects the container state.
func (a *Adapter) Status(ctx context.Context, identifier string) (platform.State, error) {
	out, err := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Status}}", identifier).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "No such") {
			return platform.StateFailed, nil
		}
		return "", fmt.Errorf("docker inspect %s: %w", identifier, err)
	}

	switch strings.TrimSpace(string(out)) {
	case "running":
		return platform.StateRunning, nil
	case "created", "restarting":
		return platform.StateProvisioning, nil
	case "exited", "dead", "removing", "paused":
		return platform.StateStopped, nil
	default:
		logging.Op().Warn("unrecognized container state, treating as pending",
			"container", identifier, "state", strings.TrimSpace(string(out)))
		return platform.StatePending, nil
	}
}

// Release is a no-op: local containers own no reusable resources.
func (a *Adapter) Release(context.Context, int64) error { return nil }

// ProcessQueue is a no-op: the local adapter has no queue.
func (a *Adapter) ProcessQueue(context.Context) error { return nil }
