package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	"github.com/agentleash/leash/daemon"
	"github.com/agentleash/leash/internal/dockerstats"
)

// DefaultImage is the container image used when the caller does not pick one.
const DefaultImage = "python:3.11-slim"

// containerBox runs the command in a Docker container with hard resource
// caps. The container is labeled so the monitoring daemon can discover it
// independently of this process.
type containerBox struct {
	spec    *Spec
	cli     *client.Client
	id      string
	started time.Time

	logsDone chan struct{}
	cleanup  sync.Once
}

// NewContainer connects to the Docker Engine and returns the container
// strategy. Connection failure surfaces here so the caller can fall back or
// refuse before any session state exists.
func NewContainer(spec *Spec) (Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: connect to docker: %w", err)
	}
	return &containerBox{spec: spec, cli: cli, logsDone: make(chan struct{})}, nil
}

func (c *containerBox) Launch(ctx context.Context) error {
	img := c.spec.Image
	if img == "" {
		img = DefaultImage
	}
	if err := c.ensureImage(ctx, img); err != nil {
		return err
	}

	hostCfg, err := c.hostConfig()
	if err != nil {
		return err
	}
	cfg := &container.Config{
		Image:      img,
		Cmd:        strslice.StrSlice{"sh", "-c", c.spec.Command},
		WorkingDir: workspacePath,
		Labels: map[string]string{
			daemon.LabelManaged: "true",
			daemon.LabelSession: c.spec.SessionID,
			daemon.LabelImage:   img,
		},
	}

	created, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "leash-"+c.spec.SessionID)
	if err != nil {
		return fmt.Errorf("sandbox: create container: %w", err)
	}
	c.id = created.ID

	if err := c.cli.ContainerStart(ctx, c.id, container.StartOptions{}); err != nil {
		c.release(context.Background())
		return fmt.Errorf("sandbox: start container: %w", err)
	}
	c.started = time.Now()
	c.spec.logger().Debug("container started",
		"session", c.spec.SessionID, "container", shortID(c.id), "image", img,
		"network", c.spec.NetworkEnabled)

	if c.spec.Registry != nil {
		err := c.spec.Registry.Register(daemon.ContainerRecord{
			ContainerID: shortID(c.id),
			SessionID:   c.spec.SessionID,
			CPULimit:    c.spec.CPULimit,
			MemoryLimit: c.spec.MemoryLimit,
		})
		if err != nil {
			c.spec.logger().Warn("container registration failed", "error", err)
		}
	}

	go c.streamLogs()
	return nil
}

// hostConfig builds the hardened host-side settings: the workspace bind
// mount, no network unless requested, all capabilities dropped, privilege
// escalation blocked, and hard CPU and memory caps.
func (c *containerBox) hostConfig() (*container.HostConfig, error) {
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		CapDrop:     strslice.StrSlice{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
	}
	if c.spec.NetworkEnabled {
		hostCfg.NetworkMode = "bridge"
		hostCfg.CapAdd = strslice.StrSlice{"NET_BIND_SERVICE"}
	}
	if c.spec.WorkDir != "" {
		hostCfg.Binds = []string{c.spec.WorkDir + ":" + workspacePath}
	}
	if c.spec.CPULimit > 0 {
		hostCfg.Resources.NanoCPUs = int64(c.spec.CPULimit * 1e9)
	}
	if c.spec.MemoryLimit != "" {
		mem, err := units.RAMInBytes(c.spec.MemoryLimit)
		if err != nil {
			return nil, fmt.Errorf("sandbox: parse memory limit %q: %w", c.spec.MemoryLimit, err)
		}
		hostCfg.Resources.Memory = mem
	}
	return hostCfg, nil
}

// workspacePath is where the host working directory appears in the container.
const workspacePath = "/workspace"

func (c *containerBox) ensureImage(ctx context.Context, img string) error {
	if _, _, err := c.cli.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("sandbox: inspect image %q: %w", img, err)
	}

	c.spec.logger().Info("pulling image", "image", img)
	rc, err := c.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("sandbox: pull image %q: %w", img, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("sandbox: pull image %q: %w", img, err)
	}
	return nil
}

// streamLogs relays the container's multiplexed output to the caller's
// writers until the container stops.
func (c *containerBox) streamLogs() {
	defer close(c.logsDone)

	rc, err := c.cli.ContainerLogs(context.Background(), c.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		c.spec.logger().Warn("log streaming failed", "container", shortID(c.id), "error", err)
		return
	}
	defer rc.Close()
	if _, err := stdcopy.StdCopy(c.spec.stdout(), c.spec.stderr(), rc); err != nil {
		c.spec.logger().Warn("log relay interrupted", "container", shortID(c.id), "error", err)
	}
}

func (c *containerBox) CollectResult(ctx context.Context) (*Result, error) {
	if c.id == "" {
		return nil, fmt.Errorf("sandbox: container was never launched")
	}

	waitCh, errCh := c.cli.ContainerWait(ctx, c.id, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		c.release(context.Background())
		return nil, ctx.Err()
	case err := <-errCh:
		c.release(context.Background())
		return nil, fmt.Errorf("sandbox: wait for container: %w", err)
	case status := <-waitCh:
		res := &Result{
			ExitCode: int(status.StatusCode),
			Duration: time.Since(c.started),
		}
		// Best effort: the container may already be gone when we ask.
		if usage, err := c.snapshotUsage(ctx); err == nil {
			res.Usage = usage
		}
		// Drain log relay before removal so no output is lost.
		select {
		case <-c.logsDone:
		case <-time.After(2 * time.Second):
		}
		c.release(context.Background())
		return res, nil
	}
}

func (c *containerBox) snapshotUsage(ctx context.Context) (Usage, error) {
	rdr, err := c.cli.ContainerStats(ctx, c.id, false)
	if err != nil {
		return Usage{}, err
	}
	defer rdr.Body.Close()
	stats, err := dockerstats.Decode(rdr.Body)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		CPUPercent:    dockerstats.CPUPercent(stats),
		MemoryPercent: dockerstats.MemoryPercent(stats),
		MemoryUsageMB: dockerstats.MemoryUsageMB(stats),
	}, nil
}

// Terminate force-removes the container. Safe after CollectResult.
func (c *containerBox) Terminate(ctx context.Context) error {
	if c.id == "" {
		return nil
	}
	c.release(ctx)
	return nil
}

// release removes the container and deregisters it, exactly once.
func (c *containerBox) release(ctx context.Context) {
	c.cleanup.Do(func() {
		err := c.cli.ContainerRemove(ctx, c.id, container.RemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) {
			c.spec.logger().Warn("container removal failed", "container", shortID(c.id), "error", err)
		}
		if c.spec.Registry != nil {
			if err := c.spec.Registry.Remove(shortID(c.id)); err != nil {
				c.spec.logger().Warn("container deregistration failed", "error", err)
			}
		}
	})
}

// shortID truncates a container id to the familiar 12-character form.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
