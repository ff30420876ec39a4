package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/amelia-ai/amelia/pkg/config"
)

const (
	containerPrefix = "amelia-sandbox-"
	sandboxLabel    = "amelia.sandbox"

	containerWorkDir = "/work"
)

// DockerProvider runs the sandbox as a long-lived Docker container named
// amelia-sandbox-<profile>. One provider per profile; concurrent use is safe.
type DockerProvider struct {
	cli        client.APIClient
	profile    string
	cfg        config.SandboxConfig
	workingDir string
	proxyHost  string

	mu          sync.Mutex
	containerID string
}

// NewDockerProvider connects to the local Docker daemon.
func NewDockerProvider(profile string, cfg config.SandboxConfig, workingDir, proxyHost string) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &Error{Op: "connect", Err: err}
	}
	return newDockerProvider(cli, profile, cfg, workingDir, proxyHost), nil
}

func newDockerProvider(cli client.APIClient, profile string, cfg config.SandboxConfig, workingDir, proxyHost string) *DockerProvider {
	return &DockerProvider{
		cli:        cli,
		profile:    profile,
		cfg:        cfg,
		workingDir: workingDir,
		proxyHost:  proxyHost,
	}
}

// ContainerName returns the deterministic container name for this profile.
func (p *DockerProvider) ContainerName() string {
	return containerPrefix + p.profile
}

// EnsureRunning starts the sandbox container, creating it on first use. The
// network allowlist is applied every time the container comes up.
func (p *DockerProvider) EnsureRunning(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.containerID != "" {
		info, err := p.cli.ContainerInspect(ctx, p.containerID)
		if err == nil && info.State != nil && info.State.Running {
			return nil
		}
		p.containerID = ""
	}

	name := p.ContainerName()
	existing, err := p.findContainer(ctx, name)
	if err != nil {
		return &Error{Op: "list", Container: name, Err: err}
	}

	created := false
	if existing == "" {
		existing, err = p.createContainer(ctx, name)
		if err != nil {
			return err
		}
		created = true
	}

	info, err := p.cli.ContainerInspect(ctx, existing)
	if err != nil {
		return &Error{Op: "inspect", Container: name, Err: err}
	}
	if info.State == nil || !info.State.Running {
		if err := p.cli.ContainerStart(ctx, existing, container.StartOptions{}); err != nil {
			return &Error{Op: "start", Container: name, Err: err}
		}
		created = true
	}
	p.containerID = existing

	if created && p.cfg.NetworkAllowlistEnabled {
		if err := p.applyAllowlist(ctx); err != nil {
			return err
		}
	}

	slog.Info("Sandbox container running", "container", name, "image", p.cfg.Image)
	return nil
}

func (p *DockerProvider) findContainer(ctx context.Context, name string) (string, error) {
	list, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", err
	}
	for _, c := range list {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == name {
				return c.ID, nil
			}
		}
	}
	return "", nil
}

func (p *DockerProvider) createContainer(ctx context.Context, name string) (string, error) {
	// Pull best-effort: the image may only exist locally.
	if pull, err := p.cli.ImagePull(ctx, p.cfg.Image, image.PullOptions{}); err == nil {
		_, _ = io.Copy(io.Discard, pull)
		pull.Close()
	} else {
		slog.Debug("Image pull skipped", "image", p.cfg.Image, "error", err)
	}

	hostCfg := &container.HostConfig{}
	if p.workingDir != "" {
		hostCfg.Binds = []string{p.workingDir + ":" + containerWorkDir}
	}
	if p.cfg.NetworkAllowlistEnabled {
		// iptables inside the container needs NET_ADMIN.
		hostCfg.CapAdd = []string{"NET_ADMIN"}
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:      p.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: containerWorkDir,
		Labels: map[string]string{
			sandboxLabel:       "true",
			"amelia.profile":   p.profile,
			"amelia.component": "sandbox",
		},
	}, hostCfg, nil, nil, name)
	if err != nil {
		return "", &Error{Op: "create", Container: name, Err: err}
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", &Error{Op: "start", Container: name, Err: err}
	}
	return resp.ID, nil
}

func (p *DockerProvider) applyAllowlist(ctx context.Context) error {
	script := allowlistScript(p.proxyHost, p.cfg.NetworkAllowedHosts)
	stream, err := p.execStream(ctx, p.containerID, []string{"sh", "-s"}, ExecOptions{
		Stdin: strings.NewReader(script),
	})
	if err != nil {
		return &Error{Op: "apply allowlist", Container: p.ContainerName(), Err: err}
	}
	defer stream.Close()
	if out, err := io.ReadAll(stream); err != nil {
		return &Error{Op: "apply allowlist", Container: p.ContainerName(), Err: err}
	} else if len(out) > 0 {
		slog.Debug("Allowlist script output", "container", p.ContainerName(), "output", string(out))
	}
	return nil
}

// ExecStream runs a command in the sandbox and streams its combined output.
func (p *DockerProvider) ExecStream(ctx context.Context, cmd []string, opts ExecOptions) (io.ReadCloser, error) {
	if err := p.EnsureRunning(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	id := p.containerID
	p.mu.Unlock()

	stream, err := p.execStream(ctx, id, cmd, opts)
	if err != nil {
		return nil, &Error{Op: "exec", Container: p.ContainerName(), Err: err}
	}
	return stream, nil
}

func (p *DockerProvider) execStream(ctx context.Context, containerID string, cmd []string, opts ExecOptions) (io.ReadCloser, error) {
	exec, err := p.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   opts.Dir,
		Env:          opts.Env,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.Stdin != nil,
	})
	if err != nil {
		return nil, err
	}

	attach, err := p.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, err
	}

	if opts.Stdin != nil {
		go func() {
			_, _ = io.Copy(attach.Conn, opts.Stdin)
			_ = attach.CloseWrite()
		}()
	}

	// Docker multiplexes stdout/stderr on one connection; demux into a
	// single ordered stream.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, attach.Reader)
		pw.CloseWithError(err)
		attach.Close()
	}()
	return pr, nil
}

// Teardown removes this profile's container. Absence is not an error.
func (p *DockerProvider) Teardown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := p.ContainerName()
	id := p.containerID
	if id == "" {
		var err error
		if id, err = p.findContainer(ctx, name); err != nil || id == "" {
			return nil
		}
	}
	p.containerID = ""

	if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return &Error{Op: "remove", Container: name, Err: err}
	}
	slog.Info("Sandbox container removed", "container", name)
	return nil
}

// HealthCheck reports whether the container is running.
func (p *DockerProvider) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	id := p.containerID
	p.mu.Unlock()
	if id == "" {
		return &Error{Op: "health", Container: p.ContainerName(), Err: fmt.Errorf("container not started")}
	}
	info, err := p.cli.ContainerInspect(ctx, id)
	if err != nil {
		return &Error{Op: "health", Container: p.ContainerName(), Err: err}
	}
	if info.State == nil || !info.State.Running {
		return &Error{Op: "health", Container: p.ContainerName(), Err: fmt.Errorf("container not running")}
	}
	return nil
}

// TeardownAll force-removes every amelia-sandbox-* container. Called on
// orchestrator shutdown; an unreachable Docker daemon is logged and ignored.
func TeardownAll(ctx context.Context) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Warn("Sandbox teardown skipped: Docker unavailable", "error", err)
		return
	}
	defer cli.Close()
	teardownAll(ctx, cli)
}

func teardownAll(ctx context.Context, cli client.APIClient) {
	list, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sandboxLabel+"=true")),
	})
	if err != nil {
		slog.Warn("Sandbox teardown skipped: cannot list containers", "error", err)
		return
	}
	for _, c := range list {
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("Failed to remove sandbox container", "container_id", c.ID, "error", err)
			continue
		}
		slog.Info("Removed sandbox container", "container_id", c.ID, "names", c.Names)
	}
}
