// Package orchestrator owns the workflow registry: it starts graph engines,
// resumes suspended ones on approval decisions, cancels in-flight runs, and
// recovers orphaned workflows after a restart.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amelia-ai/amelia/pkg/agent"
	"github.com/amelia-ai/amelia/pkg/config"
	"github.com/amelia-ai/amelia/pkg/driver"
	"github.com/amelia-ai/amelia/pkg/events"
	"github.com/amelia-ai/amelia/pkg/graph"
	"github.com/amelia-ai/amelia/pkg/sandbox"
	"github.com/amelia-ai/amelia/pkg/state"
	"github.com/amelia-ai/amelia/pkg/store"
)

// Registry errors.
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrNotAwaiting      = errors.New("workflow is not awaiting approval")
	ErrShuttingDown     = errors.New("orchestrator is shutting down")
)

// DriverFactory builds a driver for one agent config. Tests substitute
// scripted drivers here.
type DriverFactory func(cfg config.AgentConfig, sb driver.Sandbox) (driver.Driver, error)

// CheckpointStore is the slice of the persistence layer the registry needs.
// *store.CheckpointStore satisfies it.
type CheckpointStore interface {
	Save(ctx context.Context, workflowID string, step int64, st state.ExecutionState) error
	Latest(ctx context.Context, workflowID string) (*store.Checkpoint, error)
	ActiveWorkflows(ctx context.Context) ([]string, error)
}

// Orchestrator runs workflows. One graph engine instance advances each
// workflow in its own goroutine; the registry tracks cancel functions for
// cooperative cancellation.
type Orchestrator struct {
	registry    *config.Registry
	checkpoints CheckpointStore
	bus         graph.Emitter
	drivers     DriverFactory
	proxyHost   string

	mu        sync.Mutex
	active    map[string]context.CancelFunc
	sandboxes map[string]*sandbox.DockerProvider
	draining  bool

	wg sync.WaitGroup
}

// Options tune orchestrator construction.
type Options struct {
	// ProxyHost is the host:port sandboxed containers reach the LLM proxy
	// on.
	ProxyHost string
	// Drivers overrides the driver factory. Nil uses driver.New.
	Drivers DriverFactory
}

// New builds an orchestrator over the profile registry and stores.
func New(registry *config.Registry, checkpoints CheckpointStore, bus graph.Emitter, opts Options) *Orchestrator {
	drivers := opts.Drivers
	if drivers == nil {
		drivers = driver.New
	}
	return &Orchestrator{
		registry:    registry,
		checkpoints: checkpoints,
		bus:         bus,
		drivers:     drivers,
		proxyHost:   opts.ProxyHost,
		active:      make(map[string]context.CancelFunc),
		sandboxes:   make(map[string]*sandbox.DockerProvider),
	}
}

// Start launches a new workflow and returns its id.
func (o *Orchestrator) Start(ctx context.Context, profileID string, issue state.Issue) (string, error) {
	profile, err := o.registry.Get(profileID)
	if err != nil {
		return "", err
	}

	workflowID := uuid.NewString()
	st := state.New(workflowID, profileID, issue)

	if err := o.checkpoints.Save(ctx, workflowID, 0, st); err != nil {
		return "", fmt.Errorf("saving initial checkpoint: %w", err)
	}
	if err := o.spawn(profile, st, 0); err != nil {
		return "", err
	}
	return workflowID, nil
}

// Get returns the latest checkpoint for a workflow.
func (o *Orchestrator) Get(ctx context.Context, workflowID string) (*store.Checkpoint, error) {
	cp, err := o.checkpoints.Latest(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, ErrWorkflowNotFound
	}
	return cp, nil
}

// Approve resumes a suspended workflow with an approval.
func (o *Orchestrator) Approve(ctx context.Context, workflowID string) error {
	return o.decide(ctx, workflowID, true)
}

// Reject resumes a suspended workflow with a rejection, terminating it.
func (o *Orchestrator) Reject(ctx context.Context, workflowID string) error {
	return o.decide(ctx, workflowID, false)
}

func (o *Orchestrator) decide(ctx context.Context, workflowID string, approved bool) error {
	// The claim spans the status check through the spawn: two concurrent
	// decisions on one workflow must not both resume it.
	release, err := o.claim(workflowID)
	if err != nil {
		return err
	}

	cp, err := o.Get(ctx, workflowID)
	if err != nil {
		release()
		return err
	}
	if cp.State.WorkflowStatus != state.WorkflowStatusAwaitingApproval {
		release()
		return fmt.Errorf("%w: status is %s", ErrNotAwaiting, cp.State.WorkflowStatus)
	}

	profile, err := o.registry.Get(cp.State.ProfileID)
	if err != nil {
		release()
		return err
	}

	st, err := state.Reduce(cp.State, state.Partial{state.FieldHumanApproved: &approved})
	if err != nil {
		release()
		return err
	}
	return o.launch(profile, st, cp.Step, release)
}

// Cancel stops a workflow. A running workflow is unwound cooperatively; a
// suspended one is finalized directly.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID string) error {
	o.mu.Lock()
	cancel, running := o.active[workflowID]
	o.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	cp, err := o.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if cp.State.WorkflowStatus.Terminal() {
		return fmt.Errorf("%w: status is %s", ErrNotAwaiting, cp.State.WorkflowStatus)
	}

	st, err := state.Reduce(cp.State, state.Partial{
		state.FieldWorkflowStatus: state.WorkflowStatusCancelled,
	})
	if err != nil {
		return err
	}
	if err := o.checkpoints.Save(ctx, workflowID, cp.Step+1, st); err != nil {
		return err
	}
	if o.bus != nil {
		_, _ = o.bus.Emit(ctx, events.Event{
			WorkflowID: workflowID,
			Type:       events.TypeWorkflowCancelled,
			Message:    "workflow cancelled",
		})
	}
	return nil
}

// RecoverOrphans resumes workflows whose latest checkpoint says running but
// which no engine is advancing, after a process restart. Suspended workflows
// stay parked until a decision arrives.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) error {
	ids, err := o.checkpoints.ActiveWorkflows(ctx)
	if err != nil {
		return err
	}

	for _, workflowID := range ids {
		o.mu.Lock()
		_, running := o.active[workflowID]
		o.mu.Unlock()
		if running {
			continue
		}

		cp, err := o.checkpoints.Latest(ctx, workflowID)
		if err != nil || cp == nil {
			continue
		}
		if cp.State.WorkflowStatus != state.WorkflowStatusRunning {
			continue
		}

		profile, err := o.registry.Get(cp.State.ProfileID)
		if err != nil {
			slog.Error("Orphaned workflow references unknown profile",
				"workflow_id", workflowID, "profile", cp.State.ProfileID, "error", err)
			continue
		}

		slog.Info("Recovering orphaned workflow", "workflow_id", workflowID, "step", cp.Step)
		if err := o.spawn(profile, cp.State, cp.Step); err != nil {
			slog.Error("Failed to recover workflow", "workflow_id", workflowID, "error", err)
		}
	}
	return nil
}

// Running returns the number of workflows with an engine goroutine.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Shutdown cancels every running workflow and waits for their engines to
// checkpoint and exit, up to the context deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.draining = true
	for _, cancel := range o.active {
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining workflows: %w", ctx.Err())
	}
}

// claim reserves the workflow's registry slot. Exactly one engine per
// workflow may run; a held claim refuses concurrent decisions until released.
func (o *Orchestrator) claim(workflowID string) (release func(), err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.draining {
		return nil, ErrShuttingDown
	}
	if _, exists := o.active[workflowID]; exists {
		return nil, fmt.Errorf("%w: workflow %s already has a running engine", ErrNotAwaiting, workflowID)
	}
	o.active[workflowID] = func() {}
	return func() {
		o.mu.Lock()
		delete(o.active, workflowID)
		o.mu.Unlock()
	}, nil
}

// spawn claims the workflow's registry slot and launches its engine.
func (o *Orchestrator) spawn(profile *config.Profile, st state.ExecutionState, step int64) error {
	release, err := o.claim(st.WorkflowID)
	if err != nil {
		return err
	}
	return o.launch(profile, st, step, release)
}

// launch starts the engine goroutine inside an already-claimed slot. The
// claim is released only after the engine saved its final checkpoint.
func (o *Orchestrator) launch(profile *config.Profile, st state.ExecutionState, step int64, release func()) error {
	engine, err := o.engineFor(profile)
	if err != nil {
		release()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		cancel()
		release()
		return ErrShuttingDown
	}
	o.active[st.WorkflowID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer release()

		out, err := engine.Run(runCtx, st, step)
		switch {
		case err != nil:
			slog.Error("Workflow terminated with error", "workflow_id", st.WorkflowID, "error", err)
		case out.Suspended:
			slog.Info("Workflow suspended for approval", "workflow_id", st.WorkflowID, "step", out.Step)
		default:
			slog.Info("Workflow finished",
				"workflow_id", st.WorkflowID,
				"status", string(out.State.WorkflowStatus),
				"step", out.Step)
		}
	}()
	return nil
}

// engineFor assembles the per-role agents for a profile's graph engine.
func (o *Orchestrator) engineFor(profile *config.Profile) (*graph.Engine, error) {
	agents := graph.Agents{}

	for _, role := range []state.Role{
		state.RoleArchitect, state.RoleDeveloper, state.RoleReviewer, state.RoleEvaluator,
	} {
		cfg, ok := profile.AgentConfigFor(role)
		if !ok {
			if role == state.RoleEvaluator {
				continue // optional
			}
			return nil, fmt.Errorf("profile %s: missing %s agent", profile.Name, role)
		}

		var sb driver.Sandbox
		if cfg.Sandbox.Mode.Enabled() {
			provider, err := o.sandboxFor(profile)
			if err != nil {
				return nil, err
			}
			sb = provider
		}

		drv, err := o.drivers(cfg, sb)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %s driver: %w", profile.Name, role, err)
		}

		a := agent.New(role, drv, cfg, profile)
		switch role {
		case state.RoleArchitect:
			agents.Architect = a
		case state.RoleDeveloper:
			agents.Developer = a
		case state.RoleReviewer:
			agents.Reviewer = a
		case state.RoleEvaluator:
			agents.Evaluator = a
		}
	}

	return graph.New(profile, agents, o.checkpoints, o.bus), nil
}

// sandboxFor returns the profile's container provider, creating it on first
// use. A single container serves sequential agent calls within a profile.
func (o *Orchestrator) sandboxFor(profile *config.Profile) (*sandbox.DockerProvider, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if provider, ok := o.sandboxes[profile.Name]; ok {
		return provider, nil
	}
	provider, err := sandbox.NewDockerProvider(profile.Name, profile.Sandbox, profile.WorkingDir, o.proxyHost)
	if err != nil {
		return nil, fmt.Errorf("profile %s: sandbox: %w", profile.Name, err)
	}
	o.sandboxes[profile.Name] = provider
	return provider, nil
}

// TeardownSandboxes force-removes every sandbox container this process
// created. Called during shutdown after workflows drained.
func (o *Orchestrator) TeardownSandboxes(ctx context.Context) {
	o.mu.Lock()
	providers := make([]*sandbox.DockerProvider, 0, len(o.sandboxes))
	for _, p := range o.sandboxes {
		providers = append(providers, p)
	}
	o.mu.Unlock()

	for _, p := range providers {
		tctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := p.Teardown(tctx); err != nil {
			slog.Error("Sandbox teardown failed", "container", p.ContainerName(), "error", err)
		}
		cancel()
	}
}
