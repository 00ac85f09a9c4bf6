// Package orchestrator starts, stops and reconciles per-user lab instances.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/galadd/labwarden/internal/images"
	"github.com/galadd/labwarden/internal/logging"
	"github.com/galadd/labwarden/internal/model"
	"github.com/galadd/labwarden/internal/ports"
	"github.com/galadd/labwarden/internal/registry"
	"github.com/galadd/labwarden/internal/runtime"
)

const removeTimeout = 30 * time.Second

type Config struct {
	Host        string
	Scheme      string
	TTL         time.Duration
	StopTimeout time.Duration
	Network     string
	NamePrefix  string
}

func DefaultConfig() Config {
	return Config{
		Host:        "localhost",
		Scheme:      "http",
		TTL:         2 * time.Hour,
		StopTimeout: 5 * time.Second,
		Network:     "labwarden-labs",
		NamePrefix:  "labwarden-lab",
	}
}

type Orchestrator struct {
	cfg      Config
	catalog  *model.Catalog
	runtime  runtime.Runtime
	registry registry.Registry
	ports    *ports.Allocator
	images   *images.Provider
	logger   *slog.Logger

	locks *keyLocks
	now   func() time.Time
}

func New(cfg Config, catalog *model.Catalog, rt runtime.Runtime, reg registry.Registry, alloc *ports.Allocator, logger *slog.Logger) *Orchestrator {
	logger = logging.Ensure(logger)
	return &Orchestrator{
		cfg:      cfg,
		catalog:  catalog,
		runtime:  rt,
		registry: reg,
		ports:    alloc,
		images:   images.NewProvider(catalog, rt, logger),
		logger:   logger.With("component", "orchestrator"),
		locks:    newKeyLocks(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Access is what a learner needs to reach their running lab.
type Access struct {
	Running   bool       `json:"running"`
	URL       string     `json:"url,omitempty"`
	Port      int        `json:"port,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Start returns the running instance of (userID, labID), launching one from
// the slug's catalog entry when none exists.
func (o *Orchestrator) Start(ctx context.Context, userID int64, slug string, labID int64) (*model.Instance, error) {
	inst, _, err := o.StartOrReuse(ctx, userID, slug, labID)
	return inst, err
}

// StartOrReuse is Start that also reports whether an already running
// instance was returned.
func (o *Orchestrator) StartOrReuse(ctx context.Context, userID int64, slug string, labID int64) (*model.Instance, bool, error) {
	unlock := o.locks.Lock(model.PairKey(userID, labID))
	defer unlock()

	existing, err := o.registry.FindRunning(ctx, userID, labID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up running instance: %w", err)
	}
	if existing != nil {
		o.logger.Info("instance already running", "instance", existing.ID, "user", userID, "lab", slug)
		return existing, true, nil
	}

	spec, ok := o.catalog.Lookup(slug)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", images.ErrUnknownLab, slug)
	}

	if !o.runtime.Available(ctx) {
		return nil, false, runtime.ErrEngineUnavailable
	}

	if _, err := o.images.EnsureImage(ctx, slug); err != nil {
		return nil, false, err
	}

	port, err := o.ports.Acquire()
	if err != nil {
		return nil, false, err
	}

	inst, err := o.launch(ctx, userID, labID, spec, port)
	if err != nil {
		o.ports.Release(port)
		return nil, false, err
	}

	o.logger.Info("lab started", "instance", inst.ID, "user", userID, "lab", slug, "port", port, "url", inst.URL)
	return inst, false, nil
}

func (o *Orchestrator) launch(ctx context.Context, userID, labID int64, spec model.LabImageSpec, port int) (*model.Instance, error) {
	name := containerName(o.cfg.NamePrefix, userID, spec.Slug)
	now := o.now()
	inst := &model.Instance{
		ID:            uuid.NewString(),
		UserID:        userID,
		LabID:         labID,
		LabSlug:       spec.Slug,
		ContainerName: name,
		Port:          port,
		URL:           o.url(port),
		Status:        model.Pending,
		CreatedAt:     now,
	}

	containerID, err := o.runtime.CreateAndStart(ctx, &runtime.ContainerSpec{
		Image:        spec.Image,
		Name:         name,
		InternalPort: spec.InternalPort,
		HostPort:     port,
		Env: map[string]string{
			runtime.EnvFlag:   spec.Flag,
			runtime.EnvUserID: strconv.FormatInt(userID, 10),
		},
		Labels: map[string]string{
			runtime.LabelPlatform: "true",
			runtime.LabelUserID:   strconv.FormatInt(userID, 10),
			runtime.LabelLabID:    strconv.FormatInt(labID, 10),
			runtime.LabelLabSlug:  spec.Slug,
		},
		MemoryBytes: spec.MemoryBytes,
		CPUs:        spec.CPUs,
		Network:     o.cfg.Network,
	})
	if err != nil {
		return nil, err
	}

	expires := now.Add(o.cfg.TTL)
	inst.ContainerID = containerID
	inst.Status = model.Running
	inst.StartedAt = &now
	inst.ExpiresAt = &expires

	if err := o.registry.Create(ctx, inst); err != nil {
		o.discard(ctx, containerID)
		return nil, fmt.Errorf("failed to record instance: %w", err)
	}
	return inst, nil
}

// discard stops and removes a container that never made it into the registry.
func (o *Orchestrator) discard(ctx context.Context, containerID string) {
	ctx = context.WithoutCancel(ctx)
	if err := o.runtime.Stop(ctx, containerID, o.cfg.StopTimeout); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
		o.logger.Warn("failed to stop unrecorded container", "container", containerID, "error", err)
	}
	if err := o.runtime.Remove(ctx, containerID); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
		o.logger.Warn("failed to remove unrecorded container", "container", containerID, "error", err)
	}
}

func (o *Orchestrator) url(port int) string {
	return fmt.Sprintf("%s://%s:%d", o.cfg.Scheme, o.cfg.Host, port)
}

// Stop tears down an instance. Stopping a terminal instance is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, instanceID string) (*model.Instance, error) {
	inst, err := o.registry.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(inst.Key())
	defer unlock()

	return o.stop(ctx, instanceID)
}

// StopFor stops the running instance of (userID, labID). Without one, the
// latest instance of the pair is returned as is.
func (o *Orchestrator) StopFor(ctx context.Context, userID, labID int64) (*model.Instance, error) {
	unlock := o.locks.Lock(model.PairKey(userID, labID))
	defer unlock()

	inst, err := o.registry.FindRunning(ctx, userID, labID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up running instance: %w", err)
	}
	if inst == nil {
		return o.registry.Latest(ctx, userID, labID)
	}

	return o.stop(ctx, inst.ID)
}

// stop must be called with the instance's key lock held.
func (o *Orchestrator) stop(ctx context.Context, instanceID string) (*model.Instance, error) {
	inst, err := o.registry.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return inst, nil
	}

	if inst.ContainerID != "" {
		err := o.runtime.Stop(ctx, inst.ContainerID, o.cfg.StopTimeout)
		if err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
			return nil, err
		}
		if err := o.runtime.Remove(ctx, inst.ContainerID); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
			o.logger.Warn("failed to remove stopped container", "instance", inst.ID, "container", inst.ContainerID, "error", err)
		}
	}

	// the lease is kept until the record leaves running; a failed commit is
	// settled by the next status check
	stoppedAt := o.now()
	stopped, err := o.registry.Transition(ctx, inst.ID, model.Stopped, func(i *model.Instance) {
		i.StoppedAt = &stoppedAt
	})
	if err != nil {
		return nil, fmt.Errorf("container stopped but instance %s was not updated: %w", inst.ID, err)
	}
	o.ports.Release(inst.Port)

	o.logger.Info("lab stopped", "instance", inst.ID, "user", inst.UserID, "lab", inst.LabSlug, "port", inst.Port)
	return stopped, nil
}

// Status returns the instance after checking a running record against the
// engine.
func (o *Orchestrator) Status(ctx context.Context, instanceID string) (*model.Instance, error) {
	inst, err := o.registry.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != model.Running {
		return inst, nil
	}

	unlock := o.locks.Lock(inst.Key())
	defer unlock()

	return o.reconcile(ctx, instanceID)
}

func (o *Orchestrator) StatusFor(ctx context.Context, userID, labID int64) (Access, error) {
	unlock := o.locks.Lock(model.PairKey(userID, labID))
	defer unlock()

	inst, err := o.registry.FindRunning(ctx, userID, labID)
	if err != nil {
		return Access{}, fmt.Errorf("failed to look up running instance: %w", err)
	}
	if inst == nil {
		return Access{}, nil
	}

	inst, err = o.reconcile(ctx, inst.ID)
	if err != nil {
		return Access{}, err
	}
	if inst.Status != model.Running {
		return Access{}, nil
	}

	return Access{
		Running:   true,
		URL:       inst.URL,
		Port:      inst.Port,
		ExpiresAt: inst.ExpiresAt,
	}, nil
}

// reconcile must be called with the instance's key lock held. A running record
// whose container is gone or exited becomes stopped; one the engine cannot
// inspect becomes error once its container is confirmed removed. An
// unreachable engine or an interrupted request leaves the record alone.
func (o *Orchestrator) reconcile(ctx context.Context, instanceID string) (*model.Instance, error) {
	inst, err := o.registry.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != model.Running {
		return inst, nil
	}

	state, err := o.runtime.Inspect(ctx, inst.ContainerID)
	switch {
	case errors.Is(err, runtime.ErrEngineUnavailable):
		o.logger.Warn("engine unavailable, status not reconciled", "instance", inst.ID)
		return inst, nil
	case err != nil && interrupted(ctx, err):
		return nil, err
	case err != nil:
		return o.markFailed(ctx, inst, err)
	case state == runtime.StateRunning:
		return inst, nil
	}

	o.logger.Info("container no longer running", "instance", inst.ID, "container", inst.ContainerID, "state", state)
	if err := o.remove(ctx, inst); err != nil {
		o.logger.Warn("failed to remove container", "instance", inst.ID, "container", inst.ContainerID, "error", err)
	}

	stoppedAt := o.now()
	stopped, err := o.registry.Transition(ctx, inst.ID, model.Stopped, func(i *model.Instance) {
		i.StoppedAt = &stoppedAt
		i.Message = fmt.Sprintf("container %s", state)
	})
	if err != nil {
		return nil, err
	}
	o.ports.Release(inst.Port)
	return stopped, nil
}

// markFailed moves inst to error only when its container is confirmed gone.
// Otherwise the container may still hold the port, so the record is kept.
func (o *Orchestrator) markFailed(ctx context.Context, inst *model.Instance, cause error) (*model.Instance, error) {
	o.logger.Error("container inspection failed", "instance", inst.ID, "container", inst.ContainerID, "error", cause)
	if err := o.remove(ctx, inst); err != nil {
		o.logger.Warn("container not confirmed removed, keeping instance running", "instance", inst.ID, "container", inst.ContainerID, "error", err)
		return inst, nil
	}

	stoppedAt := o.now()
	failed, err := o.registry.Transition(ctx, inst.ID, model.Error, func(i *model.Instance) {
		i.StoppedAt = &stoppedAt
		i.Message = cause.Error()
	})
	if err != nil {
		return nil, err
	}
	o.ports.Release(inst.Port)
	return failed, nil
}

// remove force-removes the instance's container. A container that is already
// gone counts as removed. The removal outlives the caller's request.
func (o *Orchestrator) remove(ctx context.Context, inst *model.Instance) error {
	if inst.ContainerID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()

	err := o.runtime.Remove(ctx, inst.ContainerID)
	if err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
		return err
	}
	return nil
}

func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// CleanupExpired stops every running instance whose deadline is before now.
// A failure on one instance does not stop the pass.
func (o *Orchestrator) CleanupExpired(ctx context.Context, now time.Time) (Report, error) {
	expired, err := o.registry.ListExpired(ctx, now)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list expired instances: %w", err)
	}

	report := o.stopAll(ctx, expired)
	if n := len(report.Results); n > 0 {
		o.logger.Info("expired instances cleaned up", "checked", n, "stopped", report.Stopped(), "failed", report.Failed())
	}
	return report, report.Err()
}

// CleanupForUser stops every running instance owned by userID.
func (o *Orchestrator) CleanupForUser(ctx context.Context, userID int64) (Report, error) {
	all, err := o.registry.ListByUser(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list user instances: %w", err)
	}

	var running []*model.Instance
	for _, inst := range all {
		if inst.Status == model.Running {
			running = append(running, inst)
		}
	}

	report := o.stopAll(ctx, running)
	o.logger.Info("user instances cleaned up", "user", userID, "stopped", report.Stopped(), "failed", report.Failed())
	return report, report.Err()
}

func (o *Orchestrator) stopAll(ctx context.Context, list []*model.Instance) Report {
	var report Report
	for _, inst := range list {
		unlock := o.locks.Lock(inst.Key())
		_, err := o.stop(ctx, inst.ID)
		unlock()

		if err != nil {
			o.logger.Warn("failed to stop instance", "instance", inst.ID, "error", err)
			report.fail(inst.ID, err)
			continue
		}
		report.ok(inst.ID, "Lab stopped")
	}
	return report
}

func (o *Orchestrator) ListForUser(ctx context.Context, userID int64) ([]*model.Instance, error) {
	return o.registry.ListByUser(ctx, userID)
}

// Recover re-leases the ports of instances the registry still records as
// running. Call it once before serving.
func (o *Orchestrator) Recover(ctx context.Context) error {
	running, err := o.registry.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("failed to list running instances: %w", err)
	}

	var result *multierror.Error
	for _, inst := range running {
		if err := o.ports.Claim(inst.Port); err != nil {
			result = multierror.Append(result, fmt.Errorf("instance %s: %w", inst.ID, err))
		}
	}

	o.logger.Info("recovered port leases", "running", len(running), "leased", len(o.ports.Leased()))
	return result.ErrorOrNil()
}

// Orphans lists platform containers that no running instance references.
func (o *Orchestrator) Orphans(ctx context.Context) ([]runtime.ContainerSummary, error) {
	running, err := o.registry.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list running instances: %w", err)
	}
	known := make(map[string]struct{}, len(running))
	for _, inst := range running {
		known[inst.ContainerID] = struct{}{}
	}

	containers, err := o.runtime.ListLabContainers(ctx)
	if err != nil {
		return nil, err
	}

	var orphans []runtime.ContainerSummary
	for _, c := range containers {
		if _, ok := known[c.ID]; !ok {
			orphans = append(orphans, c)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Name < orphans[j].Name })
	return orphans, nil
}

func (o *Orchestrator) Catalog() *model.Catalog {
	return o.catalog
}

func (o *Orchestrator) EngineAvailable(ctx context.Context) bool {
	return o.runtime.Available(ctx)
}
