package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/galadd/labwarden/internal/images"
	"github.com/galadd/labwarden/internal/logging"
	"github.com/galadd/labwarden/internal/model"
	"github.com/galadd/labwarden/internal/ports"
	"github.com/galadd/labwarden/internal/registry"
	"github.com/galadd/labwarden/internal/runtime"
	"github.com/galadd/labwarden/internal/runtime/runtimetest"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	o     *Orchestrator
	rt    *runtimetest.Fake
	reg   *registry.BoltRegistry
	alloc *ports.Allocator
	clock time.Time
}

func testCatalog(buildPath string) *model.Catalog {
	return model.NewCatalog([]model.LabImageSpec{
		{
			Slug: "xss-reflected-basic", Image: "labwarden-xss-reflected", BuildPath: buildPath,
			Flag: "FLAG{xss_r3fl3ct3d_b4s1c}", InternalPort: 80, MemoryBytes: 256 << 20, CPUs: 0.5,
		},
		{
			Slug: "sqli-login-bypass", Image: "labwarden-sqli-login", BuildPath: buildPath,
			Flag: "FLAG{sql1_l0g1n_byp4ss}", InternalPort: 80, MemoryBytes: 256 << 20, CPUs: 0.5,
		},
	})
}

func newHarness(t *testing.T, low, high int, images ...string) *harness {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.NewBoltRegistry(filepath.Join(dir, "labwarden.db"), logging.Discard())
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	alloc, err := ports.New(low, high, logging.Discard())
	if err != nil {
		t.Fatalf("failed to create allocator: %v", err)
	}

	h := &harness{
		rt:    runtimetest.New(images...),
		reg:   reg,
		alloc: alloc,
		clock: t0,
	}
	h.o = New(DefaultConfig(), testCatalog(dir), h.rt, reg, alloc, logging.Discard())
	h.o.now = func() time.Time { return h.clock }
	return h
}

func withImages(t *testing.T, low, high int) *harness {
	return newHarness(t, low, high, "labwarden-xss-reflected", "labwarden-sqli-login")
}

func TestStartScenario(t *testing.T) {
	h := withImages(t, 10000, 20000)
	ctx := context.Background()

	inst, err := h.o.Start(ctx, 7, "xss-reflected-basic", 1)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if inst.Status != model.Running || inst.Port != 10000 || inst.URL != "http://localhost:10000" {
		t.Fatalf("unexpected instance: %+v", inst)
	}
	if !inst.ExpiresAt.Equal(t0.Add(2*time.Hour)) || !inst.StartedAt.Equal(t0) {
		t.Fatalf("unexpected timestamps: started %v expires %v", inst.StartedAt, inst.ExpiresAt)
	}
	if !regexp.MustCompile(`^labwarden-lab-7-xss-reflected-basic-[a-z0-9]{6}$`).MatchString(inst.ContainerName) {
		t.Fatalf("unexpected container name %q", inst.ContainerName)
	}

	spec, ok := h.rt.Spec(inst.ContainerID)
	if !ok {
		t.Fatalf("container %s not created", inst.ContainerID)
	}
	wantEnv := map[string]string{runtime.EnvFlag: "FLAG{xss_r3fl3ct3d_b4s1c}", runtime.EnvUserID: "7"}
	if diff := cmp.Diff(wantEnv, spec.Env); diff != "" {
		t.Fatalf("env mismatch (-want +got):\n%s", diff)
	}
	wantLabels := map[string]string{
		runtime.LabelPlatform: "true",
		runtime.LabelUserID:   "7",
		runtime.LabelLabID:    "1",
		runtime.LabelLabSlug:  "xss-reflected-basic",
	}
	if diff := cmp.Diff(wantLabels, spec.Labels); diff != "" {
		t.Fatalf("labels mismatch (-want +got):\n%s", diff)
	}
	if spec.HostPort != 10000 || spec.InternalPort != 80 || spec.MemoryBytes != 256<<20 || spec.CPUs != 0.5 || spec.Network != "labwarden-labs" {
		t.Fatalf("unexpected container spec: %+v", spec)
	}

	// second start returns the same instance and creates nothing
	again, reused, err := h.o.StartOrReuse(ctx, 7, "xss-reflected-basic", 1)
	if err != nil || again.ID != inst.ID || !reused {
		t.Fatalf("expected same instance reused, got %+v %t %v", again, reused, err)
	}
	if h.rt.Creates.Load() != 1 {
		t.Fatalf("expected one container, got %d", h.rt.Creates.Load())
	}

	h.clock = t0.Add(15 * time.Minute)
	stopped, err := h.o.StopFor(ctx, 7, 1)
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if stopped.Status != model.Stopped || !stopped.StoppedAt.Equal(h.clock) {
		t.Fatalf("unexpected stopped instance: %+v", stopped)
	}
	if len(h.alloc.Leased()) != 0 || h.rt.Live() != 0 {
		t.Fatalf("expected port released and container removed, leased=%v live=%d", h.alloc.Leased(), h.rt.Live())
	}

	// stopping again is a no-op success
	again, err = h.o.StopFor(ctx, 7, 1)
	if err != nil || again.ID != inst.ID || again.Status != model.Stopped {
		t.Fatalf("expected no-op stop, got %+v %v", again, err)
	}
	if h.rt.Stops.Load() != 1 {
		t.Fatalf("expected a single engine stop, got %d", h.rt.Stops.Load())
	}
}

func TestConcurrentStartSamePair(t *testing.T) {
	h := withImages(t, 10000, 20000)

	const n = 16
	var wg sync.WaitGroup
	results := make([]*model.Instance, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.o.Start(context.Background(), 7, "xss-reflected-basic", 1)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("start %d failed: %v", i, errs[i])
		}
		if results[i].ID != results[0].ID {
			t.Fatalf("start %d returned a different instance", i)
		}
	}
	if h.rt.Creates.Load() != 1 || len(h.alloc.Leased()) != 1 {
		t.Fatalf("expected one container and one port, got %d and %v", h.rt.Creates.Load(), h.alloc.Leased())
	}
	if h.o.locks.size() != 0 {
		t.Fatalf("expected lock table to drain, got %d", h.o.locks.size())
	}
}

func TestConcurrentStartDistinctPorts(t *testing.T) {
	h := withImages(t, 10000, 10050)

	const n = 20
	var wg sync.WaitGroup
	got := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := h.o.Start(context.Background(), int64(i+1), "sqli-login-bypass", 3)
			if err != nil {
				t.Errorf("start for user %d failed: %v", i+1, err)
				return
			}
			got[i] = inst.Port
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, p := range got {
		if p < 10000 || p >= 10050 || seen[p] {
			t.Fatalf("port %d out of range or reused: %v", p, got)
		}
		seen[p] = true
	}
}

func TestStartRejectsWithoutSideEffects(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown lab", func(t *testing.T) {
		h := withImages(t, 10000, 10010)
		if _, err := h.o.Start(ctx, 7, "no-such-lab", 1); !errors.Is(err, images.ErrUnknownLab) {
			t.Fatalf("expected ErrUnknownLab, got %v", err)
		}
		assertClean(t, h)
	})

	t.Run("engine unavailable", func(t *testing.T) {
		h := withImages(t, 10000, 10010)
		h.rt.SetDown(true)
		if _, err := h.o.Start(ctx, 7, "xss-reflected-basic", 1); !errors.Is(err, runtime.ErrEngineUnavailable) {
			t.Fatalf("expected ErrEngineUnavailable, got %v", err)
		}
		assertClean(t, h)
	})

	t.Run("build failure", func(t *testing.T) {
		h := newHarness(t, 10000, 10010)
		h.rt.BuildErr = errors.New("COPY failed: no source files")
		if _, err := h.o.Start(ctx, 7, "xss-reflected-basic", 1); !errors.Is(err, images.ErrBuildFailed) {
			t.Fatalf("expected ErrBuildFailed, got %v", err)
		}
		assertClean(t, h)
	})

	t.Run("pool exhausted", func(t *testing.T) {
		h := withImages(t, 10000, 10001)
		if _, err := h.o.Start(ctx, 1, "xss-reflected-basic", 1); err != nil {
			t.Fatalf("first start failed: %v", err)
		}
		if _, err := h.o.Start(ctx, 2, "xss-reflected-basic", 1); !errors.Is(err, ports.ErrPoolExhausted) {
			t.Fatalf("expected ErrPoolExhausted, got %v", err)
		}
		if h.rt.Creates.Load() != 1 {
			t.Fatalf("expected no second container")
		}
	})

	t.Run("create failure releases port", func(t *testing.T) {
		h := withImages(t, 10000, 10010)
		h.rt.CreateErr = &runtime.EngineError{Op: "create container", Err: errors.New("no space left on device")}
		_, err := h.o.Start(ctx, 7, "xss-reflected-basic", 1)
		var engineErr *runtime.EngineError
		if !errors.As(err, &engineErr) {
			t.Fatalf("expected EngineError, got %v", err)
		}
		assertClean(t, h)
	})
}

func TestStartBuildsMissingImage(t *testing.T) {
	h := newHarness(t, 10000, 10010)

	inst, err := h.o.Start(context.Background(), 7, "xss-reflected-basic", 1)
	if err != nil || inst.Status != model.Running {
		t.Fatalf("expected running instance, got %+v %v", inst, err)
	}
	if h.rt.Builds.Load() != 1 {
		t.Fatalf("expected one build, got %d", h.rt.Builds.Load())
	}
}

type failingCreate struct {
	registry.Registry
}

func (failingCreate) Create(ctx context.Context, inst *model.Instance) error {
	return errors.New("disk I/O error")
}

func TestStartRegistryFailureDiscardsContainer(t *testing.T) {
	h := withImages(t, 10000, 10010)
	h.o.registry = failingCreate{Registry: h.reg}

	if _, err := h.o.Start(context.Background(), 7, "xss-reflected-basic", 1); err == nil {
		t.Fatalf("expected error")
	}
	if h.rt.Live() != 0 || h.rt.Removes.Load() != 1 {
		t.Fatalf("expected container removed, live=%d removes=%d", h.rt.Live(), h.rt.Removes.Load())
	}
	assertClean(t, h)
}

func TestStop(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown instance", func(t *testing.T) {
		h := withImages(t, 10000, 10010)
		if _, err := h.o.Stop(ctx, "nope"); !errors.Is(err, registry.ErrInstanceNotFound) {
			t.Fatalf("expected ErrInstanceNotFound, got %v", err)
		}
		if _, err := h.o.StopFor(ctx, 7, 1); !errors.Is(err, registry.ErrInstanceNotFound) {
			t.Fatalf("expected ErrInstanceNotFound, got %v", err)
		}
	})

	t.Run("by id twice", func(t *testing.T) {
		h := withImages(t, 10000, 10010)
		inst := mustStart(t, h, 7, "xss-reflected-basic", 1)

		for i := 0; i < 2; i++ {
			got, err := h.o.Stop(ctx, inst.ID)
			if err != nil || got.Status != model.Stopped {
				t.Fatalf("stop %d: %+v %v", i, got, err)
			}
		}
		if h.rt.Stops.Load() != 1 {
			t.Fatalf("expected one engine stop, got %d", h.rt.Stops.Load())
		}
	})

	t.Run("container already gone", func(t *testing.T) {
		h := withImages(t, 10000, 10010)
		inst := mustStart(t, h, 7, "xss-reflected-basic", 1)
		h.rt.Delete(inst.ContainerID)

		got, err := h.o.Stop(ctx, inst.ID)
		if err != nil || got.Status != model.Stopped {
			t.Fatalf("expected stopped, got %+v %v", got, err)
		}
		assertClean(t, h)
	})

	t.Run("engine unavailable leaves record", func(t *testing.T) {
		h := withImages(t, 10000, 10010)
		inst := mustStart(t, h, 7, "xss-reflected-basic", 1)
		h.rt.SetDown(true)

		if _, err := h.o.Stop(ctx, inst.ID); !errors.Is(err, runtime.ErrEngineUnavailable) {
			t.Fatalf("expected ErrEngineUnavailable, got %v", err)
		}
		got, err := h.reg.Get(ctx, inst.ID)
		if err != nil || got.Status != model.Running {
			t.Fatalf("record changed: %+v %v", got, err)
		}
		if diff := cmp.Diff([]int{inst.Port}, h.alloc.Leased()); diff != "" {
			t.Fatalf("port lease changed (-want +got):\n%s", diff)
		}
	})

	t.Run("restart after stop gets a new instance", func(t *testing.T) {
		h := withImages(t, 10000, 10010)
		first := mustStart(t, h, 7, "xss-reflected-basic", 1)
		if _, err := h.o.StopFor(ctx, 7, 1); err != nil {
			t.Fatalf("stop failed: %v", err)
		}
		second := mustStart(t, h, 7, "xss-reflected-basic", 1)
		if second.ID == first.ID || second.Port != first.Port {
			t.Fatalf("expected fresh instance on the reclaimed port, got %+v", second)
		}
	})
}

func TestStatusReconciliation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		disrupt     func(h *harness, inst *model.Instance)
		wantStatus  model.Status
		wantMessage string
		wantLeased  int
	}{
		{
			name:       "still running",
			disrupt:    func(h *harness, inst *model.Instance) {},
			wantStatus: model.Running,
			wantLeased: 1,
		},
		{
			name:        "container exited",
			disrupt:     func(h *harness, inst *model.Instance) { h.rt.Kill(inst.ContainerID) },
			wantStatus:  model.Stopped,
			wantMessage: "container exited",
		},
		{
			name:        "container missing",
			disrupt:     func(h *harness, inst *model.Instance) { h.rt.Delete(inst.ContainerID) },
			wantStatus:  model.Stopped,
			wantMessage: "container missing",
		},
		{
			name: "inspection failure",
			disrupt: func(h *harness, inst *model.Instance) {
				h.rt.InspectErr = &runtime.EngineError{Op: "inspect container", Err: errors.New("permission denied")}
			},
			wantStatus:  model.Error,
			wantMessage: "engine inspect container failed: permission denied",
		},
		{
			name: "inspection failure with container not removed",
			disrupt: func(h *harness, inst *model.Instance) {
				h.rt.InspectErr = &runtime.EngineError{Op: "inspect container", Err: errors.New("500 internal server error")}
				h.rt.RemoveErr = &runtime.EngineError{Op: "remove container", Err: errors.New("500 internal server error")}
			},
			wantStatus: model.Running,
			wantLeased: 1,
		},
		{
			name:       "engine unavailable",
			disrupt:    func(h *harness, inst *model.Instance) { h.rt.SetDown(true) },
			wantStatus: model.Running,
			wantLeased: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := withImages(t, 10000, 10010)
			inst := mustStart(t, h, 7, "xss-reflected-basic", 1)
			tt.disrupt(h, inst)

			got, err := h.o.Status(ctx, inst.ID)
			if err != nil {
				t.Fatalf("status failed: %v", err)
			}
			if got.Status != tt.wantStatus || got.Message != tt.wantMessage {
				t.Fatalf("got status %s message %q, want %s %q", got.Status, got.Message, tt.wantStatus, tt.wantMessage)
			}
			if len(h.alloc.Leased()) != tt.wantLeased {
				t.Fatalf("expected %d leased ports, got %v", tt.wantLeased, h.alloc.Leased())
			}

			access, err := h.o.StatusFor(ctx, 7, 1)
			if err != nil {
				t.Fatalf("status for failed: %v", err)
			}
			if access.Running != (tt.wantStatus == model.Running) {
				t.Fatalf("unexpected access: %+v", access)
			}
		})
	}
}

// ctxRuntime fails Inspect and Remove with the caller's context error, the
// way the engine client does once a request is cancelled.
type ctxRuntime struct {
	*runtimetest.Fake
}

func (c ctxRuntime) Inspect(ctx context.Context, id string) (runtime.State, error) {
	if err := ctx.Err(); err != nil {
		return "", &runtime.EngineError{Op: "inspect container", Err: err}
	}
	return c.Fake.Inspect(ctx, id)
}

func (c ctxRuntime) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return &runtime.EngineError{Op: "remove container", Err: err}
	}
	return c.Fake.Remove(ctx, id)
}

func TestStatusCancelledKeepsLease(t *testing.T) {
	h := withImages(t, 10000, 10010)
	inst := mustStart(t, h, 7, "xss-reflected-basic", 1)
	h.o.runtime = ctxRuntime{Fake: h.rt}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.o.Status(ctx, inst.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := h.o.StatusFor(ctx, 7, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	got, err := h.reg.Get(context.Background(), inst.ID)
	if err != nil || got.Status != model.Running {
		t.Fatalf("record changed: %+v %v", got, err)
	}
	if h.rt.Live() != 1 {
		t.Fatalf("expected the container to survive, got %d live", h.rt.Live())
	}
	if diff := cmp.Diff([]int{inst.Port}, h.alloc.Leased()); diff != "" {
		t.Fatalf("port lease changed (-want +got):\n%s", diff)
	}

	next := mustStart(t, h, 8, "xss-reflected-basic", 1)
	if next.Port == inst.Port {
		t.Fatalf("port %d handed out twice", next.Port)
	}
}

type failingTransition struct {
	registry.Registry
}

func (failingTransition) Transition(ctx context.Context, id string, to model.Status, mutate func(*model.Instance)) (*model.Instance, error) {
	return nil, errors.New("disk I/O error")
}

func TestStopCommitFailureKeepsLease(t *testing.T) {
	h := withImages(t, 10000, 10010)
	ctx := context.Background()
	inst := mustStart(t, h, 7, "xss-reflected-basic", 1)

	h.o.registry = failingTransition{Registry: h.reg}
	if _, err := h.o.Stop(ctx, inst.ID); err == nil {
		t.Fatalf("expected error")
	}
	if diff := cmp.Diff([]int{inst.Port}, h.alloc.Leased()); diff != "" {
		t.Fatalf("port released before the record left running (-want +got):\n%s", diff)
	}

	other := mustStart(t, h, 8, "xss-reflected-basic", 1)
	if other.Port == inst.Port {
		t.Fatalf("port %d handed out twice", other.Port)
	}

	// the next status check settles the record
	h.o.registry = h.reg
	got, err := h.o.Status(ctx, inst.ID)
	if err != nil || got.Status != model.Stopped || got.Message != "container missing" {
		t.Fatalf("expected stopped record, got %+v %v", got, err)
	}
	if diff := cmp.Diff([]int{other.Port}, h.alloc.Leased()); diff != "" {
		t.Fatalf("unexpected leases (-want +got):\n%s", diff)
	}
}

func TestStatusFor(t *testing.T) {
	h := withImages(t, 10000, 10010)
	ctx := context.Background()

	access, err := h.o.StatusFor(ctx, 7, 1)
	if err != nil || access.Running {
		t.Fatalf("expected not running, got %+v %v", access, err)
	}

	inst := mustStart(t, h, 7, "xss-reflected-basic", 1)
	access, err = h.o.StatusFor(ctx, 7, 1)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	want := Access{Running: true, URL: inst.URL, Port: inst.Port, ExpiresAt: inst.ExpiresAt}
	if diff := cmp.Diff(want, access); diff != "" {
		t.Fatalf("access mismatch (-want +got):\n%s", diff)
	}
}

type flakyStop struct {
	*runtimetest.Fake
	failID string
}

func (f *flakyStop) Stop(ctx context.Context, id string, timeout time.Duration) error {
	if id == f.failID {
		return &runtime.EngineError{Op: "stop container", Err: errors.New("device or resource busy")}
	}
	return f.Fake.Stop(ctx, id, timeout)
}

func TestCleanupExpired(t *testing.T) {
	h := withImages(t, 10000, 10010)
	ctx := context.Background()

	old1 := mustStart(t, h, 1, "xss-reflected-basic", 1)
	old2 := mustStart(t, h, 2, "xss-reflected-basic", 1)
	h.clock = t0.Add(90 * time.Minute)
	fresh := mustStart(t, h, 3, "xss-reflected-basic", 1)

	report, err := h.o.CleanupExpired(ctx, t0.Add(2*time.Hour+time.Minute))
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if report.Stopped() != 2 || report.Failed() != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	for _, id := range []string{old1.ID, old2.ID} {
		if got, _ := h.reg.Get(ctx, id); got.Status != model.Stopped {
			t.Fatalf("expired instance %s not stopped", id)
		}
	}
	if got, _ := h.reg.Get(ctx, fresh.ID); got.Status != model.Running {
		t.Fatalf("fresh instance was stopped")
	}
	if diff := cmp.Diff([]int{fresh.Port}, h.alloc.Leased()); diff != "" {
		t.Fatalf("leases mismatch (-want +got):\n%s", diff)
	}

	// a second pass finds nothing
	report, err = h.o.CleanupExpired(ctx, t0.Add(2*time.Hour+time.Minute))
	if err != nil || len(report.Results) != 0 {
		t.Fatalf("expected empty second pass, got %+v %v", report, err)
	}
}

func TestCleanupContinuesPastFailures(t *testing.T) {
	h := withImages(t, 10000, 10010)
	ctx := context.Background()

	bad := mustStart(t, h, 1, "xss-reflected-basic", 1)
	good := mustStart(t, h, 1, "sqli-login-bypass", 2)
	other := mustStart(t, h, 2, "sqli-login-bypass", 2)

	h.o.runtime = &flakyStop{Fake: h.rt, failID: bad.ContainerID}

	report, err := h.o.CleanupForUser(ctx, 1)
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	if report.Stopped() != 1 || report.Failed() != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	if got, _ := h.reg.Get(ctx, bad.ID); got.Status != model.Running {
		t.Fatalf("failed instance should stay running, got %s", got.Status)
	}
	if got, _ := h.reg.Get(ctx, good.ID); got.Status != model.Stopped {
		t.Fatalf("good instance should be stopped, got %s", got.Status)
	}
	if got, _ := h.reg.Get(ctx, other.ID); got.Status != model.Running {
		t.Fatalf("other user's instance should be untouched, got %s", got.Status)
	}
}

func TestListForUser(t *testing.T) {
	h := withImages(t, 10000, 10010)
	ctx := context.Background()

	first := mustStart(t, h, 7, "xss-reflected-basic", 1)
	h.clock = t0.Add(time.Minute)
	second := mustStart(t, h, 7, "sqli-login-bypass", 3)
	mustStart(t, h, 8, "sqli-login-bypass", 3)

	list, err := h.o.ListForUser(ctx, 7)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("unexpected list order")
	}
}

func TestRecoverReclaimsPorts(t *testing.T) {
	h := withImages(t, 10000, 10010)
	ctx := context.Background()

	inst := mustStart(t, h, 7, "xss-reflected-basic", 1)

	// simulate a restart: same registry, empty allocator
	alloc, err := ports.New(10000, 10010, logging.Discard())
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	o := New(DefaultConfig(), h.o.catalog, h.rt, h.reg, alloc, logging.Discard())

	if err := o.Recover(ctx); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if diff := cmp.Diff([]int{inst.Port}, alloc.Leased()); diff != "" {
		t.Fatalf("leases mismatch (-want +got):\n%s", diff)
	}

	next, err := o.Start(ctx, 8, "xss-reflected-basic", 1)
	if err != nil || next.Port == inst.Port {
		t.Fatalf("expected a different port, got %+v %v", next, err)
	}
}

func TestOrphans(t *testing.T) {
	h := withImages(t, 10000, 10010)
	ctx := context.Background()

	mustStart(t, h, 7, "xss-reflected-basic", 1)
	h.rt.Inject("leaked", runtime.ContainerSpec{
		Name:   "labwarden-lab-9-idor-profile-zzzzzz",
		Labels: map[string]string{runtime.LabelPlatform: "true"},
	})

	orphans, err := h.o.Orphans(ctx)
	if err != nil {
		t.Fatalf("orphans failed: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != "leaked" {
		t.Fatalf("unexpected orphans: %+v", orphans)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{runtime.ErrEngineUnavailable, Unavailable},
		{ports.ErrPoolExhausted, Unavailable},
		{images.ErrUnknownLab, Invalid},
		{registry.ErrInstanceNotFound, Invalid},
		{images.ErrBuildFailed, Internal},
		{&runtime.EngineError{Op: "create container", Err: errors.New("boom")}, Internal},
		{errors.New("something else"), Internal},
	}
	for _, tt := range tests {
		kind, msg := Describe(tt.err)
		if kind != tt.kind || msg == "" {
			t.Errorf("Describe(%v) = %s %q, want kind %s", tt.err, kind, msg, tt.kind)
		}
	}
}

func TestContainerName(t *testing.T) {
	name := containerName("labwarden-lab", 12, "a-very-long-lab-slug-that-keeps-going")
	if !regexp.MustCompile(`^labwarden-lab-12-a-very-long-lab-slug-[a-z2-7]{6}$`).MatchString(name) {
		t.Fatalf("unexpected name %q", name)
	}

	if other := containerName("labwarden-lab", 12, "a-very-long-lab-slug-that-keeps-going"); other == name {
		t.Fatalf("expected random suffixes to differ")
	}
}

func mustStart(t *testing.T, h *harness, userID int64, slug string, labID int64) *model.Instance {
	t.Helper()
	inst, err := h.o.Start(context.Background(), userID, slug, labID)
	if err != nil {
		t.Fatalf("start %d/%s failed: %v", userID, slug, err)
	}
	return inst
}

func assertClean(t *testing.T, h *harness) {
	t.Helper()
	if leased := h.alloc.Leased(); len(leased) != 0 {
		t.Fatalf("expected no leased ports, got %v", leased)
	}
	running, err := h.reg.ListRunning(context.Background())
	if err != nil || len(running) != 0 {
		t.Fatalf("expected no running instances, got %d %v", len(running), err)
	}
	if h.rt.Live() != 0 {
		t.Fatalf("expected no live containers, got %d", h.rt.Live())
	}
}
