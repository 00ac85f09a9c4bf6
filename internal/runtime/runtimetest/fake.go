// Package runtimetest provides an in-memory runtime.Runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/galadd/labwarden/internal/runtime"
)

type container struct {
	spec    runtime.ContainerSpec
	running bool
}

// Fake records every call and keeps containers in memory. Error fields, when
// set, are returned by the matching operation.
type Fake struct {
	mu         sync.Mutex
	images     map[string]bool
	containers map[string]*container
	nextID     int

	Down       bool
	CreateErr  error
	StopErr    error
	RemoveErr  error
	InspectErr error
	BuildErr   error
	BuildDelay time.Duration

	Builds  atomic.Int32
	Creates atomic.Int32
	Stops   atomic.Int32
	Removes atomic.Int32
}

func New(images ...string) *Fake {
	f := &Fake{
		images:     make(map[string]bool),
		containers: make(map[string]*container),
	}
	for _, img := range images {
		f.images[img] = true
	}
	return f
}

func (f *Fake) Available(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Down
}

func (f *Fake) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Down = down
}

func (f *Fake) ImageExists(ctx context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Down {
		return false, runtime.ErrEngineUnavailable
	}
	return f.images[image], nil
}

func (f *Fake) BuildImage(ctx context.Context, contextDir, tag string) error {
	f.Builds.Add(1)
	if f.BuildDelay > 0 {
		select {
		case <-time.After(f.BuildDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BuildErr != nil {
		return f.BuildErr
	}
	f.images[tag] = true
	return nil
}

func (f *Fake) CreateAndStart(ctx context.Context, spec *runtime.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Down {
		return "", runtime.ErrEngineUnavailable
	}
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	if !f.images[spec.Image] {
		return "", fmt.Errorf("%w: %s", runtime.ErrImageNotFound, spec.Image)
	}
	for _, c := range f.containers {
		if c.spec.Name == spec.Name {
			return "", &runtime.EngineError{Op: "create container", Err: fmt.Errorf("name %s already in use", spec.Name)}
		}
	}

	f.Creates.Add(1)
	f.nextID++
	id := fmt.Sprintf("c%063d", f.nextID)
	f.containers[id] = &container{spec: *spec, running: true}
	return id, nil
}

func (f *Fake) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Down {
		return runtime.ErrEngineUnavailable
	}
	if f.StopErr != nil {
		return f.StopErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return runtime.ErrContainerNotFound
	}
	f.Stops.Add(1)
	c.running = false
	return nil
}

func (f *Fake) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Down {
		return runtime.ErrEngineUnavailable
	}
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	if _, ok := f.containers[containerID]; !ok {
		return runtime.ErrContainerNotFound
	}
	f.Removes.Add(1)
	delete(f.containers, containerID)
	return nil
}

func (f *Fake) Inspect(ctx context.Context, containerID string) (runtime.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Down {
		return "", runtime.ErrEngineUnavailable
	}
	if f.InspectErr != nil {
		return "", f.InspectErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return runtime.StateMissing, nil
	}
	if c.running {
		return runtime.StateRunning, nil
	}
	return runtime.StateExited, nil
}

func (f *Fake) ListLabContainers(ctx context.Context) ([]runtime.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Down {
		return nil, runtime.ErrEngineUnavailable
	}
	out := make([]runtime.ContainerSummary, 0, len(f.containers))
	for id, c := range f.containers {
		state := "exited"
		if c.running {
			state = "running"
		}
		out = append(out, runtime.ContainerSummary{ID: id, Name: c.spec.Name, State: state, Labels: c.spec.Labels})
	}
	return out, nil
}

func (f *Fake) Close() error { return nil }

// Kill simulates a container dying outside of labwarden's control.
func (f *Fake) Kill(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.running = false
	}
}

// Delete simulates a container removed outside of labwarden's control.
func (f *Fake) Delete(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
}

// Spec returns the spec a container was created with.
func (f *Fake) Spec(containerID string) (runtime.ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return runtime.ContainerSpec{}, false
	}
	return c.spec, true
}

func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// Inject adds a container that no instance references.
func (f *Fake) Inject(id string, spec runtime.ContainerSpec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = &container{spec: spec, running: true}
}
