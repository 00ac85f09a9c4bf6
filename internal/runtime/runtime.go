// Package runtime wraps the host container engine for lab containers.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	LabelPlatform = "labwarden.lab"
	LabelUserID   = "labwarden.user_id"
	LabelLabID    = "labwarden.lab_id"
	LabelLabSlug  = "labwarden.lab_slug"

	EnvFlag   = "LAB_FLAG"
	EnvUserID = "USER_ID"
)

var (
	ErrEngineUnavailable = errors.New("container engine unavailable")
	ErrImageNotFound     = errors.New("image not found")
	ErrContainerNotFound = errors.New("container not found")
)

// EngineError is an unexpected engine failure. Err carries the engine message.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s failed: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateMissing State = "missing"
)

type Runtime interface {
	Available(ctx context.Context) bool

	ImageExists(ctx context.Context, image string) (bool, error)
	BuildImage(ctx context.Context, contextDir, tag string) error

	CreateAndStart(ctx context.Context, spec *ContainerSpec) (string, error)
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (State, error)

	ListLabContainers(ctx context.Context) ([]ContainerSummary, error)

	Close() error
}

type ContainerSpec struct {
	Image        string
	Name         string
	InternalPort int
	HostPort     int
	Env          map[string]string
	Labels       map[string]string
	MemoryBytes  int64
	CPUs         float64
	Network      string
}

type ContainerSummary struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	State  string            `json:"state"`
	Labels map[string]string `json:"labels,omitempty"`
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
