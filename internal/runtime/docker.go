package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/go-archive"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/galadd/labwarden/internal/logging"
)

const cpuPeriod = 100000

type DockerRuntime struct {
	cli     *client.Client
	network string
	logger  *slog.Logger

	netMu    sync.Mutex
	netReady bool
}

// NewDockerRuntime connects using the DOCKER_* environment. Lab containers are
// attached to networkName, which is created on first use when missing.
func NewDockerRuntime(networkName string, logger *slog.Logger) (*DockerRuntime, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{
		cli:     cli,
		network: networkName,
		logger:  logging.Ensure(logger).With("component", "runtime"),
	}, nil
}

func (d *DockerRuntime) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if _, err := d.cli.Ping(ctx, client.PingOptions{}); err != nil {
		d.logger.Warn("engine ping failed", "error", err)
		return false
	}
	return true
}

func (d *DockerRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := d.cli.ImageInspect(ctx, image)
	if err == nil {
		return true, nil
	}
	if cerrdefs.IsNotFound(err) {
		return false, nil
	}
	return false, classify("inspect image", err, nil)
}

func (d *DockerRuntime) BuildImage(ctx context.Context, contextDir, tag string) error {
	buildContext, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to archive build context %s: %w", contextDir, err)
	}
	defer buildContext.Close()

	d.logger.Info("building image", "image", tag, "context", contextDir)

	resp, err := d.cli.ImageBuild(ctx, buildContext, client.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{LabelPlatform: "true"},
	})
	if err != nil {
		return classify("build image", err, nil)
	}
	defer resp.Body.Close()

	if err := readBuildOutput(resp.Body, d.logger.With("image", tag)); err != nil {
		return err
	}

	d.logger.Info("image built", "image", tag)
	return nil
}

// readBuildOutput drains the JSON message stream of a build and returns the
// first error message the engine reported.
func readBuildOutput(r io.Reader, logger *slog.Logger) error {
	decoder := json.NewDecoder(r)
	for {
		var message struct {
			Stream      string `json:"stream,omitempty"`
			Error       string `json:"error,omitempty"`
			ErrorDetail struct {
				Message string `json:"message,omitempty"`
			} `json:"errorDetail,omitempty"`
		}

		if err := decoder.Decode(&message); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to decode build output: %w", err)
		}

		if message.Error != "" {
			return errors.New(message.Error)
		}
		if message.ErrorDetail.Message != "" {
			return errors.New(message.ErrorDetail.Message)
		}
		if line := strings.TrimSpace(message.Stream); line != "" {
			logger.Debug("build", "output", line)
		}
	}
}

func (d *DockerRuntime) CreateAndStart(ctx context.Context, spec *ContainerSpec) (string, error) {
	opts, err := createOptions(spec)
	if err != nil {
		return "", err
	}

	if err := d.ensureNetwork(ctx); err != nil {
		return "", err
	}

	resp, err := d.cli.ContainerCreate(ctx, opts)
	if err != nil {
		return "", classify("create container", err, ErrImageNotFound)
	}
	d.logger.Info("container created", "container", shortID(resp.ID), "name", spec.Name)

	if _, err := d.cli.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		if _, rmErr := d.cli.ContainerRemove(ctx, resp.ID, client.ContainerRemoveOptions{Force: true}); rmErr != nil {
			d.logger.Warn("failed to remove container after start failure", "container", shortID(resp.ID), "error", rmErr)
		}
		return "", classify("start container", err, nil)
	}

	d.logger.Info("container started", "container", shortID(resp.ID), "host_port", spec.HostPort)
	return resp.ID, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout / time.Second)
	_, err := d.cli.ContainerStop(ctx, containerID, client.ContainerStopOptions{Timeout: &seconds})
	if err != nil {
		return classify("stop container", err, ErrContainerNotFound)
	}

	d.logger.Info("container stopped", "container", shortID(containerID))
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	_, err := d.cli.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{Force: true})
	if err != nil {
		return classify("remove container", err, ErrContainerNotFound)
	}

	d.logger.Info("container removed", "container", shortID(containerID))
	return nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, containerID string) (State, error) {
	res, err := d.cli.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return StateMissing, nil
		}
		return "", classify("inspect container", err, nil)
	}

	if res.Container.State != nil && res.Container.State.Running {
		return StateRunning, nil
	}
	return StateExited, nil
}

func (d *DockerRuntime) ListLabContainers(ctx context.Context) ([]ContainerSummary, error) {
	res, err := d.cli.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: make(client.Filters).Add("label", LabelPlatform+"=true"),
	})
	if err != nil {
		return nil, classify("list containers", err, nil)
	}

	out := make([]ContainerSummary, 0, len(res.Items))
	for _, c := range res.Items {
		var name string
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerSummary{
			ID:     c.ID,
			Name:   name,
			State:  string(c.State),
			Labels: c.Labels,
		})
	}
	return out, nil
}

func (d *DockerRuntime) Close() error {
	if d.cli != nil {
		return d.cli.Close()
	}
	return nil
}

// ensureNetwork creates the lab bridge network with inter-container traffic
// disabled. Lab containers reach nothing but their published port.
func (d *DockerRuntime) ensureNetwork(ctx context.Context) error {
	d.netMu.Lock()
	defer d.netMu.Unlock()

	if d.netReady || d.network == "" {
		return nil
	}

	_, err := d.cli.NetworkInspect(ctx, d.network, client.NetworkInspectOptions{})
	if err == nil {
		d.netReady = true
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return classify("inspect network", err, nil)
	}

	_, err = d.cli.NetworkCreate(ctx, d.network, client.NetworkCreateOptions{
		Driver: "bridge",
		Options: map[string]string{
			"com.docker.network.bridge.enable_icc": "false",
		},
		Labels: map[string]string{LabelPlatform: "true"},
	})
	if err != nil && !cerrdefs.IsConflict(err) {
		return classify("create network", err, nil)
	}

	d.logger.Info("lab network ready", "network", d.network)
	d.netReady = true
	return nil
}

func createOptions(spec *ContainerSpec) (client.ContainerCreateOptions, error) {
	if spec.Image == "" {
		return client.ContainerCreateOptions{}, errors.New("container spec has no image")
	}

	containerPort, err := network.ParsePort(fmt.Sprintf("%d/tcp", spec.InternalPort))
	if err != nil {
		return client.ContainerCreateOptions{}, fmt.Errorf("invalid internal port %d: %w", spec.InternalPort, err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)

	hostConfig := &container.HostConfig{
		PortBindings: network.PortMap{
			containerPort: []network.PortBinding{
				{
					HostIP:   netip.MustParseAddr("0.0.0.0"),
					HostPort: strconv.Itoa(spec.HostPort),
				},
			},
		},
		AutoRemove: false,
		Resources: container.Resources{
			Memory: spec.MemoryBytes,
		},
	}
	if spec.CPUs > 0 {
		hostConfig.Resources.CPUPeriod = cpuPeriod
		hostConfig.Resources.CPUQuota = int64(spec.CPUs * cpuPeriod)
	}
	if spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
	}

	return client.ContainerCreateOptions{
		Config: &container.Config{
			Image:        spec.Image,
			Env:          env,
			Labels:       spec.Labels,
			ExposedPorts: network.PortSet{containerPort: struct{}{}},
		},
		HostConfig: hostConfig,
		Name:       spec.Name,
	}, nil
}

// classify maps engine errors onto the package sentinels. notFound, when set,
// replaces engine not-found errors.
func classify(op string, err error, notFound error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err), cerrdefs.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	case notFound != nil && cerrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", notFound, err)
	default:
		return &EngineError{Op: op, Err: err}
	}
}
