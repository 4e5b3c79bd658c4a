package runtime

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/rollout/pkg/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// dockerAPI is the subset of the Docker SDK client the runtime uses
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error)
	DistributionInspect(ctx context.Context, imageRef, encodedRegistryAuth string) (registry.DistributionInspect, error)
	ImagesPrune(ctx context.Context, pruneFilter filters.Args) (image.PruneReport, error)

	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)

	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error

	Close() error
}

// DockerOptions configures the Docker runtime
type DockerOptions struct {
	// Host overrides DOCKER_HOST
	Host string
	// Network is the traffic network; defaults to "<service>-traffic"
	Network string
	// StopTimeout is the grace period before SIGKILL (default 10s)
	StopTimeout time.Duration
	// StartTimeout bounds how long a new container may take to run (default 60s)
	StartTimeout time.Duration
}

// DockerRuntime deploys a service as labelled containers. The slot that
// serves traffic is the one attached to the traffic network under the
// service name as DNS alias; switching traffic moves that attachment.
type DockerRuntime struct {
	cli          dockerAPI
	network      string
	stopTimeout  time.Duration
	startTimeout time.Duration
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
	suffix       func() string
}

// NewDockerRuntime connects to the Docker daemon
func NewDockerRuntime(opts DockerOptions) (*DockerRuntime, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return newDockerRuntime(cli, opts), nil
}

func newDockerRuntime(cli dockerAPI, opts DockerOptions) *DockerRuntime {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 60 * time.Second
	}
	return &DockerRuntime{
		cli:          cli,
		network:      opts.Network,
		stopTimeout:  opts.StopTimeout,
		startTimeout: opts.StartTimeout,
		pollInterval: 500 * time.Millisecond,
		sleep:        sleepCtx,
		suffix:       func() string { return uuid.NewString()[:8] },
	}
}

func (r *DockerRuntime) Name() string { return "docker" }

// Close closes the Docker client connection
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// Pull pulls an image from the registry
func (r *DockerRuntime) Pull(ctx context.Context, ref string) error {
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// Drain the reader to complete the pull
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// ImageExists checks the local image store, then the registry manifest
func (r *DockerRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := r.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if !client.IsErrNotFound(err) {
		return false, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	if _, err := r.cli.DistributionInspect(ctx, ref, ""); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to resolve image %s: %w", ref, err)
	}
	return true, nil
}

// PruneImages removes dangling images
func (r *DockerRuntime) PruneImages(ctx context.Context) (uint64, error) {
	report, err := r.cli.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return 0, fmt.Errorf("failed to prune images: %w", err)
	}
	return report.SpaceReclaimed, nil
}

// Apply converges a slot to spec
func (r *DockerRuntime) Apply(ctx context.Context, spec ApplySpec) error {
	netName, err := r.ensureNetwork(ctx, spec.Service)
	if err != nil {
		return err
	}

	active, err := r.ActiveSlot(ctx, spec.Service)
	if err != nil {
		return err
	}
	// The first deployment of a service serves immediately
	serve := active == "" || active == spec.Slot

	existing, err := r.list(ctx, spec.Service, spec.Slot, true)
	if err != nil {
		return err
	}
	old := make([]string, 0, len(existing))
	for _, c := range existing {
		old = append(old, c.ID)
	}

	logger := log.WithComponent("runtime")
	logger.Info().
		Str("service", spec.Service).
		Str("slot", spec.Slot).
		Str("image", spec.Image).
		Str("mode", string(spec.Mode)).
		Int("replicas", spec.Replicas).
		Int("existing", len(old)).
		Bool("serving", serve).
		Msg("Applying containers")

	return replace(ctx, spec, old, replacer{
		start: func(ctx context.Context, ordinal int) error {
			return r.startOne(ctx, spec, ordinal, netName, serve)
		},
		remove: r.remove,
		sleep:  r.sleep,
	})
}

func (r *DockerRuntime) startOne(ctx context.Context, spec ApplySpec, ordinal int, netName string, serve bool) error {
	labels := map[string]string{}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[LabelService] = spec.Service
	labels[LabelSlot] = spec.Slot
	labels[LabelReplica] = strconv.Itoa(ordinal)

	config := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: labels,
	}
	if spec.Port > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
		if err != nil {
			return fmt.Errorf("invalid port %d: %w", spec.Port, err)
		}
		config.ExposedPorts = nat.PortSet{port: struct{}{}}
	}

	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	var networking *network.NetworkingConfig
	if serve {
		networking = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				netName: {Aliases: []string{spec.Service}},
			},
		}
	}

	name := fmt.Sprintf("%s-%s-%d-%s", spec.Service, spec.Slot, ordinal, r.suffix())
	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, networking, nil, name)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", name, err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return r.waitRunning(ctx, resp.ID, name)
}

// waitRunning polls until the container runs and, if it defines a
// healthcheck, reports healthy
func (r *DockerRuntime) waitRunning(ctx context.Context, id, name string) error {
	polls := max(1, int(r.startTimeout/r.pollInterval))
	for i := 0; ; i++ {
		info, err := r.cli.ContainerInspect(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to inspect container %s: %w", name, err)
		}
		if st := info.State; st != nil {
			switch {
			case st.Status == "exited" || st.Status == "dead":
				return fmt.Errorf("container %s exited with code %d", name, st.ExitCode)
			case st.Running && (st.Health == nil || st.Health.Status == "healthy"):
				return nil
			case st.Health != nil && st.Health.Status == "unhealthy":
				return fmt.Errorf("container %s is unhealthy", name)
			}
		}
		if i >= polls {
			return fmt.Errorf("container %s not running after %s", name, r.startTimeout)
		}
		if err := r.sleep(ctx, r.pollInterval); err != nil {
			return err
		}
	}
}

func (r *DockerRuntime) remove(ctx context.Context, id string) error {
	timeout := int(r.stopTimeout.Seconds())
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		return err
	}
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

// Status reports a slot as running only when every container runs and none
// is still starting or unhealthy
func (r *DockerRuntime) Status(ctx context.Context, service, slot string) (State, error) {
	containers, err := r.list(ctx, service, slot, true)
	if err != nil {
		return StateUnknown, err
	}
	if len(containers) == 0 {
		return StateStopped, nil
	}

	state := StateRunning
	for _, c := range containers {
		if c.State != "running" {
			return StateStopped, nil
		}
		if strings.Contains(c.Status, "health: starting") || strings.Contains(c.Status, "unhealthy") {
			state = StateUnknown
		}
	}
	return state, nil
}

// ActiveSlot returns the slot whose containers sit on the traffic network
func (r *DockerRuntime) ActiveSlot(ctx context.Context, service string) (string, error) {
	containers, err := r.list(ctx, service, "", false)
	if err != nil {
		return "", err
	}
	netName := r.networkName(service)
	for _, c := range containers {
		if c.NetworkSettings == nil {
			continue
		}
		if _, ok := c.NetworkSettings.Networks[netName]; ok {
			return c.Labels[LabelSlot], nil
		}
	}
	return "", nil
}

// RunningImage returns the image of the slot's first container
func (r *DockerRuntime) RunningImage(ctx context.Context, service, slot string) (string, error) {
	containers, err := r.list(ctx, service, slot, false)
	if err != nil || len(containers) == 0 {
		return "", err
	}
	return containers[0].Image, nil
}

// SwitchTraffic attaches slot to the traffic network under the service alias
// and detaches every other slot. Any failure restores the previous
// attachments before returning.
func (r *DockerRuntime) SwitchTraffic(ctx context.Context, service, slot string) error {
	netName, err := r.ensureNetwork(ctx, service)
	if err != nil {
		return err
	}

	all, err := r.list(ctx, service, "", false)
	if err != nil {
		return err
	}

	var target, current []container.Summary
	for _, c := range all {
		attached := c.NetworkSettings != nil && c.NetworkSettings.Networks[netName] != nil
		switch {
		case c.Labels[LabelSlot] == slot && !attached:
			target = append(target, c)
		case c.Labels[LabelSlot] != slot && attached:
			current = append(current, c)
		}
	}
	if len(target) == 0 && len(current) == 0 {
		if len(all) == 0 {
			return fmt.Errorf("service %s has no containers", service)
		}
		return nil
	}

	endpoint := func() *network.EndpointSettings {
		return &network.EndpointSettings{Aliases: []string{service}}
	}

	var connected, disconnected []string
	revert := func() {
		for _, id := range connected {
			_ = r.cli.NetworkDisconnect(ctx, netName, id, true)
		}
		for _, id := range disconnected {
			_ = r.cli.NetworkConnect(ctx, netName, id, endpoint())
		}
	}

	for _, c := range target {
		if err := r.cli.NetworkConnect(ctx, netName, c.ID, endpoint()); err != nil {
			revert()
			return fmt.Errorf("failed to attach %s to %s: %w", containerName(c), netName, err)
		}
		connected = append(connected, c.ID)
	}
	for _, c := range current {
		if err := r.cli.NetworkDisconnect(ctx, netName, c.ID, false); err != nil {
			revert()
			return fmt.Errorf("failed to detach %s from %s: %w", containerName(c), netName, err)
		}
		disconnected = append(disconnected, c.ID)
	}

	logger := log.WithComponent("runtime")
	logger.Info().
		Str("service", service).
		Str("slot", slot).
		Str("network", netName).
		Int("attached", len(connected)).
		Int("detached", len(disconnected)).
		Msg("Traffic switched")
	return nil
}

// Teardown removes every container of a slot
func (r *DockerRuntime) Teardown(ctx context.Context, service, slot string) error {
	containers, err := r.list(ctx, service, slot, true)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if err := r.remove(ctx, c.ID); err != nil {
			return fmt.Errorf("failed to remove %s: %w", containerName(c), err)
		}
	}
	return nil
}

func (r *DockerRuntime) networkName(service string) string {
	if r.network != "" {
		return r.network
	}
	return service + "-traffic"
}

func (r *DockerRuntime) ensureNetwork(ctx context.Context, service string) (string, error) {
	name := r.networkName(service)
	if _, err := r.cli.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return name, nil
	} else if !client.IsErrNotFound(err) {
		return "", fmt.Errorf("failed to inspect network %s: %w", name, err)
	}

	_, err := r.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelService: service},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return name, nil
}

// list returns the service's containers, optionally for one slot, ordered by name
func (r *DockerRuntime) list(ctx context.Context, service, slot string, all bool) ([]container.Summary, error) {
	f := filters.NewArgs(filters.Arg("label", LabelService+"="+service))
	if slot != "" {
		f.Add("label", LabelSlot+"="+slot)
	}

	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: all, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	sort.Slice(containers, func(i, j int) bool {
		return containerName(containers[i]) < containerName(containers[j])
	})
	return containers, nil
}

func containerName(c container.Summary) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	return c.ID
}
