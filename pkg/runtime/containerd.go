package runtime

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/containerd/remotes/docker"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/distribution/reference"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace for rollout
	DefaultNamespace = "rollout"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime runs a service as host-network containerd tasks. There is
// no network primitive to move, so the active slot is a container label that
// the fronting proxy reads; SwitchTraffic rewrites those labels.
type ContainerdRuntime struct {
	client      *containerd.Client
	namespace   string
	stopTimeout time.Duration
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:      client,
		namespace:   namespace,
		stopTimeout: 10 * time.Second,
	}, nil
}

func (r *ContainerdRuntime) Name() string { return "containerd" }

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// normalize expands short references (api:v1) to the fully qualified form
// containerd requires (docker.io/library/api:v1)
func normalize(ref string) (string, error) {
	named, err := reference.ParseDockerRef(ref)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %s: %w", ref, err)
	}
	return named.String(), nil
}

// Pull pulls and unpacks an image
func (r *ContainerdRuntime) Pull(ctx context.Context, ref string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	full, err := normalize(ref)
	if err != nil {
		return err
	}
	if _, err := r.client.Pull(ctx, full, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", full, err)
	}
	return nil
}

// ImageExists checks the local store, then resolves the manifest remotely
func (r *ContainerdRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	full, err := normalize(ref)
	if err != nil {
		return false, err
	}
	if _, err := r.client.GetImage(ctx, full); err == nil {
		return true, nil
	} else if !errdefs.IsNotFound(err) {
		return false, fmt.Errorf("failed to get image %s: %w", full, err)
	}

	resolver := docker.NewResolver(docker.ResolverOptions{})
	if _, _, err := resolver.Resolve(ctx, full); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to resolve image %s: %w", full, err)
	}
	return true, nil
}

// Apply converges a slot to spec
func (r *ContainerdRuntime) Apply(ctx context.Context, spec ApplySpec) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	active, err := r.ActiveSlot(ctx, spec.Service)
	if err != nil {
		return err
	}
	serve := active == "" || active == spec.Slot

	existing, err := r.containers(ctx, spec.Service, spec.Slot)
	if err != nil {
		return err
	}
	old := make([]string, 0, len(existing))
	for _, c := range existing {
		old = append(old, c.ID())
	}

	logger := log.WithComponent("runtime")
	logger.Info().
		Str("service", spec.Service).
		Str("slot", spec.Slot).
		Str("image", spec.Image).
		Int("replicas", spec.Replicas).
		Msg("Applying containerd tasks")

	return replace(ctx, spec, old, replacer{
		start: func(ctx context.Context, ordinal int) error {
			return r.startOne(ctx, spec, ordinal, serve)
		},
		remove: r.remove,
		sleep:  sleepCtx,
	})
}

func (r *ContainerdRuntime) startOne(ctx context.Context, spec ApplySpec, ordinal int, serve bool) error {
	full, err := normalize(spec.Image)
	if err != nil {
		return err
	}

	// Get the image
	image, err := r.client.GetImage(ctx, full)
	if err != nil {
		return fmt.Errorf("failed to get image %s: %w", full, err)
	}

	labels := map[string]string{}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[LabelService] = spec.Service
	labels[LabelSlot] = spec.Slot
	labels[LabelReplica] = strconv.Itoa(ordinal)
	labels[LabelActive] = strconv.FormatBool(serve)

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}

	id := fmt.Sprintf("%s-%s-%d-%s", spec.Service, spec.Slot, ordinal, uuid.NewString()[:8])
	container, err := r.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	// Create a task (running instance)
	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	// Start the task
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get task status: %w", err)
	}
	if status.Status != containerd.Running {
		return fmt.Errorf("container %s is %s after start", id, status.Status)
	}
	return nil
}

// remove stops the task gracefully (SIGTERM, then SIGKILL after the stop
// timeout) and deletes the container with its snapshot
func (r *ContainerdRuntime) remove(ctx context.Context, id string) error {
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, r.stopTimeout)
		defer cancel()

		statusC, err := task.Wait(stopCtx)
		if err != nil {
			return fmt.Errorf("failed to wait for task: %w", err)
		}
		if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to kill task: %w", err)
		}

		select {
		case <-statusC:
		case <-stopCtx.Done():
			if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
				return fmt.Errorf("failed to force kill task: %w", err)
			}
			<-statusC
		}

		if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// Status reports running when every container of the slot has a running task
func (r *ContainerdRuntime) Status(ctx context.Context, service, slot string) (State, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.containers(ctx, service, slot)
	if err != nil {
		return StateUnknown, err
	}
	if len(containers) == 0 {
		return StateStopped, nil
	}

	for _, c := range containers {
		task, err := c.Task(ctx, nil)
		if err != nil {
			// No task means container is not running
			return StateStopped, nil
		}
		status, err := task.Status(ctx)
		if err != nil {
			return StateUnknown, fmt.Errorf("failed to get task status: %w", err)
		}
		switch status.Status {
		case containerd.Running:
		case containerd.Stopped:
			return StateStopped, nil
		default:
			return StateUnknown, nil
		}
	}
	return StateRunning, nil
}

// ActiveSlot returns the slot of the containers labelled active
func (r *ContainerdRuntime) ActiveSlot(ctx context.Context, service string) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx, fmt.Sprintf(`labels.%q==%s,labels.%q==true`, LabelService, service, LabelActive))
	if err != nil {
		return "", fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			return "", err
		}
		return labels[LabelSlot], nil
	}
	return "", nil
}

// RunningImage returns the image name of the slot's first container
func (r *ContainerdRuntime) RunningImage(ctx context.Context, service, slot string) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.containers(ctx, service, slot)
	if err != nil || len(containers) == 0 {
		return "", err
	}
	info, err := containers[0].Info(ctx)
	if err != nil {
		return "", err
	}
	return info.Image, nil
}

// SwitchTraffic marks slot active and every other slot inactive. Target
// labels are set first so the service is never without an active slot.
func (r *ContainerdRuntime) SwitchTraffic(ctx context.Context, service, slot string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	all, err := r.containers(ctx, service, "")
	if err != nil {
		return err
	}

	var target, others []containerd.Container
	for _, c := range all {
		labels, err := c.Labels(ctx)
		if err != nil {
			return err
		}
		if labels[LabelSlot] == slot {
			target = append(target, c)
		} else if labels[LabelActive] == "true" {
			others = append(others, c)
		}
	}
	if len(target) == 0 {
		return fmt.Errorf("slot %s of %s has no containers", slot, service)
	}

	for _, c := range target {
		if _, err := c.SetLabels(ctx, map[string]string{LabelActive: "true"}); err != nil {
			return fmt.Errorf("failed to activate %s: %w", c.ID(), err)
		}
	}
	for _, c := range others {
		if _, err := c.SetLabels(ctx, map[string]string{LabelActive: "false"}); err != nil {
			return fmt.Errorf("failed to deactivate %s: %w", c.ID(), err)
		}
	}
	return nil
}

// Teardown removes every container of a slot
func (r *ContainerdRuntime) Teardown(ctx context.Context, service, slot string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.containers(ctx, service, slot)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if err := r.remove(ctx, c.ID()); err != nil {
			return err
		}
	}
	return nil
}

// containers lists the service's containers, optionally for one slot, by id
func (r *ContainerdRuntime) containers(ctx context.Context, service, slot string) ([]containerd.Container, error) {
	filter := fmt.Sprintf(`labels.%q==%s`, LabelService, service)
	if slot != "" {
		filter += fmt.Sprintf(`,labels.%q==%s`, LabelSlot, slot)
	}

	containers, err := r.client.Containers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	sort.Slice(containers, func(i, j int) bool { return containers[i].ID() < containers[j].ID() })
	return containers, nil
}
