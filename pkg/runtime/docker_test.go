package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContainer struct {
	id       string
	name     string
	image    string
	labels   map[string]string
	running  bool
	networks map[string][]string
}

// fakeDocker is an in-memory daemon covering the calls DockerRuntime makes
type fakeDocker struct {
	containers     map[string]*fakeContainer
	networks       map[string]bool
	localImages    map[string]bool
	remoteImages   map[string]bool
	seq            int
	calls          []string
	failDisconnect bool
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		containers:   map[string]*fakeContainer{},
		networks:     map[string]bool{},
		localImages:  map[string]bool{},
		remoteImages: map[string]bool{},
	}
}

func notFoundErr(what string) error {
	return fmt.Errorf("%s: %w", what, cerrdefs.ErrNotFound)
}

func (f *fakeDocker) record(call string) { f.calls = append(f.calls, call) }

func (f *fakeDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.record("pull " + ref)
	if !f.remoteImages[ref] {
		return nil, notFoundErr("manifest unknown")
	}
	f.localImages[ref] = true
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDocker) ImageInspectWithRaw(_ context.Context, ref string) (image.InspectResponse, []byte, error) {
	if f.localImages[ref] {
		return image.InspectResponse{ID: ref}, nil, nil
	}
	return image.InspectResponse{}, nil, notFoundErr("no such image")
}

func (f *fakeDocker) DistributionInspect(_ context.Context, ref, _ string) (registry.DistributionInspect, error) {
	if f.remoteImages[ref] {
		return registry.DistributionInspect{}, nil
	}
	return registry.DistributionInspect{}, notFoundErr("manifest unknown")
}

func (f *fakeDocker) ImagesPrune(context.Context, filters.Args) (image.PruneReport, error) {
	f.record("prune")
	return image.PruneReport{SpaceReclaimed: 42}, nil
}

func (f *fakeDocker) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	var out []container.Summary
	for _, c := range f.containers {
		if !options.All && !c.running {
			continue
		}
		match := true
		for _, want := range options.Filters.Get("label") {
			k, v, _ := strings.Cut(want, "=")
			if c.labels[k] != v {
				match = false
			}
		}
		if !match {
			continue
		}
		nets := map[string]*network.EndpointSettings{}
		for n, aliases := range c.networks {
			nets[n] = &network.EndpointSettings{Aliases: aliases}
		}
		summary := container.Summary{
			ID:              c.id,
			Names:           []string{"/" + c.name},
			Image:           c.image,
			Labels:          c.labels,
			State:           "exited",
			Status:          "Exited (0)",
			NetworkSettings: &container.NetworkSettingsSummary{Networks: nets},
		}
		if c.running {
			summary.State = "running"
			summary.Status = "Up 1 second"
		}
		out = append(out, summary)
	}
	return out, nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, _ *container.HostConfig, networking *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.seq++
	id := fmt.Sprintf("c%02d", f.seq)
	c := &fakeContainer{id: id, name: name, image: config.Image, labels: config.Labels, networks: map[string][]string{}}
	if networking != nil {
		for n, ep := range networking.EndpointsConfig {
			c.networks[n] = ep.Aliases
		}
	}
	f.containers[id] = c
	f.record("create " + config.Labels[LabelSlot] + " " + config.Image)
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.containers[id].running = true
	return nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	c, ok := f.containers[id]
	if !ok {
		return notFoundErr("no such container")
	}
	c.running = false
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	c, ok := f.containers[id]
	if !ok {
		return notFoundErr("no such container")
	}
	f.record("remove " + c.labels[LabelSlot] + " " + c.image)
	delete(f.containers, id)
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	c, ok := f.containers[id]
	if !ok {
		return container.InspectResponse{}, notFoundErr("no such container")
	}
	resp := container.InspectResponse{}
	resp.ContainerJSONBase = &container.ContainerJSONBase{
		ID:    id,
		State: &container.State{Running: c.running, Status: "running"},
	}
	return resp, nil
}

func (f *fakeDocker) NetworkInspect(_ context.Context, name string, _ network.InspectOptions) (network.Inspect, error) {
	if !f.networks[name] {
		return network.Inspect{}, notFoundErr("no such network")
	}
	return network.Inspect{Name: name}, nil
}

func (f *fakeDocker) NetworkCreate(_ context.Context, name string, _ network.CreateOptions) (network.CreateResponse, error) {
	f.networks[name] = true
	f.record("network create " + name)
	return network.CreateResponse{ID: name}, nil
}

func (f *fakeDocker) NetworkConnect(_ context.Context, name, id string, ep *network.EndpointSettings) error {
	f.containers[id].networks[name] = ep.Aliases
	f.record("connect " + f.containers[id].labels[LabelSlot])
	return nil
}

func (f *fakeDocker) NetworkDisconnect(_ context.Context, name, id string, force bool) error {
	if f.failDisconnect && !force {
		return errors.New("endpoint busy")
	}
	delete(f.containers[id].networks, name)
	f.record("disconnect " + f.containers[id].labels[LabelSlot])
	return nil
}

func (f *fakeDocker) Close() error { return nil }

func newTestDocker(f *fakeDocker) *DockerRuntime {
	r := newDockerRuntime(f, DockerOptions{})
	r.sleep = func(context.Context, time.Duration) error { return nil }
	n := 0
	r.suffix = func() string { n++; return fmt.Sprintf("%04d", n) }
	return r
}

func TestDockerImageExists(t *testing.T) {
	f := newFakeDocker()
	f.localImages["api:v1"] = true
	f.remoteImages["api:v2"] = true
	r := newTestDocker(f)
	ctx := context.Background()

	for ref, want := range map[string]bool{"api:v1": true, "api:v2": true, "api:v3": false} {
		ok, err := r.ImageExists(ctx, ref)
		require.NoError(t, err, ref)
		assert.Equal(t, want, ok, ref)
	}
	assert.Empty(t, f.calls, "existence checks never pull")
}

func TestDockerPull(t *testing.T) {
	f := newFakeDocker()
	f.remoteImages["api:v2"] = true
	r := newTestDocker(f)

	require.NoError(t, r.Pull(context.Background(), "api:v2"))
	assert.True(t, f.localImages["api:v2"])
	assert.Error(t, r.Pull(context.Background(), "api:missing"))
}

func TestDockerFirstApplyServesTraffic(t *testing.T) {
	f := newFakeDocker()
	r := newTestDocker(f)
	ctx := context.Background()

	err := r.Apply(ctx, ApplySpec{Service: "api", Slot: "primary", Image: "api:v1", Mode: ModeRolling, Replicas: 2, Port: 8080})
	require.NoError(t, err)

	active, err := r.ActiveSlot(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "primary", active)

	state, err := r.Status(ctx, "api", "primary")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	img, err := r.RunningImage(ctx, "api", "primary")
	require.NoError(t, err)
	assert.Equal(t, "api:v1", img)

	assert.True(t, f.networks["api-traffic"])
}

func TestDockerRollingReplacesInPlace(t *testing.T) {
	f := newFakeDocker()
	r := newTestDocker(f)
	ctx := context.Background()

	spec := ApplySpec{Service: "api", Slot: "primary", Image: "api:v1", Mode: ModeRolling, Replicas: 2}
	require.NoError(t, r.Apply(ctx, spec))
	f.calls = nil

	spec.Image = "api:v2"
	require.NoError(t, r.Apply(ctx, spec))
	assert.Equal(t, []string{
		"remove primary api:v1", "create primary api:v2",
		"remove primary api:v1", "create primary api:v2",
	}, f.calls)

	img, err := r.RunningImage(ctx, "api", "primary")
	require.NoError(t, err)
	assert.Equal(t, "api:v2", img)
}

func TestDockerBlueGreenSwitch(t *testing.T) {
	f := newFakeDocker()
	r := newTestDocker(f)
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, ApplySpec{Service: "api", Slot: "blue", Image: "api:v1", Replicas: 1}))
	require.NoError(t, r.Apply(ctx, ApplySpec{Service: "api", Slot: "green", Image: "api:v2", Replicas: 1}))

	active, err := r.ActiveSlot(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "blue", active, "a new slot does not receive traffic until switched")

	f.calls = nil
	require.NoError(t, r.SwitchTraffic(ctx, "api", "green"))
	assert.Equal(t, []string{"connect green", "disconnect blue"}, f.calls)

	active, err = r.ActiveSlot(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "green", active)

	require.NoError(t, r.Teardown(ctx, "api", "blue"))
	state, err := r.Status(ctx, "api", "blue")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, state)
}

func TestDockerSwitchRevertsOnFailure(t *testing.T) {
	f := newFakeDocker()
	r := newTestDocker(f)
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, ApplySpec{Service: "api", Slot: "blue", Image: "api:v1", Replicas: 1}))
	require.NoError(t, r.Apply(ctx, ApplySpec{Service: "api", Slot: "green", Image: "api:v2", Replicas: 1}))

	f.failDisconnect = true
	err := r.SwitchTraffic(ctx, "api", "green")
	require.Error(t, err)

	active, err := r.ActiveSlot(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "blue", active)
	for _, c := range f.containers {
		if c.labels[LabelSlot] == "green" {
			assert.Empty(t, c.networks, "green must be detached again")
		}
	}
}

func TestDockerPrune(t *testing.T) {
	r := newTestDocker(newFakeDocker())
	reclaimed, err := r.PruneImages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), reclaimed)
}
