// Package runtimetest provides an in-memory runtime.Client that records
// every call for assertions on call sequences.
package runtimetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cuemby/rollout/pkg/runtime"
)

// Call is one recorded invocation
type Call struct {
	Method   string
	Service  string
	Slot     string
	Image    string
	Mode     runtime.Mode
	Replicas int
}

func (c Call) String() string {
	parts := []string{c.Method}
	for _, p := range []string{c.Service, c.Slot, c.Image, string(c.Mode)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

var mutating = map[string]bool{
	"Pull":          true,
	"Apply":         true,
	"SwitchTraffic": true,
	"Teardown":      true,
	"PruneImages":   true,
}

type slotState struct {
	image    string
	replicas int
}

// Runtime is a fake runtime.Client. The zero value is not usable; use New.
type Runtime struct {
	mu     sync.Mutex
	calls  []Call
	slots  map[string]map[string]*slotState
	active map[string]string

	// Images lists the images ImageExists reports as resolvable. Nil means every image.
	Images map[string]bool
	// Fail maps a method name to the error it returns
	Fail map[string]error
	// FailImage makes Apply fail for one image
	FailImage map[string]error
	// NotReady lists images whose slots never report StateRunning
	NotReady map[string]bool
	// Pruned is returned by PruneImages
	Pruned uint64
}

// New returns an empty fake
func New() *Runtime {
	return &Runtime{
		slots:     map[string]map[string]*slotState{},
		active:    map[string]string{},
		Fail:      map[string]error{},
		FailImage: map[string]error{},
		NotReady:  map[string]bool{},
	}
}

// Seed pretends a slot already runs image and serves traffic
func (r *Runtime) Seed(service, slot, image string, replicas int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slot(service, slot, true).image = image
	r.slots[service][slot].replicas = replicas
	r.active[service] = slot
}

// Calls returns a copy of every recorded call
func (r *Runtime) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Methods returns the recorded calls rendered as strings
func (r *Runtime) Methods() []string {
	var out []string
	for _, c := range r.Calls() {
		out = append(out, c.String())
	}
	return out
}

// MutatingCalls returns the calls that change runtime state
func (r *Runtime) MutatingCalls() []Call {
	var out []Call
	for _, c := range r.Calls() {
		if mutating[c.Method] {
			out = append(out, c)
		}
	}
	return out
}

// Slots returns the slots of service that have instances
func (r *Runtime) Slots(service string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name, s := range r.slots[service] {
		if s.replicas > 0 {
			out = append(out, name)
		}
	}
	return out
}

// Image returns the image a slot runs
func (r *Runtime) Image(service, slot string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.slot(service, slot, false); s != nil {
		return s.image
	}
	return ""
}

// Active returns the slot serving traffic
func (r *Runtime) Active(service string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[service]
}

// Reset forgets recorded calls but keeps state
func (r *Runtime) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *Runtime) slot(service, slot string, create bool) *slotState {
	if r.slots[service] == nil {
		if !create {
			return nil
		}
		r.slots[service] = map[string]*slotState{}
	}
	s := r.slots[service][slot]
	if s == nil && create {
		s = &slotState{}
		r.slots[service][slot] = s
	}
	return s
}

func (r *Runtime) record(c Call) error {
	r.calls = append(r.calls, c)
	return r.Fail[c.Method]
}

func (r *Runtime) Name() string { return "fake" }

func (r *Runtime) Pull(_ context.Context, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record(Call{Method: "Pull", Image: image})
}

func (r *Runtime) ImageExists(_ context.Context, image string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(Call{Method: "ImageExists", Image: image}); err != nil {
		return false, err
	}
	return r.Images == nil || r.Images[image], nil
}

func (r *Runtime) Apply(_ context.Context, spec runtime.ApplySpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(Call{Method: "Apply", Service: spec.Service, Slot: spec.Slot, Image: spec.Image, Mode: spec.Mode, Replicas: spec.Replicas}); err != nil {
		return err
	}
	if err := r.FailImage[spec.Image]; err != nil {
		return err
	}
	s := r.slot(spec.Service, spec.Slot, true)
	s.image = spec.Image
	s.replicas = spec.Replicas
	if r.active[spec.Service] == "" {
		r.active[spec.Service] = spec.Slot
	}
	return nil
}

func (r *Runtime) Status(_ context.Context, service, slot string) (runtime.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(Call{Method: "Status", Service: service, Slot: slot}); err != nil {
		return runtime.StateUnknown, err
	}
	s := r.slot(service, slot, false)
	switch {
	case s == nil || s.replicas == 0:
		return runtime.StateStopped, nil
	case r.NotReady[s.image]:
		return runtime.StateUnknown, nil
	default:
		return runtime.StateRunning, nil
	}
}

func (r *Runtime) ActiveSlot(_ context.Context, service string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(Call{Method: "ActiveSlot", Service: service}); err != nil {
		return "", err
	}
	return r.active[service], nil
}

func (r *Runtime) RunningImage(_ context.Context, service, slot string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(Call{Method: "RunningImage", Service: service, Slot: slot}); err != nil {
		return "", err
	}
	if s := r.slot(service, slot, false); s != nil && s.replicas > 0 {
		return s.image, nil
	}
	return "", nil
}

func (r *Runtime) SwitchTraffic(_ context.Context, service, slot string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(Call{Method: "SwitchTraffic", Service: service, Slot: slot}); err != nil {
		return err
	}
	if s := r.slot(service, slot, false); s == nil || s.replicas == 0 {
		return fmt.Errorf("slot %s of %s has no instances", slot, service)
	}
	r.active[service] = slot
	return nil
}

func (r *Runtime) Teardown(_ context.Context, service, slot string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(Call{Method: "Teardown", Service: service, Slot: slot}); err != nil {
		return err
	}
	if r.slots[service] != nil {
		delete(r.slots[service], slot)
	}
	if r.active[service] == slot {
		delete(r.active, service)
	}
	return nil
}

func (r *Runtime) PruneImages(context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(Call{Method: "PruneImages"}); err != nil {
		return 0, err
	}
	return r.Pruned, nil
}

func (r *Runtime) Close() error { return nil }

var (
	_ runtime.Client = (*Runtime)(nil)
	_ runtime.Pruner = (*Runtime)(nil)
)
