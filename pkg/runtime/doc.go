/*
Package runtime abstracts the container platform a deployment mutates.

# Slots

A service runs as one or more named slots. Rolling and recreate deployments
replace the instances of the slot that currently serves traffic (primary on
a first deployment); blue-green deploys to the other slot and then calls
SwitchTraffic. Exactly one slot of a service receives traffic at a time:

	            ┌──────────── service "api" ────────────┐
	  traffic ─▶│  blue  (active, v1.2.0, 3 replicas)   │
	            │  green (standby, v1.3.0, 3 replicas)  │
	            └───────────────────────────────────────┘

How "receives traffic" is realised depends on the backend:

  - DockerRuntime: the active slot's containers are attached to the
    "<service>-traffic" network under the service name as DNS alias.
  - KubernetesRuntime: one Deployment per slot; the Service selector names
    the active slot, so a switch is a single Service update.
  - ContainerdRuntime: host-network tasks; the active slot carries the
    io.cuemby.rollout.active=true label for the fronting proxy to read.

# Replacement

Apply converges a slot. ModeRecreate removes every instance before starting
new ones. ModeRolling replaces instances in batches: with MaxSurge > 0 new
instances start before old ones are removed, otherwise old ones are removed
first, MaxUnavailable at a time. BatchDelay is waited between batches only.
Docker and containerd share this loop (replace); Kubernetes delegates it to
the Deployment controller with the same surge and unavailable bounds.

# Images

ImageExists never pulls, so pre-flight validation and dry runs stay free of
side effects. Kubernetes pulls on the nodes; its Pull is a no-op and
ImageExists always reports true. Runtimes implementing Pruner reclaim
dangling images after a successful deployment.

# Usage

	rt, err := runtime.NewDockerRuntime(runtime.DockerOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	err = rt.Apply(ctx, runtime.ApplySpec{
		Service:  "api",
		Slot:     types.SlotPrimary,
		Image:    "registry.example.com/api:v1.3.0",
		Mode:     runtime.ModeRolling,
		Replicas: 3,
	})
*/
package runtime
