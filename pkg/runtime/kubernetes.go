package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/rollout/pkg/log"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// Kubernetes label keys
const (
	k8sLabelApp  = "app"
	k8sLabelSlot = "rollout.cuemby.io/slot"
)

// KubernetesOptions configures the Kubernetes runtime
type KubernetesOptions struct {
	Kubeconfig string
	Context    string
	Namespace  string
	// Port is the container and Service port
	Port int
	// ReadyTimeout bounds how long Apply waits for a rollout to finish (default 5m)
	ReadyTimeout time.Duration
}

// KubernetesRuntime deploys each slot as a Deployment. The primary slot uses
// the service name; other slots are suffixed (api-blue, api-green). A Service
// named after the service selects the active slot by label, so switching
// traffic is a single Service update.
type KubernetesRuntime struct {
	clientset    kubernetes.Interface
	namespace    string
	port         int
	readyTimeout time.Duration
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewKubernetesRuntime loads kubeconfig the way kubectl does
func NewKubernetesRuntime(opts KubernetesOptions) (*KubernetesRuntime, error) {
	loader := clientcmd.NewDefaultClientConfigLoadingRules()
	if strings.TrimSpace(opts.Kubeconfig) != "" {
		loader.ExplicitPath = strings.TrimSpace(opts.Kubeconfig)
	}
	overrides := &clientcmd.ConfigOverrides{}
	if strings.TrimSpace(opts.Context) != "" {
		overrides.CurrentContext = strings.TrimSpace(opts.Context)
	}

	cfg := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loader, overrides)
	restCfg, err := cfg.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	if opts.Namespace == "" {
		ns, _, err := cfg.Namespace()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve namespace: %w", err)
		}
		opts.Namespace = ns
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return newKubernetesRuntime(clientset, opts), nil
}

func newKubernetesRuntime(clientset kubernetes.Interface, opts KubernetesOptions) *KubernetesRuntime {
	if opts.Namespace == "" {
		opts.Namespace = metav1.NamespaceDefault
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Minute
	}
	return &KubernetesRuntime{
		clientset:    clientset,
		namespace:    opts.Namespace,
		port:         opts.Port,
		readyTimeout: opts.ReadyTimeout,
		pollInterval: 2 * time.Second,
		sleep:        sleepCtx,
	}
}

func (r *KubernetesRuntime) Name() string { return "kubernetes" }

func (r *KubernetesRuntime) Close() error { return nil }

// Pull is a no-op: the kubelet pulls on every node that schedules a pod
func (r *KubernetesRuntime) Pull(context.Context, string) error { return nil }

// ImageExists cannot be answered by the API server without scheduling a pod,
// so every reference is accepted and a bad tag surfaces as a failed rollout
func (r *KubernetesRuntime) ImageExists(_ context.Context, ref string) (bool, error) {
	logger := log.WithComponent("runtime")
	logger.Debug().Str("image", ref).Msg("Image existence is not checked on kubernetes")
	return true, nil
}

func deploymentName(service, slot string) string {
	if slot == "" || slot == "primary" {
		return service
	}
	return service + "-" + slot
}

func slotLabels(service, slot string) map[string]string {
	return map[string]string{k8sLabelApp: service, k8sLabelSlot: slot}
}

func int32Ptr(v int32) *int32 { return &v }

// Apply creates or updates the slot's Deployment and waits for it to roll out
func (r *KubernetesRuntime) Apply(ctx context.Context, spec ApplySpec) error {
	deployments := r.clientset.AppsV1().Deployments(r.namespace)
	name := deploymentName(spec.Service, spec.Slot)

	desired := r.deployment(spec)
	existing, err := deployments.Get(ctx, name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		if _, err := deployments.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("failed to create deployment %s: %w", name, err)
		}
	case err != nil:
		return fmt.Errorf("failed to get deployment %s: %w", name, err)
	default:
		existing.Labels = desired.Labels
		existing.Spec.Replicas = desired.Spec.Replicas
		existing.Spec.Strategy = desired.Spec.Strategy
		existing.Spec.Template = desired.Spec.Template
		if _, err := deployments.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("failed to update deployment %s: %w", name, err)
		}
	}

	// The first slot of a service gets the Service pointed at it
	if _, err := r.clientset.CoreV1().Services(r.namespace).Get(ctx, spec.Service, metav1.GetOptions{}); apierrors.IsNotFound(err) {
		if err := r.createService(ctx, spec.Service, spec.Slot); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("failed to get service %s: %w", spec.Service, err)
	}

	logger := log.WithComponent("runtime")
	logger.Info().
		Str("namespace", r.namespace).
		Str("deployment", name).
		Str("image", spec.Image).
		Int("replicas", spec.Replicas).
		Msg("Waiting for rollout")

	return r.waitReady(ctx, name, int32(spec.Replicas))
}

func (r *KubernetesRuntime) deployment(spec ApplySpec) *appsv1.Deployment {
	labels := slotLabels(spec.Service, spec.Slot)
	podLabels := map[string]string{}
	for k, v := range spec.Labels {
		podLabels[k] = v
	}
	for k, v := range labels {
		podLabels[k] = v
	}

	strategy := appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType}
	if spec.Mode != ModeRecreate {
		surge, unavailable := spec.BatchSizes()
		maxSurge := intstr.FromInt32(int32(surge))
		maxUnavailable := intstr.FromInt32(int32(unavailable))
		strategy = appsv1.DeploymentStrategy{
			Type: appsv1.RollingUpdateDeploymentStrategyType,
			RollingUpdate: &appsv1.RollingUpdateDeployment{
				MaxSurge:       &maxSurge,
				MaxUnavailable: &maxUnavailable,
			},
		}
	}

	c := corev1.Container{
		Name:  spec.Service,
		Image: spec.Image,
	}
	for _, kv := range spec.Env {
		k, v, _ := strings.Cut(kv, "=")
		c.Env = append(c.Env, corev1.EnvVar{Name: k, Value: v})
	}
	port := spec.Port
	if port == 0 {
		port = r.port
	}
	if port > 0 {
		c.Ports = []corev1.ContainerPort{{Name: "http", ContainerPort: int32(port), Protocol: corev1.ProtocolTCP}}
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      deploymentName(spec.Service, spec.Slot),
			Namespace: r.namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(int32(spec.Replicas)),
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Strategy: strategy,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec:       corev1.PodSpec{Containers: []corev1.Container{c}},
			},
		},
	}
}

func (r *KubernetesRuntime) createService(ctx context.Context, service, slot string) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      service,
			Namespace: r.namespace,
			Labels:    map[string]string{k8sLabelApp: service},
		},
		Spec: corev1.ServiceSpec{
			Selector: slotLabels(service, slot),
		},
	}
	if r.port > 0 {
		svc.Spec.Ports = []corev1.ServicePort{{
			Name:       "http",
			Port:       int32(r.port),
			TargetPort: intstr.FromString("http"),
		}}
	}
	if _, err := r.clientset.CoreV1().Services(r.namespace).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("failed to create service %s: %w", service, err)
	}
	return nil
}

// rolledOut mirrors `kubectl rollout status`
func rolledOut(d *appsv1.Deployment, replicas int32) bool {
	return d.Status.ObservedGeneration >= d.Generation &&
		d.Status.UpdatedReplicas == replicas &&
		d.Status.ReadyReplicas == replicas &&
		d.Status.AvailableReplicas == replicas
}

func progressFailed(d *appsv1.Deployment) (string, bool) {
	for _, c := range d.Status.Conditions {
		if c.Type == appsv1.DeploymentProgressing && c.Status == corev1.ConditionFalse && c.Reason == "ProgressDeadlineExceeded" {
			return c.Message, true
		}
	}
	return "", false
}

func (r *KubernetesRuntime) waitReady(ctx context.Context, name string, replicas int32) error {
	polls := max(1, int(r.readyTimeout/r.pollInterval))
	for i := 0; ; i++ {
		d, err := r.clientset.AppsV1().Deployments(r.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("failed to get deployment %s: %w", name, err)
		}
		if rolledOut(d, replicas) {
			return nil
		}
		if msg, failed := progressFailed(d); failed {
			return fmt.Errorf("deployment %s failed to progress: %s", name, msg)
		}
		if i >= polls {
			return fmt.Errorf("deployment %s not ready after %s (%d/%d ready)", name, r.readyTimeout, d.Status.ReadyReplicas, replicas)
		}
		if err := r.sleep(ctx, r.pollInterval); err != nil {
			return err
		}
	}
}

// Status maps Deployment status onto the coarse runtime state
func (r *KubernetesRuntime) Status(ctx context.Context, service, slot string) (State, error) {
	d, err := r.clientset.AppsV1().Deployments(r.namespace).Get(ctx, deploymentName(service, slot), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return StateStopped, nil
	}
	if err != nil {
		return StateUnknown, err
	}

	replicas := int32(1)
	if d.Spec.Replicas != nil {
		replicas = *d.Spec.Replicas
	}
	switch {
	case replicas == 0:
		return StateStopped, nil
	case rolledOut(d, replicas):
		return StateRunning, nil
	default:
		return StateUnknown, nil
	}
}

// ActiveSlot reads the slot from the Service selector
func (r *KubernetesRuntime) ActiveSlot(ctx context.Context, service string) (string, error) {
	svc, err := r.clientset.CoreV1().Services(r.namespace).Get(ctx, service, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get service %s: %w", service, err)
	}
	return svc.Spec.Selector[k8sLabelSlot], nil
}

// RunningImage returns the image of the slot's pod template
func (r *KubernetesRuntime) RunningImage(ctx context.Context, service, slot string) (string, error) {
	d, err := r.clientset.AppsV1().Deployments(r.namespace).Get(ctx, deploymentName(service, slot), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(d.Spec.Template.Spec.Containers) == 0 {
		return "", nil
	}
	return d.Spec.Template.Spec.Containers[0].Image, nil
}

// SwitchTraffic repoints the Service selector in one update
func (r *KubernetesRuntime) SwitchTraffic(ctx context.Context, service, slot string) error {
	services := r.clientset.CoreV1().Services(r.namespace)
	svc, err := services.Get(ctx, service, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return r.createService(ctx, service, slot)
	}
	if err != nil {
		return fmt.Errorf("failed to get service %s: %w", service, err)
	}

	svc.Spec.Selector = slotLabels(service, slot)
	if _, err := services.Update(ctx, svc, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update service %s: %w", service, err)
	}

	logger := log.WithComponent("runtime")
	logger.Info().
		Str("namespace", r.namespace).
		Str("service", service).
		Str("slot", slot).
		Msg("Traffic switched")
	return nil
}

// Teardown deletes the slot's Deployment and its pods
func (r *KubernetesRuntime) Teardown(ctx context.Context, service, slot string) error {
	policy := metav1.DeletePropagationForeground
	err := r.clientset.AppsV1().Deployments(r.namespace).Delete(ctx, deploymentName(service, slot), metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete deployment %s: %w", deploymentName(service, slot), err)
	}
	return nil
}
