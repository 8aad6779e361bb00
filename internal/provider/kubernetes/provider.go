// Package kubernetes adapts a Kubernetes namespace to the provider
// contracts: pods labelled with an environment id are its instances, a
// Service selector carries live traffic, and hot update patches are tracked
// as pod annotations.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"

	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/provider"
)

const (
	EnvironmentLabel       = "releasectl.io/environment"
	VersionLabel           = "releasectl.io/version"
	HotUpdateAnnotation    = "releasectl.io/hot-update"
	PatchVersionAnnotation = "releasectl.io/patch-version"
)

// Options configures the provider.
type Options struct {
	Namespace       string
	TrafficService  string
	ContainerName   string
	ImageRepository string
}

// Provider implements InstanceProvider, TrafficSwitcher and PatchApplier.
type Provider struct {
	client kubernetes.Interface
	opts   Options
	logger *slog.Logger
}

var (
	_ provider.InstanceProvider = (*Provider)(nil)
	_ provider.TrafficSwitcher  = (*Provider)(nil)
	_ provider.PatchApplier     = (*Provider)(nil)
)

// New creates a provider from in-cluster configuration, falling back to
// KUBECONFIG when running outside a cluster.
func New(opts Options, log *slog.Logger) (*Provider, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG"))
		if kubeconfig == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewWithClient(clientset, opts, log), nil
}

// NewWithClient wraps an existing clientset.
func NewWithClient(client kubernetes.Interface, opts Options, log *slog.Logger) *Provider {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provider{client: client, opts: opts, logger: log.With("component", "kubernetes")}
}

// ListInstances returns the environment's pods ordered by name.
func (p *Provider) ListInstances(ctx context.Context, environmentID string) ([]provider.Instance, error) {
	pods, err := p.pods().List(ctx, metav1.ListOptions{LabelSelector: labelSelector(environmentID)})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	instances := make([]provider.Instance, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		instances = append(instances, provider.Instance{
			ID:      pod.Name,
			Version: pod.Labels[VersionLabel],
			Healthy: isPodReady(pod),
		})
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

// UpdateInstance points the pod's container at the version's image.
func (p *Provider) UpdateInstance(ctx context.Context, environmentID, instanceID, version string) error {
	image := p.image(version)
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		pod, err := p.instancePod(ctx, environmentID, instanceID)
		if err != nil {
			return err
		}
		idx := p.containerIndex(pod)
		if idx < 0 {
			return fmt.Errorf("pod %s has no container %q", instanceID, p.opts.ContainerName)
		}
		pod.Spec.Containers[idx].Image = image
		if pod.Labels == nil {
			pod.Labels = map[string]string{}
		}
		pod.Labels[VersionLabel] = version
		_, err = p.pods().Update(ctx, pod, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("update instance %s: %w", instanceID, err)
	}
	p.logger.Info("instance updated", "environment_id", environmentID, "instance_id", instanceID, "image", image)
	return nil
}

// InstanceHealth reports the pod's Ready condition.
func (p *Provider) InstanceHealth(ctx context.Context, environmentID, instanceID string) (bool, error) {
	pod, err := p.instancePod(ctx, environmentID, instanceID)
	if err != nil {
		return false, err
	}
	return isPodReady(pod), nil
}

// SwitchTraffic repoints the traffic Service selector at the target environment.
func (p *Provider) SwitchTraffic(ctx context.Context, fromEnvironmentID, toEnvironmentID string) error {
	if p.opts.TrafficService == "" {
		return fmt.Errorf("traffic service not configured")
	}
	services := p.client.CoreV1().Services(p.opts.Namespace)
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		svc, err := services.Get(ctx, p.opts.TrafficService, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if svc.Spec.Selector == nil {
			svc.Spec.Selector = map[string]string{}
		}
		svc.Spec.Selector[EnvironmentLabel] = toEnvironmentID
		_, err = services.Update(ctx, svc, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("switch traffic: %w", err)
	}
	p.logger.Info("traffic switched", "from", fromEnvironmentID, "to", toEnvironmentID, "service", p.opts.TrafficService)
	return nil
}

// ApplyPatch annotates the pod with the hot update it carries.
func (p *Provider) ApplyPatch(ctx context.Context, instanceID string, update domain.HotUpdate) error {
	return p.annotate(ctx, update.EnvironmentID, instanceID, func(annotations map[string]string) {
		annotations[HotUpdateAnnotation] = update.ID
		annotations[PatchVersionAnnotation] = update.PatchVersion
	})
}

// RevertPatch removes the hot update annotations if they name update.
func (p *Provider) RevertPatch(ctx context.Context, instanceID string, update domain.HotUpdate) error {
	return p.annotate(ctx, update.EnvironmentID, instanceID, func(annotations map[string]string) {
		if annotations[HotUpdateAnnotation] != update.ID {
			return
		}
		delete(annotations, HotUpdateAnnotation)
		delete(annotations, PatchVersionAnnotation)
	})
}

func (p *Provider) annotate(ctx context.Context, environmentID, instanceID string, mutate func(map[string]string)) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		pod, err := p.instancePod(ctx, environmentID, instanceID)
		if err != nil {
			return err
		}
		if pod.Annotations == nil {
			pod.Annotations = map[string]string{}
		}
		mutate(pod.Annotations)
		_, err = p.pods().Update(ctx, pod, metav1.UpdateOptions{})
		return err
	})
}

func (p *Provider) instancePod(ctx context.Context, environmentID, instanceID string) (*corev1.Pod, error) {
	pod, err := p.pods().Get(ctx, instanceID, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, fmt.Errorf("instance %s not found", instanceID)
		}
		return nil, fmt.Errorf("get pod: %w", err)
	}
	if environmentID != "" && pod.Labels[EnvironmentLabel] != environmentID {
		return nil, fmt.Errorf("instance %s does not belong to environment %s", instanceID, environmentID)
	}
	return pod, nil
}

func (p *Provider) pods() typedcorev1.PodInterface {
	return p.client.CoreV1().Pods(p.opts.Namespace)
}

func (p *Provider) containerIndex(pod *corev1.Pod) int {
	if len(pod.Spec.Containers) == 0 {
		return -1
	}
	if p.opts.ContainerName == "" {
		return 0
	}
	for i, c := range pod.Spec.Containers {
		if c.Name == p.opts.ContainerName {
			return i
		}
	}
	return -1
}

func (p *Provider) image(version string) string {
	if p.opts.ImageRepository == "" {
		return version
	}
	return p.opts.ImageRepository + ":" + version
}

func labelSelector(environmentID string) string {
	return fmt.Sprintf("%s=%s", EnvironmentLabel, environmentID)
}

func isPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
