package kubernetes

import (
	"context"
	"io"
	"log/slog"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/splax/releasectl/internal/domain"
)

func testPod(name, env string, ready bool) *corev1.Pod {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "apps",
			Labels:    map[string]string{EnvironmentLabel: env, VersionLabel: "1.0.0"},
		},
		Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "app", Image: "registry/app:1.0.0"}}},
		Status: corev1.PodStatus{Conditions: []corev1.PodCondition{{
			Type:   corev1.PodReady,
			Status: status,
		}}},
	}
}

func newTestProvider(objects ...runtime.Object) (*Provider, *fake.Clientset) {
	client := fake.NewSimpleClientset(objects...)
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	p := NewWithClient(client, Options{
		Namespace:       "apps",
		TrafficService:  "app-live",
		ContainerName:   "app",
		ImageRepository: "registry/app",
	}, logger)
	return p, client
}

func TestListAndUpdateInstances(t *testing.T) {
	p, client := newTestProvider(
		testPod("web-b", "blue", true),
		testPod("web-a", "blue", false),
		testPod("web-c", "green", true),
	)
	ctx := context.Background()

	instances, err := p.ListInstances(ctx, "blue")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(instances) != 2 || instances[0].ID != "web-a" || instances[0].Healthy {
		t.Fatalf("unexpected instances %+v", instances)
	}

	if err := p.UpdateInstance(ctx, "blue", "web-b", "1.1.0"); err != nil {
		t.Fatalf("update: %v", err)
	}
	pod, _ := client.CoreV1().Pods("apps").Get(ctx, "web-b", metav1.GetOptions{})
	if pod.Spec.Containers[0].Image != "registry/app:1.1.0" || pod.Labels[VersionLabel] != "1.1.0" {
		t.Fatalf("pod not updated: %+v", pod.Spec.Containers[0])
	}

	if err := p.UpdateInstance(ctx, "blue", "web-c", "1.1.0"); err == nil {
		t.Fatalf("expected cross-environment update to fail")
	}

	healthy, err := p.InstanceHealth(ctx, "blue", "web-b")
	if err != nil || !healthy {
		t.Fatalf("expected healthy pod, got %v %v", healthy, err)
	}
}

func TestSwitchTraffic(t *testing.T) {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "app-live", Namespace: "apps"},
		Spec:       corev1.ServiceSpec{Selector: map[string]string{"app": "web", EnvironmentLabel: "blue"}},
	}
	p, client := newTestProvider(svc)

	if err := p.SwitchTraffic(context.Background(), "blue", "green"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	got, _ := client.CoreV1().Services("apps").Get(context.Background(), "app-live", metav1.GetOptions{})
	if got.Spec.Selector[EnvironmentLabel] != "green" || got.Spec.Selector["app"] != "web" {
		t.Fatalf("unexpected selector %v", got.Spec.Selector)
	}
}

func TestPatchAnnotations(t *testing.T) {
	p, client := newTestProvider(testPod("web-a", "prod", true))
	ctx := context.Background()
	update := domain.HotUpdate{ID: "hu-1", EnvironmentID: "prod", PatchVersion: "1.0.1"}

	if err := p.ApplyPatch(ctx, "web-a", update); err != nil {
		t.Fatalf("apply: %v", err)
	}
	pod, _ := client.CoreV1().Pods("apps").Get(ctx, "web-a", metav1.GetOptions{})
	if pod.Annotations[HotUpdateAnnotation] != "hu-1" || pod.Annotations[PatchVersionAnnotation] != "1.0.1" {
		t.Fatalf("missing annotations %v", pod.Annotations)
	}

	if err := p.RevertPatch(ctx, "web-a", domain.HotUpdate{ID: "hu-other", EnvironmentID: "prod"}); err != nil {
		t.Fatalf("revert other: %v", err)
	}
	pod, _ = client.CoreV1().Pods("apps").Get(ctx, "web-a", metav1.GetOptions{})
	if pod.Annotations[HotUpdateAnnotation] != "hu-1" {
		t.Fatalf("revert of another update must not strip annotations")
	}

	if err := p.RevertPatch(ctx, "web-a", update); err != nil {
		t.Fatalf("revert: %v", err)
	}
	pod, _ = client.CoreV1().Pods("apps").Get(ctx, "web-a", metav1.GetOptions{})
	if _, ok := pod.Annotations[HotUpdateAnnotation]; ok {
		t.Fatalf("expected annotation removed")
	}
}
