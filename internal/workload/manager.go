package workload

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
)

// MatchLabel is the shared label carried by every cluster object belonging to
// one match. Teardown operates purely on this label, never on cached object
// names, so a freshly restarted process can still reclaim old workloads.
const MatchLabel = "matchfleet.io/match-id"

// Params describes the workload to create for one match.
type Params struct {
	MatchID   string
	Namespace string
	Domain    string
	Subpath   string
	Image     string
	Port      int
}

// Handle identifies a provisioned (not necessarily ready) workload.
type Handle struct {
	MatchID   string
	Namespace string
	PodName   string
}

// Lifecycle creates, watches and tears down the three cluster objects behind
// a match. Implementations must be safe for concurrent use.
type Lifecycle interface {
	Create(ctx context.Context, params Params) (*Handle, error)
	WaitReady(ctx context.Context, handle *Handle) error
	Teardown(ctx context.Context, matchID, namespace string) error
}

// Manager implements Lifecycle against the Kubernetes control plane.
type Manager struct {
	client kubernetes.Interface
	logger *zap.Logger
}

// NewManager creates a workload lifecycle manager.
func NewManager(client kubernetes.Interface, logger *zap.Logger) *Manager {
	return &Manager{
		client: client,
		logger: logger,
	}
}

// Create issues the three create calls in order: pod, service, ingress. It
// returns once all three API calls have succeeded, which is before the pod is
// ready. Objects already created when a later call fails are not rolled back
// here; the caller is expected to invoke Teardown, and the reconciler catches
// whatever slips through.
func (m *Manager) Create(ctx context.Context, params Params) (*Handle, error) {
	labels := map[string]string{MatchLabel: params.MatchID}
	name := "match-" + params.MatchID

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: params.Namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:  "game-server",
					Image: params.Image,
					Ports: []corev1.ContainerPort{
						{ContainerPort: int32(params.Port)},
					},
					Env: []corev1.EnvVar{
						{Name: "MATCH_ID", Value: params.MatchID},
					},
				},
			},
		},
	}
	if _, err := m.client.CoreV1().Pods(params.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("failed to create match pod: %w", err)
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: params.Namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: labels,
			Ports: []corev1.ServicePort{
				{
					Port:       int32(params.Port),
					TargetPort: intstr.FromInt(params.Port),
				},
			},
		},
	}
	if _, err := m.client.CoreV1().Services(params.Namespace).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("failed to create match service: %w", err)
	}

	pathType := networkingv1.PathTypePrefix
	ing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: params.Namespace,
			Labels:    labels,
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{
				{
					Host: params.Domain,
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     params.Subpath,
									PathType: &pathType,
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: name,
											Port: networkingv1.ServiceBackendPort{
												Number: int32(params.Port),
											},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
	if _, err := m.client.NetworkingV1().Ingresses(params.Namespace).Create(ctx, ing, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("failed to create match ingress: %w", err)
	}

	m.logger.Info("Match workload created",
		zap.String("match_id", params.MatchID),
		zap.String("namespace", params.Namespace),
		zap.String("domain", params.Domain))

	return &Handle{
		MatchID:   params.MatchID,
		Namespace: params.Namespace,
		PodName:   name,
	}, nil
}

// WaitReady watches the match pod until it reports the Ready condition (nil)
// or a Failed phase (error). The watch is always stopped on return, and the
// caller can abandon the wait at any time by cancelling the context.
func (m *Manager) WaitReady(ctx context.Context, handle *Handle) error {
	watcher, err := m.client.CoreV1().Pods(handle.Namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + handle.PodName,
	})
	if err != nil {
		return fmt.Errorf("failed to watch match pod: %w", err)
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return fmt.Errorf("pod watch for match %s closed before readiness", handle.MatchID)
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok || pod.Name != handle.PodName {
				continue
			}
			if pod.Status.Phase == corev1.PodFailed {
				return fmt.Errorf("match pod %s entered failed phase: %s", handle.PodName, pod.Status.Reason)
			}
			if podReady(pod) {
				return nil
			}
		}
	}
}

func podReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// Teardown deletes every pod, service and ingress carrying the match label.
// Each kind is handled independently and "not found" is tolerated throughout,
// so repeated calls and partially created workloads both clean up the same way.
func (m *Manager) Teardown(ctx context.Context, matchID, namespace string) error {
	selector := MatchLabel + "=" + matchID
	listOpts := metav1.ListOptions{LabelSelector: selector}

	var lastErr error

	pods, err := m.client.CoreV1().Pods(namespace).List(ctx, listOpts)
	if err != nil {
		lastErr = fmt.Errorf("failed to list match pods: %w", err)
	} else {
		for i := range pods.Items {
			err := m.client.CoreV1().Pods(namespace).Delete(ctx, pods.Items[i].Name, metav1.DeleteOptions{})
			if err != nil && !apierrors.IsNotFound(err) {
				lastErr = fmt.Errorf("failed to delete match pod %s: %w", pods.Items[i].Name, err)
			}
		}
	}

	svcs, err := m.client.CoreV1().Services(namespace).List(ctx, listOpts)
	if err != nil {
		lastErr = fmt.Errorf("failed to list match services: %w", err)
	} else {
		for i := range svcs.Items {
			err := m.client.CoreV1().Services(namespace).Delete(ctx, svcs.Items[i].Name, metav1.DeleteOptions{})
			if err != nil && !apierrors.IsNotFound(err) {
				lastErr = fmt.Errorf("failed to delete match service %s: %w", svcs.Items[i].Name, err)
			}
		}
	}

	ings, err := m.client.NetworkingV1().Ingresses(namespace).List(ctx, listOpts)
	if err != nil {
		lastErr = fmt.Errorf("failed to list match ingresses: %w", err)
	} else {
		for i := range ings.Items {
			err := m.client.NetworkingV1().Ingresses(namespace).Delete(ctx, ings.Items[i].Name, metav1.DeleteOptions{})
			if err != nil && !apierrors.IsNotFound(err) {
				lastErr = fmt.Errorf("failed to delete match ingress %s: %w", ings.Items[i].Name, err)
			}
		}
	}

	if lastErr != nil {
		return lastErr
	}

	m.logger.Info("Match workload torn down", zap.String("match_id", matchID))
	return nil
}
