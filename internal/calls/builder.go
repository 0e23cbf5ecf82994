package calls

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	operatorv1alpha1 "github.com/vpatelsj/domain-operator/api/v1alpha1"
	"github.com/vpatelsj/domain-operator/internal/work"
)

// Builder creates request/response step pairs for the objects the operator
// manages. All steps share the client pool and the rate limiter.
type Builder struct {
	Pool       *Pool[client.Client]
	Limiter    *rate.Limiter
	Timeout    time.Duration
	MaxRetries int
	Backoff    Backoff
}

func (b *Builder) options() []Option {
	var opts []Option
	if b.Timeout > 0 {
		opts = append(opts, WithTimeout(b.Timeout))
	}
	if b.MaxRetries > 0 {
		opts = append(opts, WithMaxRetries(b.MaxRetries))
	}
	if b.Backoff.Cap > 0 {
		opts = append(opts, WithBackoff(b.Backoff))
	}
	return opts
}

func build[T any](b *Builder, params RequestParams, call KubeCall[T], h ResponseHandler[T], next work.Step) work.Step {
	return NewAsyncRequestStep(NewResponseStep(h, next), params, NewKubeCallFactory(call, b.Limiter), b.Pool, b.options()...)
}

// ReadPod reads one pod.
func (b *Builder) ReadPod(namespace, name, domainUID string, h ResponseHandler[*corev1.Pod], next work.Step) work.Step {
	params := RequestParams{Call: "readPod", Namespace: namespace, Name: name, DomainUID: domainUID}
	return build(b, params, getPod, h, next)
}

// ListPods lists the pods matching labels, one page per request when
// limit is set.
func (b *Builder) ListPods(namespace string, labels map[string]string, limit int64, domainUID string, h ResponseHandler[*corev1.PodList], next work.Step) work.Step {
	params := RequestParams{Call: "listPod", Namespace: namespace, Labels: labels, Limit: limit, DomainUID: domainUID}
	return build(b, params, listPods, h, next)
}

// CreatePod creates pod.
func (b *Builder) CreatePod(pod *corev1.Pod, domainUID string, h ResponseHandler[*corev1.Pod], next work.Step) work.Step {
	params := RequestParams{Call: "createPod", Namespace: pod.Namespace, Name: pod.Name, DomainUID: domainUID, Body: pod}
	return build(b, params, createPod, h, next)
}

// DeletePod deletes a pod. Deleting a missing pod succeeds.
func (b *Builder) DeletePod(namespace, name, domainUID string, h ResponseHandler[*corev1.Pod], next work.Step) work.Step {
	params := RequestParams{Call: "deletePod", Namespace: namespace, Name: name, DomainUID: domainUID}
	return build(b, params, deletePod, h, next)
}

// ReadDomain reads a domain.
func (b *Builder) ReadDomain(namespace, name string, h ResponseHandler[*operatorv1alpha1.Domain], next work.Step) work.Step {
	params := RequestParams{Call: "readDomain", Namespace: namespace, Name: name}
	return build(b, params, getDomain, h, next)
}

// ReplaceDomainStatus writes the status subresource of domain.
func (b *Builder) ReplaceDomainStatus(domain *operatorv1alpha1.Domain, h ResponseHandler[*operatorv1alpha1.Domain], next work.Step) work.Step {
	params := RequestParams{
		Call:      "replaceDomainStatus",
		Namespace: domain.Namespace,
		Name:      domain.Name,
		DomainUID: domain.GetDomainUID(),
		Body:      domain,
	}
	return build(b, params, replaceDomainStatus, h, next)
}

func getPod(ctx context.Context, c client.Client, params RequestParams, _ string) (*corev1.Pod, error) {
	pod := &corev1.Pod{}
	if err := c.Get(ctx, client.ObjectKey{Namespace: params.Namespace, Name: params.Name}, pod); err != nil {
		return nil, err
	}
	return pod, nil
}

func listPods(ctx context.Context, c client.Client, params RequestParams, cont string) (*corev1.PodList, error) {
	opts := []client.ListOption{client.InNamespace(params.Namespace)}
	if len(params.Labels) > 0 {
		opts = append(opts, client.MatchingLabels(params.Labels))
	}
	if params.Limit > 0 {
		opts = append(opts, client.Limit(params.Limit))
	}
	if cont != "" {
		opts = append(opts, client.Continue(cont))
	}
	list := &corev1.PodList{}
	if err := c.List(ctx, list, opts...); err != nil {
		return nil, err
	}
	return list, nil
}

func createPod(ctx context.Context, c client.Client, params RequestParams, _ string) (*corev1.Pod, error) {
	body, ok := params.Body.(*corev1.Pod)
	if !ok {
		return nil, fmt.Errorf("createPod: body is %T, not a pod", params.Body)
	}
	pod := body.DeepCopy()
	if err := c.Create(ctx, pod); err != nil {
		return nil, err
	}
	return pod, nil
}

func deletePod(ctx context.Context, c client.Client, params RequestParams, _ string) (*corev1.Pod, error) {
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: params.Namespace, Name: params.Name}}
	if err := c.Delete(ctx, pod); err != nil {
		return nil, err
	}
	return pod, nil
}

func getDomain(ctx context.Context, c client.Client, params RequestParams, _ string) (*operatorv1alpha1.Domain, error) {
	domain := &operatorv1alpha1.Domain{}
	if err := c.Get(ctx, client.ObjectKey{Namespace: params.Namespace, Name: params.Name}, domain); err != nil {
		return nil, err
	}
	return domain, nil
}

func replaceDomainStatus(ctx context.Context, c client.Client, params RequestParams, _ string) (*operatorv1alpha1.Domain, error) {
	body, ok := params.Body.(*operatorv1alpha1.Domain)
	if !ok {
		return nil, fmt.Errorf("replaceDomainStatus: body is %T, not a domain", params.Body)
	}
	domain := body.DeepCopy()
	if err := c.Status().Update(ctx, domain); err != nil {
		return nil, err
	}
	return domain, nil
}
