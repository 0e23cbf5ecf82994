package calls_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	fakeclient "sigs.k8s.io/controller-runtime/pkg/client/fake"

	operatorv1alpha1 "github.com/vpatelsj/domain-operator/api/v1alpha1"
	"github.com/vpatelsj/domain-operator/internal/calls"
	"github.com/vpatelsj/domain-operator/internal/work"
)

func setupBuilder(t *testing.T, objs ...client.Object) (*calls.Builder, client.Client) {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	require.NoError(t, operatorv1alpha1.AddToScheme(scheme))
	c := fakeclient.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		WithStatusSubresource(&operatorv1alpha1.Domain{}).
		Build()
	b := &calls.Builder{
		Pool:    calls.NewPool(2, func() (client.Client, error) { return c, nil }),
		Timeout: 5 * time.Second,
		Backoff: fastBackoff,
	}
	return b, c
}

func TestBuilder_ReadMissingPod(t *testing.T) {
	e := setupEngine(t)
	b, _ := setupBuilder(t)

	var notFound bool
	step := b.ReadPod("ns", "missing", "d1", calls.ResponseHandler[*corev1.Pod]{
		OnSuccess: func(s *calls.ResponseStep[*corev1.Pod], p *work.Packet, resp *calls.CallResponse[*corev1.Pod]) work.NextAction {
			notFound = resp.NotFound() && resp.Result == nil
			return s.DoNext(p)
		},
	}, nil)

	_, err := run(t, e, step, nil)
	require.NoError(t, err)
	assert.True(t, notFound)
}

func TestBuilder_CreateListDelete(t *testing.T) {
	e := setupEngine(t)
	b, c := setupBuilder(t)
	labels := map[string]string{"operator.stargate.io/domainUID": "d1"}
	newPod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "d1-server1", Labels: labels}}

	var listed []string
	step := work.Chain(
		b.CreatePod(newPod, "d1", calls.ResponseHandler[*corev1.Pod]{}, nil),
		b.ListPods("ns", labels, 0, "d1", calls.ResponseHandler[*corev1.PodList]{
			OnSuccess: func(s *calls.ResponseStep[*corev1.PodList], p *work.Packet, resp *calls.CallResponse[*corev1.PodList]) work.NextAction {
				for _, item := range resp.Result.Items {
					listed = append(listed, item.Name)
				}
				return s.DoContinueListOrNext(p, resp)
			},
		}, nil),
		b.DeletePod("ns", "d1-server1", "d1", calls.ResponseHandler[*corev1.Pod]{}, nil),
		b.DeletePod("ns", "d1-server1", "d1", calls.ResponseHandler[*corev1.Pod]{}, nil),
	)

	_, err := run(t, e, step, nil)
	require.NoError(t, err, "deleting a missing pod succeeds")
	assert.Equal(t, []string{"d1-server1"}, listed)

	err = c.Get(t.Context(), client.ObjectKey{Namespace: "ns", Name: "d1-server1"}, &corev1.Pod{})
	assert.True(t, client.IgnoreNotFound(err) == nil && err != nil)
}

func TestBuilder_CreateExistingPodConflicts(t *testing.T) {
	e := setupEngine(t)
	existing := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "d1-server1"}}
	b, _ := setupBuilder(t, existing)

	fresh := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "d1-server1"}}
	_, err := run(t, e, b.CreatePod(fresh, "d1", calls.ResponseHandler[*corev1.Pod]{}, nil), nil)
	var callErr *calls.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, 409, callErr.StatusCode)
}

func TestBuilder_CreateExistingPodRoutesToConflictStep(t *testing.T) {
	e := setupEngine(t)
	existing := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "d1-server1"}}
	b, _ := setupBuilder(t, existing)

	var conflicts atomic.Int64
	var conflictsSeen int
	conflict := work.NewStep("podExists", func(p *work.Packet, next work.Step) work.NextAction {
		conflicts.Add(1)
		conflictsSeen = calls.ConflictCount(p, "createPod")
		return work.Done()
	}, nil)
	fresh := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "d1-server1"}}

	_, err := run(t, e, b.CreatePod(fresh, "d1", calls.ResponseHandler[*corev1.Pod]{ConflictStep: conflict}, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), conflicts.Load())
	assert.Equal(t, 1, conflictsSeen)
}

func TestBuilder_ReplaceDomainStatus(t *testing.T) {
	e := setupEngine(t)
	domain := &operatorv1alpha1.Domain{
		ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "d1"},
		Spec:       operatorv1alpha1.DomainSpec{Image: "app:1"},
	}
	b, c := setupBuilder(t, domain)

	current := &operatorv1alpha1.Domain{}
	require.NoError(t, c.Get(t.Context(), client.ObjectKeyFromObject(domain), current))
	current.Status.Message = "rolled"

	_, err := run(t, e, b.ReplaceDomainStatus(current, calls.ResponseHandler[*operatorv1alpha1.Domain]{}, nil), nil)
	require.NoError(t, err)

	got := &operatorv1alpha1.Domain{}
	require.NoError(t, c.Get(t.Context(), client.ObjectKeyFromObject(domain), got))
	assert.Equal(t, "rolled", got.Status.Message)
}
