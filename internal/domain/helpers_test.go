package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	operatorv1alpha1 "github.com/vpatelsj/domain-operator/api/v1alpha1"
)

func testDomain() *operatorv1alpha1.Domain {
	return &operatorv1alpha1.Domain{
		ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "sample", UID: "uid-1", Generation: 3},
		Spec: operatorv1alpha1.DomainSpec{
			DomainUID:   "d1",
			Image:       "app:1",
			AdminServer: &operatorv1alpha1.ServerSpec{ServerName: "admin"},
			Clusters: []operatorv1alpha1.ClusterSpec{{
				ClusterName:      "cluster-1",
				Replicas:         3,
				MaxUnavailable:   ptr.To[int32](1),
				ServerNamePrefix: "managed-server",
			}},
		},
	}
}

func readyPod(d *operatorv1alpha1.Domain, server string, ready bool) *corev1.Pod {
	pod := BuildPod(d, Server{Name: server})
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	pod.Status.Conditions = []corev1.PodCondition{{Type: corev1.PodReady, Status: status}}
	return pod
}

func fakeReader(t *testing.T, objs ...client.Object) client.Client {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	require.NoError(t, operatorv1alpha1.AddToScheme(scheme))
	return fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()
}
