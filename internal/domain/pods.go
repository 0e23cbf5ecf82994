package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	operatorv1alpha1 "github.com/vpatelsj/domain-operator/api/v1alpha1"
)

// Labels and annotations placed on server pods.
const (
	LabelDomainUID         = "operator.stargate.io/domainUID"
	LabelServerName        = "operator.stargate.io/serverName"
	LabelClusterName       = "operator.stargate.io/clusterName"
	LabelCreatedByOperator = "operator.stargate.io/createdByOperator"
	AnnotationSpecHash     = "operator.stargate.io/specHash"

	ContainerName = "server"
)

// Server is one desired server of a domain.
type Server struct {
	Name           string
	Cluster        string
	Env            []corev1.EnvVar
	RestartVersion string
}

// DesiredServers lists every server the domain spec asks for: the admin
// server, standalone managed servers, then cluster members.
func DesiredServers(d *operatorv1alpha1.Domain) []Server {
	var out []Server
	if a := d.Spec.AdminServer; a != nil {
		out = append(out, Server{Name: a.ServerName, Env: a.Env, RestartVersion: a.RestartVersion})
	}
	for _, m := range d.Spec.ManagedServers {
		out = append(out, Server{Name: m.ServerName, Env: m.Env, RestartVersion: m.RestartVersion})
	}
	for i := range d.Spec.Clusters {
		c := &d.Spec.Clusters[i]
		for _, name := range c.MemberNames() {
			out = append(out, Server{Name: name, Cluster: c.ClusterName, Env: c.Env, RestartVersion: c.RestartVersion})
		}
	}
	return out
}

// PodName returns the DNS-safe pod name of a server.
func PodName(domainUID, server string) string {
	name := strings.ToLower(domainUID + "-" + server)
	return strings.ReplaceAll(name, "_", "-")
}

// DomainLabels selects every pod of a domain.
func DomainLabels(domainUID string) map[string]string {
	return map[string]string{
		LabelDomainUID:         domainUID,
		LabelCreatedByOperator: "true",
	}
}

// BuildPod renders the desired pod of a server, stamped with its spec hash.
func BuildPod(d *operatorv1alpha1.Domain, s Server) *corev1.Pod {
	uid := d.GetDomainUID()
	labels := DomainLabels(uid)
	labels[LabelServerName] = s.Name
	if s.Cluster != "" {
		labels[LabelClusterName] = s.Cluster
	}

	env := []corev1.EnvVar{
		{Name: "DOMAIN_UID", Value: uid},
		{Name: "SERVER_NAME", Value: s.Name},
	}
	if s.Cluster != "" {
		env = append(env, corev1.EnvVar{Name: "CLUSTER_NAME", Value: s.Cluster})
	}
	env = append(env, d.Spec.Env...)
	env = append(env, s.Env...)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      PodName(uid, s.Name),
			Namespace: d.Namespace,
			Labels:    labels,
			OwnerReferences: []metav1.OwnerReference{
				*metav1.NewControllerRef(d, operatorv1alpha1.GroupVersion.WithKind("Domain")),
			},
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:            ContainerName,
				Image:           d.Spec.Image,
				ImagePullPolicy: d.Spec.ImagePullPolicy,
				Env:             env,
			}},
			TerminationGracePeriodSeconds: ptr.To[int64](30),
		},
	}
	pod.Annotations = map[string]string{
		AnnotationSpecHash: SpecHash(pod.Spec, d.Spec.RestartVersion, s.RestartVersion),
	}
	return pod
}

// SpecHash fingerprints a pod spec together with the restart versions that
// force a roll.
func SpecHash(spec corev1.PodSpec, restartVersions ...string) string {
	data, _ := json.Marshal(struct {
		Spec     corev1.PodSpec `json:"spec"`
		Versions []string       `json:"versions"`
	}{spec, restartVersions})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// NeedsRoll reports whether the running pod differs from the desired one.
func NeedsRoll(current, desired *corev1.Pod) bool {
	return current.Annotations[AnnotationSpecHash] != desired.Annotations[AnnotationSpecHash]
}

// IsPodReady reports whether the pod's Ready condition is true.
func IsPodReady(pod *corev1.Pod) bool {
	if pod == nil {
		return false
	}
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

// IsDeleting reports whether the pod is being deleted.
func IsDeleting(pod *corev1.Pod) bool {
	return pod != nil && pod.DeletionTimestamp != nil
}

// IsServing reports whether the pod counts as a ready server.
func IsServing(pod *corev1.Pod) bool {
	return IsPodReady(pod) && !IsDeleting(pod)
}
