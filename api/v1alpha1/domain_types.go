package v1alpha1

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DomainSpec defines the desired state of Domain
type DomainSpec struct {
	// DomainUID identifies the domain in pod names and labels. Defaults to metadata.name.
	DomainUID string `json:"domainUID,omitempty"`

	// Image used by every server pod
	Image string `json:"image"`

	// ImagePullPolicy for server containers
	ImagePullPolicy corev1.PullPolicy `json:"imagePullPolicy,omitempty"`

	// RestartVersion forces every server to be cycled when changed
	RestartVersion string `json:"restartVersion,omitempty"`

	// Env is added to every server container
	Env []corev1.EnvVar `json:"env,omitempty"`

	// AdminServer, when set, runs a single unclustered admin server
	AdminServer *ServerSpec `json:"adminServer,omitempty"`

	// ManagedServers are standalone servers that belong to no cluster
	ManagedServers []ServerSpec `json:"managedServers,omitempty"`

	// Clusters of identical managed servers
	Clusters []ClusterSpec `json:"clusters,omitempty"`
}

// ServerSpec describes a single unclustered server
type ServerSpec struct {
	// ServerName is unique within the domain
	ServerName string `json:"serverName"`

	// Env is added after the domain level env
	Env []corev1.EnvVar `json:"env,omitempty"`

	// RestartVersion cycles only this server when changed
	RestartVersion string `json:"restartVersion,omitempty"`
}

// ClusterSpec describes a group of interchangeable servers
type ClusterSpec struct {
	// ClusterName is unique within the domain
	ClusterName string `json:"clusterName"`

	// Replicas is the number of servers to run
	Replicas int32 `json:"replicas"`

	// MaxUnavailable is how many members may be down during a roll (default 1)
	// +optional
	MaxUnavailable *int32 `json:"maxUnavailable,omitempty"`

	// ServerNamePrefix names members <prefix><n>, starting at 1 (default "<clusterName>-server")
	ServerNamePrefix string `json:"serverNamePrefix,omitempty"`

	// Env is added after the domain level env
	Env []corev1.EnvVar `json:"env,omitempty"`

	// RestartVersion cycles the members of this cluster when changed
	RestartVersion string `json:"restartVersion,omitempty"`
}

// DomainStatus defines the observed state of Domain
type DomainStatus struct {
	// ObservedGeneration is the spec generation the status was computed for
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Conditions: Available, Rolling, Completed, Failed
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	// Servers holds one entry per desired server
	Servers []ServerStatus `json:"servers,omitempty"`

	// Clusters holds one entry per cluster
	Clusters []ClusterStatus `json:"clusters,omitempty"`

	// Message provides additional status information
	Message string `json:"message,omitempty"`

	// LastUpdated timestamp
	LastUpdated metav1.Time `json:"lastUpdated,omitempty"`
}

// ServerStatus is the observed state of one server
type ServerStatus struct {
	ServerName  string `json:"serverName"`
	ClusterName string `json:"clusterName,omitempty"`
	PodName     string `json:"podName,omitempty"`

	// State of the server: Running, Starting, Shutdown
	State string `json:"state,omitempty"`

	Ready bool `json:"ready"`
}

// ClusterStatus is the observed state of one cluster
type ClusterStatus struct {
	ClusterName        string `json:"clusterName"`
	Replicas           int32  `json:"replicas"`
	ReadyReplicas      int32  `json:"readyReplicas"`
	MaximumUnavailable int32  `json:"maximumUnavailable"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="UID",type="string",JSONPath=".spec.domainUID"
// +kubebuilder:printcolumn:name="Image",type="string",JSONPath=".spec.image"
// +kubebuilder:printcolumn:name="Message",type="string",JSONPath=".status.message"

// Domain is a set of application servers managed as a unit
type Domain struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   DomainSpec   `json:"spec,omitempty"`
	Status DomainStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// DomainList contains a list of Domain
type DomainList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Domain `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Domain{}, &DomainList{})
}
