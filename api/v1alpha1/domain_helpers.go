package v1alpha1

import (
	"fmt"
)

// DefaultMaxUnavailable applies when a cluster does not set maxUnavailable.
const DefaultMaxUnavailable int32 = 1

// GetDomainUID returns spec.domainUID, or the object name when unset.
func (d *Domain) GetDomainUID() string {
	if d.Spec.DomainUID != "" {
		return d.Spec.DomainUID
	}
	return d.Name
}

// Cluster returns the named cluster spec, or nil.
func (d *Domain) Cluster(name string) *ClusterSpec {
	for i := range d.Spec.Clusters {
		if d.Spec.Clusters[i].ClusterName == name {
			return &d.Spec.Clusters[i]
		}
	}
	return nil
}

// ReplicaCount returns the configured replicas of a cluster, 0 when unknown.
func (d *Domain) ReplicaCount(cluster string) int {
	if c := d.Cluster(cluster); c != nil && c.Replicas > 0 {
		return int(c.Replicas)
	}
	return 0
}

// MaxUnavailable returns the configured maxUnavailable of a cluster.
func (d *Domain) MaxUnavailable(cluster string) int {
	if c := d.Cluster(cluster); c != nil && c.MaxUnavailable != nil {
		return int(*c.MaxUnavailable)
	}
	return int(DefaultMaxUnavailable)
}

// MinAvailable is the number of cluster members that must stay ready.
func (d *Domain) MinAvailable(cluster string) int {
	return max(d.ReplicaCount(cluster)-d.MaxUnavailable(cluster), 0)
}

// MemberName returns the name of the n-th (1 based) server of the cluster.
func (c *ClusterSpec) MemberName(n int) string {
	prefix := c.ServerNamePrefix
	if prefix == "" {
		prefix = c.ClusterName + "-server"
	}
	return fmt.Sprintf("%s%d", prefix, n)
}

// MemberNames lists every desired member of the cluster.
func (c *ClusterSpec) MemberNames() []string {
	names := make([]string, 0, c.Replicas)
	for i := 1; i <= int(c.Replicas); i++ {
		names = append(names, c.MemberName(i))
	}
	return names
}
