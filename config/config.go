// Package config defines the user-visible configuration of
// cmd/flowctld, bound to a pflag.FlagSet the way
// DBAShand-cdc-sink-redshift's server.Config binds its own flags.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config is the flowctld process configuration: where to listen, how
// to reach etcd for leader election, the Kubernetes namespaces used
// for storage and compute services, and reconnect tuning.
type Config struct {
	BindAddr    string
	StorageAddr string

	EtcdEndpoints []string
	LeaderKey     string

	KubeNamespaceStorage string
	KubeNamespaceCompute string

	MaxReconnectBackoff time.Duration

	LogLevel string
}

// Bind registers Config's flags on flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.BindAddr, "bind-addr", ":6875",
		"the network address the /metrics HTTP endpoint listens on; also this process's value in the leader election")
	flags.StringVar(&c.StorageAddr, "storage-addr", "localhost:6876",
		"host:port of the externally hosted Storage backend process")
	flags.StringSliceVar(&c.EtcdEndpoints, "etcd-endpoints", []string{"localhost:2379"},
		"etcd endpoints used for leader election")
	flags.StringVar(&c.LeaderKey, "leader-key", "/flowctl/leader",
		"etcd key campaigned for to become the active controller")
	flags.StringVar(&c.KubeNamespaceStorage, "kube-namespace-storage", "flowctl-storage",
		"Kubernetes namespace the storage orchestrator gateway is scoped to")
	flags.StringVar(&c.KubeNamespaceCompute, "kube-namespace-compute", "flowctl-compute",
		"Kubernetes namespace the compute orchestrator gateway is scoped to")
	flags.DurationVar(&c.MaxReconnectBackoff, "max-reconnect-backoff", 32*time.Second,
		"cap on a Rehydrating Client's exponential reconnect backoff")
	flags.StringVar(&c.LogLevel, "log-level", "info",
		"logrus level: panic, fatal, error, warn, info, debug, or trace")
}

// Preflight validates Config after flags have been parsed.
func (c *Config) Preflight() error {
	if c.BindAddr == "" {
		return errors.New("bind-addr unset")
	}
	if c.StorageAddr == "" {
		return errors.New("storage-addr unset")
	}
	if len(c.EtcdEndpoints) == 0 {
		return errors.New("etcd-endpoints unset")
	}
	if c.LeaderKey == "" {
		return errors.New("leader-key unset")
	}
	if c.KubeNamespaceStorage == "" || c.KubeNamespaceCompute == "" {
		return errors.New("kube-namespace-storage and kube-namespace-compute must both be set")
	}
	if c.KubeNamespaceStorage == c.KubeNamespaceCompute {
		return errors.New("kube-namespace-storage and kube-namespace-compute must differ")
	}
	if c.MaxReconnectBackoff <= 0 {
		return errors.New("max-reconnect-backoff must be positive")
	}
	return nil
}
