// Package orchestrator implements the Orchestrator Gateway: the
// external collaborator that ensures and drops per-replica managed
// services and reports their comings and goings (spec.md §6).
//
// spec.md §6 lists the orchestrator as an external, out-of-scope
// interface; this package promotes it to a built component backed by
// k8s.io/client-go, in the lifecycle-API shape of the retrieval
// pack's cluster registry (docxology-GuildNet's internal/cluster
// Registry: Get/Close/List wrapping a per-cluster k8s.Client).
package orchestrator

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/coreflow/flowctl/id"
	"github.com/coreflow/flowctl/proto"
)

// ServiceName implements the deterministic codec shared with the
// controller package: "cluster-<instance>-replica-<replica>"
// (spec.md §4.5). It is re-exported here so callers constructing
// orchestrator requests and callers parsing watch events use the
// identical format.
func ServiceName(instanceID id.ComputeInstanceId, replicaID id.ReplicaId) string {
	return proto.FormatServiceName(instanceID, replicaID)
}

// ServiceSpec describes the managed service a replica needs.
type ServiceSpec struct {
	Profile          proto.ReplicaSizeProfile
	AvailabilityZone string
	Image            string
}

// ServiceEvent reports a managed service's address becoming available
// or the service going away.
type ServiceEvent struct {
	Name    string
	Address string
	Removed bool
}

// Gateway is the orchestrator interface used by the controller:
// ensure/drop a managed service for one replica, watch for changes
// across every service this gateway is scoped to, and carve a
// subordinate gateway scoped to a different namespace (spec.md §6:
// "namespacing operation carves a subordinate orchestrator for
// storage vs. compute").
type Gateway interface {
	EnsureService(ctx context.Context, name string, spec ServiceSpec) (address string, err error)
	DropService(ctx context.Context, name string) error
	WatchServices(ctx context.Context) (<-chan ServiceEvent, error)
	Namespace(name string) Gateway
}

// Kubernetes is a Gateway backed by the typed AppsV1 Deployments and
// CoreV1 Services clients of k8s.io/client-go, scoped to one
// namespace.
type Kubernetes struct {
	client    kubernetes.Interface
	namespace string
}

var _ Gateway = (*Kubernetes)(nil)

// NewKubernetes constructs a Gateway scoped to namespace.
func NewKubernetes(client kubernetes.Interface, namespace string) *Kubernetes {
	return &Kubernetes{client: client, namespace: namespace}
}

// Namespace returns a Kubernetes gateway scoped to a different
// namespace, sharing the same underlying client.
func (k *Kubernetes) Namespace(name string) Gateway {
	return &Kubernetes{client: k.client, namespace: name}
}

// EnsureService creates (or leaves alone, if already present) a
// Deployment and ClusterIP Service named name, sized per spec.Profile,
// and returns the service's in-cluster DNS address.
func (k *Kubernetes) EnsureService(ctx context.Context, name string, spec ServiceSpec) (string, error) {
	// spec.md §6: Scale is the process count of a multi-process replica
	// profile (e.g. "2-1" parses to Scale=2, Workers=1); each process
	// becomes one Deployment replica so the orchestrator actually
	// provisions the size the coordinator asked for.
	var replicas = int32(spec.Profile.Scale)
	if replicas < 1 {
		replicas = 1
	}
	var deployment = &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.namespace,
			Labels:    map[string]string{"flowctl/service": name},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"flowctl/service": name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"flowctl/service": name}},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:      "replica",
						Image:     spec.Image,
						Resources: resourceRequirements(spec.Profile),
					}},
					NodeSelector: availabilityZoneSelector(spec.AvailabilityZone),
				},
			},
		},
	}

	var _, err = k.client.AppsV1().Deployments(k.namespace).Create(ctx, deployment, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return "", errors.Wrapf(err, "create deployment %s", name)
	}

	var service = &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: k.namespace},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"flowctl/service": name},
			Ports:    []corev1.ServicePort{{Port: 6877, Name: "compute"}},
		},
	}
	_, err = k.client.CoreV1().Services(k.namespace).Create(ctx, service, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return "", errors.Wrapf(err, "create service %s", name)
	}

	return fmt.Sprintf("%s.%s.svc.cluster.local:6877", name, k.namespace), nil
}

// DropService deletes the Deployment and Service for name. Deleting a
// service that no longer exists is not an error (idempotent, matching
// spec.md §4.5's "drop_instance ... asks the orchestrator to drop the
// instance-level service").
func (k *Kubernetes) DropService(ctx context.Context, name string) error {
	var err = k.client.AppsV1().Deployments(k.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.Wrapf(err, "delete deployment %s", name)
	}
	err = k.client.CoreV1().Services(k.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.Wrapf(err, "delete service %s", name)
	}
	return nil
}

// WatchServices returns a channel of ServiceEvents sourced from a
// SharedInformer over this namespace's Services, the same
// watch-and-demultiplex shape as the retrieval pack's cluster
// registry wraps around k8s.Client/dynamic.Interface for per-service
// lifecycle.
func (k *Kubernetes) WatchServices(ctx context.Context) (<-chan ServiceEvent, error) {
	var out = make(chan ServiceEvent)

	var factory = newServiceListWatch(k.client, k.namespace)
	var informer = cache.NewSharedInformer(factory, &corev1.Service{}, 0)
	var _, err = informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if svc, ok := obj.(*corev1.Service); ok {
				emitServiceEvent(ctx, out, svc, false)
			}
		},
		UpdateFunc: func(_, obj interface{}) {
			if svc, ok := obj.(*corev1.Service); ok {
				emitServiceEvent(ctx, out, svc, false)
			}
		},
		DeleteFunc: func(obj interface{}) {
			if svc, ok := obj.(*corev1.Service); ok {
				emitServiceEvent(ctx, out, svc, true)
			} else if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
				if svc, ok := tomb.Obj.(*corev1.Service); ok {
					emitServiceEvent(ctx, out, svc, true)
				}
			}
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "register service event handler")
	}

	go func() {
		defer close(out)
		informer.Run(ctx.Done())
	}()

	return out, nil
}

func emitServiceEvent(ctx context.Context, out chan<- ServiceEvent, svc *corev1.Service, removed bool) {
	var evt = ServiceEvent{
		Name:    svc.Name,
		Address: fmt.Sprintf("%s.%s.svc.cluster.local:6877", svc.Name, svc.Namespace),
		Removed: removed,
	}
	select {
	case out <- evt:
	case <-ctx.Done():
	}
}

// resourceRequirements translates a ReplicaSizeProfile into a
// Kubernetes ResourceRequirements, honoring explicit CPU/Memory
// overrides where the profile sets them (spec.md §6).
func resourceRequirements(p proto.ReplicaSizeProfile) corev1.ResourceRequirements {
	var limits = corev1.ResourceList{}
	if p.CPULimit != "" {
		limits[corev1.ResourceCPU] = mustQuantity(p.CPULimit)
	}
	if p.MemoryLimit != "" {
		limits[corev1.ResourceMemory] = mustQuantity(p.MemoryLimit)
	}
	if len(limits) == 0 {
		return corev1.ResourceRequirements{}
	}
	return corev1.ResourceRequirements{Limits: limits}
}

func availabilityZoneSelector(az string) map[string]string {
	if az == "" {
		return nil
	}
	return map[string]string{"topology.kubernetes.io/zone": az}
}

// mustQuantity logs and zeroes out a malformed resource quantity
// rather than propagating a parse error through EnsureService's
// otherwise-simple signature. proto.ParseReplicaSize never sets these
// limits; a non-empty value is whatever the profile's builder supplied.
func mustQuantity(s string) resource.Quantity {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		log.WithField("quantity", s).WithError(err).Warn("orchestrator: ignoring malformed resource quantity")
		return resource.Quantity{}
	}
	return q
}

// newServiceListWatch builds the ListWatch a SharedInformer needs to
// follow this namespace's Services.
func newServiceListWatch(client kubernetes.Interface, namespace string) *cache.ListWatch {
	return &cache.ListWatch{
		ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
			return client.CoreV1().Services(namespace).List(context.Background(), opts)
		},
		WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
			return client.CoreV1().Services(namespace).Watch(context.Background(), opts)
		},
	}
}
