// Command flowctld runs the control plane described by the controller,
// instance, replication, rehydration, orchestrator, and leader
// packages: it multiplexes a coordinator's commands out to Storage and
// Compute backend fleets and rehydrates any of them that crash.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/coreflow/flowctl/config"
	"github.com/coreflow/flowctl/controller"
	"github.com/coreflow/flowctl/internal/taskgroup"
	"github.com/coreflow/flowctl/leader"
	"github.com/coreflow/flowctl/orchestrator"
	"github.com/coreflow/flowctl/proto"
	"github.com/coreflow/flowctl/rehydration"
	"github.com/coreflow/flowctl/transport"
)

func main() {
	var cfg config.Config

	var rootCmd = &cobra.Command{
		Use:   "flowctld",
		Short: "Control plane for a streaming SQL engine's Storage and Compute fleets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &cfg)
		},
	}
	cfg.Bind(rootCmd.Flags())

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("flowctld exited with error")
	}
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	// spec.md §7: a ProgrammerError is a contract violation the type
	// system could not prevent. It is never recovered inside
	// controller or instance; recovering it here, and only here, turns
	// it into a fatal log line and a non-zero exit rather than a
	// partially-mutated, silently-corrupt controller.
	defer func() {
		if r := recover(); r != nil {
			if pe, ok := r.(controller.ProgrammerError); ok {
				log.WithField("reason", pe.Reason).Fatal("flowctld: programmer error, aborting")
			}
			panic(r)
		}
	}()

	if err := cfg.Preflight(); err != nil {
		return err
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	etcdClient, err := clientv3.New(clientv3.Config{Endpoints: cfg.EtcdEndpoints})
	if err != nil {
		return fmt.Errorf("connect etcd: %w", err)
	}
	defer etcdClient.Close()

	elector, err := leader.New(etcdClient, cfg.LeaderKey)
	if err != nil {
		return fmt.Errorf("new elector: %w", err)
	}
	defer elector.Close()

	log.Info("flowctld: campaigning for leadership")
	if err := elector.Campaign(ctx, cfg.BindAddr); err != nil {
		return fmt.Errorf("campaign: %w", err)
	}
	log.Info("flowctld: elected leader")

	kubeconfig, err := kubeRestConfig()
	if err != nil {
		return fmt.Errorf("kube config: %w", err)
	}
	kubeClient, err := kubernetes.NewForConfig(kubeconfig)
	if err != nil {
		return fmt.Errorf("kube client: %w", err)
	}
	var computeOrch orchestrator.Gateway = orchestrator.NewKubernetes(kubeClient, cfg.KubeNamespaceCompute)
	var storageOrch orchestrator.Gateway = orchestrator.NewKubernetes(kubeClient, cfg.KubeNamespaceStorage)
	_ = storageOrch // storage backends are currently attached externally; the gateway is wired for parity with compute.

	var storageTransport = transport.NewTCPTransport(cfg.StorageAddr, proto.StorageCodec{})
	var storageClient = rehydration.NewClient[proto.StorageCommand, proto.StorageResponse](
		ctx, storageTransport, rehydration.NewStorageCommands(),
		rehydration.WithMaxBackoff[proto.StorageCommand, proto.StorageResponse](cfg.MaxReconnectBackoff),
		rehydration.WithBackendLabel[proto.StorageCommand, proto.StorageResponse]("storage"),
	)

	var mux = controller.New(storageClient, computeOrch)

	var tasks = taskgroup.New(ctx)
	mux.Serve(ctx, tasks)
	tasks.Queue("response-pump", func() error {
		return pumpResponses(tasks.Context(), mux)
	})

	go serveMetrics(cfg.BindAddr)

	select {
	case <-elector.Lost():
		log.Warn("flowctld: leadership lost, shutting down")
	case <-ctx.Done():
	}
	cancel() // winds down every queued task, including on leadership loss

	return tasks.Wait()
}

// pumpResponses drives the Ready/Process loop, logging every
// externally visible ControllerResponse. A real coordinator-facing
// RPC server would forward these instead of logging them.
func pumpResponses(ctx context.Context, mux *controller.Mux) error {
	for {
		if err := mux.Ready(ctx); err != nil {
			return err
		}
		resp, err := mux.Process()
		if err != nil {
			return err
		}
		if resp != nil {
			log.WithField("instance", resp.InstanceId).Debug("flowctld: controller response")
		}
	}
}

func serveMetrics(bindAddr string) {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(bindAddr, mux); err != nil {
		log.WithError(err).Error("flowctld: metrics server exited")
	}
}

// kubeRestConfig resolves an in-cluster config when running as a pod,
// falling back to the local kubeconfig for development.
func kubeRestConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	var loadingRules = clientcmd.NewDefaultClientConfigLoadingRules()
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
}
