package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clusterdns/clusterd/internal/auth"
	"github.com/clusterdns/clusterd/internal/bootstrap"
	"github.com/clusterdns/clusterd/internal/clusterr"
	"github.com/clusterdns/clusterd/internal/config"
	"github.com/clusterdns/clusterd/internal/dnsserver"
	"github.com/clusterdns/clusterd/internal/gossip"
	"github.com/clusterdns/clusterd/internal/metrics"
	"github.com/clusterdns/clusterd/internal/observer"
	"github.com/clusterdns/clusterd/internal/registry"
	"github.com/clusterdns/clusterd/internal/supervisor"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(exitCode(err))
	}
	log.Info("config loaded",
		"network_name", cfg.NetworkName,
		"dns_bind", cfg.DNSBind,
		"gossip_bind", cfg.GossipBind,
		"is_replica", cfg.IsReplica(),
	)

	reg := registry.New()
	m := metrics.New()

	gossipAdapter, err := gossip.New(gossip.Config{
		BindAddr: cfg.GossipBind,
		Secret:   cfg.ClusterSecret,
		TopicID:  cfg.TopicID,
		Metrics:  m,
	}, reg, cfg.NodeID, log)
	if err != nil {
		log.Error("failed to start gossip transport", "error", err)
		os.Exit(exitCode(clusterr.New(clusterr.BindFailure, err)))
	}

	peers := bootstrap.Resolve(context.Background(), cfg.BootstrapPeers, cfg.BootstrapService, bootstrap.SystemResolver(), log)
	if n, err := gossipAdapter.Join(peers); err != nil {
		log.Warn("joined gossip membership partially", "contacted", n, "error", err)
	} else if n > 0 {
		log.Info("joined gossip membership", "contacted", n)
	}

	// If every explicitly configured bootstrap peer rejects our handshake,
	// retrying won't help: it means our own cluster_secret or topic_id is
	// wrong for this cluster, not a transient condition. A peer discovered
	// later through gossip (not explicitly configured) rejecting us is
	// ordinary and handled per-peer, never fatal.
	if len(cfg.BootstrapPeers) > 0 {
		time.Sleep(auth.Timeout + time.Second)
		ready, rejected, total := gossipAdapter.AuthSummary()
		if total > 0 && ready == 0 && rejected == total {
			err := clusterr.New(clusterr.PeerAuthFailure, fmt.Errorf("rejected by all %d configured bootstrap peers", rejected))
			log.Error("unrecoverable auth misconfiguration", "error", err)
			os.Exit(exitCode(err))
		}
	}

	dnsSrv := &dnsserver.Server{
		Bind:     cfg.DNSBind,
		Upstream: cfg.UpstreamDNS,
		Registry: reg,
		Log:      log,
		Metrics:  m,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("received shutdown signal")
		cancel()
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", m.Handler())
	go func() {
		log.Info("metrics listening", "addr", cfg.MetricsBind)
		if err := http.ListenAndServe(cfg.MetricsBind, metricsMux); err != nil {
			log.Error("metrics server failed", "error", err)
		}
	}()

	tasks := []supervisor.Task{
		{Name: "gossip", Restart: true, Run: gossipAdapter.Run},
		{Name: "dns", Restart: true, Run: dnsSrv.Run},
	}

	if cfg.IsReplica() {
		runtime, err := observer.NewDockerRuntime()
		if err != nil {
			// Runtime-unavailable is transient: recovered by the observer's
			// own backoff, never process-fatal. Skip the observer subsystem
			// for this run rather than exiting; the rest of the daemon
			// (gossip, DNS) still has value without local observation.
			log.Warn("container runtime unavailable, running without observer", "error", err)
		} else {
			obs := observer.New(runtime, reg, cfg.NodeID, cfg.NetworkName, log)
			tasks = append(tasks, supervisor.Task{Name: "observer", Restart: true, Run: obs.Run})
		}
	}

	err = supervisor.Run(ctx, log, tasks)
	_ = gossipAdapter.Shutdown()
	if err != nil {
		log.Error("subsystem failed fatally", "error", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a clusterr.Kind to the process exit code a deployment's
// restart policy can branch on. An error carrying no Kind is an
// unexpected internal failure.
func exitCode(err error) int {
	kind, ok := clusterr.Of(err)
	if !ok {
		return 1
	}
	switch kind {
	case clusterr.ConfigInvalid:
		return 2
	case clusterr.BindFailure:
		return 3
	case clusterr.PeerAuthFailure:
		return 4
	default:
		return 1
	}
}
