// Command dncpd runs a standalone DNCP node over UDP multicast links,
// exposing Prometheus metrics for its run loop and reachability graph.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dncp-project/dncpd/internal/config"
	"github.com/dncp-project/dncpd/internal/dncp"
	"github.com/dncp-project/dncpd/internal/transport"
)

var (
	configFile      = flag.String("config", "/etc/dncpd/config.yaml", "path to the link configuration file")
	identityFile    = flag.String("identity-file", "/var/lib/dncpd/node-id", "path to the persisted node-id file, used when config.yaml omits node_id")
	versionFlag     = flag.Bool("version", false, "build version")
	enableVerbose   = flag.Bool("v", false, "enables verbose logging")
	metricsEnable   = flag.Bool("metrics-enable", false, "enable prometheus metrics")
	metricsAddr     = flag.String("metrics-addr", "localhost:0", "address to listen on for prometheus metrics")
	graceDuration   = flag.Duration("grace", dncp.DefaultGrace, "reachability pruner grace window")
	minPruneGap     = flag.Duration("min-prune-interval", dncp.DefaultMinPruneInterval, "minimum interval between reachability prune passes")
	publishInterval = flag.Duration("publish-interval", 30*time.Second, "how often to announce this node's own record on every joined link")

	// set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	flag.Parse()

	opts := &slog.HandlerOptions{}
	if *enableVerbose {
		opts = &slog.HandlerOptions{Level: slog.LevelDebug}
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)

	if *versionFlag {
		fmt.Printf("build: %s\n", commit)
		fmt.Printf("version: %s\n", version)
		fmt.Printf("date: %s\n", date)
		os.Exit(0)
	}

	if *metricsEnable {
		buildInfo := promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dncpd_build_info",
				Help: "Build information of dncpd",
			},
			[]string{"version", "commit", "date"},
		)
		buildInfo.WithLabelValues(version, commit, date).Set(1)

		go func() {
			listener, err := net.Listen("tcp", *metricsAddr)
			if err != nil {
				slog.Error("failed to start prometheus metrics listener", "error", err)
				os.Exit(1)
			}
			http.Handle("/metrics", promhttp.Handler())
			slog.Info("prometheus metrics server started", "address", listener.Addr().String())
			if err := http.Serve(listener, nil); err != nil {
				log.Printf("failed to start prometheus metrics server: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	selfID, err := cfg.ResolveNodeID(*identityFile)
	if err != nil {
		slog.Error("failed to resolve node identity", "error", err)
		os.Exit(1)
	}
	slog.Info("node identity", "node_id", selfID.String())

	var handle *dncp.Handle

	mc := transport.NewMulticast(logger, func() {
		if handle != nil {
			handle.Run()
		}
	}, func(ifname string, payload []byte, from net.Addr) {
		onReceive(handle, ifname, payload, from)
	})
	defer mc.Close()

	handle = dncp.NewHandle(selfID, mc, *graceDuration, *minPruneGap)

	for i, lc := range cfg.Links {
		addr, err := lc.MulticastAddr()
		if err != nil {
			slog.Error("invalid link configuration", "link", lc.Interface, "error", err)
			os.Exit(1)
		}
		mc.Configure(transport.LinkEndpoint{Interface: lc.Interface, Group: addr})
		link := dncp.NewLink(lc.Interface, uint32(i+1), lc.DNCPLinkConf())
		handle.AddLink(link)
		slog.Info("configured link", "link", lc.Interface, "group", addr.String())
	}

	slog.Info("dncpd starting", "links", len(cfg.Links))
	handle.Run()

	go publishLoop(ctx, handle, mc, cfg, *publishInterval)

	<-ctx.Done()
	slog.Info("shutting down")
	handle.Close()
}

// publishLoop periodically announces this node's own record (sequence,
// origination time, TLVs) on every joined link, so peers learn this node's
// record and claim it as a neighbor. This path is independent of the core
// run loop's Trickle-suppressed network-hash broadcast (spec.md §1 scopes
// TLV-flooding's wire format out of the core) — it is this command's own
// wiring of a minimal publication-exchange path atop the transport.
func publishLoop(ctx context.Context, handle *dncp.Handle, mc *transport.Multicast, cfg *config.Config, interval time.Duration) {
	announce := func() {
		sequence, originationTime, tlvs, ok := handle.Self()
		if !ok {
			return
		}
		for _, lc := range cfg.Links {
			link, ok := handle.FindEndpointByName(lc.Interface)
			if !ok {
				continue
			}
			if err := mc.PublishSelf(lc.Interface, handle.SelfID(), link.EndpointID, sequence, originationTime, tlvs); err != nil {
				slog.Debug("failed to publish self", "link", lc.Interface, "error", err)
			}
		}
	}

	announce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			announce()
		}
	}
}

// onReceive decodes an inbound datagram (either a network-state summary or
// a self-announcement publication) and feeds it to the run loop's
// inbound-driven mutation path.
func onReceive(handle *dncp.Handle, ifname string, payload []byte, from net.Addr) {
	if handle == nil {
		return
	}
	link, ok := handle.FindEndpointByName(ifname)
	if !ok {
		return
	}
	kind, hash, pub, err := transport.DecodeMessage(payload)
	if err != nil {
		slog.Warn("dropping malformed datagram", "link", ifname, "from", from.String(), "error", err)
		return
	}
	switch kind {
	case transport.MessageNetworkHash:
		handle.ReceiveNetworkState(link, hash)
	case transport.MessagePublication:
		handle.AcceptPublication(pub.SenderID, pub.Sequence, pub.OriginationTime, dncp.NewContainer(pub.TLVs))
		handle.ObserveNeighbor(link, pub.SenderID, pub.EndpointID)
	}
}
