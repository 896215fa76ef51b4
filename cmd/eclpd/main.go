//go:build linux

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

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/earthcomputing/eclpd/internal/eclp"
	"github.com/earthcomputing/eclpd/internal/eclpconfig"
	"github.com/earthcomputing/eclpd/internal/eclpcontrol"
	"github.com/earthcomputing/eclpd/internal/eclpevents"
	"github.com/earthcomputing/eclpd/internal/eclpframe"
	"github.com/earthcomputing/eclpd/internal/eclpmetrics"
	"github.com/earthcomputing/eclpd/internal/forwarding"
	"github.com/earthcomputing/eclpd/internal/linkmgr"
	"github.com/earthcomputing/eclpd/internal/rawlink"
)

var (
	configPath     = flag.String("config", "/etc/eclpd/eclpd.yaml", "path to eclpd configuration file")
	enableVerbose  = flag.Bool("verbose", false, "enable debug-level logging")
	humanLogs      = flag.Bool("human-logs", false, "use a human-readable console log handler instead of JSON")
	metricsAddrOpt = flag.String("metrics-addr", "", "override the config file's metrics listen address")
	versionFlag    = flag.Bool("version", false, "print build version and exit")

	// set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("eclpd\nversion: %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		os.Exit(0)
	}

	logger := newLogger(*enableVerbose, *humanLogs)
	slog.SetDefault(logger)

	cfg, err := eclpconfig.Load(*configPath)
	if err != nil {
		logger.Error("eclpd: failed to load config", "error", err)
		os.Exit(1)
	}
	if *metricsAddrOpt != "" {
		cfg.MetricsAddr = *metricsAddrOpt
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	buildInfo := promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Name: "eclpd_build_info",
		Help: "Build information of the eclpd daemon.",
	}, []string{"version", "commit", "date"})
	buildInfo.WithLabelValues(version, commit, date).Set(1)
	metrics := eclpmetrics.New(reg)

	linkMgr, err := linkmgr.NewManager(ctx, &linkmgr.ManagerConfig{
		Logger:          logger,
		TickInterval:    cfg.GetTickInterval(),
		TimeoutInterval: cfg.GetTimeoutInterval(),
	})
	if err != nil {
		logger.Error("eclpd: failed to start link manager", "error", err)
		os.Exit(1)
	}

	controlReg := eclpcontrol.NewRegistry()
	netdev := forwarding.NewNetDevice(logger)

	for _, mod := range cfg.Modules {
		bus := eclpevents.New(mod.ModuleID)
		go eclpmetrics.NewCollector(metrics, bus).Run(ctx)

		table := forwarding.NewTable()
		modHandle := &eclpcontrol.ModuleHandle{Name: mod.ModuleID, Table: table, Ports: map[string]*eclpcontrol.PortHandle{}}

		for _, port := range mod.Ports {
			link := eclp.NewLink()

			ownAddr, err := netdev.HardwareAddr(port.Interface)
			if err != nil {
				logger.Error("eclpd: failed to resolve interface address", "module_id", mod.ModuleID, "port_id", port.PortID, "interface", port.Interface, "error", err)
				os.Exit(1)
			}
			link.SetIdentity(ownAddr)
			link.LinkUp()

			conn, err := rawlink.NewWithRetry(ctx, logger, port.Interface)
			if err != nil {
				logger.Error("eclpd: failed to open raw link", "module_id", mod.ModuleID, "port_id", port.PortID, "interface", port.Interface, "error", err)
				os.Exit(1)
			}

			disp := &eclpframe.Dispatcher{
				ModuleID: mod.ModuleID,
				PortID:   port.PortID,
				Link:     link,
				Ep: eclpframe.Endpoint{
					OwnMAC:    addrToMAC(ownAddr),
					PeerMAC:   net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
					EtherType: 0xEAC0,
				},
				Forwarding: table,
				Events:     bus,
			}

			if err := linkMgr.AddLink(mod.ModuleID, port.PortID, disp, conn); err != nil {
				logger.Error("eclpd: failed to register link", "module_id", mod.ModuleID, "port_id", port.PortID, "error", err)
				os.Exit(1)
			}

			if err := netdev.WatchLinkDown(ctx, port.Interface, func() {
				link.StateError(eclp.ErrLinkDown)
			}); err != nil {
				logger.Warn("eclpd: failed to watch link state", "module_id", mod.ModuleID, "port_id", port.PortID, "interface", port.Interface, "error", err)
			}

			alo := forwarding.NewALORegisters(mod.ModuleID+"/"+port.PortID, 0)
			modHandle.Ports[port.PortID] = &eclpcontrol.PortHandle{
				Link: link,
				ALO:  alo,
				Discover: func(payload []byte) error {
					return conn.WriteFrame(buildDiscoveryFrame(addrToMAC(ownAddr), payload))
				},
			}
		}

		if err := controlReg.AddModule(mod.ModuleID, modHandle); err != nil {
			logger.Error("eclpd: failed to register module", "module_id", mod.ModuleID, "error", err)
			os.Exit(1)
		}
	}

	mux := http.NewServeMux()
	eclpcontrol.New(logger, controlReg).Routes(mux)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	errCh := make(chan error, 2)
	go func() {
		logger.Info("eclpd: control surface listening", "addr", cfg.ControlAddr)
		errCh <- http.ListenAndServe(cfg.ControlAddr, mux)
	}()
	go func() {
		logger.Info("eclpd: metrics listening", "addr", cfg.MetricsAddr)
		errCh <- http.ListenAndServe(cfg.MetricsAddr, metricsMux)
	}()

	select {
	case <-ctx.Done():
		logger.Info("eclpd: shutting down")
		if err := linkMgr.Close(); err != nil {
			logger.Warn("eclpd: error closing link manager", "error", err)
		}
	case err := <-errCh:
		logger.Error("eclpd: server error", "error", err)
		_ = linkMgr.Close()
		os.Exit(1)
	}
}

func newLogger(verbose, human bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if human {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// addrToMAC renders an eclp.Addr back into the 6-byte hardware address it
// was derived from (internal/forwarding.NetDevice.HardwareAddr's inverse).
func addrToMAC(a eclp.Addr) net.HardwareAddr {
	return net.HardwareAddr{
		byte(a.Hi >> 8), byte(a.Hi),
		byte(a.Lo >> 24), byte(a.Lo >> 16), byte(a.Lo >> 8), byte(a.Lo),
	}
}

// buildDiscoveryFrame wraps payload in a bare Ethernet frame on the
// discovery ethertype (0xEAC1, spec.md §6), broadcast since the discovery
// operation has no established peer identity yet.
func buildDiscoveryFrame(src net.HardwareAddr, payload []byte) []byte {
	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], src)
	frame[12] = 0xEA
	frame[13] = 0xC1
	copy(frame[14:], payload)
	return frame
}

func init() {
	// Silence the stdlib "log" package's default logger noise from any
	// dependency that still reaches for it directly (promhttp's internal
	// error logger does), routing it through slog instead isn't worth the
	// indirection here — this just ensures it has a destination.
	log.SetOutput(os.Stderr)
}
