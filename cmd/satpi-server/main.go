package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/satpi/satpi-go/pkg/api"
	"github.com/satpi/satpi-go/pkg/config"
	"github.com/satpi/satpi-go/pkg/decrypt"
	"github.com/satpi/satpi-go/pkg/dvbapi"
	"github.com/satpi/satpi-go/pkg/logger"
	"github.com/satpi/satpi-go/pkg/metrics"
	"github.com/satpi/satpi-go/pkg/rtsp"
	"github.com/satpi/satpi-go/pkg/session"
)

func main() {
	// Parse command-line flags
	fs := flag.NewFlagSet("satpi-server", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	configPath := fs.String("config", "", "Path to env-style config file")
	rtspPort := fs.Int("rtsp-port", 0, "RTSP listen port (overrides config)")
	httpPort := fs.Int("http-port", 0, "HTTP status/metrics port (overrides config)")
	appDataPath := fs.String("appdata-path", "", "Application data directory (overrides config)")
	webPath := fs.String("web-path", "", "Web UI directory, forwarded to the external UI (overrides config)")
	iface := fs.String("iface", "", "Network interface to derive the device UUID from (overrides config)")
	dvbPath := fs.String("dvb-path", "", "DVB device tree, e.g. /dev/dvb (overrides config)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "SAT>IP gateway: DVB tuners over RTSP/RTP\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger from flags
	logOpts, err := logFlags.Options()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	logger.SetDefault(log)

	log.Info("starting SAT>IP gateway")

	// Load configuration, then fold CLI overrides on top
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *rtspPort != 0 {
		cfg.RTSPPort = *rtspPort
	}
	if *httpPort != 0 {
		cfg.HTTPPort = *httpPort
	}
	if *appDataPath != "" {
		cfg.AppDataPath = *appDataPath
	}
	if *webPath != "" {
		cfg.WebPath = *webPath
	}
	if *iface != "" {
		cfg.Iface = *iface
	}
	if *dvbPath != "" {
		cfg.DVBPath = *dvbPath
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "rtsp_port", cfg.RTSPPort, "dvb_path", cfg.DVBPath)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Enumerate tuners and build the stream set
	streams, err := session.EnumerateDevices(cfg.DVBPath, log.With("component", "session"))
	if err != nil {
		log.Warn("device enumeration failed, continuing without hardware tuners", "error", err)
	}
	log.Info("tuners enumerated", "count", len(streams))

	if cfg.StreamCount > len(streams) {
		streams, err = session.AppendVirtualStreams(streams, cfg.StreamCount, log.With("component", "stream"))
		if err != nil {
			log.Error("failed to create virtual stream slots", "error", err)
			os.Exit(1)
		}
		log.Info("virtual stream slots added", "total", len(streams))
	}
	if len(streams) == 0 {
		log.Error("no stream slots available; set stream_count for virtual sources or attach a tuner")
		os.Exit(1)
	}

	manager := session.New(streams, log.With("component", "session"))

	// Optional control-word provider client, one descrambler per stream
	var cwClient *dvbapi.Client
	descramblers := make(map[int]*decrypt.Descrambler)
	if cfg.Decrypt.Enabled {
		addr := net.JoinHostPort(cfg.Decrypt.ServerIPAddr, strconv.Itoa(cfg.Decrypt.ServerPort))
		cwClient = dvbapi.NewClient(addr, log.With("component", "dvbapi"))

		listMode := dvbapi.ListOnly
		if cfg.Decrypt.ListOnlyUpdate {
			listMode = dvbapi.ListOnlyUpdate
		}
		for _, st := range streams {
			// The provider addresses control words back by the demux index
			// announced in CA_PMT: stream id plus the configured offset.
			demux := byte(st.ID + cfg.Decrypt.AdapterOffset)
			descramblers[st.ID] = decrypt.New(cwClient, demux, demux,
				cfg.Decrypt.RewritePMT, listMode, log.With("component", "decrypt"))
		}

		// The provider connection is shared; each descrambler filters
		// messages by its own adapter index.
		cwClient.OnControlWord(func(descr dvbapi.CADescr) {
			for _, d := range descramblers {
				d.InstallControlWord(descr)
			}
		})
		cwClient.OnFilterControl(func(start bool, filter dvbapi.DMXFilter, stop dvbapi.DMXStop) {
			for _, d := range descramblers {
				d.HandleFilterControl(start, filter, stop)
			}
		})
		cwClient.OnDisconnect(func() {
			for _, d := range descramblers {
				d.HandleProviderDisconnect()
			}
		})

		go cwClient.Run(ctx)
		log.Info("dvbapi client started", "addr", addr)
	}

	// HTTP status/metrics surface
	deviceUUID := config.DeviceUUID(cfg.Iface)
	collector := metrics.NewCollector(manager, cwClient)
	apiServer := api.NewServer(cfg, manager, collector, deviceUUID, log.With("component", "api"))
	httpAddr := net.JoinHostPort(cfg.BindIPAddress, strconv.Itoa(cfg.HTTPPort))
	if err := apiServer.Start(ctx, httpAddr); err != nil {
		log.Error("failed to start HTTP server", "error", err)
		os.Exit(1)
	}
	defer apiServer.Stop(context.Background())
	log.Info("device ready", "uuid", deviceUUID)

	// Session liveness sweeper
	go manager.RunSweeper(ctx)

	// RTSP front; Serve blocks until shutdown
	rtspServer := rtsp.NewServer(cfg, manager, descramblers, log.With("component", "rtsp"))
	if err := rtspServer.Serve(ctx); err != nil {
		log.Error("rtsp server failed", "error", err)
		os.Exit(1)
	}

	log.Info("shutdown complete")
}
