package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"pushmonitor/config"
	"pushmonitor/control"
	"pushmonitor/debughttp"
	"pushmonitor/discovery"
	"pushmonitor/examples"
	"pushmonitor/reactor"
	"pushmonitor/session"
	"pushmonitor/tracelog"
)

// Version info - increment based on change magnitude:
// Major (x.0.0): Breaking changes, major rewrites
// Minor (0.y.0): New features, significant enhancements
// Patch (0.0.z): Bug fixes, minor improvements
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	topicsFlag := flag.String("topics", "", "Comma-separated topics for an ad-hoc monitor, run alongside any configured in -config")
	formatFlag := flag.String("format", "json", "Payload format for the ad-hoc monitor: json or xml")
	compressionFlag := flag.String("compression", "gzip", "Compression for the ad-hoc monitor: none or gzip")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *topicsFlag != "" {
		cfg.Monitors = append(cfg.Monitors, config.MonitorConfig{
			Topics:      strings.Split(*topicsFlag, ","),
			Format:      *formatFlag,
			Compression: *compressionFlag,
		})
	}

	log.Infof("Starting pushmon v%s", Version)
	log.Infof("  Account: %s@%s (secure=%v)", cfg.Account.Username, cfg.Account.Hostname, cfg.Account.Secure)
	log.Infof("  Monitors configured: %d", len(cfg.Monitors))
	log.Infof("  Trace path: %s", cfg.Trace.Path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	trace := tracelog.New(cfg.Trace.Path, cfg.Trace.RetentionDays)
	defer trace.Close()

	monitorCache := discovery.NewMonitorCache(cfg.Trace.Path)
	cached := monitorCache.Load()
	if cached == nil {
		cached = make(map[string]discovery.Entry)
	}

	controlClient := control.New(cfg.Account.Username, cfg.Account.Password, cfg.Account.Hostname, cfg.Account.Secure)

	client := reactor.New(reactor.Options{
		Workers:           cfg.Reactor.Workers,
		CallbackQueueSize: cfg.Reactor.CallbackQueueSize,
		WriteQueueSize:    cfg.Reactor.WriteQueueSize,
	})

	creds := session.Credentials{
		Username: cfg.Account.Username,
		Hostname: cfg.Account.Hostname,
		Password: cfg.Account.Password,
		Secure:   cfg.Account.Secure,
		CACerts:  cfg.Account.CACerts,
		Insecure: cfg.Account.Insecure,
	}

	for _, mon := range cfg.Monitors {
		monitorID, err := resolveMonitor(ctx, controlClient, monitorCache, cached, mon)
		if err != nil {
			log.Errorf("skipping monitor for topics %v: %v", mon.Topics, err)
			continue
		}

		callback := examples.JSONCallback
		if mon.Format == "xml" {
			callback = examples.XMLCallback
		}
		tracedCallback := traceWrapping(trace, monitorID, callback)

		if _, err := client.CreateSession(ctx, monitorID, creds, tracedCallback); err != nil {
			log.Errorf("failed to start session for monitor %d: %v", monitorID, err)
		}
	}

	monitorCache.Save(cached)

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				trace.Cleanup()
			}
		}
	}()

	var debugSrv *debughttp.Server
	if cfg.Debug.Enabled {
		debugSrv = debughttp.New(cfg.Debug.Addr, client, trace)
		go func() {
			if err := debugSrv.Run(ctx); err != nil {
				log.Errorf("debug HTTP server error: %v", err)
			}
		}()
	}

	<-ctx.Done()
	client.StopAll()
	log.Info("Done")
}

// resolveMonitor finds or creates the server-side monitor for mon's
// topic filter, preferring a cached id to avoid a round trip.
func resolveMonitor(ctx context.Context, c *control.Client, cache *discovery.MonitorCache, cached map[string]discovery.Entry, mon config.MonitorConfig) (uint32, error) {
	key := discovery.Key(mon.Topics)

	if entry, ok := cached[key]; ok {
		return parseMonitorID(entry.MonitorID)
	}

	if id, ok, err := c.FindMonitor(ctx, mon.Topics); err != nil {
		log.Warnf("control: find monitor failed, creating a new one: %v", err)
	} else if ok {
		cached[key] = discovery.Entry{Topics: mon.Topics, MonitorID: id}
		return parseMonitorID(id)
	}

	opts := control.MonitorOptions{
		BatchSize:     mon.BatchSize,
		BatchDuration: mon.BatchDuration,
		Compression:   mon.Compression,
		Format:        mon.Format,
	}
	defaults := control.DefaultMonitorOptions()
	if opts.BatchSize == 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.Format == "" {
		opts.Format = defaults.Format
	}
	if opts.Compression == "" {
		opts.Compression = defaults.Compression
	}

	id, err := c.CreateMonitor(ctx, mon.Topics, opts)
	if err != nil {
		return 0, err
	}
	cached[key] = discovery.Entry{Topics: mon.Topics, MonitorID: id}
	return parseMonitorID(id)
}

func parseMonitorID(s string) (uint32, error) {
	var id uint32
	_, err := fmt.Sscan(s, &id)
	return id, err
}

// traceWrapping records each delivered payload once the user callback
// has returned or panicked, so a trace entry exists even if the callback
// panics (recorded as not acked).
func traceWrapping(trace *tracelog.Writer, monitorID uint32, cb session.Callback) session.Callback {
	key := fmt.Sprint(monitorID)
	return func(payload []byte) (acked bool) {
		defer func() {
			trace.Record(key, tracelog.Entry{
				Time:        time.Now(),
				PayloadSize: len(payload),
				Acked:       acked,
			})
		}()
		return cb(payload)
	}
}
