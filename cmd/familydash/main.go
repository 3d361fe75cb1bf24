// FamilyDash is the backend of a kitchen wall dashboard. It keeps one
// MQTT connection open, folds every message on the configured topics
// into an in-memory snapshot, polls the weather and spot price APIs,
// and serves the snapshot to the tablet over HTTP and WebSocket.
//
// Usage:
//
//	familydash serve              Start ingestion and the HTTP API
//	familydash topics             List the subscribed topics
//	familydash init [dir]         Write an example config.yaml
//	familydash version            Print version and build information
//	familydash -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/VickoT/FamilyDash/internal/buildinfo"
	"github.com/VickoT/FamilyDash/internal/config"
	"github.com/VickoT/FamilyDash/internal/connwatch"
	"github.com/VickoT/FamilyDash/internal/events"
	"github.com/VickoT/FamilyDash/internal/feeds"
	"github.com/VickoT/FamilyDash/internal/homeassistant"
	"github.com/VickoT/FamilyDash/internal/httpkit"
	"github.com/VickoT/FamilyDash/internal/mqtt"
	"github.com/VickoT/FamilyDash/internal/opstate"
	"github.com/VickoT/FamilyDash/internal/snapshot"
	"github.com/VickoT/FamilyDash/internal/topics"
	"github.com/VickoT/FamilyDash/internal/web"
)

// main only wires the process environment into [run], so the whole
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand rather than
// with the flag package so tests can call run concurrently.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "topics":
		return runTopics(stdout, configPath, outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "FamilyDash - family wall dashboard backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: familydash [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start MQTT ingestion, feeds and the HTTP API")
	fmt.Fprintln(w, "  topics       List subscribed topics and their domains")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/familydash/config.yaml, /etc/familydash/config.yaml")
	fmt.Fprintln(w, "Without a file the built-in defaults are used. Environment variables")
	fmt.Fprintln(w, "(MQTT_HOST, HA_TOKEN, TIBBER_TOKEN, ...) override either.")
	return nil
}

// runTopics prints the registry that serve would subscribe to.
func runTopics(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath, os.LookupEnv)
	if err != nil {
		return err
	}
	registry, err := topics.Build(cfg.Topics)
	if err != nil {
		return fmt.Errorf("topic registry: %w", err)
	}

	type row struct {
		Domain string   `json:"domain"`
		Topic  string   `json:"topic"`
		QoS    byte     `json:"qos"`
		Fields []string `json:"fields"`
	}
	entries := registry.Entries()
	rows := make([]row, len(entries))
	for i, e := range entries {
		rows[i] = row{Domain: e.Domain, Topic: e.Topic, QoS: e.QoS, Fields: e.Decoder.Fields}
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOMAIN\tTOPIC\tQOS\tFIELDS")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.Domain, r.Topic, r.QoS, strings.Join(r.Fields, ","))
	}
	return tw.Flush()
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM. Shutdown publishes the MQTT offline status, drains HTTP
// requests, then stops watchers and feed pollers.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting FamilyDash", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath, os.LookupEnv)
	if err != nil {
		return err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)
	if cfgPath == "" {
		cfgPath = "(built-in defaults)"
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"mqtt", cfg.MQTT.Configured(),
		"homeassistant", cfg.HomeAssistant.Configured(),
		"weather", cfg.Weather.Enabled,
		"tibber", cfg.Tibber.Configured(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := app.subscriber.Stop(stopCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
		if err := app.server.Shutdown(stopCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	if err := app.server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("FamilyDash stopped")
	return nil
}

// app holds everything serve starts, so shutdown can reach it.
type app struct {
	logger     *slog.Logger
	opState    *opstate.Store
	registry   *topics.Registry
	store      *snapshot.Store
	subscriber *mqtt.Subscriber
	watchers   *connwatch.Manager
	server     *web.Server
	feeds      sync.WaitGroup

	// cancel stops watchers and feeds. stopMQTT ends the broker session,
	// which outlives the signal so Stop can still publish "offline".
	cancel   context.CancelFunc
	stopMQTT context.CancelFunc
}

// newApp builds and starts ingestion, watchers and feed pollers. The
// HTTP server is built but not started.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	opState, err := opstate.NewStore(filepath.Join(cfg.DataDir, "familydash.db"))
	if err != nil {
		return nil, fmt.Errorf("open operational state: %w", err)
	}
	a := &app{logger: logger, opState: opState}
	ctx, a.cancel = context.WithCancel(ctx)
	mqttCtx, stopMQTT := context.WithCancel(context.WithoutCancel(ctx))
	a.stopMQTT = stopMQTT

	instanceID, err := mqtt.LoadOrCreateInstanceID(opState)
	if err != nil {
		a.close()
		return nil, err
	}
	clientID := mqtt.ClientID(cfg.MQTT.ClientID, instanceID)

	a.registry, err = topics.Build(cfg.Topics)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("topic registry: %w", err)
	}
	a.store = snapshot.NewStore(a.registry.Schemas())

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	bus := events.New()

	a.subscriber = mqtt.New(cfg.MQTT, clientID, a.registry, a.store, mqtt.Options{
		InstanceID: instanceID,
		Bus:        bus,
		Metrics:    mqtt.NewMetrics(metrics),
		Logger:     logger,
	})
	if err := a.subscriber.Start(mqttCtx); err != nil {
		a.close()
		return nil, fmt.Errorf("start mqtt: %w", err)
	}

	a.watchers = connwatch.NewManager(logger)
	if cfg.MQTT.Configured() {
		a.watchers.Watch(ctx, connwatch.WatcherConfig{
			Name:     "mqtt",
			Probe:    a.subscriber.AwaitConnection,
			OnChange: serviceStateEvents(bus, "mqtt"),
		})
	}

	var ha *homeassistant.Client
	if cfg.HomeAssistant.Configured() {
		ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, cfg.HomeAssistant.Timeout(), logger)
		a.watchers.Watch(ctx, connwatch.WatcherConfig{
			Name:     "homeassistant",
			Probe:    ha.Ping,
			OnChange: serviceStateEvents(bus, "homeassistant"),
		})
	}

	feedClient := httpkit.NewClient(
		httpkit.WithTimeout(20*time.Second),
		httpkit.WithRetry(1, 2*time.Second),
		httpkit.WithLogger(logger),
	)
	if cfg.Weather.Enabled {
		a.startFeed(ctx, feeds.NewWeather(cfg.Weather, feedClient), topics.DomainWeather, cfg.Weather.IntervalSec, bus)
	}
	if cfg.Tibber.Configured() {
		a.startFeed(ctx, feeds.NewTibber(cfg.Tibber, feedClient), topics.DomainEnergyPrice, cfg.Tibber.IntervalSec, bus)
	}

	a.server = web.NewServer(cfg.Listen, a.store, logger)
	a.server.SetRegistry(a.registry)
	a.server.SetConnState(a.subscriber)
	a.server.SetWatchers(a.watchers)
	a.server.SetBus(bus)
	a.server.SetGatherer(metrics)
	if ha != nil {
		a.server.SetHomeAssistant(ha, cfg.HomeAssistant)
	}
	return a, nil
}

// serviceStateEvents forwards watcher transitions to the bus so stream
// clients get a fresh frame when an upstream service comes or goes.
func serviceStateEvents(bus *events.Bus, service string) func(bool, error) {
	return func(ready bool, err error) {
		data := map[string]any{"service": service, "ready": ready}
		if err != nil {
			data["error"] = err.Error()
		}
		bus.Emit(events.SourceWatch, events.KindServiceState, data)
	}
}

// startFeed runs a poller that dispatches onto the registry topic of
// domain. A domain missing from the registry disables the feed.
func (a *app) startFeed(ctx context.Context, src feeds.Source, domain string, intervalSec int, bus *events.Bus) {
	topic, ok := topicFor(a.registry, domain)
	if !ok {
		a.logger.Warn("feed disabled, no topic for domain", "feed", src.Name(), "domain", domain)
		return
	}
	p := feeds.NewPoller(feeds.PollerConfig{
		Source:     src,
		Topic:      topic,
		Dispatcher: a.subscriber,
		Interval:   time.Duration(intervalSec) * time.Second,
		State:      a.opState,
		Bus:        bus,
		Logger:     a.logger,
	})
	a.feeds.Add(1)
	go func() {
		defer a.feeds.Done()
		p.Start(ctx)
	}()
}

// close stops background work and releases the database.
func (a *app) close() {
	a.cancel()
	a.stopMQTT()
	if a.watchers != nil {
		a.watchers.Stop()
	}
	a.feeds.Wait()
	if err := a.opState.Close(); err != nil {
		a.logger.Warn("close operational state", "error", err)
	}
}

func topicFor(registry *topics.Registry, domain string) (string, bool) {
	for _, e := range registry.Entries() {
		if e.Domain == domain && !e.Prefix {
			return e.Topic, true
		}
	}
	return "", false
}

// loadConfig finds and parses the config file, falling back to the
// built-in defaults when none exists, then applies environment
// overrides and validates. The returned path is empty for defaults.
func loadConfig(explicit string, lookup func(string) (string, bool)) (*config.Config, string, error) {
	var cfg *config.Config
	cfgPath, err := config.FindConfig(explicit)
	switch {
	case errors.Is(err, config.ErrNoConfig):
		cfg, cfgPath = config.Default(), ""
	case err != nil:
		return nil, "", err
	default:
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, cfgPath, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfgPath, nil
}
