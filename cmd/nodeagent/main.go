package main

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/jesseduffield/yaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/clusterfabric/nodeagent/internal/downloader"
	"github.com/clusterfabric/nodeagent/internal/events"
	"github.com/clusterfabric/nodeagent/internal/face"
	"github.com/clusterfabric/nodeagent/internal/launcher"
	"github.com/clusterfabric/nodeagent/internal/localization"
	"github.com/clusterfabric/nodeagent/internal/metrics"
	"github.com/clusterfabric/nodeagent/internal/nmconfig"
	"github.com/clusterfabric/nodeagent/internal/nmlog"
	"github.com/clusterfabric/nodeagent/internal/nodectx"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string

	printConfigFlag bool
	debuggingFlag   bool
	useExecLauncher bool
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf(
		"%s\nDate: %s\nCommit: %s\nOS: %s\nArch: %s",
		version, date, commit, runtime.GOOS, runtime.GOARCH,
	)

	flaggy.SetName("nodeagent")
	flaggy.SetDescription("Per-node lifecycle agent for the cluster compute fabric")
	flaggy.Bool(&printConfigFlag, "c", "config", "Print the default configuration and exit")
	flaggy.Bool(&debuggingFlag, "d", "debug", "Enable debug logging")
	flaggy.Bool(&useExecLauncher, "", "exec-launcher", "Launch containers as local subprocesses instead of via Docker")
	flaggy.SetVersion(info)
	flaggy.Parse()

	if printConfigFlag {
		printDefaultConfig()
		return
	}

	if err := run(); err != nil {
		newErr := goerrors.Wrap(err, 0)
		log.Fatalf("nodeagent exited: %s\n\n%s", err.Error(), newErr.ErrorStack())
	}
}

func printDefaultConfig() {
	var buf bytes.Buffer
	if err := yaml.NewEncoder(&buf).Encode(nmconfig.Default()); err != nil {
		log.Fatal(err.Error())
	}
	fmt.Println(buf.String())
}

func run() error {
	configDir, err := nmconfig.ConfigDir()
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	cfg, err := nmconfig.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debuggingFlag {
		cfg.Debug = true
	}

	logEntry := nmlog.New(cfg, configDir, version)
	logEntry.WithField("configDir", configDir).Info("starting nodeagent")

	m := metrics.New()
	reg := prometheus.NewRegistry()
	m.MustRegister(reg)
	go serveMetrics(cfg, logEntry, reg)

	d := events.New(cfg.WorkerCount, logEntry)
	go func() {
		for range time.Tick(time.Second) {
			m.QueueDepth.Set(float64(d.Len()))
		}
	}()

	dl := downloader.NewHTTPDownloader(cfg.LocalDirs, cfg.WorkerCount, logEntry)
	coord := localization.New(d, dl, cfg.CacheBytesTarget, logEntry)
	coord.SetMetrics(m)
	coord.Register()

	l, err := buildLauncher(logEntry)
	if err != nil {
		return err
	}

	killGrace := time.Duration(cfg.KillGraceMillis) * time.Millisecond
	killForce := time.Duration(cfg.KillForceMillis) * time.Millisecond

	ctx := nodectx.New()
	engine := face.NewEngine(d, ctx, coord, l, killGrace, killForce, logEntry)
	engine.SetMetrics(m)
	// face.Face is the plain Go API a transport binding would sit on top
	// of; wiring it to an actual RPC server is out of scope here, so it is
	// only built far enough to prove the core wires up end to end.
	_ = face.NewFace(engine, d, ctx, logEntry)

	stop := make(chan struct{})
	go d.Run(stop)
	defer close(stop)

	waitForSignal(logEntry)
	return nil
}

func buildLauncher(log *logrus.Entry) (launcher.Launcher, error) {
	if useExecLauncher {
		return launcher.NewExecLauncher(log), nil
	}
	dockerLauncher, err := launcher.NewDockerLauncher(log)
	if err != nil {
		log.WithError(err).Warn("docker daemon unavailable; falling back to local subprocess launcher")
		return launcher.NewExecLauncher(log), nil
	}
	return dockerLauncher, nil
}

func serveMetrics(cfg nmconfig.Config, log *logrus.Entry, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(cfg.BindAddress, mux); err != nil {
		log.WithError(err).Error("metrics server stopped")
	}
}

func waitForSignal(log *logrus.Entry) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("received shutdown signal")
}

func updateBuildInfo() {
	if version != defaultVersion {
		return
	}
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if revision, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool { return s.Key == "vcs.revision" }); ok {
		commit = revision.Value
		version = safeTruncate(revision.Value, 7)
	}
	if t, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool { return s.Key == "vcs.time" }); ok {
		date = t.Value
	}
}

func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
