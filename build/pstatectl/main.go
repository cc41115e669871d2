package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlMetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/cluster-power-manager/pstate-engine/internal/monitoring"
	"github.com/cluster-power-manager/pstate-engine/pkg/power"
)

var setupLog = ctrl.Log.WithName("setup")

type options struct {
	configPath  string
	cpu         uint
	metricsAddr string
	interval    time.Duration
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags] <command> [args]\n\nCommands:\n", os.Args[0])
	for _, cmd := range commands {
		fmt.Fprintf(out, "  %-24s %s\n", cmd.usage, cmd.help)
	}
	fmt.Fprintf(out, "  %-24s %s\n", "shell", "Reads commands from stdin")
	fmt.Fprintf(out, "  %-24s %s\n", "watch", "Serves metrics and logs the frequency periodically")
	fmt.Fprintf(out, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	opts := options{}
	flag.StringVar(&opts.configPath, "config", "", "Path to a YAML engine configuration, overrides --cpu.")
	flag.UintVar(&opts.cpu, "cpu", 0, "The logical CPU to drive.")
	flag.StringVar(&opts.metricsAddr, "metrics-bind-address", ":10001", "The address the metric endpoint binds to.")
	flag.DurationVar(&opts.interval, "interval", 5*time.Second, "Sampling interval of the watch command.")
	logOpts := zap.Options{}
	logOpts.BindFlags(flag.CommandLine)
	flag.Usage = usage
	flag.Parse()

	ctrl.SetLogger(zap.New(
		zap.UseDevMode(true),
		func(o *zap.Options) {
			o.TimeEncoder = zapcore.ISO8601TimeEncoder
		},
		zap.UseFlagOptions(&logOpts),
	),
	)
	power.SetLogger(ctrl.Log.WithName("pstateEngine"))

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(ctrl.SetupSignalHandler(), opts, flag.Args(), os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		setupLog.Error(err, "command failed", "command", flag.Arg(0))
		os.Exit(1)
	}
}

func loadConfig(opts options) (power.LibConfig, error) {
	if opts.configPath == "" {
		return power.LibConfig{CPU: opts.cpu}, nil
	}
	return power.LoadConfig(opts.configPath)
}

// validateArgs rejects unknown commands before the engine calibrates
func validateArgs(args []string) error {
	switch args[0] {
	case "shell", "watch":
		if len(args) != 1 {
			return fmt.Errorf("%w: %s takes no arguments", errUsage, args[0])
		}
		return nil
	}
	cmd, ok := findCommand(args[0])
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	if len(args)-1 != cmd.args {
		return fmt.Errorf("%w: %s", errUsage, cmd.usage)
	}
	return nil
}

func run(ctx context.Context, opts options, args []string, in io.Reader, out io.Writer) error {
	if err := validateArgs(args); err != nil {
		return err
	}
	conf, err := loadConfig(opts)
	if err != nil {
		return err
	}
	engine, err := power.CreateInstanceWithConf(conf)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			setupLog.Error(err, "failed to release the hardware")
		}
	}()
	return runEngine(ctx, engine, opts, args, in, out)
}

// runEngine initializes engine and runs the command in args. The interactive commands
// hand the P-state back on exit, one-shot commands leave what they programmed in place.
func runEngine(ctx context.Context, engine power.Engine, opts options, args []string, in io.Reader, out io.Writer) error {
	start := time.Now()
	if err := engine.Initialize(); err != nil {
		err = fmt.Errorf("failed to initialize engine on cpu %d: %w", engine.GetCPU(), err)
		// a partial calibration leaves the engine Ready and the hardware in its hands
		if engine.GetState() == power.StateReady {
			err = errors.Join(err, engine.Deinitialize())
		}
		return err
	}
	setupLog.Info("engine ready", "cpu", engine.GetCPU(), "calibration", time.Since(start).String())

	switch args[0] {
	case "shell":
		return errors.Join(runShell(engine, in, out), engine.Deinitialize())
	case "watch":
		return errors.Join(watch(ctx, engine, opts, setupLog.WithName("watch")), engine.Deinitialize())
	default:
		return runCommand(engine, strings.Join(args, " "), out)
	}
}

// watch serves the engine collectors and logs the effective frequency until ctx is done
func watch(ctx context.Context, engine power.Engine, opts options, logger logr.Logger) error {
	if err := monitoring.RegisterEngineCollectors(ctrlMetrics.Registry,
		engine, ctrl.Log.WithName(monitoring.LogTopName)); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(ctrlMetrics.Registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "address", opts.metricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case err, ok := <-serveErr:
			if ok {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			serveErr = nil
		case <-ticker.C:
			khz, ok, err := engine.CurrentFrequencyKHz()
			if err != nil {
				return err
			}
			pstate, err := engine.CurrentPState()
			if err != nil {
				return err
			}
			logger.Info("sample", "pstate", fmt.Sprintf("%#04x", pstate), "kHz", khz, "advanced", ok)
		}
	}
}
