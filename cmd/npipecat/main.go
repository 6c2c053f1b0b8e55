// Command npipecat pipes standard input and output through a named pipe.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/brickingsoft/npipe/pkg/metrics"
	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	cfg        Config
}

func newRootCmd() *cobra.Command {
	return newCommand(&globalFlags{cfg: defaultConfig()})
}

func newCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "npipecat",
		Short:         "read and write named pipes",
		Long:          `Connect standard input and output to a named pipe, as a server (listen) or as a client (dial).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return flags.resolve(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "TOML configuration file")
	pf.StringVar(&flags.cfg.Mode, "mode", flags.cfg.Mode, "transmission mode: byte or message")
	pf.IntVar(&flags.cfg.BufferSize, "buffer-size", flags.cfg.BufferSize, "receive buffer size in bytes")
	pf.DurationVar(&flags.cfg.Timeout, "timeout", flags.cfg.Timeout, "client connect timeout")
	pf.IntVar(&flags.cfg.MaxInstances, "max-instances", flags.cfg.MaxInstances, "maximum pipe instances, 0 for unlimited")
	pf.StringVar(&flags.cfg.SecurityDescriptor, "sddl", flags.cfg.SecurityDescriptor, "security descriptor of created pipes")
	pf.BoolVar(&flags.cfg.RejectRemoteClients, "reject-remote-clients", flags.cfg.RejectRemoteClients, "refuse clients from other machines")
	pf.StringVar(&flags.cfg.Server, "server", flags.cfg.Server, "server to dial")
	pf.StringVar(&flags.cfg.LogLevel, "log-level", flags.cfg.LogLevel, "log level: trace, debug, info, warn, error")
	pf.StringVar(&flags.cfg.MetricsAddr, "metrics-addr", flags.cfg.MetricsAddr, "serve Prometheus metrics on this address")
	pf.BoolVar(&flags.cfg.Once, "once", flags.cfg.Once, "stop after the first connection")

	cmd.AddCommand(listenCmd(flags), dialCmd(flags))
	return cmd
}

// resolve merges the configuration file under the flags set on the command line.
func (flags *globalFlags) resolve(cmd *cobra.Command) error {
	fileCfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	pf := cmd.Flags()
	merge := func(name string, apply func()) {
		if !pf.Changed(name) {
			apply()
		}
	}
	merge("mode", func() { flags.cfg.Mode = fileCfg.Mode })
	merge("buffer-size", func() { flags.cfg.BufferSize = fileCfg.BufferSize })
	merge("timeout", func() { flags.cfg.Timeout = fileCfg.Timeout })
	merge("max-instances", func() { flags.cfg.MaxInstances = fileCfg.MaxInstances })
	merge("sddl", func() { flags.cfg.SecurityDescriptor = fileCfg.SecurityDescriptor })
	merge("reject-remote-clients", func() { flags.cfg.RejectRemoteClients = fileCfg.RejectRemoteClients })
	merge("server", func() { flags.cfg.Server = fileCfg.Server })
	merge("log-level", func() { flags.cfg.LogLevel = fileCfg.LogLevel })
	merge("metrics-addr", func() { flags.cfg.MetricsAddr = fileCfg.MetricsAddr })
	merge("once", func() { flags.cfg.Once = fileCfg.Once })
	if err = flags.cfg.Validate(); err != nil {
		return err
	}

	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: log.RFC3339NanoFixed})
	return log.SetLevel(flags.cfg.LogLevel)
}

// serveMetrics exposes collector when an address is configured.
func serveMetrics(ctx context.Context, addr string, collector *metrics.Collector) error {
	if addr == "" {
		return nil
	}
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.G(ctx).WithError(err).Error("metrics server stopped")
		}
	}()
	log.G(ctx).WithField("addr", addr).Info("serving metrics")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "npipecat: %v\n", err)
		stop()
		os.Exit(1)
	}
}
