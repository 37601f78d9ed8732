// Command supervisord runs the wasm execution supervisor on an edge device.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wasmiot/supervisor/daemon"
	"github.com/wasmiot/supervisor/daemon/config"
	"github.com/wasmiot/supervisor/daemon/deployment"
	"github.com/wasmiot/supervisor/daemon/device"
	"github.com/wasmiot/supervisor/daemon/discovery"
	"github.com/wasmiot/supervisor/daemon/logsink"
	"github.com/wasmiot/supervisor/daemon/server"
	"github.com/wasmiot/supervisor/daemon/wasm"
)

type options struct {
	profile  string
	logLevel string
}

func main() {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "supervisord",
		Short:         "WebAssembly execution supervisor for IoT orchestration",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	flags.StringVar(&opts.profile, "profile", "full", `runtime profile ("full" or "restricted")`)
	flags.StringVar(&opts.logLevel, "log-level", "info", `log level ("debug", "info", "warn", "error")`)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	if err := log.SetLevel(opts.logLevel); err != nil {
		return err
	}
	cfg := config.FromEnv()

	if cfg.ExternalLogging {
		logrus.StandardLogger().AddHook(logsink.New(cfg, nil))
	}

	var profile wasm.Profile
	switch opts.profile {
	case "full":
		profile = wasm.FullProfile{}
	case "restricted":
		profile = &wasm.RestrictedProfile{}
	default:
		return errors.Errorf("unknown profile %q", opts.profile)
	}

	camera := wasm.NewCamera(cfg.CameraDevice)
	store := deployment.NewStore(cfg, profile, camera, wasm.ICMPPinger{}, nil)
	sup := daemon.New(cfg, store, clock.NewClock(), nil)
	sup.Restore(ctx)
	defer sup.Shutdown(context.Background())

	probes := device.NewProbes()
	adv := discovery.New(cfg, clock.NewClock(), nil)

	srv := &http.Server{
		Addr:    net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)),
		Handler: server.New(sup, probes, adv).Handler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		log.G(ctx).WithFields(log.Fields{
			"addr":    srv.Addr,
			"profile": profile.Name(),
		}).Info("supervisor listening")
		errCh <- srv.ListenAndServe()
	}()

	adv.Start(ctx)
	defer adv.Stop()

	select {
	case <-ctx.Done():
		log.G(ctx).Info("shutting down")
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
