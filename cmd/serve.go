package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/ZamarianPatrick/lazypig-plantcare/config"
	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
	"github.com/ZamarianPatrick/lazypig-plantcare/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the watering scheduler and the sensor worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logs, log := logx.NewService(loggingConfig(settings))
	defer logs.Close()

	ctrl, err := server.NewController(settings, log)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	if m := ctrl.Metrics(); m != nil {
		otel.SetMeterProvider(m.Provider())
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	watcher := &config.Watcher{
		Path: configPath,
		Log:  log.With(logx.String("comp", "config")),
		OnChange: func(s *config.Settings) {
			logs.Apply(loggingConfig(s))
			ctrl.Apply(s)
		},
	}

	resolver := server.NewResolver(Version, ctrl, settings.HTTP.ManualRatePerSec, log.With(logx.String("comp", "http")))

	errs := make(chan error, 2)
	go func() { errs <- watcher.Watch(ctx) }()
	go func() { errs <- resolver.Run(ctx, settings.HTTP.Addr) }()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		log.Debug("systemd notified ready")
	}
	log.Info("plantcare started", logx.String("version", Version), logx.String("addr", settings.HTTP.Addr))

	// the first component to return takes the others down
	err = <-errs
	stop()
	if err2 := <-errs; err == nil {
		err = err2
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("plantcare stopped")
	return err
}
