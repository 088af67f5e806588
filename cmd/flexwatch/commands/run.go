package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flexwatch/flexwatch/pkg/engine"
	"github.com/flexwatch/flexwatch/pkg/metrics"
	"github.com/flexwatch/flexwatch/pkg/telemetry"
	"github.com/flexwatch/flexwatch/pkg/version"
)

var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the monitor loop",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flush, err := telemetry.Init(ctx, version.AppName, version.Current, cfg.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	if cfg.MetricsAddr != "" {
		errc := metrics.Serve(cfg.MetricsAddr)
		go func() {
			if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
		log.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	eng, err := engine.New(ctx, cfg, engine.WithLogger(log))
	if err != nil {
		return err
	}

	runErr := eng.Run(ctx)

	// The loop only returns on signal; give teardown its own deadline.
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	eng.Shutdown(sctx)
	if err := flush(sctx); err != nil {
		log.Warn("telemetry flush failed", "error", err)
	}

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
