package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flexwatch/flexwatch/pkg/engine/fleet"
)

var CheckCmd = &cobra.Command{
	Use:   "check",
	Short: "One-shot fleet health check",
	Long: `Verifies the current host's license server (restarting it when dead)
and probes every monitored host in parallel. The exit code reflects
fleet health.`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := fleet.New(ctx, cfg.Fleet, fleet.WithLogger(log))
	if err != nil {
		return err
	}
	defer mgr.Terminate()

	if !mgr.EnsureServerAvailability(ctx) {
		fmt.Println(alertStyle.Render("current host was dead, restart issued"))
	}

	health := mgr.CheckFleetAlive(ctx)
	down := 0
	for _, host := range mgr.Hosts() {
		if health[host] {
			fmt.Printf("%s %s\n", okStyle.Render("UP  "), host)
		} else {
			fmt.Printf("%s %s\n", alertStyle.Render("DOWN"), host)
			down++
		}
	}
	if down > 0 {
		return fmt.Errorf("%d of %d hosts down", down, len(mgr.Hosts()))
	}
	return nil
}
