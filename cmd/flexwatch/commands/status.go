package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flexwatch/flexwatch/pkg/config"
	"github.com/flexwatch/flexwatch/pkg/engine/history"
	"github.com/flexwatch/flexwatch/pkg/storage"
)

var statusWindow int

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	alertStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent usage history and trend",
	RunE:  runStatus,
}

func init() {
	StatusCmd.Flags().IntVar(&statusWindow, "window", 12, "number of recent snapshots to show")
}

// runStatus reads the ledger only; it works away from the license host,
// so the full fleet validation is skipped.
func runStatus(cmd *cobra.Command, args []string) error {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("parse configuration: %w", err)
	}
	cfg.ApplyDefaults()

	location := cfg.History.S3URL
	if location == "" {
		location = cfg.History.Path
	}
	if location == "" {
		location = "flexwatch-history"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := storage.Open(ctx, location)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	snaps, err := history.NewLedger(store).Load(ctx, statusWindow)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println(dimStyle.Render("no history recorded yet"))
		return nil
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("%s fleet history", cfg.Fleet.Feature)))
	for _, s := range snaps {
		used, total := s.UsedTotal()
		line := fmt.Sprintf("%s  %3d/%3d in use  %5.1f%% free  %3d active users",
			time.Unix(s.Timestamp, 0).Format(time.DateTime),
			used, total, s.FreePercentage*100, s.ActiveUsers)
		if len(s.BannedUsers) > 0 {
			line += alertStyle.Render(fmt.Sprintf("  %d banned", len(s.BannedUsers)))
		}
		fmt.Println(line)
	}

	res := history.Analyze(snaps)
	fmt.Println()
	fmt.Printf("velocity: %+.1f seats/h\n", res.Velocity)
	if res.TimeToExhaustion > 0 {
		fmt.Println(alertStyle.Render(
			fmt.Sprintf("exhaustion in ~%s at current rate", res.TimeToExhaustion.Round(time.Minute))))
	}
	if len(res.Alerts) == 0 {
		fmt.Println(okStyle.Render("no alerts"))
	}
	for _, a := range res.Alerts {
		fmt.Println(alertStyle.Render("! " + a))
	}
	return nil
}
