package history

import (
	"fmt"
	"time"
)

// AnalysisResult contains the derived usage signals the status view shows.
type AnalysisResult struct {
	InUse    int
	Issued   int
	Velocity float64 // seats per hour, positive while usage grows

	TimeToExhaustion time.Duration // -1 when usage is flat or shrinking

	Alerts []string
}

// Analyze derives the usage trend from historical snapshots.
func Analyze(snaps []Snapshot) AnalysisResult {
	if len(snaps) == 0 {
		return AnalysisResult{TimeToExhaustion: -1}
	}

	current := snaps[len(snaps)-1]
	used, total := current.UsedTotal()
	res := AnalysisResult{InUse: used, Issued: total, TimeToExhaustion: -1}
	if len(snaps) < 2 {
		return res
	}

	prev := snaps[len(snaps)-2]
	timeDelta := float64(current.Timestamp-prev.Timestamp) / 3600.0
	if timeDelta == 0 {
		return res
	}

	prevUsed, _ := prev.UsedTotal()
	res.Velocity = float64(used-prevUsed) / timeDelta

	if res.Velocity > 0 && total > used {
		hoursToCap := float64(total-used) / res.Velocity
		res.TimeToExhaustion = time.Duration(hoursToCap * float64(time.Hour))
	}

	if current.FreePercentage < 0.10 {
		res.Alerts = append(res.Alerts,
			fmt.Sprintf("free licenses below 10%% (%.0f%%)", current.FreePercentage*100))
	}
	if res.TimeToExhaustion > 0 && res.TimeToExhaustion < 2*time.Hour {
		res.Alerts = append(res.Alerts,
			fmt.Sprintf("license exhaustion predicted in %s", res.TimeToExhaustion.Round(time.Minute)))
	}
	if len(current.BannedUsers) > 0 {
		res.Alerts = append(res.Alerts,
			fmt.Sprintf("%d users currently banned", len(current.BannedUsers)))
	}
	return res
}
