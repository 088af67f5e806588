package history

import (
	"context"
	"testing"
	"time"

	"github.com/flexwatch/flexwatch/pkg/storage"
)

func snap(ts int64, used, total int) Snapshot {
	free := 1.0
	if total > 0 {
		free = float64(total-used) / float64(total)
	}
	return Snapshot{
		Timestamp:      ts,
		Hosts:          map[string]Counts{"SRV1": {Used: used, Total: total}},
		ActiveUsers:    used,
		FreePercentage: free,
	}
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return NewLedger(storage.NewLocalStore(t.TempDir()))
}

func TestAppendLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	for i := 0; i < 3; i++ {
		if err := l.Append(ctx, snap(int64(1000+i*600), 30+i, 56)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := l.Load(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("loaded %d snapshots, want 3", len(got))
	}
	if got[0].Timestamp != 1000 || got[2].Timestamp != 2200 {
		t.Errorf("snapshots out of order: %v", got)
	}
	used, total := got[2].UsedTotal()
	if used != 32 || total != 56 {
		t.Errorf("counts = %d/%d, want 32/56", used, total)
	}
}

func TestLoadWindow(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	for i := 0; i < 5; i++ {
		if err := l.Append(ctx, snap(int64(i), i, 56)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := l.Load(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d snapshots, want 2", len(got))
	}
	if got[0].Timestamp != 3 || got[1].Timestamp != 4 {
		t.Errorf("window must keep the most recent snapshots: %v", got)
	}
}

func TestLoadMissingLedger(t *testing.T) {
	got, err := newTestLedger(t).Load(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("missing ledger must yield empty history, got %v", got)
	}
}

func TestLoadSkipsTornLines(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocalStore(t.TempDir())
	l := NewLedger(store)

	if err := l.Append(ctx, snap(1000, 30, 56)); err != nil {
		t.Fatal(err)
	}
	raw, err := store.Get(ctx, DefaultKey)
	if err != nil {
		t.Fatal(err)
	}
	raw = append(raw, []byte("{torn half-written li")...)
	if err := store.Put(ctx, DefaultKey, append(raw, '\n')); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(ctx, snap(1600, 35, 56)); err != nil {
		t.Fatal(err)
	}

	got, err := l.Load(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("torn line must be skipped, loaded %d snapshots", len(got))
	}
}

func TestAnalyzeVelocity(t *testing.T) {
	// 30 -> 40 seats over one hour: 10 seats/h, 16 free seats left.
	snaps := []Snapshot{snap(0, 30, 56), snap(3600, 40, 56)}
	res := Analyze(snaps)

	if res.InUse != 40 || res.Issued != 56 {
		t.Errorf("counts = %d/%d, want 40/56", res.InUse, res.Issued)
	}
	if res.Velocity != 10 {
		t.Errorf("velocity = %v, want 10 seats/h", res.Velocity)
	}
	want := time.Duration(1.6 * float64(time.Hour))
	if res.TimeToExhaustion != want {
		t.Errorf("time to exhaustion = %v, want %v", res.TimeToExhaustion, want)
	}
}

func TestAnalyzeFlatUsage(t *testing.T) {
	snaps := []Snapshot{snap(0, 30, 56), snap(3600, 30, 56)}
	res := Analyze(snaps)
	if res.Velocity != 0 {
		t.Errorf("velocity = %v, want 0", res.Velocity)
	}
	if res.TimeToExhaustion != -1 {
		t.Errorf("flat usage must report no exhaustion, got %v", res.TimeToExhaustion)
	}
}

func TestAnalyzeAlerts(t *testing.T) {
	low := snap(3600, 54, 56)
	low.BannedUsers = []string{"SBX035", "SBX036"}
	res := Analyze([]Snapshot{snap(0, 30, 56), low})

	if len(res.Alerts) == 0 {
		t.Fatal("scarce licenses and banned users must raise alerts")
	}
	var sawFree, sawBanned bool
	for _, a := range res.Alerts {
		switch {
		case a == "free licenses below 10% (4%)":
			sawFree = true
		case a == "2 users currently banned":
			sawBanned = true
		}
	}
	if !sawFree {
		t.Errorf("low-free alert missing: %v", res.Alerts)
	}
	if !sawBanned {
		t.Errorf("banned-users alert missing: %v", res.Alerts)
	}
}

func TestAnalyzeEmptyHistory(t *testing.T) {
	res := Analyze(nil)
	if res.TimeToExhaustion != -1 {
		t.Errorf("empty history must report no exhaustion, got %v", res.TimeToExhaustion)
	}
	if len(res.Alerts) != 0 {
		t.Errorf("empty history must raise no alerts: %v", res.Alerts)
	}
}
