package history

import (
	"testing"
	"time"

	"github.com/lineopthq/optimizer/pkg/types"
)

func deadReport(ip string) types.IPReport {
	return types.IPReport{
		IP: ip,
		Tests: map[types.Line]types.RawMeasurement{
			types.LineTelecom: types.Unreachable(ip, types.LineTelecom, "1227"),
		},
	}
}

func aliveReport(ip string) types.IPReport {
	return types.IPReport{
		IP: ip,
		Tests: map[types.Line]types.RawMeasurement{
			types.LineTelecom: {IP: ip, Line: types.LineTelecom, LatencyMs: 50, Available: true},
		},
	}
}

func TestBadIPThresholdAndFloor(t *testing.T) {
	bad := NewBadIPs(t.TempDir(), 0.8, 5, BadIPDependencies{})
	now := time.Now().UTC()

	for i := 0; i < 4; i++ {
		bad.Update("9.9.9.9", deadReport("9.9.9.9"), now)
	}
	if bad.IsBad("9.9.9.9") {
		t.Fatalf("expected not bad below the sample floor")
	}

	bad.Update("9.9.9.9", deadReport("9.9.9.9"), now)
	if !bad.IsBad("9.9.9.9") {
		t.Fatalf("expected bad at 5/5 failures")
	}

	if bad.IsBad("1.2.3.4") {
		t.Fatalf("expected unknown IP to be good")
	}
}

func TestBadIPRecovery(t *testing.T) {
	bad := NewBadIPs(t.TempDir(), 0.8, 5, BadIPDependencies{})
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		bad.Update("9.9.9.9", deadReport("9.9.9.9"), now)
	}
	if !bad.IsBad("9.9.9.9") {
		t.Fatalf("expected bad after 5 failures")
	}

	// Successes dilute the failure rate below the threshold.
	for i := 0; i < 2; i++ {
		bad.Update("9.9.9.9", aliveReport("9.9.9.9"), now)
	}
	// 5/7 ≈ 0.71 < 0.8
	if bad.IsBad("9.9.9.9") {
		t.Fatalf("expected recovery below the threshold")
	}
}

func TestBadIPSampleWindowBounded(t *testing.T) {
	bad := NewBadIPs(t.TempDir(), 0.8, 5, BadIPDependencies{})
	now := time.Now().UTC()

	for i := 0; i < 15; i++ {
		bad.Update("9.9.9.9", deadReport("9.9.9.9"), now)
	}

	bad.mu.Lock()
	record := bad.records["9.9.9.9"]
	bad.mu.Unlock()
	if len(record.RecentTests) != types.BadIPSampleWindow {
		t.Fatalf("expected ring of %d got %d", types.BadIPSampleWindow, len(record.RecentTests))
	}
	if record.TestCount != 15 || record.FailCount != 15 {
		t.Fatalf("expected full counters kept: %+v", record)
	}
	if record.FailCount > record.TestCount {
		t.Fatalf("fail count exceeds test count")
	}
}

func TestBadIPSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()

	bad := NewBadIPs(dir, 0.8, 5, BadIPDependencies{})
	for i := 0; i < 6; i++ {
		bad.Update("9.9.9.9", deadReport("9.9.9.9"), now)
	}
	if err := bad.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := NewBadIPs(dir, 0.8, 5, BadIPDependencies{})
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reloaded.IsBad("9.9.9.9") {
		t.Fatalf("expected bad flag to survive reload")
	}
}
