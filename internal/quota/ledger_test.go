package quota

import (
	"context"
	"testing"
	"time"

	"codeassist-gateway/internal/state"
	"github.com/stretchr/testify/require"
)

func TestHasQuotaFor(t *testing.T) {
	l := NewLedger(nil, time.Hour)

	require.True(t, l.HasQuotaFor("a", "gemini-2.5-pro"), "unknown entries count as available")

	l.Upsert("a", "gemini-2.5-pro", 0.5, time.Now().Add(time.Hour))
	require.True(t, l.HasQuotaFor("a", "gemini-2.5-pro"))

	l.Upsert("a", "gemini-2.5-pro", 0, time.Now().Add(time.Hour))
	require.False(t, l.HasQuotaFor("a", "gemini-2.5-pro"))
	require.True(t, l.HasQuotaFor("a", "gemini-2.5-flash"))
}

func TestUpsertClampsFraction(t *testing.T) {
	l := NewLedger(nil, time.Hour)
	l.Upsert("a", "m", 1.7, time.Time{})
	require.Equal(t, 1.0, l.Snapshot("a")["m"].Remaining)
	l.Upsert("a", "m", -0.2, time.Time{})
	require.Equal(t, 0.0, l.Snapshot("a")["m"].Remaining)
}

func TestEstimateRequestsRemaining(t *testing.T) {
	l := NewLedger(nil, time.Hour)

	// floor(80 / 0.6667) = 119
	require.Equal(t, 119, l.EstimateRequestsRemaining("a", GroupGemini, 0.80))

	l.RecordRequest("a", GroupGemini)
	l.RecordRequest("a", GroupGemini)
	require.Equal(t, 117, l.EstimateRequestsRemaining("a", GroupGemini, 0.80))

	// Counter resets when a fresh observation for the group's model arrives.
	l.Upsert("a", "gemini-2.5-pro", 0.80, time.Time{})
	require.Equal(t, 119, l.EstimateRequestsRemaining("a", GroupGemini, 0.80))

	// Floor clamp at zero.
	for i := 0; i < 10; i++ {
		l.RecordRequest("a", GroupGemini)
	}
	require.Equal(t, 0, l.EstimateRequestsRemaining("a", GroupGemini, 0.0))
}

func TestGroupFor(t *testing.T) {
	require.Equal(t, GroupClaude, GroupFor("Claude-Sonnet-4"))
	require.Equal(t, GroupGemini, GroupFor("gemini-2.5-pro"))
	require.Equal(t, GroupBanana, GroupFor("gemini-3-pro-image-preview"))
	require.Equal(t, GroupBanana, GroupFor("nano-BANANA"))
	require.Equal(t, GroupOther, GroupFor("gpt-4o"))
}

func TestPrune(t *testing.T) {
	l := NewLedger(nil, time.Hour)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Upsert("a", "m1", 0.5, time.Time{})
	now = now.Add(2 * time.Hour)
	l.Upsert("a", "m2", 0.5, time.Time{})

	require.Equal(t, 1, l.Prune())
	snap := l.Snapshot("a")
	require.NotContains(t, snap, "m1")
	require.Contains(t, snap, "m2")
}

func TestFlushRestoreRoundTrip(t *testing.T) {
	backend, err := state.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	reset := time.Now().Add(30 * time.Minute).Truncate(time.Millisecond).UTC()

	l := NewLedger(backend, time.Hour)
	l.Upsert("cred-1", "gemini-2.5-pro", 0.42, reset)
	require.NoError(t, l.Flush(ctx))

	l2 := NewLedger(backend, time.Hour)
	require.NoError(t, l2.Restore(ctx))
	entry := l2.Snapshot("cred-1")["gemini-2.5-pro"]
	require.InDelta(t, 0.42, entry.Remaining, 1e-9)
	require.Equal(t, reset, entry.ResetTime)
}
