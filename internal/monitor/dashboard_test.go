package monitor

import (
	"fmt"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURL = "http://localhost:9191"

func TestNewModel(t *testing.T) {
	m := NewModel(testURL, 5*time.Second)
	assert.Equal(t, testURL, m.url)
	assert.Equal(t, 5*time.Second, m.interval)
	assert.NotNil(t, m.client)
	assert.False(t, m.quitting)
	assert.NotNil(t, m.Init())
}

func TestModel_Update_Keys(t *testing.T) {
	m := NewModel(testURL, time.Second)

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	assert.False(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)

	updated, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	assert.True(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, updated.View())
}

func TestModel_Update_Tick(t *testing.T) {
	m := NewModel(testURL, time.Second)
	_, cmd := m.Update(tickMsg(time.Now()))
	assert.NotNil(t, cmd)
}

func TestModel_Update_Snapshots(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 34, 56, 0, time.UTC)
	m := NewModel(testURL, time.Second)

	updated, cmd := m.Update(snapshotMsg(Snapshot{
		TakenAt:  t0,
		Requests: map[string]float64{"completed": 10},
	}))
	require.Nil(t, cmd)
	m = updated.(Model)
	assert.Equal(t, t0, m.lastUpdate)
	assert.Empty(t, m.requestHistory, "first scrape has no rate")
	assert.Len(t, m.pendingHistory, 1)

	updated, _ = m.Update(snapshotMsg(Snapshot{
		TakenAt:  t0.Add(time.Minute),
		Requests: map[string]float64{"completed": 16, "failed": 2},
		Retries:  1,
	}))
	m = updated.(Model)
	assert.Equal(t, Rates{Requests: 8, Failures: 2, Retries: 1}, m.rates)
	assert.Equal(t, []float64{8}, m.requestHistory)
	assert.Equal(t, []float64{2}, m.failureHistory)
	assert.Len(t, m.pendingHistory, 2)
}

func TestModel_Update_ErrorClearsOnSuccess(t *testing.T) {
	m := NewModel(testURL, time.Second)
	updated, cmd := m.Update(errMsg(fmt.Errorf("connection refused")))
	assert.Nil(t, cmd)
	m = updated.(Model)
	require.Error(t, m.err)

	view := m.View()
	assert.Contains(t, view, "Cannot reach gatewayd")
	assert.Contains(t, view, "connection refused")
	assert.Contains(t, view, testURL)

	updated, _ = m.Update(snapshotMsg(Snapshot{TakenAt: time.Now()}))
	assert.NoError(t, updated.(Model).err)
}

func TestModel_View(t *testing.T) {
	m := NewModel(testURL, 5*time.Second)
	snap := Snapshot{
		TakenAt:      time.Date(2026, 1, 1, 12, 34, 56, 0, time.UTC),
		Requests:     map[string]float64{"completed": 8, "failed": 2},
		ToolOutcomes: map[string]float64{"executed": 5, "pending": 1},
		StageLatency: map[string]float64{"dispatch": 0.0123, "policy": 0.002, "rerank": 0.7},
	}
	snap.Health.Status = "ok"
	snap.Health.Counts.PendingApprovals = 1
	snap.Health.Counts.PolicyRules = 4
	updated, _ := m.Update(snapshotMsg(snap))

	view := updated.View()
	for _, want := range []string{
		"gatewayd Monitor", "HEALTHY", "12:34:56",
		"Requests", "80.0%", "10 total",
		"Stage Latency", "12.3ms", "2.0ms", "700.0ms",
		"Pending approvals", "executed=", "4 rules",
		"[q]", "[r]",
	} {
		assert.Contains(t, view, want)
	}
}

func TestModel_View_NoData(t *testing.T) {
	view := NewModel(testURL, time.Second).View()
	assert.Contains(t, view, "gatewayd Monitor")
	assert.Contains(t, view, "UNKNOWN")
	assert.Contains(t, view, "Never")
	assert.Contains(t, view, "no data")
}

func TestOrderedStages(t *testing.T) {
	got := orderedStages(map[string]float64{"tools": 1, "zeta": 1, "policy": 1, "alpha": 1})
	assert.Equal(t, []string{"policy", "tools", "alpha", "zeta"}, got)
}

func TestAppendToHistory_Bounded(t *testing.T) {
	var h []float64
	for i := 0; i < historySize+5; i++ {
		h = appendToHistory(h, float64(i))
	}
	assert.Len(t, h, historySize)
	assert.Equal(t, float64(5), h[0])
}
