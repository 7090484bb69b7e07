package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/gatewayd/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func testRules() []Rule {
	return []Rule{
		{Role: "analyst", SensitivityTier: "high", BudgetTier: "gold", AllowedModelIDs: []string{"big-reasoner"}},
		{Role: "analyst", SensitivityTier: "high", BudgetTier: "*", AllowedModelIDs: []string{"mid"}},
		{Role: "analyst", SensitivityTier: "*", BudgetTier: "*", AllowedModelIDs: []string{"fast-small"}},
		{Role: "support", SensitivityTier: "low", BudgetTier: "bronze", AllowedModelIDs: []string{"fast-small"}, AllowedToolIDs: []string{"crm.lookup"}},
	}
}

func TestResolve_WideningOrder(t *testing.T) {
	store, err := NewStore(testRules())
	require.NoError(t, err)

	tests := []struct {
		name                      string
		role, sensitivity, budget string
		wantModel                 string
	}{
		{"exact triple", "analyst", "high", "gold", "big-reasoner"},
		{"budget widened", "analyst", "high", "bronze", "mid"},
		{"sensitivity widened", "analyst", "low", "gold", "fast-small"},
		{"exact support", "support", "low", "bronze", "fast-small"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := store.Resolve(tt.role, tt.sensitivity, tt.budget)
			require.NoError(t, err)
			assert.Equal(t, []string{tt.wantModel}, rule.AllowedModelIDs)
		})
	}
}

func TestResolve_DefaultDeny(t *testing.T) {
	store, err := NewStore(testRules())
	require.NoError(t, err)

	_, err = store.Resolve("intern", "high", "bronze")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPolicyDenied))

	// support has no sensitivity or role wildcard, so another tier is denied
	_, err = store.Resolve("support", "high", "bronze")
	assert.ErrorIs(t, err, ErrPolicyDenied)
}

func TestResolve_GlobalWildcard(t *testing.T) {
	rules := append(testRules(), Rule{Role: "*", SensitivityTier: "*", BudgetTier: "*", AllowedModelIDs: []string{"fallback"}})
	store, err := NewStore(rules)
	require.NoError(t, err)

	rule, err := store.Resolve("intern", "high", "bronze")
	require.NoError(t, err)
	assert.True(t, rule.AllowsModel("fallback"))
	assert.False(t, rule.AllowsTool("crm.lookup"))
}

func TestNewStore_RejectsInvalidRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"empty role", Rule{SensitivityTier: "high", BudgetTier: "gold"}},
		{"role wildcard alone", Rule{Role: "*", SensitivityTier: "high", BudgetTier: "*"}},
		{"sensitivity wildcard with exact budget", Rule{Role: "a", SensitivityTier: "*", BudgetTier: "gold"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStore([]Rule{tt.rule})
			assert.Error(t, err)
		})
	}

	_, err := NewStore([]Rule{testRules()[0], testRules()[0]})
	assert.ErrorContains(t, err, "duplicate")
}

func TestRuleNormalizesIDSets(t *testing.T) {
	store, err := NewStore([]Rule{{Role: "a", SensitivityTier: "b", BudgetTier: "c",
		AllowedModelIDs: []string{"z", "a", "z"}}})
	require.NoError(t, err)
	rule, err := store.Resolve("a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "z"}, rule.AllowedModelIDs)
	assert.Equal(t, map[string]bool{"a": true, "z": true}, rule.ModelSet())
}

func TestReload(t *testing.T) {
	store, err := NewStore(testRules())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), store.Version())

	require.NoError(t, store.Reload([]Rule{{Role: "intern", SensitivityTier: "*", BudgetTier: "*", AllowedModelIDs: []string{"fast-small"}}}))
	assert.Equal(t, uint64(2), store.Version())

	_, err = store.Resolve("intern", "high", "bronze")
	assert.NoError(t, err)
	_, err = store.Resolve("analyst", "high", "gold")
	assert.ErrorIs(t, err, ErrPolicyDenied)

	// invalid reload keeps the previous snapshot
	assert.Error(t, store.Reload([]Rule{{Role: ""}}))
	assert.Equal(t, uint64(2), store.Version())
	_, err = store.Resolve("intern", "low", "gold")
	assert.NoError(t, err)
}

func TestReload_ConcurrentReaders(t *testing.T) {
	store, err := NewStore(testRules())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				rule, err := store.Resolve("analyst", "high", "gold")
				if err == nil {
					// every snapshot either has the exact rule or the replacement
					assert.Len(t, rule.AllowedModelIDs, 1)
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, store.Reload(testRules()))
	}
	wg.Wait()
}

const policyYAML = `
rules:
  - role: analyst
    sensitivity: high
    budget: "*"
    models: [big-reasoner, fast-small]
    tools: [crm.lookup, invoice.create]
  - role: "*"
    sensitivity: "*"
    budget: "*"
    models: [fast-small]
`

func TestParse(t *testing.T) {
	rules, err := Parse([]byte(policyYAML))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "analyst", rules[0].Role)
	assert.Equal(t, []string{"crm.lookup", "invoice.create"}, rules[0].AllowedToolIDs)
	assert.Equal(t, "*", rules[1].Role)

	_, err = Parse([]byte("rules: [unterminated"))
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0600))

	rules, err := LoadFile(path)
	require.NoError(t, err)
	store, err := NewStore(rules)
	require.NoError(t, err)

	tl := logging.NewTestLogger()
	w, err := NewWatcher(store, path, tl.Logger)
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	next := "rules:\n  - {role: intern, sensitivity: \"*\", budget: \"*\", models: [fast-small]}\n"
	require.NoError(t, os.WriteFile(path, []byte(next), 0600))

	select {
	case <-w.reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}

	_, err = store.Resolve("intern", "high", "gold")
	assert.NoError(t, err)
	tl.AssertLogged(t, zapcore.InfoLevel, "policy reloaded")
}

func TestWatcher_KeepsRulesOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0600))

	store, err := NewStore(nil)
	require.NoError(t, err)
	require.NoError(t, store.ReloadFile(path))

	tl := logging.NewTestLogger()
	w, err := NewWatcher(store, path, tl.Logger)
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - {role: \"*\", sensitivity: high, budget: \"*\"}\n"), 0600))

	select {
	case <-w.reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not attempt reload")
	}

	_, err = store.Resolve("analyst", "high", "gold")
	assert.NoError(t, err)
	tl.AssertLogged(t, zapcore.ErrorLevel, "policy reload failed")
}
