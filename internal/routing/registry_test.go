package routing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrelay-systems/opsrelay/internal/models"
)

const testRulesYAML = `
default_target: event-classifier
rules:
  - name: threshold_breach
    priority: 70
    pattern: 'metric\.threshold'
    strategy: single
    targets: [threshold-evaluator]
  - name: critical_to_incident_commander
    priority: 10
    pattern: '.*'
    severity: [critical]
    strategy: single
    targets: [incident-commander]
  - name: security_incident
    priority: 20
    pattern: 'security|breach|unauthorized'
    severity: [high, critical]
    strategy: broadcast
    targets: [security-monitor, incident-commander]
`

func writeRulesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	reg, err := LoadFile(writeRulesFile(t, testRulesYAML))
	require.NoError(t, err)

	rules := reg.List()
	require.Len(t, rules, 3)

	// Sorted ascending by priority regardless of declaration order.
	assert.Equal(t, "critical_to_incident_commander", rules[0].Name)
	assert.Equal(t, "security_incident", rules[1].Name)
	assert.Equal(t, "threshold_breach", rules[2].Name)

	assert.Equal(t, "event-classifier", reg.DefaultTarget())
	assert.Equal(t, []models.Severity{models.SeverityHigh, models.SeverityCritical}, rules[1].Severity)
	assert.Equal(t, StrategyBroadcast, rules[1].Strategy)
}

func TestLoadFile_InvalidPattern(t *testing.T) {
	_, err := LoadFile(writeRulesFile(t, `
rules:
  - name: broken
    priority: 1
    pattern: '['
    strategy: single
    targets: [somewhere]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern")
}

func TestLoadFile_UnknownStrategy(t *testing.T) {
	_, err := LoadFile(writeRulesFile(t, `
rules:
  - name: broken
    priority: 1
    pattern: '.*'
    strategy: shotgun
    targets: [somewhere]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestLoadFile_MissingTargets(t *testing.T) {
	_, err := LoadFile(writeRulesFile(t, `
rules:
  - name: broken
    priority: 1
    pattern: '.*'
    strategy: single
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one target")
}

func TestLoadFile_DuplicateName(t *testing.T) {
	_, err := LoadFile(writeRulesFile(t, `
rules:
  - name: dup
    priority: 1
    pattern: '.*'
    strategy: single
    targets: [a]
  - name: dup
    priority: 2
    pattern: '.*'
    strategy: single
    targets: [b]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate rule name")
}

func TestRegistry_ReloadKeepsOldRulesOnError(t *testing.T) {
	path := writeRulesFile(t, testRulesYAML)
	reg, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, reg.List(), 3)

	require.NoError(t, os.WriteFile(path, []byte("rules: [{name: broken, priority: 1, pattern: '[', strategy: single, targets: [x]}]"), 0o644))

	err = reg.ReloadFile(path)
	require.Error(t, err)
	assert.Len(t, reg.List(), 3, "failed reload must not clobber the active rule set")
}

func TestRegistry_Reload(t *testing.T) {
	path := writeRulesFile(t, testRulesYAML)
	reg, err := LoadFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
default_target: triage-queue
rules:
  - name: only_rule
    priority: 5
    pattern: '.*'
    strategy: single
    targets: [catch-all]
`), 0o644))

	require.NoError(t, reg.ReloadFile(path))
	rules := reg.List()
	require.Len(t, rules, 1)
	assert.Equal(t, "only_rule", rules[0].Name)
	assert.Equal(t, "triage-queue", reg.DefaultTarget())
}
