package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeRules(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(body), 0o644))
	return dir
}

const validRules = `
id: vip-upgrade
name: VIP upgrade
trigger:
  type: fact
  pattern: "customer:*:points"
conditions:
  - source: {type: fact, key: "customer:42:points"}
    operator: gte
    value: 1000
actions:
  - type: set_fact
    key: "customer:42:vip"
    value: true
`

func TestRoot_RejectsBadFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "validate", ".")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestValidate_ValidRules(t *testing.T) {
	dir := writeRules(t, validRules)
	out, err := execute(t, "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "1 rule(s) valid")
}

func TestValidate_JSONOutput(t *testing.T) {
	dir := writeRules(t, validRules)
	out, err := execute(t, "--format", "json", "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "ok"`)
}

func TestValidate_SchemaFailureExitsOne(t *testing.T) {
	dir := writeRules(t, "id: broken\nname: Broken\ntrigger:\n  type: cron\nactions:\n  - type: log\n")
	out, err := execute(t, "validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "error")
}

func TestValidate_MissingPathExitsTwo(t *testing.T) {
	_, err := execute(t, "validate", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidate_DuplicateIDs(t *testing.T) {
	dir := writeRules(t, validRules+"---\n"+validRules)
	_, err := execute(t, "validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestExplain_AchievableGoal(t *testing.T) {
	dir := writeRules(t, validRules)
	out, err := execute(t, "explain", "customer:42:vip",
		"--rules", dir, "--fact", "customer:42:points=1200")
	require.NoError(t, err)
	assert.Contains(t, out, "achievable=true")
	assert.Contains(t, out, "rule vip-upgrade")
}

func TestExplain_UnachievableGoalExitsOne(t *testing.T) {
	dir := writeRules(t, validRules)
	out, err := execute(t, "explain", "customer:42:vip", "--rules", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "achievable=false")
}

func TestExplain_EventGoal(t *testing.T) {
	dir := writeRules(t, `
id: fraud-alert
name: Fraud alert
trigger:
  type: event
  topic: payments.failed
actions:
  - type: emit_event
    topic: alerts.fraud
`)
	// Event triggers cannot be proven from facts, but the query itself
	// must resolve the emitting rule.
	out, _ := execute(t, "explain", "--event", "alerts.fraud", "--rules", dir)
	assert.Contains(t, out, "fraud-alert")
}

func TestExplain_RejectsConflictingGoals(t *testing.T) {
	dir := writeRules(t, validRules)
	_, err := execute(t, "explain", "some:fact", "--event", "x.y", "--rules", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "boom")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

func TestParseFactFlag(t *testing.T) {
	key, v, err := parseFactFlag("customer:42:points=1200")
	require.NoError(t, err)
	assert.Equal(t, "customer:42:points", key)
	assert.Equal(t, float64(1200), v)

	key, v, err = parseFactFlag("customer:42:tier=gold")
	require.NoError(t, err)
	assert.Equal(t, "customer:42:tier", key)
	assert.Equal(t, "gold", v)

	_, _, err = parseFactFlag("no-equals")
	assert.Error(t, err)
}
