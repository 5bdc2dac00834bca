package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurrence-engine/cli"
)

// run executes recurctl with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := cli.NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestCommandPresence(t *testing.T) {
	cmd := cli.NewRootCommand()
	for _, name := range []string{"validate", "preview", "rrule", "ics", "import", "horizon", "reconcile", "runs"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestRootFlags_Rejected(t *testing.T) {
	_, err := run(t, "--format", "xml", "validate", "testdata/rules.yaml")
	assert.ErrorContains(t, err, "invalid format")

	_, err = run(t, "--today", "tomorrow", "validate", "testdata/rules.yaml")
	assert.ErrorContains(t, err, "--today")
}

// =============================================================================
// OFFLINE COMMANDS
// =============================================================================

func TestValidate(t *testing.T) {
	out, err := run(t, "validate", "testdata/rules.yaml")
	require.NoError(t, err)
	golden(t).Assert(t, "validate", []byte(out))

	_, err = run(t, "validate", "testdata/invalid.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule 1")
}

func TestPreview_Text(t *testing.T) {
	// GIVEN: Rent on the 31st, a twice-weekly gym and quarterly insurance
	// WHEN: Previewing January 2024
	// THEN: Occurrences are listed by date with a net total

	out, err := run(t, "--today", "2024-01-01", "preview", "testdata/rules.yaml", "--from", "2024-01-01", "--to", "2024-01-31")
	require.NoError(t, err)
	golden(t).Assert(t, "preview", []byte(out))
}

func TestPreview_JSONAndFilter(t *testing.T) {
	out, err := run(t, "--today", "2024-01-01", "--format", "json",
		"preview", "testdata/rules.yaml", "--rule", "rent", "--from", "2024-01-01", "--to", "2024-06-30")
	require.NoError(t, err)

	var occs []struct {
		Date   string `json:"date"`
		RuleID string `json:"rule_id"`
		Amount string `json:"amount"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &occs))
	require.Len(t, occs, 6)
	assert.Equal(t, "2024-02-29", occs[1].Date)
	assert.Equal(t, "2024-04-30", occs[3].Date)
	assert.Equal(t, "1200.00", occs[0].Amount)

	_, err = run(t, "preview", "testdata/rules.yaml", "--rule", "ghost")
	assert.ErrorContains(t, err, "ghost")

	_, err = run(t, "preview", "testdata/rules.yaml", "--from", "2024-02-01", "--to", "2024-01-01")
	assert.Error(t, err)
}

func TestRRule(t *testing.T) {
	out, err := run(t, "rrule", "testdata/rules.yaml")
	require.NoError(t, err)
	golden(t).Assert(t, "rrule", []byte(out))
}

func TestRRule_Parse(t *testing.T) {
	// GIVEN: Recurrence lines instead of a rules file
	// WHEN: Running rrule --parse
	// THEN: The schedule they describe is printed in the rules file format

	t.Run("yaml with DTSTART and EXDATE", func(t *testing.T) {
		out, err := run(t, "rrule",
			"--parse", "DTSTART;VALUE=DATE:20240131",
			"--parse", "RRULE:FREQ=MONTHLY;INTERVAL=1",
			"--parse", "EXDATE;VALUE=DATE:20240229",
			"--rule", "rent")
		require.NoError(t, err)
		assert.Contains(t, out, "id: rent")
		assert.Contains(t, out, "frequency: month")
		assert.Contains(t, out, "interval: 1")
		assert.Contains(t, out, "2024-01-31")
		assert.Contains(t, out, "2024-02-29")
	})

	t.Run("json with the anchor flag", func(t *testing.T) {
		out, err := run(t, "--format", "json", "rrule",
			"--parse", "RRULE:FREQ=WEEKLY;BYDAY=MO,TH;COUNT=4",
			"--anchor", "2024-01-01")
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, "2024-01-01", got["anchor_date"])
		assert.Equal(t, "week", got["frequency"])
		assert.Equal(t, []any{"mon", "thu"}, got["weekdays"])
		assert.Equal(t, "2024-01-12", got["termination_date"], "day after the fourth occurrence")
	})

	t.Run("interval above the rule bound", func(t *testing.T) {
		_, err := run(t, "rrule", "--parse", "RRULE:FREQ=YEARLY;INTERVAL=1001", "--anchor", "2024-01-01")
		assert.ErrorContains(t, err, "interval")
	})

	t.Run("file argument and --parse are exclusive", func(t *testing.T) {
		_, err := run(t, "rrule", "testdata/rules.yaml", "--parse", "RRULE:FREQ=DAILY")
		assert.Error(t, err)
	})
}

func TestICS(t *testing.T) {
	out, err := run(t, "--today", "2024-01-01", "ics", "testdata/rules.yaml", "--rule", "rent", "--from", "2024-01-01", "--to", "2024-03-31")
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, "BEGIN:VEVENT"))
	assert.Contains(t, out, "DTSTART;VALUE=DATE:20240229")
	assert.Contains(t, out, "DTSTAMP:20240101T000000Z")

	path := filepath.Join(t.TempDir(), "feed.ics")
	_, err = run(t, "--today", "2024-01-01", "ics", "testdata/rules.yaml", "--series", "-o", path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "BEGIN:VEVENT"))
	assert.Contains(t, string(data), "RRULE:FREQ=WEEKLY;INTERVAL=1;BYDAY=MO,TH")
}

// =============================================================================
// STORE COMMANDS
// =============================================================================

func TestStoreCommands(t *testing.T) {
	// GIVEN: A config pointing at a fresh SQLite file
	// WHEN: Importing, reconciling, running the horizon and listing runs
	// THEN: Each command sees the previous one's writes

	dir := t.TempDir()
	t.Chdir(dir)
	cfgPath := filepath.Join(dir, "recur.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("db_path: "+filepath.Join(dir, "recur.db")+"\nlog_level: error\n"), 0o600))
	rules, err := filepath.Abs(filepath.Join(testdataDir(t), "rules.yaml"))
	require.NoError(t, err)

	base := []string{"--config", cfgPath, "--today", "2024-01-01"}

	out, err := run(t, append(base, "import", rules)...)
	require.NoError(t, err)
	assert.Contains(t, out, "created rent: +12 -0")
	assert.Contains(t, out, "created insurance: +4 -0")

	out, err = run(t, append(base, "import", rules)...)
	require.NoError(t, err)
	assert.Contains(t, out, "updated rent: +0 -0")

	out, err = run(t, append(base, "reconcile", "rent")...)
	require.NoError(t, err)
	assert.Equal(t, "rent: +0 -0\n", out)

	_, err = run(t, append(base, "reconcile", "ghost")...)
	assert.Error(t, err)

	out, err = run(t, append(base, "horizon")...)
	require.NoError(t, err)
	assert.Contains(t, out, "rules    3")
	assert.Contains(t, out, "created  0")

	out, err = run(t, append(base, "runs", "--limit", "2")...)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 3, "header and two runs")
	assert.Contains(t, lines[0], "TRIGGER")
}

var cwd, _ = os.Getwd()

// testdataDir is resolved before tests change directory.
func testdataDir(t *testing.T) string {
	t.Helper()
	return filepath.Join(cwd, "testdata")
}
