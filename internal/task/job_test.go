package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJob(t *testing.T) {
	j, err := ParseJob(`cron '0 4 * * *' search is(instance) | clean`)
	require.NoError(t, err)
	assert.Equal(t, "0 4 * * *", j.Cron)
	assert.Empty(t, j.WaitFor)
	assert.Equal(t, "search is(instance) | clean", j.Command)
	assert.Len(t, j.ID, 8)

	j, err = ParseJob(`cron "0 4 * * *" wait_for "collect_done" search all | count`)
	require.NoError(t, err)
	assert.Equal(t, "0 4 * * *", j.Cron)
	assert.Equal(t, "collect_done", j.WaitFor)
	assert.Equal(t, "search all | count", j.Command)

	j, err = ParseJob(`wait_for 'collect_done' echo triggered`)
	require.NoError(t, err)
	assert.Empty(t, j.Cron)
	assert.Equal(t, "collect_done", j.WaitFor)
	assert.Equal(t, "echo triggered", j.Command)

	// on-demand jobs have no trigger at all
	j, err = ParseJob(`echo hello`)
	require.NoError(t, err)
	assert.Empty(t, j.Cron)
	assert.Empty(t, j.WaitFor)
	assert.Equal(t, "echo hello", j.Command)
}

func TestParseJobCompact(t *testing.T) {
	j, err := ParseJob(`*/5 * * * * : search is(volume) | count`)
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", j.Cron)
	assert.Equal(t, "search is(volume) | count", j.Command)

	// a colon without a cron prefix stays part of the command
	j, err = ParseJob(`echo a : b`)
	require.NoError(t, err)
	assert.Empty(t, j.Cron)
	assert.Equal(t, "echo a : b", j.Command)
}

func TestParseJobStableID(t *testing.T) {
	a, err := ParseJob(`echo hello`)
	require.NoError(t, err)
	b, err := ParseJob(`  echo hello  `)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID, "the id is derived from the trimmed source")
}

func TestParseJobErrors(t *testing.T) {
	cases := []string{
		``,
		`cron '0 4 * * *'`,
		`cron '0 4 * *' echo hi`,
		`cron '0 4 * * * echo hi`,
		`cron 0 4 * * * echo hi`,
		`wait_for collect_done echo hi`,
	}
	for _, raw := range cases {
		_, err := ParseJob(raw)
		assert.Error(t, err, "input: %q", raw)
	}
}
