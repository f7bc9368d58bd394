package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDay(t *testing.T) {
	fallback := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)

	got, err := parseDay("", fallback)
	require.NoError(t, err)
	assert.Equal(t, fallback, got)

	got, err = parseDay("2024-02-29", fallback)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), got)

	_, err = parseDay("29/02/2024", fallback)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YYYY-MM-DD")
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()

	for _, name := range []string{"serve", "migrate", "consolidate", "fx"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	consolidate, _, err := root.Find([]string{"consolidate"})
	require.NoError(t, err)
	days := consolidate.Flags().Lookup("days")
	require.NotNil(t, days)
	assert.Equal(t, "1", days.DefValue)
}

func TestConsolidateRejectsNonPositiveDays(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"consolidate", "--days", "0"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--days")
}

func TestNewLoggerLevels(t *testing.T) {
	logger, err := newLogger("debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	logger, err = newLogger("warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(0))

	logger, err = newLogger("nonsense")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(0))
}
