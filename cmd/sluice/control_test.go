package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIds(t *testing.T) {
	ids, err := parseIds([]string{"3", "1", "20"})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1, 20}, ids)

	_, err = parseIds([]string{"1", "x"})
	assert.Error(t, err)
}

func TestRootCommands(t *testing.T) {
	cmd := rootCmd()
	for _, name := range []string{"supervisor", "submit", "kill", "halt", "delete", "restart", "resources", "queue", "watch", "shutdown", "version"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}
