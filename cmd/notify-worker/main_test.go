package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-notify/internal/rabbitmq"
)

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Subset(t, names, []string{"serve", "health", "declare", "queues"})
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))

	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	declare := serve.Flags().Lookup("declare")
	require.NotNil(t, declare)
	assert.Equal(t, "true", declare.DefValue)
}

func TestCommandsRejectInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rabbitmq:\n  queue: alerts\n"), 0o600))

	for _, name := range []string{"health", "declare", "queues"} {
		t.Run(name, func(t *testing.T) {
			root := newRootCmd()
			root.SetOut(&bytes.Buffer{})
			root.SetArgs([]string{name, "--config", path})

			err := root.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "rabbitmq.url required")
		})
	}
}

func TestPrintQueues(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		printQueues(&buf, nil)
		assert.Equal(t, "No queues found\n", buf.String())
	})

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		printQueues(&buf, []rabbitmq.QueueInfo{
			{Name: "notifications", Messages: 12, Consumers: 1},
			{Name: "notifications.dlq", Messages: 3},
		})

		lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
		require.Len(t, lines, 4)
		assert.True(t, strings.HasPrefix(lines[0], "Name"))
		assert.Equal(t, []string{"notifications", "12", "1"}, strings.Fields(lines[2]))
		assert.Equal(t, []string{"notifications.dlq", "3", "0"}, strings.Fields(lines[3]))
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
