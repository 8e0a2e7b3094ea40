package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMessageCatalogBuiltinDefaults(t *testing.T) {
	logger := zaptest.NewLogger(t)

	c, err := NewMessageCatalog(filepath.Join(t.TempDir(), "missing.yaml"), logger)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, defaultRespondMessage, c.MessageFor("agent-1", "respond"))
	assert.Equal(t, defaultEscalateMessage, c.MessageFor("agent-1", "escalate"))
	assert.Equal(t, defaultResolveMessage, c.MessageFor("agent-1", "resolve"))
	// Unknown actions get the respond copy rather than an empty string.
	assert.Equal(t, defaultRespondMessage, c.MessageFor("agent-1", "assign"))
}

func TestMessageCatalogFileAndOverrides(t *testing.T) {
	logger := zaptest.NewLogger(t)
	path := filepath.Join(t.TempDir(), "messages.yaml")

	content := `
defaults:
  respond: "One moment please."
agents:
  agent-42:
    escalate: "Connecting you with our billing team."
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := NewMessageCatalog(path, logger)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "One moment please.", c.MessageFor("agent-1", "respond"))
	// File defaults fill only what they set.
	assert.Equal(t, defaultEscalateMessage, c.MessageFor("agent-1", "escalate"))

	// Agent override wins for its action, inherits the rest.
	assert.Equal(t, "Connecting you with our billing team.", c.MessageFor("agent-42", "escalate"))
	assert.Equal(t, "One moment please.", c.MessageFor("agent-42", "respond"))
}

func TestMessageCatalogReload(t *testing.T) {
	logger := zaptest.NewLogger(t)
	path := filepath.Join(t.TempDir(), "messages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`defaults: {respond: "v1"}`), 0o644))

	c, err := NewMessageCatalog(path, logger)
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, "v1", c.MessageFor("a", "respond"))

	require.NoError(t, os.WriteFile(path, []byte(`defaults: {respond: "v2"}`), 0o644))
	assert.Eventually(t, func() bool {
		return c.MessageFor("a", "respond") == "v2"
	}, 2e9, 5e7)
}

func TestMessageCatalogBadReloadKeepsPrevious(t *testing.T) {
	logger := zaptest.NewLogger(t)
	path := filepath.Join(t.TempDir(), "messages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`defaults: {respond: "good"}`), 0o644))

	c, err := NewMessageCatalog(path, logger)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, os.WriteFile(path, []byte("{not: [valid"), 0o644))
	assert.Never(t, func() bool {
		return c.MessageFor("a", "respond") != "good"
	}, 5e8, 5e7)
}
