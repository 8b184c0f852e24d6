package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxytun/internal/core"
)

func TestPolicyControllerTogglesPersistedFlag(t *testing.T) {
	store := core.NewFileStore(filepath.Join(t.TempDir(), "records.yaml"))
	require.NoError(t, store.Save(core.TunnelRecord{ID: "t1", Transport: "endpoint: p:1"}))

	pc := NewPolicyController(store, core.NewLogger(core.LogConfig{Level: "off"}))
	require.NoError(t, pc.SetAutoReconnect("t1", true))

	rec, err := store.Load("t1")
	require.NoError(t, err)
	assert.True(t, rec.OnDemand)
	assert.Equal(t, "endpoint: p:1", rec.Transport, "load-mutate-save must keep other fields")

	require.NoError(t, pc.SetAutoReconnect("t1", false))
	rec, err = store.Load("t1")
	require.NoError(t, err)
	assert.False(t, rec.OnDemand)
}

func TestPolicyControllerMissingRecord(t *testing.T) {
	store := core.NewFileStore(filepath.Join(t.TempDir(), "records.yaml"))
	pc := NewPolicyController(store, core.NewLogger(core.LogConfig{Level: "off"}))

	err := pc.SetAutoReconnect("missing", true)
	assert.Error(t, err, "callers log this, they never escalate it")
}
