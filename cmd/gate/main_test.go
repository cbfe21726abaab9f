package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/infra"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "migrate", "templates", "users"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()

	cfg := &infra.Config{Storage: infra.StorageConfig{Driver: "memory"}}
	st, err := openStorage(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	st.close()

	cfg.Storage = infra.StorageConfig{Driver: "bolt", BoltPath: filepath.Join(t.TempDir(), "gate.db")}
	st, err = openStorage(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	_, found, err := st.policies.GetPolicy(ctx, domain.NewPairKey("0xAlice", "bot"))
	require.NoError(t, err)
	assert.False(t, found)
	st.close()

	cfg.Storage.Driver = "sqlite"
	_, err = openStorage(ctx, cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unknown storage.driver")
}

func TestOpenCollaborators_Simulated(t *testing.T) {
	suite, closeFn, err := openCollaborators(infra.CollaboratorsConfig{
		Driver:          "simulated",
		SimulatedAgents: map[string]string{"bot": "0xOperator"},
	}, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()

	controller, err := suite.Identity.ControllerOf(context.Background(), "bot")
	require.NoError(t, err)
	assert.Equal(t, domain.Address("0xOperator").Normalized(), controller.Normalized())
}
