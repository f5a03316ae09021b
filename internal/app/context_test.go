package app_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamboard/internal/app"
	"teamboard/internal/channel"
	"teamboard/internal/config"
	"teamboard/internal/domain"
	"teamboard/internal/repo"
)

func TestResolveTeamAndConfigSeedsTeam(t *testing.T) {
	ctx := context.Background()
	conn, err := app.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	r := repo.Repo{DB: conn}

	_, _, err = app.ResolveTeamAndConfig(ctx, "", "alice", r)
	require.Error(t, err, "no team and no override")

	teamID, cfg, err := app.ResolveTeamAndConfig(ctx, "core", "alice", r)
	require.NoError(t, err)
	assert.Equal(t, "core", teamID)
	assert.Equal(t, "core", cfg.Team.ID)
	m, err := r.GetMember(ctx, "core", "alice")
	require.NoError(t, err)
	assert.Equal(t, "owner", m.Role)

	teamID, cfg, err = app.ResolveTeamAndConfig(ctx, "", "bob", r)
	require.NoError(t, err)
	assert.Equal(t, "core", teamID, "single team is picked")
	assert.Equal(t, 2000, cfg.Conflicts.WindowMS)
}

func TestNewScorerProviderKinds(t *testing.T) {
	ctx := context.Background()
	task := domain.Task{ID: "t1", Title: "Update docs"}

	cfg := config.Default("core")
	cfg.Scoring.Provider.Kind = config.ProviderStatic
	cfg.Scoring.Provider.Dependencies = 1
	cfg.Scoring.Provider.TeamWorkload = 1
	res := app.NewScorer(cfg, nil).Score(ctx, task)
	assert.False(t, res.Fallback)
	assert.Equal(t, 1.0, res.Factors.Dependencies)

	cfg.Scoring.Provider.Kind = config.ProviderHTTP
	cfg.Scoring.Provider.URL = "http://127.0.0.1:1"
	cfg.Scoring.Provider.TimeoutSeconds = 1
	res = app.NewScorer(cfg, nil).Score(ctx, task)
	assert.True(t, res.Fallback, "unreachable provider degrades to the fallback")
}

func TestNewTransport(t *testing.T) {
	ctx := context.Background()
	tr, closeFn, err := app.NewTransport(ctx, config.Default("core"), nil)
	require.NoError(t, err)
	assert.IsType(t, &channel.MemoryHub{}, tr)
	require.NoError(t, closeFn())

	mr := miniredis.RunT(t)
	cfg := config.Default("core")
	cfg.Channel.Transport = config.TransportRedis
	cfg.Channel.Redis.Addr = mr.Addr()
	tr, closeFn, err = app.NewTransport(ctx, cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &channel.RedisTransport{}, tr)
	require.NoError(t, closeFn())

	mr.Close()
	_, _, err = app.NewTransport(ctx, cfg, nil)
	assert.Error(t, err)
}
