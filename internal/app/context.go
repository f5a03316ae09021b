package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"teamboard/internal/channel"
	"teamboard/internal/config"
	"teamboard/internal/db"
	"teamboard/internal/domain"
	"teamboard/internal/engine"
	"teamboard/internal/migrate"
	"teamboard/internal/repo"
	"teamboard/internal/scoring"
)

// ResolveTeamAndConfig picks the active team and ensures a team + config exist in DB,
// seeding defaults if missing. It prefers the override, then a single-team DB.
// If the named team does not exist, it is created on the fly.
func ResolveTeamAndConfig(ctx context.Context, teamOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	teamID := teamOverride
	if teamID == "" {
		t, err := r.SingleTeam(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("team not specified; use --team")
		}
		teamID = t.ID
	}
	seedCfg := config.Default(teamID)

	if _, err := r.GetTeam(ctx, teamID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createTeam(ctx, r, teamID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetTeamConfig(ctx, teamID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := r.UpsertTeamConfig(ctx, teamID, seedCfg); err != nil {
			return "", nil, fmt.Errorf("seed team config: %w", err)
		}
		cfg = seedCfg
	}
	cfg.Team.ID = teamID
	return teamID, cfg, nil
}

func createTeam(ctx context.Context, r repo.Repo, teamID string, seedCfg *config.Config, actorID string) error {
	now := repo.FormatTime(time.Now())
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertTeam(ctx, tx, domain.Team{ID: teamID, Name: seedCfg.Team.Name, CreatedAt: now}); err != nil {
		return fmt.Errorf("insert team: %w", err)
	}
	if err := r.UpsertTeamConfigTx(ctx, tx, teamID, seedCfg); err != nil {
		return fmt.Errorf("insert team config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.UpsertMember(ctx, tx, domain.Member{TeamID: teamID, ActorID: actorID, Name: actorID, Role: "owner", CreatedAt: now}); err != nil {
		return fmt.Errorf("assign owner: %w", err)
	}
	return tx.Commit()
}

// NewStore opens and migrates the store named by the file config. A nil cfg means
// the sqlite store in workspace.
func NewStore(workspace string, cfg *config.Config) (*sqlx.DB, error) {
	dbCfg := db.Config{Workspace: workspace}
	if cfg != nil {
		dbCfg.Driver = cfg.Store.Driver
		dbCfg.DSN = cfg.Store.DSN
	}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// NewTransport builds the channel transport. The redis transport is pinged before use.
func NewTransport(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (channel.Transport, func() error, error) {
	if cfg == nil || cfg.Channel.Transport != config.TransportRedis {
		return channel.NewMemoryHub(), func() error { return nil }, nil
	}
	t := channel.NewRedisTransport(channel.RedisOptions{
		Addr:     cfg.Channel.Redis.Addr,
		Password: cfg.Channel.Redis.Password,
		DB:       cfg.Channel.Redis.DB,
		Logger:   logger,
	})
	if err := t.Ping(ctx); err != nil {
		t.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.Channel.Redis.Addr, err)
	}
	return t, t.Close, nil
}

// NewScorer builds the scoring engine and its estimate provider.
func NewScorer(cfg *config.Config, logger *zerolog.Logger) *scoring.Engine {
	return scoring.FromConfig(cfg, logger)
}

// NewEngine assembles an engine over conn from cfg.
func NewEngine(conn *sqlx.DB, cfg *config.Config, transport channel.Transport, logger zerolog.Logger) engine.Engine {
	eng := engine.New(conn, cfg)
	eng.Scorer = NewScorer(cfg, &logger)
	if transport != nil {
		eng.Transport = transport
	}
	eng.Logger = logger
	return eng
}
