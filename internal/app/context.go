package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"raidline/internal/config"
	"raidline/internal/domain"
	"raidline/internal/repo"
)

// ResolveGuildAndConfig picks the active guild and ensures a guild + config
// exist in DB, seeding defaults if missing. It prefers overrides, then
// single-guild DB. If the guild does not exist, it is created on the fly.
func ResolveGuildAndConfig(ctx context.Context, guildOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	guildID := guildOverride
	if guildID == "" {
		if g, err := r.SingleGuild(ctx); err == nil {
			guildID = g.ID
		} else {
			return "", nil, fmt.Errorf("guild not specified; use --guild")
		}
	}
	seedCfg := config.Default(guildID)

	if _, err := r.GetGuild(ctx, guildID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createGuild(ctx, r, guildID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetGuildConfig(ctx, guildID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertGuildConfig(ctx, guildID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed guild config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Guild.ID = guildID
	return guildID, cfg, nil
}

// createGuild inserts a minimal guild footprint plus role capabilities from
// the seed config.
func createGuild(ctx context.Context, r repo.Repo, guildID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(guildID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	g := domain.Guild{
		ID:        guildID,
		Name:      seedCfg.Guild.Name,
		CreatedAt: now,
	}
	if err := r.InsertGuild(ctx, tx, g); err != nil {
		return fmt.Errorf("insert guild: %w", err)
	}
	if err := r.UpsertGuildConfigTx(ctx, tx, guildID, seedCfg); err != nil {
		return fmt.Errorf("insert guild config: %w", err)
	}
	for roleID, role := range seedCfg.Capabilities.Roles {
		for _, cap := range role.Capabilities {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_capabilities(role_id,capability_id) VALUES (?,?)`, roleID, cap); err != nil {
				return fmt.Errorf("seed role capability: %w", err)
			}
		}
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO members(id, created_at) VALUES (?,?)`, actorID, now); err != nil {
		return fmt.Errorf("ensure member: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO member_roles(guild_id,member_id,role_id) VALUES (?,?,?)`, guildID, actorID, "staff"); err != nil {
		return fmt.Errorf("assign staff role: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}
