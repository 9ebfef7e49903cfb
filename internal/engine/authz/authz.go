package authz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// NotOrganizerError indicates the actor lacks authority over a run.
type NotOrganizerError struct {
	RunID   int64
	ActorID string
}

func (e NotOrganizerError) Error() string {
	return fmt.Sprintf("actor %s is not the organizer of run %d", e.ActorID, e.RunID)
}

// HierarchyError indicates an actor may not affect a higher-ranked member.
type HierarchyError struct {
	ActorID  string
	TargetID string
}

func (e HierarchyError) Error() string {
	return fmt.Sprintf("actor %s cannot affect member %s", e.ActorID, e.TargetID)
}

// Service provides capability checks backed by SQL.
type Service struct {
	DB *sql.DB
}

// queryer abstracts *sql.DB and *sql.Tx so checks can run inside a caller's
// open transaction. With a single-connection pool a pool query issued while
// a transaction is open would wait on that same connection forever.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s Service) EnsureMember(ctx context.Context, tx *sql.Tx, memberID string) error {
	if memberID == "" {
		return errors.New("member_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO members(id, created_at) VALUES (?,?)`, memberID, now)
	return err
}

// IsOrganizer reports whether the actor created the run.
func (s Service) IsOrganizer(ctx context.Context, runID int64, actorID string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id=? AND organizer_id=? LIMIT 1`, runID, actorID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// HasCapability reports whether any of the actor's guild roles grants the
// capability. Used for staff overrides of organizer-only actions.
func (s Service) HasCapability(ctx context.Context, guildID, actorID, capability string) (bool, error) {
	return hasCapability(ctx, s.DB, guildID, actorID, capability)
}

// HasCapabilityTx is HasCapability running on the caller's transaction.
// Engine guards hold an open transaction when they check staff overrides and
// must not touch the pool.
func (s Service) HasCapabilityTx(ctx context.Context, tx *sql.Tx, guildID, actorID, capability string) (bool, error) {
	return hasCapability(ctx, tx, guildID, actorID, capability)
}

func hasCapability(ctx context.Context, q queryer, guildID, actorID, capability string) (bool, error) {
	row := q.QueryRowContext(ctx, `
SELECT 1 FROM member_roles mr
JOIN role_capabilities rc ON rc.role_id=mr.role_id
WHERE mr.guild_id=? AND mr.member_id=? AND rc.capability_id=? LIMIT 1`,
		guildID, actorID, capability)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s Service) MemberRoles(ctx context.Context, guildID, memberID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role_id FROM member_roles WHERE guild_id=? AND member_id=?`, guildID, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s Service) MemberCapabilities(ctx context.Context, guildID, memberID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT rc.capability_id
FROM member_roles mr
JOIN role_capabilities rc ON rc.role_id=mr.role_id
WHERE mr.guild_id=? AND mr.member_id=?`, guildID, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var caps []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

func (s Service) AssignRole(ctx context.Context, tx *sql.Tx, guildID, memberID, roleID string) error {
	if err := s.EnsureMember(ctx, tx, memberID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO member_roles(guild_id,member_id,role_id) VALUES (?,?,?)`,
		guildID, memberID, roleID)
	return err
}

func (s Service) GrantCapability(ctx context.Context, tx *sql.Tx, roleID, capability string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_capabilities(role_id,capability_id) VALUES (?,?)`,
		roleID, capability)
	return err
}

// CanActorAffectMember performs the hierarchy check used by features layered
// on top of run events (nickname edits, role grants). An actor may affect a
// member only when the actor holds a role the target does not.
func (s Service) CanActorAffectMember(ctx context.Context, guildID, actorID, targetID string) error {
	actorRoles, err := s.MemberRoles(ctx, guildID, actorID)
	if err != nil {
		return err
	}
	targetRoles, err := s.MemberRoles(ctx, guildID, targetID)
	if err != nil {
		return err
	}
	held := make(map[string]bool, len(targetRoles))
	for _, r := range targetRoles {
		held[r] = true
	}
	for _, r := range actorRoles {
		if !held[r] {
			return nil
		}
	}
	return HierarchyError{ActorID: actorID, TargetID: targetID}
}
