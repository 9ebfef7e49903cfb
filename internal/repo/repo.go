package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"raidline/internal/config"
	"raidline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id,guild_id,dungeon,status,organizer_id,created_at,started_at,ended_at,auto_end_minutes,key_window_ends_at,key_pop_count,chain_amount,join_locked,party,location,description,channel_id,post_message_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var r domain.Run
	var startedAt, endedAt, windowEndsAt, party, location, description, channelID, postMessageID sql.NullString
	var chainAmount sql.NullInt64
	var joinLocked int
	err := row.Scan(&r.ID, &r.GuildID, &r.Dungeon, &r.Status, &r.OrganizerID, &r.CreatedAt,
		&startedAt, &endedAt, &r.AutoEndMinutes, &windowEndsAt, &r.KeyPopCount, &chainAmount,
		&joinLocked, &party, &location, &description, &channelID, &postMessageID)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.String
	}
	if endedAt.Valid {
		r.EndedAt = &endedAt.String
	}
	if windowEndsAt.Valid {
		r.KeyWindowEndsAt = &windowEndsAt.String
	}
	if chainAmount.Valid {
		v := int(chainAmount.Int64)
		r.ChainAmount = &v
	}
	r.JoinLocked = joinLocked != 0
	if party.Valid {
		r.Party = party.String
	}
	if location.Valid {
		r.Location = location.String
	}
	if description.Valid {
		r.Description = description.String
	}
	if channelID.Valid {
		r.ChannelID = channelID.String
	}
	if postMessageID.Valid {
		r.PostMessageID = postMessageID.String
	}
	return r, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO runs(guild_id,dungeon,status,organizer_id,created_at,auto_end_minutes,chain_amount,join_locked,party,location,description,channel_id,post_message_id)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.GuildID, run.Dungeon, run.Status, run.OrganizerID, run.CreatedAt, run.AutoEndMinutes,
		nullableIntPtr(run.ChainAmount), boolInt(run.JoinLocked), nullable(run.Party), nullable(run.Location),
		nullable(run.Description), nullable(run.ChannelID), nullable(run.PostMessageID))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetRun(ctx context.Context, id int64) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Run, error) {
	return scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

type RunFilters struct {
	GuildID     string
	Status      string
	OrganizerID string
	Limit       int
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	var clauses []string
	var args []any
	if f.GuildID != "" {
		clauses = append(clauses, "guild_id=?")
		args = append(args, f.GuildID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OrganizerID != "" {
		clauses = append(clauses, "organizer_id=?")
		args = append(args, f.OrganizerID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + runColumns + ` FROM runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// ListExpiredRuns returns non-terminal runs whose auto-end budget elapsed before now.
func (r Repo) ListExpiredRuns(ctx context.Context, guildID string, now time.Time) ([]domain.Run, error) {
	cutoff := now.UTC().Format(time.RFC3339)
	clauses := []string{
		"status IN ('open','live')",
		"datetime(created_at, '+' || auto_end_minutes || ' minutes') <= datetime(?)",
	}
	args := []any{cutoff}
	if guildID != "" {
		clauses = append(clauses, "guild_id=?")
		args = append(args, guildID)
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// TransitionRunStatus applies a compare-and-swap status update. It returns
// ErrNotFound when the run's current status no longer matches fromStatus, so
// concurrent duplicate transitions surface as a conditional-write miss.
func (r Repo) TransitionRunStatus(ctx context.Context, tx *sql.Tx, id int64, fromStatus, toStatus string, startedAt, endedAt *string, clearKeyWindow bool) error {
	sets := []string{"status=?"}
	args := []any{toStatus}
	if startedAt != nil {
		sets = append(sets, "started_at=?")
		args = append(args, *startedAt)
	}
	if endedAt != nil {
		sets = append(sets, "ended_at=?")
		args = append(args, *endedAt)
	}
	if clearKeyWindow {
		sets = append(sets, "key_window_ends_at=NULL")
	}
	args = append(args, id, fromStatus)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE runs SET %s WHERE id=? AND status=?`, strings.Join(sets, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetJoinLocked(ctx context.Context, tx *sql.Tx, id int64, locked bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET join_locked=? WHERE id=?`, boolInt(locked), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateRunDetails(ctx context.Context, tx *sql.Tx, id int64, party, location, description *string) error {
	var sets []string
	var args []any
	if party != nil {
		sets = append(sets, "party=?")
		args = append(args, nullable(*party))
	}
	if location != nil {
		sets = append(sets, "location=?")
		args = append(args, nullable(*location))
	}
	if description != nil {
		sets = append(sets, "description=?")
		args = append(args, nullable(*description))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE runs SET %s WHERE id=?`, strings.Join(sets, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetRunPost(ctx context.Context, tx *sql.Tx, id int64, channelID, messageID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE runs SET channel_id=?, post_message_id=? WHERE id=?`,
		nullable(channelID), nullable(messageID), id)
	return err
}

// --- participation ledger ---

func scanParticipation(row rowScanner) (domain.ParticipationEntry, error) {
	var p domain.ParticipationEntry
	var attr sql.NullString
	err := row.Scan(&p.RunID, &p.MemberID, &p.State, &attr, &p.JoinedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if attr.Valid {
		p.Attribute = &attr.String
	}
	return p, nil
}

func (r Repo) GetParticipationTx(ctx context.Context, tx *sql.Tx, runID int64, memberID string) (domain.ParticipationEntry, error) {
	return scanParticipation(tx.QueryRowContext(ctx,
		`SELECT run_id,member_id,state,attribute,joined_at,updated_at FROM run_participation WHERE run_id=? AND member_id=?`,
		runID, memberID))
}

// UpsertParticipation creates or resets an entry; a re-join after leaving
// reuses the same row.
func (r Repo) UpsertParticipation(ctx context.Context, tx *sql.Tx, p domain.ParticipationEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO run_participation(run_id,member_id,state,attribute,joined_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(run_id,member_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		p.RunID, p.MemberID, p.State, nullableStringPtr(p.Attribute), p.JoinedAt, p.UpdatedAt)
	return err
}

func (r Repo) SetParticipationState(ctx context.Context, tx *sql.Tx, runID int64, memberID, state, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE run_participation SET state=?, updated_at=? WHERE run_id=? AND member_id=?`,
		state, updatedAt, runID, memberID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetParticipationAttribute(ctx context.Context, tx *sql.Tx, runID int64, memberID, attribute, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE run_participation SET attribute=?, updated_at=? WHERE run_id=? AND member_id=?`,
		nullable(attribute), updatedAt, runID, memberID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListParticipation(ctx context.Context, runID int64) ([]domain.ParticipationEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT run_id,member_id,state,attribute,joined_at,updated_at FROM run_participation WHERE run_id=? ORDER BY joined_at ASC, member_id ASC`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ParticipationEntry
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// JoinedMemberIDsTx returns member ids currently joined, in join order. Used
// for key-pop snapshots, so it must run inside the pop's transaction.
func (r Repo) JoinedMemberIDsTx(ctx context.Context, tx *sql.Tx, runID int64) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT member_id FROM run_participation WHERE run_id=? AND state=? ORDER BY joined_at ASC, member_id ASC`,
		runID, domain.StateJoined)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TallyTx computes the participation breakdown inside the caller's
// transaction so a mutation and the count it returns cannot interleave with
// a concurrent write.
func (r Repo) TallyTx(ctx context.Context, tx *sql.Tx, runID int64) (domain.Tally, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT state, COALESCE(attribute,''), count(*) FROM run_participation WHERE run_id=? GROUP BY state, attribute`,
		runID)
	if err != nil {
		return domain.Tally{}, err
	}
	defer rows.Close()
	t := domain.Tally{ByAttribute: map[string]int{}}
	for rows.Next() {
		var state, attr string
		var count int
		if err := rows.Scan(&state, &attr, &count); err != nil {
			return domain.Tally{}, err
		}
		switch state {
		case domain.StateJoined:
			t.Joined += count
			if attr != "" {
				t.ByAttribute[attr] += count
			}
		case domain.StateBenched:
			t.Benched += count
		}
	}
	if len(t.ByAttribute) == 0 {
		t.ByAttribute = nil
	}
	return t, rows.Err()
}

func (r Repo) Tally(ctx context.Context, runID int64) (domain.Tally, error) {
	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.Tally{}, err
	}
	defer tx.Rollback()
	return r.TallyTx(ctx, tx, runID)
}

// --- key-event tracker ---

func (r Repo) InsertKeyPop(ctx context.Context, tx *sql.Tx, pop domain.KeyPop) error {
	snapshot, err := json.Marshal(pop.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO run_key_pops(run_id,sequence,actor_id,popped_at,window_ends_at,snapshot_member_ids) VALUES (?,?,?,?,?,?)`,
		pop.RunID, pop.Sequence, pop.ActorID, pop.PoppedAt, pop.WindowEndsAt, string(snapshot))
	return err
}

// SetKeyWindow stamps the pop count and window end in the same statement as
// the pop insert's transaction; count is CAS-guarded against the sequence the
// caller derived it from.
func (r Repo) SetKeyWindow(ctx context.Context, tx *sql.Tx, runID int64, popCount int, windowEndsAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET key_pop_count=?, key_window_ends_at=? WHERE id=? AND key_pop_count=?`,
		popCount, windowEndsAt, runID, popCount-1)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListKeyPops(ctx context.Context, runID int64) ([]domain.KeyPop, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT run_id,sequence,actor_id,popped_at,window_ends_at,snapshot_member_ids FROM run_key_pops WHERE run_id=? ORDER BY sequence ASC`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KeyPop
	for rows.Next() {
		var pop domain.KeyPop
		var snapshot string
		if err := rows.Scan(&pop.RunID, &pop.Sequence, &pop.ActorID, &pop.PoppedAt, &pop.WindowEndsAt, &snapshot); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(snapshot), &pop.Snapshot); err != nil {
			return nil, fmt.Errorf("snapshot for run %d pop %d: %w", pop.RunID, pop.Sequence, err)
		}
		res = append(res, pop)
	}
	return res, rows.Err()
}

// --- guilds ---

func (r Repo) InsertGuild(ctx context.Context, tx *sql.Tx, g domain.Guild) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO guilds(id,name,created_at) VALUES (?,?,?)`,
		g.ID, nullable(g.Name), g.CreatedAt)
	return err
}

func (r Repo) GetGuild(ctx context.Context, id string) (domain.Guild, error) {
	var g domain.Guild
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM guilds WHERE id=?`, id).
		Scan(&g.ID, &name, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if name.Valid {
		g.Name = name.String
	}
	return g, err
}

func (r Repo) SingleGuild(ctx context.Context) (domain.Guild, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM guilds`)
	if err != nil {
		return domain.Guild{}, err
	}
	defer rows.Close()
	var guilds []domain.Guild
	for rows.Next() {
		var g domain.Guild
		var name sql.NullString
		if err := rows.Scan(&g.ID, &name, &g.CreatedAt); err != nil {
			return domain.Guild{}, err
		}
		if name.Valid {
			g.Name = name.String
		}
		guilds = append(guilds, g)
	}
	if len(guilds) == 0 {
		return domain.Guild{}, ErrNotFound
	}
	if len(guilds) > 1 {
		return domain.Guild{}, fmt.Errorf("multiple guilds exist; specify --guild")
	}
	return guilds[0], nil
}

func (r Repo) UpsertGuildConfig(ctx context.Context, guildID string, cfg *config.Config) error {
	return upsertGuildConfig(ctx, r.DB, nil, guildID, cfg)
}

func (r Repo) UpsertGuildConfigTx(ctx context.Context, tx *sql.Tx, guildID string, cfg *config.Config) error {
	return upsertGuildConfig(ctx, nil, tx, guildID, cfg)
}

func upsertGuildConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, guildID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Guild.ID = guildID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO guild_configs(guild_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(guild_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, guildID, string(payload), now, now)
	return err
}

func (r Repo) GetGuildConfig(ctx context.Context, guildID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM guild_configs WHERE guild_id=?`, guildID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Guild.ID == "" {
		cfg.Guild.ID = guildID
	}
	return &cfg, cfg.Validate()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, guildID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if guildID != "" {
		clauses = append(clauses, "guild_id=?")
		args = append(args, guildID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,guild_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var guild, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &guild, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if guild.Valid {
			e.GuildID = guild.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
