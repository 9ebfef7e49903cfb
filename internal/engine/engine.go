package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"raidline/internal/config"
	"raidline/internal/domain"
	"raidline/internal/engine/authz"
	"raidline/internal/events"
	"raidline/internal/locks"
	"raidline/internal/repo"
)

// Action kinds used as interaction lock key prefixes. One prefix per button
// family: operations sharing a prefix on the same run are totally ordered,
// operations on different prefixes may interleave.
const (
	actionJoin       = "join"
	actionPop        = "pop"
	actionLock       = "lock"
	actionTransition = "transition"
)

// Notifier receives post-commit synchronization triggers. Push failures are
// the notifier's problem; the engine never hears about them. RunClosed
// carries the final tally read inside the transition transaction, plus
// whether the sweeper ended the run, so terminal renders show the real
// roster and the right banner.
type Notifier interface {
	RunChanged(ctx context.Context, run domain.Run, tally domain.Tally)
	RunClosed(ctx context.Context, run domain.Run, tally domain.Tally, auto bool)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Authz  authz.Service
	Locks  *locks.Manager
	Config *config.Config
	Notify Notifier
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	ttl := locks.DefaultTTL
	if cfg != nil && cfg.Defaults.LockTTLSeconds > 0 {
		ttl = time.Duration(cfg.Defaults.LockTTLSeconds) * time.Second
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Authz:  authz.Service{DB: db},
		Locks:  locks.NewManager(ttl),
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) notifyChanged(ctx context.Context, run domain.Run, tally domain.Tally) {
	if e.Notify != nil {
		e.Notify.RunChanged(ctx, run, tally)
	}
}

func (e Engine) notifyClosed(ctx context.Context, run domain.Run, tally domain.Tally, auto bool) {
	if e.Notify != nil {
		e.Notify.RunClosed(ctx, run, tally, auto)
	}
}

// begin wraps BeginTx failures as upstream: the store refused a transaction,
// nothing was written, and the caller may retry.
func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, UpstreamError{Op: "begin transaction", Err: err}
	}
	return tx, nil
}

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return UpstreamError{Op: "commit transaction", Err: err}
	}
	return nil
}

// requireManager allows the organizer or a staff member holding run.manage.
// It runs on the caller's open transaction: the pool holds a single
// connection, so a pool query here would deadlock behind our own tx.
func (e Engine) requireManager(ctx context.Context, tx *sql.Tx, run domain.Run, actorID string) error {
	if actorID == run.OrganizerID {
		return nil
	}
	ok, err := e.Authz.HasCapabilityTx(ctx, tx, run.GuildID, actorID, "run.manage")
	if err != nil {
		return err
	}
	if !ok {
		return authz.NotOrganizerError{RunID: run.ID, ActorID: actorID}
	}
	return nil
}

// RunCreateOptions are parameters for opening a run.
type RunCreateOptions struct {
	GuildID        string
	Dungeon        string
	OrganizerID    string
	AutoEndMinutes int
	ChainAmount    *int
	Party          string
	Location       string
	Description    string
	ChannelID      string
}

// CreateRun opens a run in status open and joins the organizer. Defaults for
// the auto-end budget and chain target come from the guild's dungeon catalog.
func (e Engine) CreateRun(ctx context.Context, opts RunCreateOptions) (domain.Run, error) {
	if e.Config == nil {
		return domain.Run{}, errors.New("config not loaded")
	}
	if opts.GuildID == "" {
		return domain.Run{}, errors.New("guild is required")
	}
	if opts.OrganizerID == "" {
		return domain.Run{}, errors.New("organizer is required")
	}
	dungeon, ok := e.Config.DungeonFor(opts.Dungeon)
	if !ok {
		return domain.Run{}, fmt.Errorf("dungeon %s not in catalog", opts.Dungeon)
	}
	if _, err := e.Repo.GetGuild(ctx, opts.GuildID); err != nil {
		return domain.Run{}, err
	}
	budget := opts.AutoEndMinutes
	if budget <= 0 {
		budget = e.Config.Defaults.AutoEndMinutes
	}
	chain := opts.ChainAmount
	if chain == nil && !dungeon.Chainless {
		chain = dungeon.ChainTarget
	}
	if dungeon.Chainless {
		chain = nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		GuildID:        opts.GuildID,
		Dungeon:        opts.Dungeon,
		Status:         domain.StatusOpen,
		OrganizerID:    opts.OrganizerID,
		CreatedAt:      now,
		AutoEndMinutes: budget,
		ChainAmount:    chain,
		Party:          opts.Party,
		Location:       opts.Location,
		Description:    opts.Description,
		ChannelID:      opts.ChannelID,
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	if err := e.Authz.EnsureMember(ctx, tx, opts.OrganizerID); err != nil {
		return domain.Run{}, err
	}
	id, err := e.Repo.InsertRun(ctx, tx, run)
	if err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	run.ID = id
	runKey := fmt.Sprintf("%d", id)
	// The organizer is a participant from the start.
	if err := e.Repo.UpsertParticipation(ctx, tx, domain.ParticipationEntry{
		RunID:     id,
		MemberID:  opts.OrganizerID,
		State:     domain.StateJoined,
		JoinedAt:  now,
		UpdatedAt: now,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := e.Events.Append(ctx, tx, "run.created", run.GuildID, "run", runKey, opts.OrganizerID, events.EventPayload{
		"dungeon": run.Dungeon,
		"status":  run.Status,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := commit(tx); err != nil {
		return domain.Run{}, err
	}
	e.notifyChanged(ctx, run, domain.Tally{Joined: 1})
	return run, nil
}

// JoinResult reports the outcome of a join plus the post-mutation tally.
type JoinResult struct {
	Run           domain.Run   `json:"run"`
	AlreadyJoined bool         `json:"already_joined"`
	Tally         domain.Tally `json:"tally"`
}

// Join adds a member to the run, or re-activates their retained entry.
// Joining while already joined is a no-op returning the current tally, and
// bypasses the join lock: the lock gates new members only.
func (e Engine) Join(ctx context.Context, runID int64, memberID string) (JoinResult, error) {
	if memberID == "" {
		return JoinResult{}, errors.New("member is required")
	}
	var res JoinResult
	err := e.Locks.WithLock(locks.Key(actionJoin, runID), func() error {
		tx, err := e.begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		run, err := e.Repo.GetRunTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.Terminal() {
			return ErrRunTerminal
		}
		entry, err := e.Repo.GetParticipationTx(ctx, tx, runID, memberID)
		inRun := err == nil && entry.State != domain.StateLeft
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		now := e.now().UTC().Format(time.RFC3339)
		switch {
		case inRun && entry.State == domain.StateJoined:
			res.AlreadyJoined = true
		case inRun:
			// Benched members are already in the run; the lock does not apply.
			if err := e.Repo.SetParticipationState(ctx, tx, runID, memberID, domain.StateJoined, now); err != nil {
				return err
			}
		default:
			if run.JoinLocked {
				return ErrRunLocked
			}
			if err := e.Authz.EnsureMember(ctx, tx, memberID); err != nil {
				return err
			}
			if err := e.Repo.UpsertParticipation(ctx, tx, domain.ParticipationEntry{
				RunID:     runID,
				MemberID:  memberID,
				State:     domain.StateJoined,
				JoinedAt:  now,
				UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		if !res.AlreadyJoined {
			if err := e.Events.Append(ctx, tx, "run.joined", run.GuildID, "run", fmt.Sprintf("%d", runID), memberID, events.EventPayload{}); err != nil {
				return err
			}
		}
		tally, err := e.Repo.TallyTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if err := commit(tx); err != nil {
			return err
		}
		res.Run = run
		res.Tally = tally
		return nil
	})
	if err != nil {
		return JoinResult{}, err
	}
	if !res.AlreadyJoined {
		e.notifyChanged(ctx, res.Run, res.Tally)
	}
	return res, nil
}

// LeaveResult reports the outcome of a leave. WasInRun is false when the
// member had no active entry; that is a distinct no-op, not an error.
type LeaveResult struct {
	Run      domain.Run   `json:"run"`
	WasInRun bool         `json:"was_in_run"`
	Tally    domain.Tally `json:"tally"`
}

// Leave marks a member's entry as left. The row is retained so joined counts
// derive from filtering, not deletion, and left members stay auditable.
func (e Engine) Leave(ctx context.Context, runID int64, memberID string) (LeaveResult, error) {
	var res LeaveResult
	err := e.Locks.WithLock(locks.Key(actionJoin, runID), func() error {
		tx, err := e.begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		run, err := e.Repo.GetRunTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.Terminal() {
			return ErrRunTerminal
		}
		entry, err := e.Repo.GetParticipationTx(ctx, tx, runID, memberID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err == nil && entry.State != domain.StateLeft {
			now := e.now().UTC().Format(time.RFC3339)
			if err := e.Repo.SetParticipationState(ctx, tx, runID, memberID, domain.StateLeft, now); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "run.left", run.GuildID, "run", fmt.Sprintf("%d", runID), memberID, events.EventPayload{}); err != nil {
				return err
			}
			res.WasInRun = true
		}
		tally, err := e.Repo.TallyTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if err := commit(tx); err != nil {
			return err
		}
		res.Run = run
		res.Tally = tally
		return nil
	})
	if err != nil {
		return LeaveResult{}, err
	}
	if res.WasInRun {
		e.notifyChanged(ctx, res.Run, res.Tally)
	}
	return res, nil
}

// SetAttribute overwrites a joined member's selected attribute (class, role
// pick). Membership state is untouched.
func (e Engine) SetAttribute(ctx context.Context, runID int64, memberID, value string) (domain.Tally, error) {
	var run domain.Run
	var tally domain.Tally
	err := e.Locks.WithLock(locks.Key(actionJoin, runID), func() error {
		tx, err := e.begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		run, err = e.Repo.GetRunTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.Terminal() {
			return ErrRunTerminal
		}
		entry, err := e.Repo.GetParticipationTx(ctx, tx, runID, memberID)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && entry.State != domain.StateJoined) {
			return ErrNotJoined
		}
		if err != nil {
			return err
		}
		now := e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.SetParticipationAttribute(ctx, tx, runID, memberID, value, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "run.attribute", run.GuildID, "run", fmt.Sprintf("%d", runID), memberID, events.EventPayload{"attribute": value}); err != nil {
			return err
		}
		tally, err = e.Repo.TallyTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		return commit(tx)
	})
	if err != nil {
		return domain.Tally{}, err
	}
	e.notifyChanged(ctx, run, tally)
	return tally, nil
}

// SetBenched moves a member between joined and benched. Organizer or staff only.
func (e Engine) SetBenched(ctx context.Context, runID int64, actorID, memberID string, benched bool) (domain.Tally, error) {
	var run domain.Run
	var tally domain.Tally
	err := e.Locks.WithLock(locks.Key(actionJoin, runID), func() error {
		tx, err := e.begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		run, err = e.Repo.GetRunTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.Terminal() {
			return ErrRunTerminal
		}
		if err := e.requireManager(ctx, tx, run, actorID); err != nil {
			return err
		}
		entry, err := e.Repo.GetParticipationTx(ctx, tx, runID, memberID)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && entry.State == domain.StateLeft) {
			return ErrNotJoined
		}
		if err != nil {
			return err
		}
		state := domain.StateJoined
		if benched {
			state = domain.StateBenched
		}
		now := e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.SetParticipationState(ctx, tx, runID, memberID, state, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "run.benched", run.GuildID, "run", fmt.Sprintf("%d", runID), actorID, events.EventPayload{
			"member_id": memberID,
			"benched":   benched,
		}); err != nil {
			return err
		}
		tally, err = e.Repo.TallyTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		return commit(tx)
	})
	if err != nil {
		return domain.Tally{}, err
	}
	e.notifyChanged(ctx, run, tally)
	return tally, nil
}

// KeyPopResult is the outcome of a key pop.
type KeyPopResult struct {
	Run          domain.Run    `json:"run"`
	Pop          domain.KeyPop `json:"pop"`
	WindowEndsAt string        `json:"window_ends_at" format:"date-time"`
	Chain        string        `json:"chain,omitempty"`
}

// PopKey records a timed gating event: sequence = previous + 1, an immutable
// snapshot of the members joined at this instant, and a fresh join window on
// the run. Live runs only; organizer or staff only.
func (e Engine) PopKey(ctx context.Context, runID int64, actorID string) (KeyPopResult, error) {
	if e.Config == nil {
		return KeyPopResult{}, errors.New("config not loaded")
	}
	var res KeyPopResult
	err := e.Locks.WithLock(locks.Key(actionPop, runID), func() error {
		tx, err := e.begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		run, err := e.Repo.GetRunTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.Status != domain.StatusLive {
			return ErrRunNotLive
		}
		if err := e.requireManager(ctx, tx, run, actorID); err != nil {
			return err
		}
		now := e.now().UTC()
		window := time.Duration(e.Config.Defaults.KeyWindowMinutes) * time.Minute
		endsAt := now.Add(window).Format(time.RFC3339)
		snapshot, err := e.Repo.JoinedMemberIDsTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		pop := domain.KeyPop{
			RunID:        runID,
			Sequence:     run.KeyPopCount + 1,
			ActorID:      actorID,
			PoppedAt:     now.Format(time.RFC3339),
			WindowEndsAt: endsAt,
			Snapshot:     snapshot,
		}
		if err := e.Repo.InsertKeyPop(ctx, tx, pop); err != nil {
			return err
		}
		if err := e.Repo.SetKeyWindow(ctx, tx, runID, pop.Sequence, endsAt); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "run.keypop", run.GuildID, "run", fmt.Sprintf("%d", runID), actorID, events.EventPayload{
			"sequence":       pop.Sequence,
			"window_ends_at": endsAt,
			"snapshot":       snapshot,
		}); err != nil {
			return err
		}
		if err := commit(tx); err != nil {
			return err
		}
		run.KeyPopCount = pop.Sequence
		run.KeyWindowEndsAt = &pop.WindowEndsAt
		res = KeyPopResult{
			Run:          run,
			Pop:          pop,
			WindowEndsAt: endsAt,
			Chain:        e.ChainLabel(run),
		}
		return nil
	})
	if err != nil {
		return KeyPopResult{}, err
	}
	tally, tErr := e.Repo.Tally(ctx, runID)
	if tErr == nil {
		e.notifyChanged(ctx, res.Run, tally)
	}
	return res, nil
}

// ChainLabel renders the chain display: "Chain n/target" while a configured
// target is unmet, bare "Chain n" past the target or without one, and
// nothing at all for chainless dungeons.
func (e Engine) ChainLabel(run domain.Run) string {
	if e.Config != nil {
		if d, ok := e.Config.DungeonFor(run.Dungeon); ok && d.Chainless {
			return ""
		}
	}
	if run.ChainAmount != nil && run.KeyPopCount <= *run.ChainAmount {
		return fmt.Sprintf("Chain %d/%d", run.KeyPopCount, *run.ChainAmount)
	}
	return fmt.Sprintf("Chain %d", run.KeyPopCount)
}

// ToggleJoinLock flips the run's join lock. Open or live runs only;
// organizer or staff only. Emits the same synchronization flow as a status
// transition.
func (e Engine) ToggleJoinLock(ctx context.Context, runID int64, actorID string) (domain.Run, error) {
	var run domain.Run
	var tally domain.Tally
	err := e.Locks.WithLock(locks.Key(actionLock, runID), func() error {
		tx, err := e.begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		run, err = e.Repo.GetRunTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.Terminal() {
			return ErrRunTerminal
		}
		if err := e.requireManager(ctx, tx, run, actorID); err != nil {
			return err
		}
		run.JoinLocked = !run.JoinLocked
		if err := e.Repo.SetJoinLocked(ctx, tx, runID, run.JoinLocked); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "run.joinlock", run.GuildID, "run", fmt.Sprintf("%d", runID), actorID, events.EventPayload{"locked": run.JoinLocked}); err != nil {
			return err
		}
		tally, err = e.Repo.TallyTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		return commit(tx)
	})
	if err != nil {
		return domain.Run{}, err
	}
	e.notifyChanged(ctx, run, tally)
	return run, nil
}

// UpdateDetails overwrites the free-text party/location/description fields.
func (e Engine) UpdateDetails(ctx context.Context, runID int64, actorID string, party, location, description *string) (domain.Run, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Terminal() {
		return domain.Run{}, ErrRunTerminal
	}
	if err := e.requireManager(ctx, tx, run, actorID); err != nil {
		return domain.Run{}, err
	}
	if err := e.Repo.UpdateRunDetails(ctx, tx, runID, party, location, description); err != nil {
		return domain.Run{}, err
	}
	if err := e.Events.Append(ctx, tx, "run.details", run.GuildID, "run", fmt.Sprintf("%d", runID), actorID, events.EventPayload{}); err != nil {
		return domain.Run{}, err
	}
	if err := commit(tx); err != nil {
		return domain.Run{}, err
	}
	if party != nil {
		run.Party = *party
	}
	if location != nil {
		run.Location = *location
	}
	if description != nil {
		run.Description = *description
	}
	tally, tErr := e.Repo.Tally(ctx, runID)
	if tErr == nil {
		e.notifyChanged(ctx, run, tally)
	}
	return run, nil
}

func ensureRunTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusOpen:
		if newStatus == domain.StatusLive || newStatus == domain.StatusEnded || newStatus == domain.StatusCancelled {
			return nil
		}
	case domain.StatusLive:
		if newStatus == domain.StatusEnded || newStatus == domain.StatusCancelled {
			return nil
		}
	}
	return fmt.Errorf("invalid run status transition %s -> %s", oldStatus, newStatus)
}

// Transition moves a run between lifecycle statuses. auto marks a
// sweeper-initiated call: it bypasses the organizer guard but may only end a
// run, never cancel it. Repeating a terminal status a run already holds is an
// idempotent no-op for any caller; repeating a non-terminal status is a no-op
// only past the organizer guard.
func (e Engine) Transition(ctx context.Context, runID int64, actorID, target string, auto bool) (domain.Run, error) {
	if auto && target != domain.StatusEnded {
		return domain.Run{}, fmt.Errorf("auto transition may only end a run, not %s", target)
	}
	var result domain.Run
	var closedTally domain.Tally
	err := e.Locks.WithLock(locks.Key(actionTransition, runID), func() error {
		tx, err := e.begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		run, err := e.Repo.GetRunTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.Terminal() {
			result = run
			if run.Status != target {
				return ErrAlreadyTerminal
			}
			// Duplicate press or retry of a finished run: succeed without
			// touching the row.
			closedTally, err = e.Repo.TallyTx(ctx, tx, runID)
			return err
		}
		if !auto {
			if err := e.requireManager(ctx, tx, run, actorID); err != nil {
				return err
			}
		}
		if run.Status == target {
			result = run
			return nil
		}
		if err := ensureRunTransition(run.Status, target); err != nil {
			return err
		}
		now := e.now().UTC().Format(time.RFC3339)
		var startedAt, endedAt *string
		switch target {
		case domain.StatusLive:
			startedAt = &now
		case domain.StatusEnded, domain.StatusCancelled:
			endedAt = &now
		}
		err = e.Repo.TransitionRunStatus(ctx, tx, runID, run.Status, target, startedAt, endedAt, true)
		if errors.Is(err, repo.ErrNotFound) {
			// Conditional write missed: someone else got there first. Re-read
			// and treat a matching terminal state as the idempotent no-op.
			current, gerr := e.Repo.GetRunTx(ctx, tx, runID)
			if gerr != nil {
				return gerr
			}
			result = current
			if current.Status == target {
				closedTally, gerr = e.Repo.TallyTx(ctx, tx, runID)
				return gerr
			}
			return ErrAlreadyTerminal
		}
		if err != nil {
			return err
		}
		evtType := "run." + target
		if err := e.Events.Append(ctx, tx, evtType, run.GuildID, "run", fmt.Sprintf("%d", runID), actorID, events.EventPayload{
			"from": run.Status,
			"to":   target,
			"auto": auto,
		}); err != nil {
			return err
		}
		// Terminal renders need the final roster; read it before the entries
		// become immutable.
		closedTally, err = e.Repo.TallyTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if err := commit(tx); err != nil {
			return err
		}
		run.Status = target
		run.StartedAt = firstNonNil(startedAt, run.StartedAt)
		run.EndedAt = firstNonNil(endedAt, run.EndedAt)
		run.KeyWindowEndsAt = nil
		result = run
		return nil
	})
	if err != nil {
		return result, err
	}
	if result.Terminal() {
		e.Locks.ReleaseRun(runID)
		e.notifyClosed(ctx, result, closedTally, auto)
		return result, nil
	}
	tally, tErr := e.Repo.Tally(ctx, runID)
	if tErr == nil {
		e.notifyChanged(ctx, result, tally)
	}
	return result, nil
}

// listRetryDelay is the pause before the single retry of an idempotent read.
var listRetryDelay = 150 * time.Millisecond

// ListExpired returns non-terminal runs whose elapsed time since creation
// exceeds their auto-end budget. The sweeper is the only caller; the read is
// idempotent, so a storage hiccup gets one retry before surfacing as an
// upstream failure.
func (e Engine) ListExpired(ctx context.Context, now time.Time) ([]domain.Run, error) {
	guildID := ""
	if e.Config != nil {
		guildID = e.Config.Guild.ID
	}
	runs, err := e.Repo.ListExpiredRuns(ctx, guildID, now)
	if err == nil {
		return runs, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(listRetryDelay):
	}
	runs, err = e.Repo.ListExpiredRuns(ctx, guildID, now)
	if err != nil {
		return nil, UpstreamError{Op: "list expired runs", Err: err}
	}
	return runs, nil
}

func firstNonNil(a, b *string) *string {
	if a != nil {
		return a
	}
	return b
}
