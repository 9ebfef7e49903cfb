package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"raidline/internal/app"
	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/engine"
	"raidline/internal/engine/authz"
	"raidline/internal/locks"
	"raidline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("guild-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, _, err := app.ResolveGuildAndConfig(ctx, "guild-1", "organizer", eng.Repo); err != nil {
		t.Fatalf("resolve guild: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createRun(t *testing.T, env testEnv, dungeon string) domain.Run {
	t.Helper()
	run, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		GuildID:     "guild-1",
		Dungeon:     dungeon,
		OrganizerID: "organizer",
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func TestJoinLeaveConservation(t *testing.T) {
	env := newTestEnv(t)
	run := createRun(t, env, "shattered-throne")

	// Organizer is joined from creation.
	tally, err := env.Engine.Repo.Tally(env.Ctx, run.ID)
	if err != nil || tally.Joined != 1 {
		t.Fatalf("initial tally %+v: %v", tally, err)
	}

	for _, member := range []string{"alice", "bob", "carol"} {
		res, err := env.Engine.Join(env.Ctx, run.ID, member)
		if err != nil {
			t.Fatalf("join %s: %v", member, err)
		}
		if res.AlreadyJoined {
			t.Fatalf("join %s reported already joined", member)
		}
	}
	tally, _ = env.Engine.Repo.Tally(env.Ctx, run.ID)
	if tally.Joined != 4 {
		t.Fatalf("joined = %d, want 4", tally.Joined)
	}

	// Re-join is a no-op, not a double count.
	res, err := env.Engine.Join(env.Ctx, run.ID, "alice")
	if err != nil || !res.AlreadyJoined {
		t.Fatalf("re-join: already=%v err=%v", res.AlreadyJoined, err)
	}
	if res.Tally.Joined != 4 {
		t.Fatalf("re-join tally = %d, want 4", res.Tally.Joined)
	}

	left, err := env.Engine.Leave(env.Ctx, run.ID, "bob")
	if err != nil || !left.WasInRun {
		t.Fatalf("leave bob: wasIn=%v err=%v", left.WasInRun, err)
	}
	if left.Tally.Joined != 3 {
		t.Fatalf("post-leave tally = %d, want 3", left.Tally.Joined)
	}

	// Leaving twice is distinct but harmless.
	left, err = env.Engine.Leave(env.Ctx, run.ID, "bob")
	if err != nil || left.WasInRun {
		t.Fatalf("re-leave bob: wasIn=%v err=%v", left.WasInRun, err)
	}

	// Left rows are retained for audit.
	entries, err := env.Engine.Repo.ListParticipation(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("list participation: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("ledger rows = %d, want 4", len(entries))
	}
}

func TestTransitionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	run := createRun(t, env, "shattered-throne")

	run, err := env.Engine.Transition(env.Ctx, run.ID, "organizer", domain.StatusLive, false)
	if err != nil || run.Status != domain.StatusLive {
		t.Fatalf("to live: status=%s err=%v", run.Status, err)
	}
	if run.StartedAt == nil {
		t.Fatalf("started_at not stamped")
	}

	run, err = env.Engine.Transition(env.Ctx, run.ID, "organizer", domain.StatusEnded, false)
	if err != nil || run.Status != domain.StatusEnded {
		t.Fatalf("to ended: status=%s err=%v", run.Status, err)
	}
	if run.EndedAt == nil {
		t.Fatalf("ended_at not stamped")
	}
	if run.KeyWindowEndsAt != nil {
		t.Fatalf("key window not cleared on end")
	}

	// Repeating the terminal transition is a no-op success.
	again, err := env.Engine.Transition(env.Ctx, run.ID, "organizer", domain.StatusEnded, false)
	if err != nil || again.Status != domain.StatusEnded {
		t.Fatalf("re-end: status=%s err=%v", again.Status, err)
	}

	// A different terminal target is rejected but reports the current run.
	cur, err := env.Engine.Transition(env.Ctx, run.ID, "organizer", domain.StatusCancelled, false)
	if !errors.Is(err, engine.ErrAlreadyTerminal) {
		t.Fatalf("cancel after end err = %v, want ErrAlreadyTerminal", err)
	}
	if cur.Status != domain.StatusEnded {
		t.Fatalf("current status = %s, want ended", cur.Status)
	}

	// Terminal runs reject ledger mutations.
	if _, err := env.Engine.Join(env.Ctx, run.ID, "dave"); !errors.Is(err, engine.ErrRunTerminal) {
		t.Fatalf("join after end err = %v, want ErrRunTerminal", err)
	}
}

func TestTransitionGuards(t *testing.T) {
	env := newTestEnv(t)
	run := createRun(t, env, "shattered-throne")

	// Only the organizer (or staff) may transition.
	if _, err := env.Engine.Transition(env.Ctx, run.ID, "alice", domain.StatusLive, false); err == nil {
		t.Fatalf("expected outsider transition to fail")
	}

	// Auto transitions may only end.
	if _, err := env.Engine.Transition(env.Ctx, run.ID, "sweeper", domain.StatusCancelled, true); err == nil {
		t.Fatalf("expected auto cancel to fail")
	}

	// Ended runs cannot go live.
	if _, err := env.Engine.Transition(env.Ctx, run.ID, "organizer", domain.StatusEnded, false); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, run.ID, "organizer", domain.StatusLive, false); !errors.Is(err, engine.ErrAlreadyTerminal) {
		t.Fatalf("live after end err = %v, want ErrAlreadyTerminal", err)
	}
}

// grantStaff makes memberID staff in guild-1 so capability overrides apply.
func grantStaff(t *testing.T, env testEnv, memberID string) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := env.Engine.Authz.EnsureMember(env.Ctx, tx, memberID); err != nil {
		t.Fatalf("ensure member: %v", err)
	}
	if err := env.Engine.Authz.AssignRole(env.Ctx, tx, "guild-1", memberID, "staff"); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestStaffMayManageAnothersRun(t *testing.T) {
	env := newTestEnv(t)
	run := createRun(t, env, "shattered-throne")
	grantStaff(t, env, "steve")

	// The capability check runs inside the mutation's own transaction, so a
	// staff override resolves without waiting on the pool.
	got, err := env.Engine.Transition(env.Ctx, run.ID, "steve", domain.StatusLive, false)
	if err != nil || got.Status != domain.StatusLive {
		t.Fatalf("staff start: status=%s err=%v", got.Status, err)
	}
	if _, err := env.Engine.ToggleJoinLock(env.Ctx, run.ID, "steve"); err != nil {
		t.Fatalf("staff lock toggle: %v", err)
	}
	got, err = env.Engine.Transition(env.Ctx, run.ID, "steve", domain.StatusEnded, false)
	if err != nil || got.Status != domain.StatusEnded {
		t.Fatalf("staff end: status=%s err=%v", got.Status, err)
	}

	// A plain member still gets the organizer rejection.
	other := createRun(t, env, "shattered-throne")
	var notOrg authz.NotOrganizerError
	if _, err := env.Engine.Transition(env.Ctx, other.ID, "alice", domain.StatusLive, false); !errors.As(err, &notOrg) {
		t.Fatalf("outsider start err = %v, want NotOrganizerError", err)
	}
}

func TestSameStatusRepeatRequiresManager(t *testing.T) {
	env := newTestEnv(t)
	run := createRun(t, env, "shattered-throne")
	if _, err := env.Engine.Transition(env.Ctx, run.ID, "organizer", domain.StatusLive, false); err != nil {
		t.Fatalf("to live: %v", err)
	}

	// Repeating the current non-terminal status is only a no-op for callers
	// who could have made the transition in the first place.
	var notOrg authz.NotOrganizerError
	if _, err := env.Engine.Transition(env.Ctx, run.ID, "alice", domain.StatusLive, false); !errors.As(err, &notOrg) {
		t.Fatalf("outsider re-start err = %v, want NotOrganizerError", err)
	}
	again, err := env.Engine.Transition(env.Ctx, run.ID, "organizer", domain.StatusLive, false)
	if err != nil || again.Status != domain.StatusLive {
		t.Fatalf("organizer re-start: status=%s err=%v", again.Status, err)
	}

	// Terminal repeats stay idempotent for any caller.
	if _, err := env.Engine.Transition(env.Ctx, run.ID, "organizer", domain.StatusEnded, false); err != nil {
		t.Fatalf("end: %v", err)
	}
	got, err := env.Engine.Transition(env.Ctx, run.ID, "alice", domain.StatusEnded, false)
	if err != nil || got.Status != domain.StatusEnded {
		t.Fatalf("terminal repeat: status=%s err=%v", got.Status, err)
	}
}

func TestStorageFailureSurfacesUpstream(t *testing.T) {
	env := newTestEnv(t)
	run := createRun(t, env, "shattered-throne")
	if err := env.Engine.DB.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	var up engine.UpstreamError
	if _, err := env.Engine.Join(env.Ctx, run.ID, "alice"); !errors.As(err, &up) {
		t.Fatalf("join err = %v, want UpstreamError", err)
	}
	if _, err := env.Engine.ListExpired(env.Ctx, time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)); !errors.As(err, &up) {
		t.Fatalf("list expired err = %v, want UpstreamError", err)
	}
}

func TestConcurrentDoubleEnd(t *testing.T) {
	env := newTestEnv(t)
	run := createRun(t, env, "shattered-throne")
	if _, err := env.Engine.Transition(env.Ctx, run.ID, "organizer", domain.StatusLive, false); err != nil {
		t.Fatalf("to live: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Transition(env.Ctx, run.ID, "organizer", domain.StatusEnded, false)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		// Each caller sees success, or lock contention while another press
		// was in flight. Never a half-applied state.
		if err != nil && !errors.Is(err, engine.ErrAlreadyTerminal) && !errors.Is(err, locks.ErrContended) {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil || got.Status != domain.StatusEnded {
		t.Fatalf("final status = %s err=%v, want ended", got.Status, err)
	}
	if got.EndedAt == nil {
		t.Fatalf("ended_at not stamped")
	}
}

func TestJoinLockMatrix(t *testing.T) {
	env := newTestEnv(t)
	run := createRun(t, env, "shattered-throne")

	if _, err := env.Engine.Join(env.Ctx, run.ID, "alice"); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	locked, err := env.Engine.ToggleJoinLock(env.Ctx, run.ID, "organizer")
	if err != nil || !locked.JoinLocked {
		t.Fatalf("lock: locked=%v err=%v", locked.JoinLocked, err)
	}

	// New member blocked.
	if _, err := env.Engine.Join(env.Ctx, run.ID, "bob"); !errors.Is(err, engine.ErrRunLocked) {
		t.Fatalf("locked join err = %v, want ErrRunLocked", err)
	}
	// Already-joined member passes.
	res, err := env.Engine.Join(env.Ctx, run.ID, "alice")
	if err != nil || !res.AlreadyJoined {
		t.Fatalf("locked re-join: already=%v err=%v", res.AlreadyJoined, err)
	}
	// Outsiders cannot toggle.
	if _, err := env.Engine.ToggleJoinLock(env.Ctx, run.ID, "alice"); err == nil {
		t.Fatalf("expected outsider lock toggle to fail")
	}

	// Unlock then retry: the blocked member gets in.
	unlocked, err := env.Engine.ToggleJoinLock(env.Ctx, run.ID, "organizer")
	if err != nil || unlocked.JoinLocked {
		t.Fatalf("unlock: locked=%v err=%v", unlocked.JoinLocked, err)
	}
	if _, err := env.Engine.Join(env.Ctx, run.ID, "bob"); err != nil {
		t.Fatalf("join after unlock: %v", err)
	}
}

func TestPopKeySnapshots(t *testing.T) {
	env := newTestEnv(t)
	run := createRun(t, env, "shattered-throne")

	for _, member := range []string{"alice", "bob"} {
		if _, err := env.Engine.Join(env.Ctx, run.ID, member); err != nil {
			t.Fatalf("join %s: %v", member, err)
		}
	}

	// Pops are live-only.
	if _, err := env.Engine.PopKey(env.Ctx, run.ID, "organizer"); !errors.Is(err, engine.ErrRunNotLive) {
		t.Fatalf("pop while open err = %v, want ErrRunNotLive", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, run.ID, "organizer", domain.StatusLive, false); err != nil {
		t.Fatalf("to live: %v", err)
	}

	first, err := env.Engine.PopKey(env.Ctx, run.ID, "organizer")
	if err != nil {
		t.Fatalf("first pop: %v", err)
	}
	if first.Pop.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", first.Pop.Sequence)
	}
	if len(first.Pop.Snapshot) != 3 {
		t.Fatalf("snapshot = %v, want organizer+alice+bob", first.Pop.Snapshot)
	}
	if first.Chain != "Chain 1/8" {
		t.Fatalf("chain = %q, want Chain 1/8", first.Chain)
	}

	// Members who leave between pops drop out of the next snapshot;
	// later joiners appear.
	if _, err := env.Engine.Leave(env.Ctx, run.ID, "bob"); err != nil {
		t.Fatalf("leave bob: %v", err)
	}
	if _, err := env.Engine.Join(env.Ctx, run.ID, "carol"); err != nil {
		t.Fatalf("join carol: %v", err)
	}
	second, err := env.Engine.PopKey(env.Ctx, run.ID, "organizer")
	if err != nil {
		t.Fatalf("second pop: %v", err)
	}
	if second.Pop.Sequence != 2 {
		t.Fatalf("sequence = %d, want 2", second.Pop.Sequence)
	}
	want := map[string]bool{"organizer": true, "alice": true, "carol": true}
	if len(second.Pop.Snapshot) != len(want) {
		t.Fatalf("second snapshot = %v", second.Pop.Snapshot)
	}
	for _, id := range second.Pop.Snapshot {
		if !want[id] {
			t.Fatalf("unexpected member %s in snapshot %v", id, second.Pop.Snapshot)
		}
	}

	// The first snapshot is immutable: re-read it.
	pops, err := env.Engine.Repo.ListKeyPops(env.Ctx, run.ID)
	if err != nil || len(pops) != 2 {
		t.Fatalf("list pops: n=%d err=%v", len(pops), err)
	}
	if len(pops[0].Snapshot) != 3 {
		t.Fatalf("stored first snapshot = %v", pops[0].Snapshot)
	}

	// Non-organizers cannot pop.
	if _, err := env.Engine.PopKey(env.Ctx, run.ID, "alice"); err == nil {
		t.Fatalf("expected outsider pop to fail")
	}
}

func TestChainLabel(t *testing.T) {
	env := newTestEnv(t)
	target := 8
	cases := []struct {
		name string
		run  domain.Run
		want string
	}{
		{"under target", domain.Run{Dungeon: "shattered-throne", KeyPopCount: 3, ChainAmount: &target}, "Chain 3/8"},
		{"at target", domain.Run{Dungeon: "shattered-throne", KeyPopCount: 8, ChainAmount: &target}, "Chain 8/8"},
		{"past target", domain.Run{Dungeon: "shattered-throne", KeyPopCount: 9, ChainAmount: &target}, "Chain 9"},
		{"no target", domain.Run{Dungeon: "vault", KeyPopCount: 4}, "Chain 4"},
		{"chainless", domain.Run{Dungeon: "gauntlet", KeyPopCount: 4}, ""},
	}
	for _, tc := range cases {
		if got := env.Engine.ChainLabel(tc.run); got != tc.want {
			t.Errorf("%s: chain = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestChainlessDungeonIgnoresChainAmount(t *testing.T) {
	env := newTestEnv(t)
	amount := 5
	run, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		GuildID:     "guild-1",
		Dungeon:     "gauntlet",
		OrganizerID: "organizer",
		ChainAmount: &amount,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.ChainAmount != nil {
		t.Fatalf("chain amount = %v, want nil for chainless dungeon", *run.ChainAmount)
	}
}

func TestSetAttributeRequiresJoined(t *testing.T) {
	env := newTestEnv(t)
	run := createRun(t, env, "shattered-throne")

	if _, err := env.Engine.SetAttribute(env.Ctx, run.ID, "alice", "healer"); !errors.Is(err, engine.ErrNotJoined) {
		t.Fatalf("attribute before join err = %v, want ErrNotJoined", err)
	}
	if _, err := env.Engine.Join(env.Ctx, run.ID, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	tally, err := env.Engine.SetAttribute(env.Ctx, run.ID, "alice", "healer")
	if err != nil {
		t.Fatalf("set attribute: %v", err)
	}
	if tally.ByAttribute["healer"] != 1 {
		t.Fatalf("breakdown = %v, want healer:1", tally.ByAttribute)
	}
}

func TestBenchAndRejoinThroughLock(t *testing.T) {
	env := newTestEnv(t)
	run := createRun(t, env, "shattered-throne")

	if _, err := env.Engine.Join(env.Ctx, run.ID, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	tally, err := env.Engine.SetBenched(env.Ctx, run.ID, "organizer", "alice", true)
	if err != nil {
		t.Fatalf("bench: %v", err)
	}
	if tally.Joined != 1 || tally.Benched != 1 {
		t.Fatalf("tally after bench = %+v", tally)
	}

	// Benching is a manager action.
	if _, err := env.Engine.SetBenched(env.Ctx, run.ID, "alice", "organizer", true); err == nil {
		t.Fatalf("expected non-manager bench to fail")
	}

	// A benched member re-joins even while the run is locked: the lock
	// gates new members only.
	if _, err := env.Engine.ToggleJoinLock(env.Ctx, run.ID, "organizer"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	res, err := env.Engine.Join(env.Ctx, run.ID, "alice")
	if err != nil {
		t.Fatalf("benched re-join: %v", err)
	}
	if res.AlreadyJoined {
		t.Fatalf("benched re-join reported already joined")
	}
	if res.Tally.Joined != 2 || res.Tally.Benched != 0 {
		t.Fatalf("tally after re-join = %+v", res.Tally)
	}
}

func TestListExpired(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		GuildID:        "guild-1",
		Dungeon:        "shattered-throne",
		OrganizerID:    "organizer",
		AutoEndMinutes: 30,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	within, err := env.Engine.ListExpired(env.Ctx, created.Add(10*time.Minute))
	if err != nil || len(within) != 0 {
		t.Fatalf("within budget: n=%d err=%v", len(within), err)
	}
	expired, err := env.Engine.ListExpired(env.Ctx, created.Add(31*time.Minute))
	if err != nil || len(expired) != 1 || expired[0].ID != run.ID {
		t.Fatalf("past budget: %v err=%v", expired, err)
	}

	// Terminal runs never expire.
	if _, err := env.Engine.Transition(env.Ctx, run.ID, "organizer", domain.StatusCancelled, false); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	after, err := env.Engine.ListExpired(env.Ctx, created.Add(31*time.Minute))
	if err != nil || len(after) != 0 {
		t.Fatalf("after cancel: n=%d err=%v", len(after), err)
	}
}

func TestUpdateDetails(t *testing.T) {
	env := newTestEnv(t)
	run := createRun(t, env, "shattered-throne")

	party := "party-42"
	loc := "tower"
	updated, err := env.Engine.UpdateDetails(env.Ctx, run.ID, "organizer", &party, &loc, nil)
	if err != nil {
		t.Fatalf("update details: %v", err)
	}
	if updated.Party != "party-42" || updated.Location != "tower" {
		t.Fatalf("details = %q/%q", updated.Party, updated.Location)
	}

	if _, err := env.Engine.UpdateDetails(env.Ctx, run.ID, "alice", &party, nil, nil); err == nil {
		t.Fatalf("expected non-manager details update to fail")
	}
}
