package sweeper_test

import (
	"context"
	"testing"
	"time"

	"raidline/internal/app"
	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/engine"
	"raidline/internal/migrate"
	"raidline/internal/sweeper"
)

func newTestEngine(t *testing.T) (engine.Engine, context.Context) {
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
	ctx := context.Background()
	if _, _, err := app.ResolveGuildAndConfig(ctx, "guild-1", "organizer", eng.Repo); err != nil {
		t.Fatalf("resolve guild: %v", err)
	}
	return eng, ctx
}

func TestSweepAutoEndsExpiredRuns(t *testing.T) {
	eng, ctx := newTestEngine(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return created }

	expired, err := eng.CreateRun(ctx, engine.RunCreateOptions{
		GuildID:        "guild-1",
		Dungeon:        "shattered-throne",
		OrganizerID:    "organizer",
		AutoEndMinutes: 30,
	})
	if err != nil {
		t.Fatalf("create expired run: %v", err)
	}
	fresh, err := eng.CreateRun(ctx, engine.RunCreateOptions{
		GuildID:        "guild-1",
		Dungeon:        "kings-fall",
		OrganizerID:    "organizer",
		AutoEndMinutes: 120,
	})
	if err != nil {
		t.Fatalf("create fresh run: %v", err)
	}

	s := sweeper.New(eng, time.Minute)
	s.Now = func() time.Time { return created.Add(45 * time.Minute) }

	if n := s.SweepOnce(ctx); n != 1 {
		t.Fatalf("swept %d runs, want 1", n)
	}

	got, err := eng.Repo.GetRun(ctx, expired.ID)
	if err != nil || got.Status != domain.StatusEnded {
		t.Fatalf("expired run status = %s err=%v, want ended", got.Status, err)
	}
	// Auto-end on a run that never went live: ended_at without started_at.
	if got.EndedAt == nil || got.StartedAt != nil {
		t.Fatalf("auto-end stamps: started=%v ended=%v", got.StartedAt, got.EndedAt)
	}

	still, err := eng.Repo.GetRun(ctx, fresh.ID)
	if err != nil || still.Status != domain.StatusOpen {
		t.Fatalf("fresh run status = %s err=%v, want open", still.Status, err)
	}

	// A second sweep finds nothing.
	if n := s.SweepOnce(ctx); n != 0 {
		t.Fatalf("second sweep ended %d runs, want 0", n)
	}
}

func TestSweepSkipsRunsEndedUnderneathIt(t *testing.T) {
	eng, ctx := newTestEngine(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return created }

	run, err := eng.CreateRun(ctx, engine.RunCreateOptions{
		GuildID:        "guild-1",
		Dungeon:        "shattered-throne",
		OrganizerID:    "organizer",
		AutoEndMinutes: 30,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	// Organizer cancels before the sweeper fires.
	if _, err := eng.Transition(ctx, run.ID, "organizer", domain.StatusCancelled, false); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	s := sweeper.New(eng, time.Minute)
	s.Now = func() time.Time { return created.Add(45 * time.Minute) }
	if n := s.SweepOnce(ctx); n != 0 {
		t.Fatalf("swept %d runs, want 0", n)
	}
	got, _ := eng.Repo.GetRun(ctx, run.ID)
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled untouched", got.Status)
	}
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	eng, ctx := newTestEngine(t)
	s := sweeper.New(eng, 5*time.Millisecond)

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		s.Run(loopCtx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop on context cancel")
	}
}
