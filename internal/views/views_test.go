package views

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"raidline/internal/domain"
)

type recordingPusher struct {
	mu       sync.Mutex
	payloads []Payload
	fail     bool
}

func (p *recordingPusher) Push(_ context.Context, payload Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("push failed")
	}
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *recordingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func (p *recordingPusher) last() Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payloads[len(p.payloads)-1]
}

func quietSynchronizer(reg *Registry) *Synchronizer {
	s := NewSynchronizer(reg, nil)
	s.Logger = log.New(io.Discard, "", 0)
	return s
}

func TestRunChangedPushesToAllViews(t *testing.T) {
	reg := NewRegistry()
	public := &recordingPusher{}
	panel := &recordingPusher{}
	reg.SetPublic(7, public)
	reg.RegisterPanel(7, "organizer", panel)

	s := quietSynchronizer(reg)
	run := domain.Run{ID: 7, Dungeon: "shattered-throne", Status: domain.StatusLive}
	s.RunChanged(context.Background(), run, domain.Tally{Joined: 3, Benched: 1})

	if public.count() != 1 || panel.count() != 1 {
		t.Fatalf("pushes public=%d panel=%d, want 1/1", public.count(), panel.count())
	}
	got := public.last()
	if got.Joined != 3 || got.Benched != 1 || got.Banner != "Live" {
		t.Fatalf("payload = %+v", got)
	}
	if !strings.Contains(got.Body, "Joined: 3 (benched: 1)") {
		t.Fatalf("body = %q", got.Body)
	}
}

func TestFailedPanelIsUnregistered(t *testing.T) {
	reg := NewRegistry()
	good := &recordingPusher{}
	bad := &recordingPusher{fail: true}
	reg.RegisterPanel(7, "good", good)
	reg.RegisterPanel(7, "bad", bad)

	s := quietSynchronizer(reg)
	run := domain.Run{ID: 7, Status: domain.StatusOpen}
	s.RunChanged(context.Background(), run, domain.Tally{})

	if reg.PanelCount(7) != 1 {
		t.Fatalf("panels = %d, want 1 after failed push", reg.PanelCount(7))
	}
	// The surviving panel keeps receiving updates.
	s.RunChanged(context.Background(), run, domain.Tally{Joined: 1})
	if good.count() != 2 {
		t.Fatalf("good pushes = %d, want 2", good.count())
	}
}

func TestFailedPublicPanelIsKept(t *testing.T) {
	reg := NewRegistry()
	public := &recordingPusher{fail: true}
	reg.SetPublic(7, public)

	s := quietSynchronizer(reg)
	s.RunChanged(context.Background(), domain.Run{ID: 7, Status: domain.StatusOpen}, domain.Tally{})

	// Public panels are not evicted on failure; the next sync retries.
	if len(reg.targets(7)) != 1 {
		t.Fatalf("public panel was dropped")
	}
}

func TestRunClosedPushesTerminalRenderAndDrops(t *testing.T) {
	reg := NewRegistry()
	public := &recordingPusher{}
	panel := &recordingPusher{}
	reg.SetPublic(7, public)
	reg.RegisterPanel(7, "organizer", panel)

	s := quietSynchronizer(reg)
	ended := "2026-01-01T01:00:00Z"
	started := "2026-01-01T00:00:00Z"
	run := domain.Run{ID: 7, Status: domain.StatusEnded, StartedAt: &started, EndedAt: &ended}
	s.RunClosed(context.Background(), run, domain.Tally{Joined: 4, Benched: 1}, false)

	if public.count() != 1 || panel.count() != 1 {
		t.Fatalf("terminal pushes public=%d panel=%d", public.count(), panel.count())
	}
	got := public.last()
	if got.Banner != "Ended" {
		t.Fatalf("banner = %q, want Ended", got.Banner)
	}
	// The final render keeps the roster visible.
	if got.Joined != 4 || got.Benched != 1 {
		t.Fatalf("terminal tally joined=%d benched=%d, want 4/1", got.Joined, got.Benched)
	}
	if !strings.Contains(got.Body, "Joined: 4 (benched: 1)") {
		t.Fatalf("body = %q", got.Body)
	}
	if len(reg.targets(7)) != 0 {
		t.Fatalf("registrations not dropped")
	}

	// Later syncs are silent.
	s.RunChanged(context.Background(), run, domain.Tally{})
	if public.count() != 1 {
		t.Fatalf("push after close")
	}
}

func TestRunClosedBannerFollowsAutoFlag(t *testing.T) {
	started := "2026-01-01T00:00:00Z"
	ended := "2026-01-01T02:00:00Z"
	cases := []struct {
		name string
		run  domain.Run
		auto bool
		want string
	}{
		// A sweeper can end a run that already went live.
		{"swept live run", domain.Run{ID: 7, Status: domain.StatusEnded, StartedAt: &started, EndedAt: &ended}, true, "Auto-ended"},
		// An organizer can end a run that never started.
		{"ended before start", domain.Run{ID: 7, Status: domain.StatusEnded, EndedAt: &ended}, false, "Ended"},
		{"manual end", domain.Run{ID: 7, Status: domain.StatusEnded, StartedAt: &started, EndedAt: &ended}, false, "Ended"},
		{"cancelled", domain.Run{ID: 7, Status: domain.StatusCancelled, EndedAt: &ended}, false, "Cancelled"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry()
			public := &recordingPusher{}
			reg.SetPublic(7, public)
			s := quietSynchronizer(reg)
			s.RunClosed(context.Background(), tc.run, domain.Tally{}, tc.auto)
			if got := public.last().Banner; got != tc.want {
				t.Fatalf("banner = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBannerStates(t *testing.T) {
	started := "2026-01-01T00:00:00Z"
	ended := "2026-01-01T01:00:00Z"
	cases := []struct {
		run  domain.Run
		want string
	}{
		{domain.Run{Status: domain.StatusOpen}, "Gathering"},
		{domain.Run{Status: domain.StatusLive}, "Live"},
		{domain.Run{Status: domain.StatusEnded, StartedAt: &started, EndedAt: &ended}, "Ended"},
		{domain.Run{Status: domain.StatusEnded, EndedAt: &ended}, "Ended"},
		{domain.Run{Status: domain.StatusCancelled}, "Cancelled"},
	}
	for _, tc := range cases {
		if got := banner(tc.run); got != tc.want {
			t.Errorf("banner(%s) = %q, want %q", tc.run.Status, got, tc.want)
		}
	}
}

func TestRenderChainAndWindow(t *testing.T) {
	reg := NewRegistry()
	s := NewSynchronizer(reg, func(run domain.Run) string {
		return fmt.Sprintf("Chain %d", run.KeyPopCount)
	})
	window := "2026-01-01T00:05:00Z"
	run := domain.Run{
		ID:              7,
		Dungeon:         "shattered-throne",
		Status:          domain.StatusLive,
		KeyPopCount:     2,
		KeyWindowEndsAt: &window,
		JoinLocked:      true,
	}
	p := s.Render(run, domain.Tally{Joined: 5, ByAttribute: map[string]int{"healer": 2, "dps": 3}})
	if p.Chain != "Chain 2" {
		t.Fatalf("chain = %q", p.Chain)
	}
	if p.Window != window {
		t.Fatalf("window = %q", p.Window)
	}
	if p.LockIcon != "locked" {
		t.Fatalf("lock icon = %q", p.LockIcon)
	}
	for _, want := range []string{"Chain 2", "Join window until " + window, "Joins locked", "dps x3, healer x2"} {
		if !strings.Contains(p.Body, want) {
			t.Fatalf("body missing %q: %q", want, p.Body)
		}
	}

	// Zero pops render no chain text.
	p = s.Render(domain.Run{ID: 7, Status: domain.StatusOpen}, domain.Tally{})
	if p.Chain != "" {
		t.Fatalf("chain on zero pops = %q", p.Chain)
	}
}

func TestPanelCapEvictsOldest(t *testing.T) {
	reg := NewRegistry()
	for i := 0; i < maxPanelsPerRun+3; i++ {
		reg.RegisterPanel(7, fmt.Sprintf("viewer-%d", i), &recordingPusher{})
	}
	if reg.PanelCount(7) != maxPanelsPerRun {
		t.Fatalf("panels = %d, want %d", reg.PanelCount(7), maxPanelsPerRun)
	}
	// Re-registering an existing viewer does not evict.
	before := reg.PanelCount(7)
	for _, tgt := range reg.targets(7) {
		if tgt.viewerID != "" {
			reg.RegisterPanel(7, tgt.viewerID, &recordingPusher{})
			break
		}
	}
	if reg.PanelCount(7) != before {
		t.Fatalf("panels changed on replace: %d -> %d", before, reg.PanelCount(7))
	}
}
