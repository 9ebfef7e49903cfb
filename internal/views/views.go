// Package views keeps every live rendering of a run consistent: the single
// public panel plus any number of ephemeral organizer panels. Registrations
// live only in process memory; after a restart, panels are stale until the
// next interaction re-registers them. Rendering is write-only: stored state
// is the source of truth and rendered output is never parsed back.
package views

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"raidline/internal/domain"
)

// Payload is one rendered run panel, ready to push.
type Payload struct {
	RunID     int64          `json:"run_id"`
	Title     string         `json:"title"`
	Status    string         `json:"status"`
	Banner    string         `json:"banner"`
	LockIcon  string         `json:"lock_icon,omitempty"`
	Chain     string         `json:"chain,omitempty"`
	Window    string         `json:"window,omitempty"`
	Joined    int            `json:"joined"`
	Benched   int            `json:"benched"`
	Breakdown map[string]int `json:"breakdown,omitempty"`
	Body      string         `json:"body"`
}

// Pusher knows how to edit one specific view in place. Each registered view
// carries its own strategy: a direct reply, a routed follow-up, or a
// standing message.
type Pusher interface {
	Push(ctx context.Context, payload Payload) error
}

// PusherFunc adapts a function to the Pusher interface.
type PusherFunc func(ctx context.Context, payload Payload) error

func (f PusherFunc) Push(ctx context.Context, payload Payload) error { return f(ctx, payload) }

// maxPanelsPerRun bounds organizer-panel registrations so a reopened panel
// cannot grow the registry without limit; the oldest registration for the
// same viewer is replaced, and beyond the cap new registrations evict an
// arbitrary stale one.
const maxPanelsPerRun = 8

// Registry tracks the live views of each run. The backing containers are
// never exposed; a future move to a shared store only changes internals.
type Registry struct {
	mu     sync.Mutex
	public map[int64]Pusher
	panels map[int64]map[string]Pusher
}

func NewRegistry() *Registry {
	return &Registry{
		public: make(map[int64]Pusher),
		panels: make(map[int64]map[string]Pusher),
	}
}

// SetPublic registers or replaces the run's public panel.
func (r *Registry) SetPublic(runID int64, p Pusher) {
	r.mu.Lock()
	r.public[runID] = p
	r.mu.Unlock()
}

// RegisterPanel registers an organizer panel for a viewer. A viewer
// reopening a panel replaces their previous registration.
func (r *Registry) RegisterPanel(runID int64, viewerID string, p Pusher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	panels := r.panels[runID]
	if panels == nil {
		panels = make(map[string]Pusher)
		r.panels[runID] = panels
	}
	if _, ok := panels[viewerID]; !ok && len(panels) >= maxPanelsPerRun {
		for k := range panels {
			delete(panels, k)
			break
		}
	}
	panels[viewerID] = p
}

// UnregisterPanel drops one viewer's panel.
func (r *Registry) UnregisterPanel(runID int64, viewerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if panels := r.panels[runID]; panels != nil {
		delete(panels, viewerID)
		if len(panels) == 0 {
			delete(r.panels, runID)
		}
	}
}

// DropRun discards every registration for a run. Called on terminal
// transitions and by the sweeper.
func (r *Registry) DropRun(runID int64) {
	r.mu.Lock()
	delete(r.public, runID)
	delete(r.panels, runID)
	r.mu.Unlock()
}

type target struct {
	viewerID string // empty for the public panel
	pusher   Pusher
}

func (r *Registry) targets(runID int64) []target {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []target
	if p, ok := r.public[runID]; ok {
		res = append(res, target{pusher: p})
	}
	for viewer, p := range r.panels[runID] {
		res = append(res, target{viewerID: viewer, pusher: p})
	}
	return res
}

// PanelCount reports registered organizer panels for a run.
func (r *Registry) PanelCount(runID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.panels[runID])
}

// Synchronizer renders a run once per mutation and pushes the result to all
// registered views. It implements the engine's Notifier.
type Synchronizer struct {
	Registry *Registry
	// Chain renders the chain display text for a run; wired to the engine's
	// chain rule so the two never drift.
	Chain  func(run domain.Run) string
	Logger *log.Logger
}

func NewSynchronizer(reg *Registry, chain func(domain.Run) string) *Synchronizer {
	return &Synchronizer{Registry: reg, Chain: chain}
}

func (s *Synchronizer) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// RunChanged pushes a refreshed render to every live view of the run. A view
// that fails to update is unregistered and the failure swallowed: the
// authoritative mutation already succeeded, and the user-facing action must
// not fail on a dead panel.
func (s *Synchronizer) RunChanged(ctx context.Context, run domain.Run, tally domain.Tally) {
	s.push(ctx, run, s.Render(run, tally))
}

// RunClosed pushes a terminal render carrying the final roster, then discards
// all registrations. auto distinguishes a sweeper-ended run from an organizer
// action; only the banner label differs.
func (s *Synchronizer) RunClosed(ctx context.Context, run domain.Run, tally domain.Tally, auto bool) {
	label := banner(run)
	if auto && run.Status == domain.StatusEnded {
		label = "Auto-ended"
	}
	s.push(ctx, run, s.render(run, tally, label))
	s.Registry.DropRun(run.ID)
}

func (s *Synchronizer) push(ctx context.Context, run domain.Run, payload Payload) {
	for _, t := range s.Registry.targets(run.ID) {
		if err := t.pusher.Push(ctx, payload); err != nil {
			if t.viewerID == "" {
				s.logger().Printf("views: public panel push failed for run %d: %v", run.ID, err)
				continue
			}
			s.logger().Printf("views: panel push failed for run %d viewer %s, unregistering: %v", run.ID, t.viewerID, err)
			s.Registry.UnregisterPanel(run.ID, t.viewerID)
		}
	}
}

// Render builds the panel payload for a run.
func (s *Synchronizer) Render(run domain.Run, tally domain.Tally) Payload {
	return s.render(run, tally, banner(run))
}

func (s *Synchronizer) render(run domain.Run, tally domain.Tally, bannerLabel string) Payload {
	p := Payload{
		RunID:     run.ID,
		Title:     fmt.Sprintf("Run #%d: %s", run.ID, run.Dungeon),
		Status:    run.Status,
		Banner:    bannerLabel,
		Joined:    tally.Joined,
		Benched:   tally.Benched,
		Breakdown: tally.ByAttribute,
	}
	if run.JoinLocked {
		p.LockIcon = "locked"
	}
	if s.Chain != nil && run.KeyPopCount > 0 {
		p.Chain = s.Chain(run)
	}
	if run.KeyWindowEndsAt != nil {
		p.Window = *run.KeyWindowEndsAt
	}
	p.Body = body(run, p)
	return p
}

func banner(run domain.Run) string {
	switch run.Status {
	case domain.StatusOpen:
		return "Gathering"
	case domain.StatusLive:
		return "Live"
	case domain.StatusEnded:
		return "Ended"
	case domain.StatusCancelled:
		return "Cancelled"
	}
	return run.Status
}

func body(run domain.Run, p Payload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]\n", p.Title, p.Banner)
	fmt.Fprintf(&b, "Joined: %d", p.Joined)
	if p.Benched > 0 {
		fmt.Fprintf(&b, " (benched: %d)", p.Benched)
	}
	b.WriteString("\n")
	if len(p.Breakdown) > 0 {
		keys := make([]string, 0, len(p.Breakdown))
		for k := range p.Breakdown {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s x%d", k, p.Breakdown[k]))
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("\n")
	}
	if p.Chain != "" {
		b.WriteString(p.Chain)
		b.WriteString("\n")
	}
	if p.Window != "" {
		fmt.Fprintf(&b, "Join window until %s\n", p.Window)
	}
	if p.LockIcon != "" {
		b.WriteString("Joins locked\n")
	}
	if run.Party != "" {
		fmt.Fprintf(&b, "Party: %s\n", run.Party)
	}
	if run.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", run.Location)
	}
	return b.String()
}
