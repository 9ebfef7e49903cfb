package server

import (
	"raidline/internal/domain"
	"raidline/internal/engine"
)

type CreateRunRequest struct {
	GuildID        string  `json:"guild_id,omitempty"`
	Dungeon        string  `json:"dungeon"`
	AutoEndMinutes int     `json:"auto_end_minutes,omitempty"`
	ChainAmount    *int    `json:"chain_amount,omitempty"`
	Party          *string `json:"party,omitempty"`
	Location       *string `json:"location,omitempty"`
	Description    *string `json:"description,omitempty"`
	ChannelID      string  `json:"channel_id,omitempty"`
}

type UpdateRunRequest struct {
	Party       *string `json:"party,omitempty"`
	Location    *string `json:"location,omitempty"`
	Description *string `json:"description,omitempty"`
}

type RunResponse struct {
	ID              int64   `json:"id"`
	GuildID         string  `json:"guild_id"`
	Dungeon         string  `json:"dungeon"`
	Status          string  `json:"status" enum:"open,live,ended,cancelled"`
	OrganizerID     string  `json:"organizer_id"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	EndedAt         *string `json:"ended_at,omitempty" format:"date-time"`
	AutoEndMinutes  int     `json:"auto_end_minutes"`
	KeyWindowEndsAt *string `json:"key_window_ends_at,omitempty" format:"date-time"`
	KeyPopCount     int     `json:"key_pop_count"`
	ChainAmount     *int    `json:"chain_amount,omitempty"`
	Chain           string  `json:"chain,omitempty"`
	JoinLocked      bool    `json:"join_locked"`
	Party           string  `json:"party,omitempty"`
	Location        string  `json:"location,omitempty"`
	Description     string  `json:"description,omitempty"`
	ChannelID       string  `json:"channel_id,omitempty"`
	PostMessageID   string  `json:"post_message_id,omitempty"`
}

type TallyResponse struct {
	Joined      int            `json:"joined"`
	Benched     int            `json:"benched"`
	ByAttribute map[string]int `json:"by_attribute,omitempty"`
}

type JoinResponse struct {
	Run           RunResponse   `json:"run"`
	AlreadyJoined bool          `json:"already_joined"`
	Tally         TallyResponse `json:"tally"`
}

type LeaveResponse struct {
	Run      RunResponse   `json:"run"`
	WasInRun bool          `json:"was_in_run"`
	Tally    TallyResponse `json:"tally"`
}

type SetAttributeRequest struct {
	MemberID  string `json:"member_id,omitempty"`
	Attribute string `json:"attribute"`
}

type BenchRequest struct {
	MemberID string `json:"member_id"`
	Benched  bool   `json:"benched"`
}

type ParticipationResponse struct {
	MemberID  string  `json:"member_id"`
	State     string  `json:"state" enum:"joined,benched,left"`
	Attribute *string `json:"attribute,omitempty"`
	JoinedAt  string  `json:"joined_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type KeyPopResponse struct {
	Sequence     int      `json:"sequence"`
	ActorID      string   `json:"actor_id"`
	PoppedAt     string   `json:"popped_at" format:"date-time"`
	WindowEndsAt string   `json:"window_ends_at" format:"date-time"`
	Snapshot     []string `json:"snapshot_member_ids"`
	Chain        string   `json:"chain,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	GuildID    string `json:"guild_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type RegisterPanelRequest struct {
	ViewerID  string `json:"viewer_id"`
	URL       string `json:"url"`
	Secret    string `json:"secret,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Public    bool   `json:"public,omitempty"`
}

type GuildConfigResponse struct {
	GuildID string `json:"guild_id"`
	YAML    string `json:"yaml"`
}

type ImportGuildConfigRequest struct {
	YAML string `json:"yaml"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func runResponse(r domain.Run, chain string) RunResponse {
	return RunResponse{
		ID:              r.ID,
		GuildID:         r.GuildID,
		Dungeon:         r.Dungeon,
		Status:          r.Status,
		OrganizerID:     r.OrganizerID,
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
		AutoEndMinutes:  r.AutoEndMinutes,
		KeyWindowEndsAt: r.KeyWindowEndsAt,
		KeyPopCount:     r.KeyPopCount,
		ChainAmount:     r.ChainAmount,
		Chain:           chain,
		JoinLocked:      r.JoinLocked,
		Party:           r.Party,
		Location:        r.Location,
		Description:     r.Description,
		ChannelID:       r.ChannelID,
		PostMessageID:   r.PostMessageID,
	}
}

func tallyResponse(t domain.Tally) TallyResponse {
	return TallyResponse{Joined: t.Joined, Benched: t.Benched, ByAttribute: t.ByAttribute}
}

func joinResponse(res engine.JoinResult, chain string) JoinResponse {
	return JoinResponse{
		Run:           runResponse(res.Run, chain),
		AlreadyJoined: res.AlreadyJoined,
		Tally:         tallyResponse(res.Tally),
	}
}

func leaveResponse(res engine.LeaveResult, chain string) LeaveResponse {
	return LeaveResponse{
		Run:      runResponse(res.Run, chain),
		WasInRun: res.WasInRun,
		Tally:    tallyResponse(res.Tally),
	}
}

func participationResponse(p domain.ParticipationEntry) ParticipationResponse {
	return ParticipationResponse{
		MemberID:  p.MemberID,
		State:     p.State,
		Attribute: p.Attribute,
		JoinedAt:  p.JoinedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func mapParticipation(items []domain.ParticipationEntry) []ParticipationResponse {
	out := make([]ParticipationResponse, 0, len(items))
	for _, p := range items {
		out = append(out, participationResponse(p))
	}
	return out
}

func keyPopResponse(p domain.KeyPop, chain string) KeyPopResponse {
	return KeyPopResponse{
		Sequence:     p.Sequence,
		ActorID:      p.ActorID,
		PoppedAt:     p.PoppedAt,
		WindowEndsAt: p.WindowEndsAt,
		Snapshot:     p.Snapshot,
		Chain:        chain,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			GuildID:    e.GuildID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return out
}

func mapRuns(e engine.Engine, items []domain.Run) []RunResponse {
	out := make([]RunResponse, 0, len(items))
	for _, r := range items {
		out = append(out, runResponse(r, e.ChainLabel(r)))
	}
	return out
}
