package domain

// Run statuses. Transitions are monotonic: a run never re-opens after
// reaching ended or cancelled.
const (
	StatusOpen      = "open"
	StatusLive      = "live"
	StatusEnded     = "ended"
	StatusCancelled = "cancelled"
)

// Participation states. Rows are never deleted; "left" entries stay for audit.
const (
	StateJoined  = "joined"
	StateBenched = "benched"
	StateLeft    = "left"
)

type Guild struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Run struct {
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
	JoinLocked      bool    `json:"join_locked"`
	Party           string  `json:"party,omitempty"`
	Location        string  `json:"location,omitempty"`
	Description     string  `json:"description,omitempty"`
	ChannelID       string  `json:"channel_id,omitempty"`
	PostMessageID   string  `json:"post_message_id,omitempty"`
}

// Terminal reports whether the run reached a final status.
func (r Run) Terminal() bool {
	return r.Status == StatusEnded || r.Status == StatusCancelled
}

type ParticipationEntry struct {
	RunID     int64   `json:"run_id"`
	MemberID  string  `json:"member_id"`
	State     string  `json:"state" enum:"joined,benched,left"`
	Attribute *string `json:"attribute,omitempty"`
	JoinedAt  string  `json:"joined_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

// Tally is the aggregate participation breakdown shown on run panels. It is
// always computed from ledger rows inside the same transaction as the
// mutation it describes.
type Tally struct {
	Joined      int            `json:"joined"`
	Benched     int            `json:"benched"`
	ByAttribute map[string]int `json:"by_attribute,omitempty"`
}

type KeyPop struct {
	RunID        int64    `json:"run_id"`
	Sequence     int      `json:"sequence"`
	ActorID      string   `json:"actor_id"`
	PoppedAt     string   `json:"popped_at" format:"date-time"`
	WindowEndsAt string   `json:"window_ends_at" format:"date-time"`
	Snapshot     []string `json:"snapshot_member_ids"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	GuildID    string `json:"guild_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
