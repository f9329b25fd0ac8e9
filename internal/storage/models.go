package storage

import "time"

// Interaction is one append-only entry in a user's interaction log.
// The log is the source of truth for derived profiles, so it carries
// everything a rebuild needs, categories included.
type Interaction struct {
	ID         string
	UserID     string
	Action     string // query, view, like, share, dwell, dialogue-turn
	Target     string // article fingerprint or session id
	Text       string // query or message text
	Categories []string
	Importance float64
	CreatedAt  time.Time
}

// Session is dialogue session metadata; messages live in
// session_messages.
type Session struct {
	ID        string
	UserID    string
	RunID     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionMessage is one turn (or synthetic system note) in a session.
type SessionMessage struct {
	ID        string
	SessionID string
	Seq       int
	Role      string // user, assistant, system
	Content   string
	Sources   []string // article fingerprints cited by an assistant turn
	CreatedAt time.Time
}

// RunRecord is a persisted pipeline run: the serialized run document
// plus the columns needed for lookup and TTL eviction.
type RunRecord struct {
	ID        string
	UserID    string
	Query     string
	Status    string
	RunJSON   string
	CreatedAt time.Time
}
