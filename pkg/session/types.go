package session

import "time"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one immutable utterance in a transcript.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserTurn builds a user turn stamped with the current time.
func UserTurn(text string) Turn {
	return Turn{Role: RoleUser, Text: text, CreatedAt: time.Now()}
}

// ModelTurn builds a model turn stamped with the current time.
func ModelTurn(text string) Turn {
	return Turn{Role: RoleModel, Text: text, CreatedAt: time.Now()}
}

// Store is the transcript storage used by the orchestrator.
type Store interface {
	AppendTurn(sessionID string, turn Turn)
	GetHistory(sessionID string) []Turn
	Hold(sessionID string) (release func())
	Delete(sessionID string) bool
	Len() int
}

// Eviction reasons passed to eviction hooks and metrics.
const (
	ReasonIdle     = "idle"
	ReasonCapacity = "capacity"
	ReasonDeleted  = "deleted"
)
