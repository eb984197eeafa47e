package models

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation about an analysis.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}
