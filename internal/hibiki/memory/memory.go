// Package memory keeps Hibiki's short-term conversation history: a bounded,
// volatile buffer of turns per chat used to build the completion prompt.
//
// Nothing here is persisted. A chat's buffer is created on its first turn and
// lives as long as the process; the per-chat cap bounds its size, the number
// of chats is not bounded.
package memory

// Role identifies the speaker of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single message in a conversation. Turns are values; once
// appended they are never modified.
type Turn struct {
	Role    Role
	Content string
}

// UserTurn returns a turn spoken by the user.
func UserTurn(content string) Turn { return Turn{Role: RoleUser, Content: content} }

// AssistantTurn returns a turn spoken by the model.
func AssistantTurn(content string) Turn { return Turn{Role: RoleAssistant, Content: content} }

// SystemTurn returns a system instruction turn.
func SystemTurn(content string) Turn { return Turn{Role: RoleSystem, Content: content} }
