// Package chat holds the room state: the roster of connected users, the
// bounded message history, the broadcast fan-out between sessions, and
// the per-connection session loop.
package chat

// UserInfo is one roster entry.
type UserInfo struct {
	ID   uint16
	Name string
}

// Message is an accepted chat message as the hub fans it out and stores
// it in history.
type Message struct {
	SenderID  uint16
	Sender    string
	Timestamp uint32 // minutes since the unix epoch
	Content   string
}
