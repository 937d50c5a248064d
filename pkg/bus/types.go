package bus

import "time"

// InboundMessage is one chat message accepted by a channel, waiting to be
// recorded as a memory.
type InboundMessage struct {
	Channel    string
	SenderID   string
	Username   string
	ChatID     string
	ChatName   string
	Content    string
	Metadata   map[string]string
	ReceivedAt time.Time
}
