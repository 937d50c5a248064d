package channels

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dotsetgreg/dotmem/pkg/bus"
	"github.com/dotsetgreg/dotmem/pkg/config"
	"github.com/dotsetgreg/dotmem/pkg/logger"
)

const previewLength = 50

// DiscordChannel listens for guild and DM messages and queues them on the bus.
// It never posts anything back.
type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	botID   string
}

func NewDiscordChannel(cfg config.DiscordConfig, bus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", bus, cfg.AllowFrom),
		session:     session,
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord listener")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	botUser, err := c.session.User("@me")
	if err != nil {
		_ = c.session.Close()
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	c.botID = botUser.ID
	c.setRunning(true)

	logger.InfoCF("discord", "Discord listener connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord listener")
	c.setRunning(false)

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

// appendContent safely appends suffix text to existing content.
func appendContent(content, suffix string) string {
	if content == "" {
		return suffix
	}
	return content + "\n" + suffix
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func (c *DiscordChannel) channelName(s *discordgo.Session, channelID string) string {
	if s == nil || s.State == nil {
		return ""
	}
	ch, err := s.State.Channel(channelID)
	if err != nil {
		ch, err = s.Channel(channelID)
		if err != nil {
			logger.DebugCF("discord", "Channel lookup failed", map[string]any{
				"channel_id": channelID,
				"error":      err.Error(),
			})
			return ""
		}
	}
	return ch.Name
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}

	msg, ok := inboundFromDiscord(m.Message, c.botID, "")
	if !ok {
		return
	}
	if !c.IsAllowed(msg.SenderID) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]any{
			"user_id": m.Author.ID,
		})
		return
	}
	if m.GuildID != "" {
		msg.ChatName = c.channelName(s, m.ChannelID)
	}

	logger.DebugCF("discord", "Received message", map[string]any{
		"sender_name": msg.Username,
		"sender_id":   m.Author.ID,
		"channel":     msg.ChatName,
		"preview":     truncate(msg.Content, previewLength),
	})

	if !c.HandleMessage(msg) {
		logger.WarnCF("discord", "Message dropped before recording", map[string]any{
			"message_id": m.ID,
			"dropped":    c.bus.DroppedInbound(),
		})
	}
}

// inboundFromDiscord converts a Discord message into a bus message. It skips
// bot authors, the listener itself and messages with nothing to remember.
// SenderID is the compound "id|username" the allow list understands.
func inboundFromDiscord(m *discordgo.Message, botID, chatName string) (bus.InboundMessage, bool) {
	if m == nil || m.Author == nil {
		return bus.InboundMessage{}, false
	}
	if m.Author.Bot || (botID != "" && m.Author.ID == botID) {
		return bus.InboundMessage{}, false
	}

	content := strings.TrimSpace(m.Content)
	for _, attachment := range m.Attachments {
		if attachment == nil {
			continue
		}
		content = appendContent(content, fmt.Sprintf("[attachment: %s]", attachment.Filename))
	}
	if content == "" {
		return bus.InboundMessage{}, false
	}

	displayName := m.Author.Username
	if m.Author.Discriminator != "" && m.Author.Discriminator != "0" {
		displayName += "#" + m.Author.Discriminator
	}

	received := m.Timestamp
	if received.IsZero() {
		received = time.Now()
	}

	return bus.InboundMessage{
		Channel:  "discord",
		SenderID: m.Author.ID + "|" + m.Author.Username,
		Username: m.Author.Username,
		ChatID:   m.ChannelID,
		ChatName: chatName,
		Content:  content,
		Metadata: map[string]string{
			"message_id":   m.ID,
			"user_id":      m.Author.ID,
			"display_name": displayName,
			"guild_id":     m.GuildID,
			"channel_id":   m.ChannelID,
			"is_dm":        fmt.Sprintf("%t", m.GuildID == ""),
		},
		ReceivedAt: received.UTC(),
	}, true
}
