package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotmem/pkg/bus"
	"github.com/dotsetgreg/dotmem/pkg/config"
	"github.com/dotsetgreg/dotmem/pkg/memory"
)

type fakeWriter struct {
	mu     sync.Mutex
	inputs []memory.Input
	fail   bool
}

func (w *fakeWriter) AddMemory(in memory.Input) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return "", errors.New("disk full")
	}
	w.inputs = append(w.inputs, in)
	return "mem-test", nil
}

func (w *fakeWriter) recorded() []memory.Input {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]memory.Input(nil), w.inputs...)
}

type fakeChannel struct {
	*BaseChannel
	startErr error
	stopped  bool
}

func (c *fakeChannel) Start(ctx context.Context) error {
	if c.startErr != nil {
		return c.startErr
	}
	c.setRunning(true)
	return nil
}

func (c *fakeChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	c.stopped = true
	return nil
}

func TestBaseChannel_IsAllowed(t *testing.T) {
	testcases := []struct {
		name      string
		allowList []string
		senderID  string
		want      bool
	}{
		{"empty list allows all", nil, "42|alice", true},
		{"id match", []string{"42"}, "42|alice", true},
		{"username match", []string{"alice"}, "42|alice", true},
		{"at prefix trimmed", []string{"@alice"}, "42|alice", true},
		{"compound match", []string{"42|alice"}, "42|alice", true},
		{"plain id", []string{"42"}, "42", true},
		{"no match", []string{"7", "bob"}, "42|alice", false},
		{"blank entries ignored", []string{" ", "@"}, "42|alice", false},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewBaseChannel("test", bus.NewMessageBus(), tc.allowList)
			assert.Equal(t, tc.want, c.IsAllowed(tc.senderID))
		})
	}
}

func TestBaseChannel_HandleMessageStampsChannel(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	c := NewBaseChannel("discord", mb, []string{"alice"})

	assert.False(t, c.HandleMessage(bus.InboundMessage{SenderID: "7|mallory", Content: "hi"}))
	require.True(t, c.HandleMessage(bus.InboundMessage{SenderID: "42|alice", Content: "hi"}))

	msg, ok := mb.TryConsumeInbound()
	require.True(t, ok)
	assert.Equal(t, "discord", msg.Channel)
	_, ok = mb.TryConsumeInbound()
	assert.False(t, ok)
}

func TestInboundFromDiscord(t *testing.T) {
	ts := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))
	m := &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "  let's plan the garden  ",
		Timestamp: ts,
		Author:    &discordgo.User{ID: "42", Username: "alice", Discriminator: "0"},
		Attachments: []*discordgo.MessageAttachment{
			{Filename: "plot.png", URL: "https://cdn.example/plot.png"},
		},
	}

	msg, ok := inboundFromDiscord(m, "bot", "garden")
	require.True(t, ok)
	assert.Equal(t, "42|alice", msg.SenderID)
	assert.Equal(t, "alice", msg.Username)
	assert.Equal(t, "garden", msg.ChatName)
	assert.Equal(t, "let's plan the garden\n[attachment: plot.png]", msg.Content)
	assert.Equal(t, ts.UTC(), msg.ReceivedAt)
	assert.Equal(t, "false", msg.Metadata["is_dm"])
	assert.Equal(t, "alice", msg.Metadata["display_name"])
	assert.Equal(t, "m1", msg.Metadata["message_id"])
}

func TestInboundFromDiscord_Skips(t *testing.T) {
	self := &discordgo.Message{Content: "echo", Author: &discordgo.User{ID: "bot", Username: "dotmem"}}
	_, ok := inboundFromDiscord(self, "bot", "")
	assert.False(t, ok, "own messages")

	other := &discordgo.Message{Content: "beep", Author: &discordgo.User{ID: "9", Username: "otherbot", Bot: true}}
	_, ok = inboundFromDiscord(other, "bot", "")
	assert.False(t, ok, "bot authors")

	empty := &discordgo.Message{Content: "   ", Author: &discordgo.User{ID: "42", Username: "alice"}}
	_, ok = inboundFromDiscord(empty, "bot", "")
	assert.False(t, ok, "blank content")

	_, ok = inboundFromDiscord(&discordgo.Message{Content: "x"}, "bot", "")
	assert.False(t, ok, "no author")
}

func TestInboundFromDiscord_DirectMessage(t *testing.T) {
	m := &discordgo.Message{
		ID:        "m2",
		ChannelID: "dm1",
		Content:   "remember my birthday",
		Author:    &discordgo.User{ID: "42", Username: "alice", Discriminator: "1234"},
	}
	msg, ok := inboundFromDiscord(m, "bot", "")
	require.True(t, ok)
	assert.Equal(t, "true", msg.Metadata["is_dm"])
	assert.Equal(t, "alice#1234", msg.Metadata["display_name"])
	assert.False(t, msg.ReceivedAt.IsZero())
}

func TestInputFromMessage(t *testing.T) {
	received := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)
	in := InputFromMessage(bus.InboundMessage{
		Channel:    "discord",
		Username:   "alice",
		ChatName:   "garden",
		Content:    "tomatoes are in",
		Metadata:   map[string]string{"message_id": "m1"},
		ReceivedAt: received,
	})
	assert.Equal(t, "tomatoes are in", in.Content)
	assert.Equal(t, "#garden", in.Context)
	assert.Equal(t, []string{"alice"}, in.InvolvedUsers)
	assert.Equal(t, "discord", in.Platform)
	assert.Equal(t, "m1", in.Metadata["message_id"])
	assert.Equal(t, "2024-03-10T12:00:00Z", in.Metadata["received_at"])

	dm := InputFromMessage(bus.InboundMessage{Channel: "discord", Content: "hi"})
	assert.Equal(t, "direct message", dm.Context)
	assert.Nil(t, dm.InvolvedUsers)
}

func TestRecorder_RunRecordsUntilClosed(t *testing.T) {
	mb := bus.NewMessageBus()
	w := &fakeWriter{}
	r := NewRecorder(mb, w)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	mb.PublishInbound(bus.InboundMessage{Channel: "discord", Username: "alice", Content: "one"})
	mb.PublishInbound(bus.InboundMessage{Channel: "discord", Username: "bob", Content: "two"})
	mb.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop after bus close")
	}
	got := w.recorded()
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Content)
	assert.Equal(t, "two", got[1].Content)
	assert.Equal(t, uint64(2), r.Recorded())
}

func TestRecorder_CountsFailures(t *testing.T) {
	mb := bus.NewMessageBus()
	r := NewRecorder(mb, &fakeWriter{fail: true})
	r.record(bus.InboundMessage{Channel: "discord", Content: "lost"})
	assert.Equal(t, uint64(1), r.Failed())
	assert.Equal(t, uint64(0), r.Recorded())
}

func TestManager_StartStopDrainsQueue(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	w := &fakeWriter{}
	m := newManager(mb, w)
	ch := &fakeChannel{BaseChannel: NewBaseChannel("fake", mb, nil)}
	m.RegisterChannel("fake", ch)

	ctx := context.Background()
	require.NoError(t, m.StartAll(ctx))
	assert.True(t, ch.IsRunning())
	assert.Equal(t, map[string]any{"fake": map[string]any{"enabled": true, "running": true}}, m.GetStatus())

	for i := 0; i < 5; i++ {
		require.True(t, ch.HandleMessage(bus.InboundMessage{Username: "alice", Content: "hello"}))
	}
	require.NoError(t, m.StopAll(ctx))

	assert.True(t, ch.stopped)
	assert.Len(t, w.recorded(), 5)
	assert.Equal(t, 0, mb.Pending())
}

func TestManager_StartFailureStopsStartedChannels(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	m := newManager(mb, &fakeWriter{})
	good := &fakeChannel{BaseChannel: NewBaseChannel("good", mb, nil)}
	bad := &fakeChannel{BaseChannel: NewBaseChannel("bad", mb, nil), startErr: errors.New("no gateway")}
	m.RegisterChannel("good", good)
	m.RegisterChannel("bad", bad)

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: no gateway")
	assert.False(t, good.IsRunning())
}

func TestNewManager_DiscordRequiresToken(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels.Discord.Enabled = true
	_, err := NewManager(cfg, bus.NewMessageBus(), &fakeWriter{})
	require.Error(t, err)

	cfg.Channels.Discord.Enabled = false
	m, err := NewManager(cfg, bus.NewMessageBus(), &fakeWriter{})
	require.NoError(t, err)
	assert.Empty(t, m.GetEnabledChannels())
}

func TestNewManager_DiscordEnabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels.Discord.Enabled = true
	cfg.Channels.Discord.Token = "test-token"
	cfg.Channels.Discord.AllowFrom = config.FlexibleStringSlice{"alice"}

	m, err := NewManager(cfg, bus.NewMessageBus(), &fakeWriter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"discord"}, m.GetEnabledChannels())
	ch, ok := m.GetChannel("discord")
	require.True(t, ok)
	assert.True(t, ch.IsAllowed("42|alice"))
	assert.False(t, ch.IsRunning())
}
