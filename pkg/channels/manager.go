package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotmem/pkg/bus"
	"github.com/dotsetgreg/dotmem/pkg/config"
	"github.com/dotsetgreg/dotmem/pkg/logger"
)

// Manager owns the enabled channels and the recorder that feeds their
// messages into memory.
type Manager struct {
	channels     map[string]Channel
	bus          *bus.MessageBus
	recorder     *Recorder
	recorderTask *asyncTask
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg *config.Config, messageBus *bus.MessageBus, writer MemoryWriter) (*Manager, error) {
	m := newManager(messageBus, writer)
	if err := m.initChannels(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

func newManager(messageBus *bus.MessageBus, writer MemoryWriter) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      messageBus,
		recorder: NewRecorder(messageBus, writer),
	}
}

func (m *Manager) initChannels(cfg *config.Config) error {
	logger.InfoC("channels", "Initializing channel manager")

	discordCfg := cfg.Channels.Discord
	if discordCfg.Enabled {
		if strings.TrimSpace(discordCfg.Token) == "" {
			return fmt.Errorf("channels.discord.token is required")
		}
		logger.DebugC("channels", "Attempting to initialize Discord channel")
		discord, err := NewDiscordChannel(discordCfg, m.bus)
		if err != nil {
			return fmt.Errorf("initialize Discord channel: %w", err)
		}
		m.channels[discord.Name()] = discord
		logger.InfoC("channels", "Discord channel initialized successfully")
	}

	logger.InfoCF("channels", "Channel initialization completed", map[string]any{
		"enabled_channels": len(m.channels),
	})
	return nil
}

// StartAll starts every channel and the recorder. If any channel fails the
// ones already started are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	channelsCopy := make(map[string]Channel, len(m.channels))
	for name, channel := range m.channels {
		channelsCopy[name] = channel
	}
	m.mu.RUnlock()

	if len(channelsCopy) == 0 {
		logger.WarnC("channels", "No channels enabled")
	}

	var started []string
	var startErrors []string
	for name, channel := range channelsCopy {
		logger.InfoCF("channels", "Starting channel", map[string]any{"channel": name})
		if err := channel.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
			startErrors = append(startErrors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		started = append(started, name)
	}

	if len(startErrors) > 0 {
		for _, name := range started {
			if err := channelsCopy[name].Stop(ctx); err != nil {
				logger.WarnCF("channels", "Failed to stop partially-started channel", map[string]any{
					"channel": name,
					"error":   err.Error(),
				})
			}
		}
		sort.Strings(startErrors)
		return fmt.Errorf("failed to start channels: %s", strings.Join(startErrors, "; "))
	}

	recordCtx, cancel := context.WithCancel(ctx)
	task := &asyncTask{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	previous := m.recorderTask
	m.recorderTask = task
	m.mu.Unlock()
	if previous != nil {
		previous.stop()
	}

	go func() {
		defer close(task.done)
		m.recorder.Run(recordCtx)
	}()

	logger.InfoCF("channels", "All channels started", map[string]any{
		"count": len(started),
	})
	return nil
}

// StopAll stops the channels first, then lets the recorder drain what is
// already queued before returning.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	task := m.recorderTask
	m.recorderTask = nil
	channelsCopy := make(map[string]Channel, len(m.channels))
	for name, channel := range m.channels {
		channelsCopy[name] = channel
	}
	m.mu.Unlock()

	logger.InfoC("channels", "Stopping all channels")

	for name, channel := range channelsCopy {
		if !channel.IsRunning() {
			continue
		}
		logger.InfoCF("channels", "Stopping channel", map[string]any{
			"channel": name,
		})
		if err := channel.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}

	if task != nil {
		task.stop()
	}
	m.drain()

	logger.InfoCF("channels", "All channels stopped", map[string]any{
		"recorded": m.recorder.Recorded(),
		"failed":   m.recorder.Failed(),
		"dropped":  m.bus.DroppedInbound(),
	})
	return nil
}

func (m *Manager) drain() {
	for {
		msg, ok := m.bus.TryConsumeInbound()
		if !ok {
			return
		}
		m.recorder.record(msg)
	}
}

func (t *asyncTask) stop() {
	t.cancel()
	<-t.done
}

func (m *Manager) Recorder() *Recorder {
	return m.recorder
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

func (m *Manager) GetStatus() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]any)
	for name, channel := range m.channels {
		status[name] = map[string]any{
			"enabled": true,
			"running": channel.IsRunning(),
		}
	}
	return status
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}
