package alert

import (
	"context"
	"sync"
	"time"

	"funding_keeper/internal/core"
)

// Level grades an alert. Delivery is gated by the manager's minimum
// level; ordering is Info < Warning < Error < Critical.
type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

var levelRank = map[Level]int{
	Info:     0,
	Warning:  1,
	Error:    2,
	Critical: 3,
}

// sendTimeout bounds the delivery of one alert to one channel.
const sendTimeout = 10 * time.Second

// Payload is one alert as delivered to every channel.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers alerts to one destination (Slack webhook, Telegram
// bot). Send must honor ctx and is called concurrently.
type Channel interface {
	Send(ctx context.Context, p Payload) error
	Name() string
}

// Manager fans alerts out to all registered channels. Delivery is
// asynchronous: the trading path never waits on a webhook. Failures are
// logged and dropped.
type Manager struct {
	logger   core.ILogger
	minLevel Level

	mu       sync.RWMutex
	channels []Channel

	inflight sync.WaitGroup
}

// NewManager builds a manager that delivers alerts at or above minLevel.
// An unknown minLevel falls back to Warning.
func NewManager(logger core.ILogger, minLevel Level) *Manager {
	if _, ok := levelRank[minLevel]; !ok {
		minLevel = Warning
	}
	return &Manager{
		logger:   logger.WithField("component", "alerts"),
		minLevel: minLevel,
	}
}

// AddChannel registers a delivery channel.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Alert channel registered", "channel", ch.Name())
}

// Channels reports the number of registered channels.
func (m *Manager) Channels() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// Notify delivers one alert to every channel in parallel. Each channel
// gets its own timeout detached from the caller's ctx so shutdown does
// not swallow final alerts.
func (m *Manager) Notify(ctx context.Context, level Level, title, message string, fields map[string]string) {
	if levelRank[level] < levelRank[m.minLevel] {
		return
	}
	p := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		m.inflight.Add(1)
		go func(c Channel) {
			defer m.inflight.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			defer cancel()
			if err := c.Send(sendCtx, p); err != nil {
				m.logger.Error("Alert delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// Flush blocks until all in-flight deliveries complete. Called once on
// shutdown.
func (m *Manager) Flush() {
	m.inflight.Wait()
}
