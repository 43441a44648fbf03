package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
	"github.com/ZamarianPatrick/lazypig-plantcare/observability"
)

type TelegramConfig struct {
	Token      string
	RatePerSec int
	QueueSize  int
	// Chats maps a user id to the chat receiving that user's events.
	Chats map[uint64]int64
}

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type telegramJob struct {
	chat int64
	text string
}

// Telegram pushes events to users that have a chat configured. Messages go
// through a bounded queue drained by one worker at a limited rate; when the
// queue is full the message is dropped.
type Telegram struct {
	log     logx.Logger
	metrics *observability.Metrics
	bot     sender
	limiter *rate.Limiter
	queue   chan telegramJob

	mu    sync.RWMutex
	chats map[uint64]int64

	once sync.Once
	done chan struct{}
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return newTelegram(cfg, bot, log), nil
}

func newTelegram(cfg TelegramConfig, bot sender, log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	t := &Telegram{
		log:     log,
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan telegramJob, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	t.SetChats(cfg.Chats)
	return t
}

// WithMetrics counts dropped messages on m.
func (t *Telegram) WithMetrics(m *observability.Metrics) *Telegram {
	t.metrics = m
	return t
}

func (t *Telegram) SetChats(chats map[uint64]int64) {
	cp := make(map[uint64]int64, len(chats))
	for k, v := range chats {
		cp[k] = v
	}
	t.mu.Lock()
	t.chats = cp
	t.mu.Unlock()
}

func (t *Telegram) Publish(userID uint64, event Event, payload any) {
	t.mu.RLock()
	chat, ok := t.chats[userID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	text := FormatText(event, payload)
	if text == "" {
		return
	}
	select {
	case t.queue <- telegramJob{chat: chat, text: text}:
	default:
		t.metrics.Dropped(context.Background(), "telegram")
		t.log.Debug("telegram queue full, message dropped", logx.Uint64("user", userID), logx.String("event", string(event)))
	}
}

// Run sends queued messages until ctx is done.
func (t *Telegram) Run(ctx context.Context) {
	defer t.once.Do(func() { close(t.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-t.queue:
			if err := t.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := t.bot.Send(tele.ChatID(job.chat), job.text); err != nil {
				t.log.Warn("telegram send failed", logx.Any("chat", job.chat), logx.Err(err))
			}
		}
	}
}

// Done is closed once Run returned.
func (t *Telegram) Done() <-chan struct{} { return t.done }

// FormatText renders an event as a short chat message.
func FormatText(event Event, payload any) string {
	switch p := payload.(type) {
	case PlantNeedsWater:
		return fmt.Sprintf("%s (%s) needs water, last watered %dh ago.", p.PlantName, p.PlantType, p.HoursSinceWatering)
	case ScheduleWateringCompleted:
		return fmt.Sprintf("%s was watered by its schedule for %ds.", p.PlantName, p.Duration)
	case WateringStarted:
		return fmt.Sprintf("Watering of %s started.", p.PlantName)
	case WateringStopped:
		return fmt.Sprintf("Watering of %s stopped after %ds, soil moisture now %d%%.", p.PlantName, p.Duration, p.MoistureAfter)
	default:
		return ""
	}
}
