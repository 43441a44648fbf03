package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
	"github.com/ZamarianPatrick/lazypig-plantcare/observability"
)

func TestFanoutWithoutWindowDeliversEveryRepeat(t *testing.T) {
	rec := &Recorder{}
	f := NewFanout(0, rec, nil)

	for i := 0; i < 3; i++ {
		f.Publish(1, EventPlantNeedsWater, PlantNeedsWater{PlantID: 9})
	}
	assert.Len(t, rec.Of(EventPlantNeedsWater), 3)
}

func TestFanoutDedupWindow(t *testing.T) {
	rec := &Recorder{}
	f := NewFanout(time.Hour, rec)
	now := time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }

	f.Publish(1, EventPlantNeedsWater, PlantNeedsWater{PlantID: 9})
	f.Publish(1, EventPlantNeedsWater, PlantNeedsWater{PlantID: 9})
	// other user, other plant, other event: all distinct
	f.Publish(2, EventPlantNeedsWater, PlantNeedsWater{PlantID: 9})
	f.Publish(1, EventPlantNeedsWater, PlantNeedsWater{PlantID: 10})
	f.Publish(1, EventWateringStarted, WateringStarted{PlantID: 9})
	assert.Len(t, rec.Events(), 4)

	now = now.Add(time.Hour)
	f.Publish(1, EventPlantNeedsWater, PlantNeedsWater{PlantID: 9})
	assert.Len(t, rec.Events(), 5)

	f.Apply(0)
	f.Publish(1, EventPlantNeedsWater, PlantNeedsWater{PlantID: 9})
	f.Publish(1, EventPlantNeedsWater, PlantNeedsWater{PlantID: 9})
	assert.Len(t, rec.Events(), 7)
}

func TestHubRoutesByUser(t *testing.T) {
	h := NewHub(4, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, alice := h.Subscribe(ctx, 1)
	_, bob := h.Subscribe(ctx, 2)
	assert.Equal(t, 1, h.Clients(1))

	h.Publish(1, EventWateringStarted, WateringStarted{PlantID: 3, PlantName: "Basil"})

	select {
	case msg := <-alice:
		var env struct {
			Event Event           `json:"event"`
			Data  WateringStarted `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg, &env))
		assert.Equal(t, EventWateringStarted, env.Event)
		assert.Equal(t, "Basil", env.Data.PlantName)
	case <-time.After(time.Second):
		t.Fatal("alice got nothing")
	}

	select {
	case msg := <-bob:
		t.Fatalf("bob received %s", msg)
	default:
	}
}

func TestHubDropsForSlowClient(t *testing.T) {
	m, err := observability.NewMetrics()
	require.NoError(t, err)
	h := NewHub(1, logx.Nop()).WithMetrics(m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, ch := h.Subscribe(ctx, 1)

	h.Publish(1, EventPlantNeedsWater, PlantNeedsWater{PlantID: 1})
	h.Publish(1, EventPlantNeedsWater, PlantNeedsWater{PlantID: 2})

	assert.Equal(t, 1.0, m.Value("plantcare_notifications_dropped", "sink", "hub"))
	assert.Len(t, ch, 1)
}

func TestHubLeaveClosesChannel(t *testing.T) {
	h := NewHub(1, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	_, ch := h.Subscribe(ctx, 5)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	assert.Eventually(t, func() bool { return h.Clients(5) == 0 }, time.Second, 10*time.Millisecond)
}

func TestHubServeWS(t *testing.T) {
	h := NewHub(4, logx.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.ServeWS(w, r, 42)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Clients(42) == 1 }, time.Second, 10*time.Millisecond)

	h.Publish(42, EventWateringStopped, WateringStopped{PlantID: 1, PlantName: "Mint", Duration: 30, MoistureAfter: 70})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"watering-stopped","data":{"plantId":1,"plantName":"Mint","duration":30,"moistureAfter":70}}`, string(msg))

	conn.Close()
	assert.Eventually(t, func() bool { return h.Clients(42) == 0 }, 2*time.Second, 10*time.Millisecond)
}

type fakeBot struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (b *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sent == nil {
		b.sent = map[string][]string{}
	}
	b.sent[to.Recipient()] = append(b.sent[to.Recipient()], what.(string))
	return &tele.Message{}, nil
}

func (b *fakeBot) count(chat string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent[chat])
}

func TestTelegramSendsOnlyToMappedUsers(t *testing.T) {
	bot := &fakeBot{}
	tg := newTelegram(TelegramConfig{RatePerSec: 100, Chats: map[uint64]int64{7: 1001}}, bot, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go tg.Run(ctx)

	tg.Publish(7, EventPlantNeedsWater, PlantNeedsWater{PlantID: 1, PlantName: "Tomato", PlantType: "Tomato", HoursSinceWatering: 26})
	tg.Publish(8, EventPlantNeedsWater, PlantNeedsWater{PlantID: 2})

	require.Eventually(t, func() bool { return bot.count("1001") == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	<-tg.Done()

	bot.mu.Lock()
	defer bot.mu.Unlock()
	assert.Len(t, bot.sent, 1)
	assert.Contains(t, bot.sent["1001"][0], "26h")
}

func TestTelegramDropsWhenQueueFull(t *testing.T) {
	m, err := observability.NewMetrics()
	require.NoError(t, err)
	tg := newTelegram(TelegramConfig{QueueSize: 1, Chats: map[uint64]int64{1: 1}}, &fakeBot{}, logx.Nop()).WithMetrics(m)
	tg.Publish(1, EventWateringStarted, WateringStarted{PlantName: "a"})
	tg.Publish(1, EventWateringStarted, WateringStarted{PlantName: "b"})
	assert.Equal(t, 1.0, m.Value("plantcare_notifications_dropped", "sink", "telegram"))
	assert.Len(t, tg.queue, 1)
}

func TestFormatText(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		payload any
		want    string
	}{
		{"overdue", EventPlantNeedsWater, PlantNeedsWater{PlantName: "Basil", PlantType: "Basil", HoursSinceWatering: 30}, "Basil (Basil) needs water, last watered 30h ago."},
		{"schedule", EventScheduleWateringCompleted, ScheduleWateringCompleted{PlantName: "Basil", Duration: 1800}, "Basil was watered by its schedule for 1800s."},
		{"stopped", EventWateringStopped, WateringStopped{PlantName: "Basil", Duration: 30, MoistureAfter: 90}, "Watering of Basil stopped after 30s, soil moisture now 90%."},
		{"unknown payload", Event("x"), struct{}{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatText(tt.event, tt.payload))
		})
	}
}
