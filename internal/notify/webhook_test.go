package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tos-network/pool-portal/internal/config"
)

func testBlock() Block {
	return Block{
		Coin:   "litecoin",
		Symbol: "LTC",
		Height: 12345,
		Hash:   "1234567890abcdef1234567890abcdef12345678901234567890abcdef123456",
		Worker: "LbcdefghijklmnopqrstuvwxyzABCDEF12.rig1",
		Reward: 6.25,
	}
}

func testNotifier(cfg *config.NotifyConfig) *Notifier {
	n := NewNotifier(cfg, "Test Pool")
	n.retryDelay = time.Millisecond
	n.rateDelay = time.Millisecond
	return n
}

func TestTruncateAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"short", "short"},
		{"exactly16chars!", "exactly16chars!"},
		{"Labcdefghijklmnopqrstuvwxyz", "Labcdefg...uvwxyz"},
	}

	for _, tt := range tests {
		if got := truncateAddress(tt.input); got != tt.expected {
			t.Errorf("truncateAddress(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestTruncateHash(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"shorthash", "shorthash"},
		{"exactly20characters!", "exactly20characters!"},
		{"abcdefghijklmnopqrstuvwxyz1234567890", "abcdefghij...34567890"},
	}

	for _, tt := range tests {
		if got := truncateHash(tt.input); got != tt.expected {
			t.Errorf("truncateHash(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestNotifyDisabled(t *testing.T) {
	var called int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
	}))
	defer server.Close()

	tests := []struct {
		name string
		cfg  *config.NotifyConfig
	}{
		{"disabled", &config.NotifyConfig{Enabled: false, DiscordURL: server.URL, NotifyOnBlock: true, NotifyOnOrphan: true}},
		{"block events off", &config.NotifyConfig{Enabled: true, DiscordURL: server.URL}},
		{"nil config", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := testNotifier(tt.cfg)
			n.NotifyBlockFound(testBlock())
			n.NotifyOrphanBlock(testBlock())
			n.Wait()
		})
	}

	var nilNotifier *Notifier
	nilNotifier.NotifyBlockFound(testBlock())
	nilNotifier.Wait()

	if atomic.LoadInt32(&called) != 0 {
		t.Errorf("calls = %d, want 0", called)
	}
}

func TestDiscordBlockFound(t *testing.T) {
	var mu sync.Mutex
	var received DiscordMessage
	var callCount int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&callCount, 1)
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := testNotifier(&config.NotifyConfig{
		Enabled:       true,
		DiscordURL:    server.URL,
		PoolURL:       "https://pool.example.com",
		NotifyOnBlock: true,
	})
	n.NotifyBlockFound(testBlock())
	n.Wait()

	if atomic.LoadInt32(&callCount) != 1 {
		t.Errorf("calls = %d, want 1", callCount)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received.Embeds) == 0 {
		t.Fatal("no embeds received")
	}
	embed := received.Embeds[0]
	if embed.Title != "Block Found!" {
		t.Errorf("title = %s, want Block Found!", embed.Title)
	}
	if embed.Color != 0x00FF00 {
		t.Errorf("color = %d, want green", embed.Color)
	}
	if embed.URL != "https://pool.example.com" {
		t.Errorf("url = %s", embed.URL)
	}
	if embed.Fields[1].Value != "6.2500 LTC" {
		t.Errorf("reward = %s, want 6.2500 LTC", embed.Fields[1].Value)
	}
}

func TestDiscordOrphan(t *testing.T) {
	var mu sync.Mutex
	var received DiscordMessage

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&received)
	}))
	defer server.Close()

	n := testNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL, NotifyOnOrphan: true})
	b := testBlock()
	b.Symbol = ""
	n.NotifyOrphanBlock(b)
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(received.Embeds) == 0 {
		t.Fatal("no embeds received")
	}
	if received.Embeds[0].Title != "Block Orphaned" || received.Embeds[0].Color != 0xFF0000 {
		t.Errorf("embed = %+v", received.Embeds[0])
	}
	if !strings.HasSuffix(received.Embeds[0].Fields[1].Value, "LITECOIN") {
		t.Errorf("reward = %s, want coin name as symbol", received.Embeds[0].Fields[1].Value)
	}
}

func TestTelegram(t *testing.T) {
	var mu sync.Mutex
	var received TelegramMessage
	var path string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&received)
	}))
	defer server.Close()

	n := testNotifier(&config.NotifyConfig{
		Enabled:          true,
		TelegramBotToken: "token123",
		TelegramChatID:   "-100",
		NotifyOnBlock:    true,
	})
	n.telegramBase = server.URL
	n.NotifyBlockFound(testBlock())
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	if path != "/bottoken123/sendMessage" {
		t.Errorf("path = %s", path)
	}
	if received.ChatID != "-100" || received.ParseMode != "Markdown" {
		t.Errorf("message = %+v", received)
	}
	if !strings.Contains(received.Text, "Height: `12345`") {
		t.Errorf("text = %q", received.Text)
	}
}

func TestRetryOnFailure(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{"server error", http.StatusInternalServerError, 2},
		{"rate limited", http.StatusTooManyRequests, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var callCount int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if atomic.AddInt32(&callCount, 1) < 2 {
					w.WriteHeader(tt.status)
					return
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			n := testNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL, NotifyOnBlock: true})
			n.NotifyBlockFound(testBlock())
			n.Wait()

			if got := atomic.LoadInt32(&callCount); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	var callCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&callCount, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	n := testNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL, NotifyOnBlock: true})
	n.NotifyBlockFound(testBlock())
	n.Wait()

	if got := atomic.LoadInt32(&callCount); got != MaxRetries {
		t.Errorf("calls = %d, want %d", got, MaxRetries)
	}
}
