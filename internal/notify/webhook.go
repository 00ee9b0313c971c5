// Package notify provides notification services for pool events.
package notify

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/util"
)

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
	RateLimitDelay = 5 * time.Second
)

const telegramAPI = "https://api.telegram.org"

// Block is a block event worth announcing
type Block struct {
	Coin   string
	Symbol string
	Height int64
	Hash   string
	Worker string
	Reward float64
}

// Notifier handles sending notifications. A nil *Notifier sends nothing.
type Notifier struct {
	cfg      *config.NotifyConfig
	poolName string
	client   *http.Client

	telegramBase string
	retryDelay   time.Duration
	rateDelay    time.Duration

	wg sync.WaitGroup
}

// NewNotifier creates a new notifier
func NewNotifier(cfg *config.NotifyConfig, poolName string) *Notifier {
	return &Notifier{
		cfg:      cfg,
		poolName: poolName,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		telegramBase: telegramAPI,
		retryDelay:   RetryBaseDelay,
		rateDelay:    RateLimitDelay,
	}
}

func (n *Notifier) enabled() bool {
	return n != nil && n.cfg != nil && n.cfg.Enabled
}

func (n *Notifier) telegramEnabled() bool {
	return n.cfg.TelegramBotToken != "" && n.cfg.TelegramChatID != ""
}

// Wait blocks until all in-flight notifications are done
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

func (n *Notifier) async(f func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		f()
	}()
}

// NotifyBlockFound sends notifications when a block is found
func (n *Notifier) NotifyBlockFound(b Block) {
	if !n.enabled() || !n.cfg.NotifyOnBlock {
		return
	}
	if n.cfg.DiscordURL != "" {
		n.async(func() { n.sendDiscord(n.blockEmbed(b, "Block Found!", "found a new block!", 0x00FF00)) })
	}
	if n.telegramEnabled() {
		n.async(func() { n.sendTelegram(n.blockText(b, "Block Found!")) })
	}
}

// NotifyOrphanBlock sends notifications when a block is orphaned
func (n *Notifier) NotifyOrphanBlock(b Block) {
	if !n.enabled() || !n.cfg.NotifyOnOrphan {
		return
	}
	if n.cfg.DiscordURL != "" {
		n.async(func() { n.sendDiscord(n.blockEmbed(b, "Block Orphaned", "block was orphaned", 0xFF0000)) })
	}
	if n.telegramEnabled() {
		n.async(func() { n.sendTelegram(n.blockText(b, "Block Orphaned")) })
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func symbolOf(b Block) string {
	if b.Symbol != "" {
		return b.Symbol
	}
	return strings.ToUpper(b.Coin)
}

func (n *Notifier) blockEmbed(b Block, title, action string, color int) DiscordMessage {
	embed := DiscordEmbed{
		Title:       title,
		Description: fmt.Sprintf("**%s** %s %s", n.poolName, b.Coin, action),
		Color:       color,
		Fields: []DiscordField{
			{Name: "Height", Value: fmt.Sprintf("%d", b.Height), Inline: true},
			{Name: "Reward", Value: fmt.Sprintf("%.4f %s", b.Reward, symbolOf(b)), Inline: true},
			{Name: "Finder", Value: truncateAddress(b.Worker), Inline: true},
			{Name: "Hash", Value: truncateHash(b.Hash), Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &DiscordFooter{Text: n.poolName},
	}
	if n.cfg.PoolURL != "" {
		embed.URL = n.cfg.PoolURL
	}
	return DiscordMessage{Embeds: []DiscordEmbed{embed}}
}

func (n *Notifier) blockText(b Block, title string) string {
	return fmt.Sprintf(
		"*%s* (%s)\n\n"+
			"Height: `%d`\n"+
			"Reward: `%.4f %s`\n"+
			"Finder: `%s`\n"+
			"Hash: `%s`",
		title, b.Coin, b.Height, b.Reward, symbolOf(b),
		truncateAddress(b.Worker), truncateHash(b.Hash),
	)
}

func (n *Notifier) sendDiscord(msg DiscordMessage) {
	if err := n.postWithRetry(n.cfg.DiscordURL, msg); err != nil {
		util.Warnf("Failed to send Discord notification after %d retries: %v", MaxRetries, err)
	}
}

func (n *Notifier) sendTelegram(text string) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramBase, n.cfg.TelegramBotToken)
	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChatID,
		Text:      text,
		ParseMode: "Markdown",
	}
	if err := n.postWithRetry(url, msg); err != nil {
		util.Warnf("Failed to send Telegram notification after %d retries: %v", MaxRetries, err)
	}
}

// postWithRetry posts v as JSON with exponential backoff
func (n *Notifier) postWithRetry(url string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(n.retryDelay * time.Duration(1<<uint(attempt-1)))
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return nil
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			time.Sleep(n.rateDelay)
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}
	return lastErr
}

// truncateAddress returns a shortened address for display
func truncateAddress(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-6:]
}

// truncateHash returns a shortened hash for display
func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
