package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/valeevte/PriceTracker/internal/products"
)

// Channel delivers a message to one notification service.
type Channel interface {
	Name() string
	Configured(s *products.ChannelSettings) bool
	Send(ctx context.Context, s *products.ChannelSettings, m Message) error
}

// DefaultChannels returns the four supported channels talking to the
// public APIs.
func DefaultChannels(client *http.Client) []Channel {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return []Channel{
		NewTelegram(client, ""),
		&Discord{Client: client},
		&Pushover{Client: client},
		&Ntfy{Client: client},
	}
}

// Telegram sends HTML messages through the Bot API. One BotAPI is kept per
// token.
type Telegram struct {
	client   *http.Client
	endpoint string

	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI
}

// NewTelegram creates the channel. endpoint uses the tgbotapi.APIEndpoint
// format and defaults to it. A client without a Timeout gets the default
// dispatch timeout.
func NewTelegram(client *http.Client, endpoint string) *Telegram {
	if client == nil {
		client = &http.Client{}
	}
	if client.Timeout <= 0 {
		c := *client
		c.Timeout = defaultTimeout
		client = &c
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return &Telegram{client: client, endpoint: endpoint, bots: make(map[string]*tgbotapi.BotAPI)}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Configured(s *products.ChannelSettings) bool {
	return s.Telegram.Enabled && s.Telegram.BotToken != "" && s.Telegram.ChatID != ""
}

// bot avoids tgbotapi.NewBotAPI, which calls getMe on every construction.
func (t *Telegram) bot(token string) *tgbotapi.BotAPI {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.bots[token]; ok {
		return b
	}
	b := &tgbotapi.BotAPI{Token: token, Client: t.client, Buffer: 100}
	b.SetAPIEndpoint(t.endpoint)
	t.bots[token] = b
	return b
}

func (t *Telegram) Send(ctx context.Context, s *products.ChannelSettings, m Message) error {
	var msg tgbotapi.MessageConfig
	if id, err := strconv.ParseInt(s.Telegram.ChatID, 10, 64); err == nil {
		msg = tgbotapi.NewMessage(id, m.HTML())
	} else {
		msg = tgbotapi.NewMessageToChannel(s.Telegram.ChatID, m.HTML())
	}
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	// tgbotapi takes no context; a send abandoned on ctx expiry keeps running
	// until the client's Timeout.
	bot := t.bot(s.Telegram.BotToken)
	done := make(chan error, 1)
	go func() {
		_, err := bot.Send(msg)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Discord posts to a channel webhook.
type Discord struct {
	Client *http.Client
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Configured(s *products.ChannelSettings) bool {
	return s.Discord.Enabled && s.Discord.WebhookURL != ""
}

func (d *Discord) Send(ctx context.Context, s *products.ChannelSettings, m Message) error {
	body, err := json.Marshal(map[string]string{"content": m.Text()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Discord.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(d.Client, req)
}

const pushoverAPI = "https://api.pushover.net/1/messages.json"

// Pushover uses the messages API with an application token and user key.
type Pushover struct {
	Client *http.Client
	// Endpoint overrides the public API URL.
	Endpoint string
}

func (p *Pushover) Name() string { return "pushover" }

func (p *Pushover) Configured(s *products.ChannelSettings) bool {
	return s.Pushover.Enabled && s.Pushover.AppToken != "" && s.Pushover.UserKey != ""
}

func (p *Pushover) Send(ctx context.Context, s *products.ChannelSettings, m Message) error {
	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = pushoverAPI
	}
	form := url.Values{
		"token":   {s.Pushover.AppToken},
		"user":    {s.Pushover.UserKey},
		"title":   {m.Title},
		"message": {m.Body},
	}
	if m.URL != "" {
		form.Set("url", m.URL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return do(p.Client, req)
}

const ntfyServer = "https://ntfy.sh"

// Ntfy publishes to a topic on an ntfy server.
type Ntfy struct {
	Client *http.Client
}

func (n *Ntfy) Name() string { return "ntfy" }

func (n *Ntfy) Configured(s *products.ChannelSettings) bool {
	return s.Ntfy.Enabled && s.Ntfy.Topic != ""
}

func (n *Ntfy) Send(ctx context.Context, s *products.ChannelSettings, m Message) error {
	server := strings.TrimRight(s.Ntfy.ServerURL, "/")
	if server == "" {
		server = ntfyServer
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/"+url.PathEscape(s.Ntfy.Topic), strings.NewReader(m.Body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Title", m.Title)
	req.Header.Set("Tags", string(m.Type))
	if m.URL != "" {
		req.Header.Set("Click", m.URL)
	}
	if s.Ntfy.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.Ntfy.AccessToken)
	}
	return do(n.Client, req)
}

func do(client *http.Client, req *http.Request) error {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
