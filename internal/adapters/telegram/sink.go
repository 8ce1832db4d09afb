// Package telegram delivers operator alerts and accepts operator commands
// over the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"tradegate/internal/killswitch"
	"tradegate/internal/ports"
)

const apiBase = "https://api.telegram.org"

// Sink sends alerts to a fixed set of admin chats. When unconfigured it logs
// and drops, so dry runs work without a bot token.
type Sink struct {
	http     *resty.Client
	token    string
	adminIDs []int64
	logger   ports.Logger
}

// NewSink creates the alert sink. An empty token yields a no-op sink.
func NewSink(token string, adminIDs []int64, logger ports.Logger) *Sink {
	client := resty.New()
	client.SetBaseURL(apiBase)
	client.SetTimeout(10 * time.Second)
	return &Sink{http: client, token: token, adminIDs: adminIDs, logger: logger}
}

// Push sends an informational alert to every admin chat.
func (s *Sink) Push(ctx context.Context, msg string) error {
	return s.send(ctx, msg, false)
}

// PushUrgent sends a high-priority alert. Delivery failures are logged and
// returned but never block the caller's control flow.
func (s *Sink) PushUrgent(ctx context.Context, msg string) error {
	return s.send(ctx, "⚠ URGENT: "+msg, true)
}

func (s *Sink) send(ctx context.Context, msg string, urgent bool) error {
	if s.token == "" || len(s.adminIDs) == 0 {
		s.logger.Warn(ctx, "Telegram not configured, dropping alert", map[string]interface{}{
			"urgent": urgent,
		})
		return nil
	}

	var firstErr error
	for _, chatID := range s.adminIDs {
		resp, err := s.http.R().
			SetContext(ctx).
			SetBody(map[string]interface{}{
				"chat_id": chatID,
				"text":    msg,
			}).
			Post("/bot" + s.token + "/sendMessage")
		if err == nil && resp.StatusCode() >= 400 {
			err = fmt.Errorf("telegram sendMessage returned %d", resp.StatusCode())
		}
		if err != nil {
			s.logger.Error(ctx, err, "Failed to send Telegram alert", map[string]interface{}{
				"chat_id": chatID,
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StatusFunc renders the current operational summary for /status replies.
type StatusFunc func() string

// CommandPoller long-polls getUpdates for operator commands. Only messages
// from admin chats are honored.
type CommandPoller struct {
	sink   *Sink
	ks     *killswitch.Switch
	status StatusFunc
	logger ports.Logger
	offset int64
}

// NewCommandPoller creates the operator command loop.
func NewCommandPoller(sink *Sink, ks *killswitch.Switch, status StatusFunc, logger ports.Logger) *CommandPoller {
	return &CommandPoller{sink: sink, ks: ks, status: status, logger: logger}
}

// Run polls until the context is cancelled. Transient API failures back off
// and continue; command handling must survive network blips.
func (p *CommandPoller) Run(ctx context.Context) {
	op := "telegram.CommandPoller.Run"
	if p.sink.token == "" || len(p.sink.adminIDs) == 0 {
		p.logger.Info(ctx, "Telegram not configured, operator commands disabled", map[string]interface{}{"op": op})
		return
	}
	p.logger.Info(ctx, "Operator command poller started", map[string]interface{}{"op": op})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := p.poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn(ctx, "Telegram poll failed, retrying", map[string]interface{}{
				"op": op, "error": err.Error(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			Username string `json:"username"`
		} `json:"from"`
	} `json:"message"`
}

func (p *CommandPoller) poll(ctx context.Context) error {
	resp, err := p.sink.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"offset":  strconv.FormatInt(p.offset, 10),
			"timeout": "25",
		}).
		Get("/bot" + p.sink.token + "/getUpdates")
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("telegram getUpdates returned %d", resp.StatusCode())
	}

	var payload struct {
		Result []update `json:"result"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return fmt.Errorf("decoding updates: %w", err)
	}

	for _, upd := range payload.Result {
		if upd.UpdateID >= p.offset {
			p.offset = upd.UpdateID + 1
		}
		if upd.Message == nil || !p.isAdmin(upd.Message.Chat.ID) {
			continue
		}
		p.handle(ctx, upd.Message.Chat.ID, upd.Message.Text, upd.Message.From.Username)
	}
	return nil
}

func (p *CommandPoller) isAdmin(chatID int64) bool {
	for _, id := range p.sink.adminIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

func (p *CommandPoller) handle(ctx context.Context, chatID int64, text, operator string) {
	op := "telegram.CommandPoller.handle"
	cmd := strings.Fields(strings.TrimSpace(text))
	if len(cmd) == 0 {
		return
	}

	switch cmd[0] {
	case "/stop":
		p.logger.Warn(ctx, "Operator issued stop command", map[string]interface{}{
			"op": op, "operator": operator,
		})
		p.ks.Trip(ctx, "operator:"+operator)
		p.reply(ctx, chatID, fmt.Sprintf("Kill switch tripped. State: %s", p.ks.State()))
	case "/status":
		p.reply(ctx, chatID, p.status())
	default:
		p.reply(ctx, chatID, "Commands: /stop /status")
	}
}

func (p *CommandPoller) reply(ctx context.Context, chatID int64, msg string) {
	_, err := p.sink.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"chat_id": chatID,
			"text":    msg,
		}).
		Post("/bot" + p.sink.token + "/sendMessage")
	if err != nil {
		p.logger.Error(ctx, err, "Failed to reply to operator command")
	}
}
