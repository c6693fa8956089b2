// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package telegram posts and edits channel messages over the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"go.astrophena.name/statusrelay/internal/logger"
	"go.astrophena.name/statusrelay/internal/request"
)

const (
	// DefaultAPIURL is the Bot API endpoint.
	DefaultAPIURL  = "https://api.telegram.org"
	sendRetryLimit = 5 // N attempts to retry a rate limited call
)

// Config configures a Telegram channel.
type Config struct {
	Token  string
	ChatID string
	// APIURL overrides DefaultAPIURL.
	APIURL     string
	HTTPClient *http.Client
	// Limiter paces outgoing calls. If nil, one call per second is allowed.
	Limiter *rate.Limiter
}

// Channel sends messages to one Telegram chat.
type Channel struct {
	chatID   string
	token    string
	apiURL   string
	httpc    *http.Client
	limiter  *rate.Limiter
	scrubber *strings.Replacer

	makeRequest func(ctx context.Context, method string, args any) (json.RawMessage, error)
	sleep       func(context.Context, time.Duration) bool
}

// New returns a Channel for cfg.
func New(cfg Config) *Channel {
	c := &Channel{
		chatID:   cfg.ChatID,
		token:    cfg.Token,
		apiURL:   strings.TrimSuffix(cfg.APIURL, "/"),
		httpc:    cfg.HTTPClient,
		limiter:  cfg.Limiter,
		scrubber: strings.NewReplacer(),
	}
	if cfg.Token != "" {
		c.scrubber = strings.NewReplacer(cfg.Token, "[EXPUNGED]")
	}
	if c.apiURL == "" {
		c.apiURL = DefaultAPIURL
	}
	if c.httpc == nil {
		c.httpc = request.DefaultClient
	}
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	c.makeRequest = c.makeTelegramRequest
	c.sleep = sleep
	return c
}

// Scrubber replaces the bot token in text.
func (c *Channel) Scrubber() *strings.Replacer { return c.scrubber }

type message struct {
	ChatID             string `json:"chat_id"`
	MessageID          int64  `json:"message_id,omitempty"`
	Text               string `json:"text"`
	ParseMode          string `json:"parse_mode"`
	LinkPreviewOptions struct {
		IsDisabled bool `json:"is_disabled"`
	} `json:"link_preview_options"`
}

func (c *Channel) newMessage(text string) *message {
	msg := &message{ChatID: c.chatID, Text: text, ParseMode: "Markdown"}
	msg.LinkPreviewOptions.IsDisabled = true
	return msg
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
}

// Post sends text as a new message and returns its message id.
func (c *Channel) Post(ctx context.Context, text string) (string, error) {
	raw, err := c.call(ctx, "sendMessage", c.newMessage(text))
	if err != nil {
		return "", err
	}
	var sent sentMessage
	if err := json.Unmarshal(raw, &sent); err != nil {
		return "", fmt.Errorf("telegram: decoding sendMessage result: %w", err)
	}
	if sent.MessageID == 0 {
		return "", errors.New("telegram: sendMessage returned no message id")
	}
	return strconv.FormatInt(sent.MessageID, 10), nil
}

// Update replaces the text of the message identified by handle. Editing a
// message to the text it already has succeeds.
func (c *Channel) Update(ctx context.Context, handle, text string) (string, error) {
	id, err := strconv.ParseInt(handle, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: invalid message handle %q: %w", handle, err)
	}
	msg := c.newMessage(text)
	msg.MessageID = id

	if _, err := c.call(ctx, "editMessageText", msg); err != nil {
		if isNotModified(err) {
			logger.Get(ctx).Debug("message not modified", "message_id", handle)
			return handle, nil
		}
		return "", err
	}
	return handle, nil
}

// Identity describes the bot and the chat it posts to.
type Identity struct {
	BotUsername string
	ChatTitle   string
	ChatType    string
}

// Check verifies the token (getMe) and that the bot can see the chat
// (getChat). It sends nothing.
func (c *Channel) Check(ctx context.Context) (*Identity, error) {
	raw, err := c.call(ctx, "getMe", struct{}{})
	if err != nil {
		return nil, fmt.Errorf("checking bot token: %w", err)
	}
	var me struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(raw, &me); err != nil {
		return nil, err
	}

	raw, err = c.call(ctx, "getChat", map[string]string{"chat_id": c.chatID})
	if err != nil {
		return nil, fmt.Errorf("checking chat %s: %w", c.chatID, err)
	}
	var chat struct {
		Title    string `json:"title"`
		Username string `json:"username"`
		Type     string `json:"type"`
	}
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, err
	}
	title := chat.Title
	if title == "" {
		title = chat.Username
	}
	return &Identity{BotUsername: me.Username, ChatTitle: title, ChatType: chat.Type}, nil
}

// call makes one Bot API call, waiting for the limiter and retrying while
// Telegram answers 429.
func (c *Channel) call(ctx context.Context, method string, args any) (json.RawMessage, error) {
	var (
		raw json.RawMessage
		err error
	)
	for attempt := range sendRetryLimit {
		if werr := c.limiter.Wait(ctx); werr != nil {
			return nil, werr
		}
		raw, err = c.makeRequest(ctx, method, args)
		if err == nil {
			return raw, nil
		}

		retryable, wait := isRateLimited(err)
		if !retryable || attempt == sendRetryLimit-1 {
			break
		}

		logger.Get(ctx).Warn("telegram rate limited, waiting", "method", method, "wait", wait)
		if !c.sleep(ctx, wait) {
			return nil, ctx.Err()
		}
	}
	return nil, err
}

type response struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (c *Channel) makeTelegramRequest(ctx context.Context, method string, args any) (json.RawMessage, error) {
	resp, err := request.Make[response](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        c.apiURL + "/bot" + c.token + "/" + method,
		Body:       args,
		HTTPClient: c.httpc,
		Scrubber:   c.scrubber,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, resp.Description)
	}
	return resp.Result, nil
}

func isNotModified(err error) bool {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		return false
	}
	var body struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(statusErr.Body, &body); err != nil {
		return false
	}
	return strings.Contains(body.Description, "message is not modified")
}

func isRateLimited(err error) (bool, time.Duration) {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		return false, 0
	}

	var errorResponse struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(statusErr.Body, &errorResponse); err != nil {
		return false, 0
	}

	return true, time.Duration(errorResponse.Parameters.RetryAfter) * time.Second
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
