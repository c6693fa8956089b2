// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package slack posts and edits channel messages over the Slack Web API.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"go.astrophena.name/statusrelay/internal/logger"
	"go.astrophena.name/statusrelay/internal/request"
)

const sendRetryLimit = 5 // N attempts to retry a rate limited call

// Config configures a Slack channel.
type Config struct {
	Token     string
	ChannelID string
	// APIURL overrides the Web API endpoint, for tests.
	APIURL     string
	HTTPClient *http.Client
	// Limiter paces outgoing calls. If nil, one call per second is allowed,
	// matching chat.postMessage's documented limit.
	Limiter *rate.Limiter
}

// Channel sends messages to one Slack conversation.
type Channel struct {
	api       *slack.Client
	channelID string
	limiter   *rate.Limiter
	sleep     func(context.Context, time.Duration) bool
}

// New returns a Channel for cfg.
func New(cfg Config) *Channel {
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = request.DefaultClient
	}
	opts := []slack.Option{slack.OptionHTTPClient(httpc)}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimSuffix(cfg.APIURL, "/")+"/"))
	}
	c := &Channel{
		api:       slack.New(cfg.Token, opts...),
		channelID: cfg.ChannelID,
		limiter:   cfg.Limiter,
		sleep:     sleep,
	}
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	return c
}

// A handle is "<channel id>:<message ts>"; chat.update needs the channel
// id, which may differ from the configured channel name.

func makeHandle(channel, ts string) string { return channel + ":" + ts }

func (c *Channel) parseHandle(handle string) (channel, ts string, err error) {
	channel, ts, ok := strings.Cut(handle, ":")
	if !ok {
		channel, ts = c.channelID, handle
	}
	if channel == "" || ts == "" {
		return "", "", fmt.Errorf("slack: invalid message handle %q", handle)
	}
	return channel, ts, nil
}

func msgOptions(text string) []slack.MsgOption {
	return []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
		slack.MsgOptionDisableMediaUnfurl(),
	}
}

// Post sends text as a new message and returns its handle.
func (c *Channel) Post(ctx context.Context, text string) (string, error) {
	var channel, ts string
	err := c.retry(ctx, "chat.postMessage", func() error {
		var err error
		channel, ts, err = c.api.PostMessageContext(ctx, c.channelID, msgOptions(text)...)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("slack: posting message: %w", err)
	}
	return makeHandle(channel, ts), nil
}

// Update replaces the text of the message identified by handle.
func (c *Channel) Update(ctx context.Context, handle, text string) (string, error) {
	channel, ts, err := c.parseHandle(handle)
	if err != nil {
		return "", err
	}
	var gotChannel, gotTS string
	err = c.retry(ctx, "chat.update", func() error {
		var err error
		gotChannel, gotTS, _, err = c.api.UpdateMessageContext(ctx, channel, ts, msgOptions(text)...)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("slack: updating message %s: %w", handle, err)
	}
	return makeHandle(gotChannel, gotTS), nil
}

// Identity describes the bot and the conversation it posts to.
type Identity struct {
	BotUser     string
	Team        string
	ChannelName string
}

// Check verifies the token (auth.test) and that the conversation is visible
// to the bot (conversations.info). It sends nothing.
func (c *Channel) Check(ctx context.Context) (*Identity, error) {
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking bot token: %w", err)
	}
	info, err := c.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: c.channelID})
	if err != nil {
		return nil, fmt.Errorf("checking channel %s: %w", c.channelID, err)
	}
	return &Identity{BotUser: auth.User, Team: auth.Team, ChannelName: info.Name}, nil
}

func (c *Channel) retry(ctx context.Context, method string, f func() error) error {
	var err error
	for attempt := range sendRetryLimit {
		if werr := c.limiter.Wait(ctx); werr != nil {
			return werr
		}
		if err = f(); err == nil {
			return nil
		}

		var rle *slack.RateLimitedError
		if !errors.As(err, &rle) || attempt == sendRetryLimit-1 {
			return err
		}
		logger.Get(ctx).Warn("slack rate limited, waiting", "method", method, "wait", rle.RetryAfter)
		if !c.sleep(ctx, rle.RetryAfter) {
			return ctx.Err()
		}
	}
	return err
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
