// Package connector talks to the Bot Framework channel service: it
// authenticates inbound webhook calls and posts replies back.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"intent-bot-backend/internal/types"
)

const (
	TokenURL = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	Scope    = "https://api.botframework.com/.default"
)

// Credentials identify the bot to the channel service.
type Credentials struct {
	AppID    string
	Password string
	// TokenURL overrides the Bot Framework token endpoint.
	TokenURL string
}

// Client posts activities to a conversation's serviceUrl.
type Client struct {
	http       *http.Client
	authorized bool
	log        *zap.Logger
}

// NewClient returns a client that attaches a client-credentials bearer token
// to every request. Without an app id the client sends unauthenticated
// requests, which is what the local emulator expects.
func NewClient(creds Credentials, log *zap.Logger) *Client {
	if creds.AppID == "" || creds.Password == "" {
		return &Client{http: &http.Client{Timeout: 15 * time.Second}, log: log}
	}
	tokenURL := creds.TokenURL
	if tokenURL == "" {
		tokenURL = TokenURL
	}
	cc := &clientcredentials.Config{
		ClientID:     creds.AppID,
		ClientSecret: creds.Password,
		TokenURL:     tokenURL,
		Scopes:       []string{Scope},
	}
	hc := cc.Client(context.Background())
	hc.Timeout = 15 * time.Second
	return &Client{http: hc, authorized: true, log: log}
}

// Authorized reports whether replies carry a bearer token.
func (c *Client) Authorized() bool { return c.authorized }

// Reply posts text as a reply to in.
func (c *Client) Reply(ctx context.Context, in types.Activity, text string) error {
	if in.ServiceURL == "" {
		return fmt.Errorf("reply to %s: activity has no serviceUrl", in.Conversation.ID)
	}
	out := in.Reply(text)
	out.ID = uuid.NewString()
	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, replyURL(in), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send reply: channel returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	c.log.Debug("reply sent",
		zap.String("conversation", in.Conversation.ID),
		zap.String("channel", in.ChannelID),
	)
	return nil
}

// replyURL is <serviceUrl>/v3/conversations/<id>/activities[/<replyToId>].
func replyURL(in types.Activity) string {
	u := strings.TrimRight(in.ServiceURL, "/") + "/v3/conversations/" + url.PathEscape(in.Conversation.ID) + "/activities"
	if in.ID != "" {
		u += "/" + url.PathEscape(in.ID)
	}
	return u
}

// ReplySender delivers a turn's replies through the channel service.
type ReplySender struct {
	client *Client
	in     types.Activity
}

// Sender binds the client to the activity being answered.
func (c *Client) Sender(in types.Activity) *ReplySender {
	return &ReplySender{client: c, in: in}
}

func (s *ReplySender) Send(ctx context.Context, text string) error {
	return s.client.Reply(ctx, s.in, text)
}

// Buffer collects replies so they can be returned in the HTTP response
// instead of being posted back.
type Buffer struct {
	in         types.Activity
	Activities []types.Activity
}

func NewBuffer(in types.Activity) *Buffer {
	return &Buffer{in: in, Activities: []types.Activity{}}
}

func (b *Buffer) Send(_ context.Context, text string) error {
	out := b.in.Reply(text)
	out.ID = uuid.NewString()
	b.Activities = append(b.Activities, out)
	return nil
}

// Texts returns the buffered reply texts in order.
func (b *Buffer) Texts() []string {
	out := make([]string, 0, len(b.Activities))
	for _, a := range b.Activities {
		out = append(out, a.Text)
	}
	return out
}
