// Package postmark delivers verification codes by email through the
// Postmark HTTP API.
package postmark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrEthical07/codegate"
)

const DefaultEndpoint = "https://api.postmarkapp.com/email"

var ErrNotConfigured = errors.New("postmark: missing server token")

// Client implements codegate.Deliverer.
type Client struct {
	serverToken string
	fromEmail   string
	product     string
	endpoint    string
	httpClient  *http.Client
}

var _ codegate.Deliverer = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithEndpoint overrides the Postmark email endpoint.
func WithEndpoint(url string) Option {
	return func(cl *Client) {
		cl.endpoint = url
	}
}

// WithProductName sets the name used in subjects and bodies.
func WithProductName(name string) Option {
	return func(cl *Client) {
		cl.product = name
	}
}

func NewClient(serverToken, fromEmail string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		product:     "your account",
		endpoint:    DefaultEndpoint,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type message struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	HtmlBody      string `json:"HtmlBody"`
	TextBody      string `json:"TextBody"`
	MessageStream string `json:"MessageStream"`
}

func (c *Client) compose(address string, purpose codegate.Purpose, code string) (message, error) {
	var subject, action string
	switch purpose {
	case codegate.PurposePasswordReset:
		subject = fmt.Sprintf("Reset your password for %s", c.product)
		action = "reset your password"
	case codegate.PurposeSignupConfirmation:
		subject = fmt.Sprintf("Confirm your email for %s", c.product)
		action = "confirm your email address"
	default:
		return message{}, codegate.ErrInvalidPurpose
	}

	text := fmt.Sprintf("Use this code to %s:\n\n%s\n\nIf you did not ask for this, ignore this email.", action, code)
	html := fmt.Sprintf(
		`<p>Use this code to %s:</p><p style="font-size:24px;letter-spacing:4px"><strong>%s</strong></p><p>If you did not ask for this, ignore this email.</p>`,
		action, code,
	)

	return message{
		From:          c.fromEmail,
		To:            address,
		Subject:       subject,
		HtmlBody:      html,
		TextBody:      text,
		MessageStream: "outbound",
	}, nil
}

// Deliver sends one code. Any status >= 400 is an error; the response body is
// not included since Postmark echoes the recipient.
func (c *Client) Deliver(ctx context.Context, address string, purpose codegate.Purpose, code string) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	payload, err := c.compose(address, purpose, code)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}
	return nil
}
