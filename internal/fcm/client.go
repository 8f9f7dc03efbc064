package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const sendEndpointFormat = "https://fcm.googleapis.com/v1/projects/%s/messages:send"

// ErrTokenRejected indicates the provider refused the device token itself
// (unregistered or malformed). The token is reported upstream but never
// removed here; device registration belongs to the clients.
var ErrTokenRejected = errors.New("device token rejected by provider")

// Message is one per-device delivery: visible notification, a
// machine-routable deep link, and the APNs badge/sound/alert block.
type Message struct {
	Token string
	Title string
	Body  string
	Route string
	Badge int
}

// FCM v1 wire shapes. The apns block is what makes iOS show the badge
// count and play a sound.
type sendRequest struct {
	Message messageBody `json:"message"`
}

type messageBody struct {
	Token        string       `json:"token"`
	Notification notification `json:"notification"`
	Data         messageData  `json:"data"`
	APNS         apnsConfig   `json:"apns"`
}

type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type messageData struct {
	ClickAction string `json:"click_action"`
	Route       string `json:"route"`
}

type apnsConfig struct {
	Payload apnsPayload `json:"payload"`
}

type apnsPayload struct {
	APS aps `json:"aps"`
}

type aps struct {
	Badge int       `json:"badge"`
	Sound string    `json:"sound"`
	Alert apnsAlert `json:"alert"`
}

type apnsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Client delivers messages through the FCM v1 send API.
type Client struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithEndpoint overrides the send endpoint (tests).
func WithEndpoint(endpoint string) ClientOption {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a send client for one Firebase project.
func NewClient(projectID string, logger *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: fmt.Sprintf(sendEndpointFormat, projectID),
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send delivers one message to one device, authenticated with the bearer
// token minted for the current invocation.
func (c *Client) Send(ctx context.Context, accessToken string, msg *Message) error {
	payload := sendRequest{
		Message: messageBody{
			Token: msg.Token,
			Notification: notification{
				Title: msg.Title,
				Body:  msg.Body,
			},
			Data: messageData{
				ClickAction: "FLUTTER_NOTIFICATION_CLICK",
				Route:       msg.Route,
			},
			APNS: apnsConfig{
				Payload: apnsPayload{
					APS: aps{
						Badge: msg.Badge,
						Sound: "default",
						Alert: apnsAlert{
							Title: msg.Title,
							Body:  msg.Body,
						},
					},
				},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.logger.Debug("push delivered",
			zap.Int("status_code", resp.StatusCode),
		)
		return nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		// UNREGISTERED / INVALID_ARGUMENT: the token itself is bad.
		return fmt.Errorf("%w: status %d, body: %s", ErrTokenRejected, resp.StatusCode, string(respBody))
	default:
		return fmt.Errorf("push send returned status %d, body: %s", resp.StatusCode, string(respBody))
	}
}
