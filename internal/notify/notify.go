package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const errorBodyLimit = 256

// ErrNoEndpoint is returned by Send when no topic URL is configured.
var ErrNoEndpoint = errors.New("notify: ntfy endpoint is empty")

// Message is one ntfy publish. Only Body is required.
type Message struct {
	Title    string
	Body     string
	Tags     []string
	Priority string
}

// Notifier pushes capture announcements to an ntfy topic.
type Notifier struct {
	client   *http.Client
	endpoint string
	tags     []string
}

// New returns nil when endpoint is blank, which disables notifications.
func New(client *http.Client, endpoint string) *Notifier {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	return &Notifier{client: client, endpoint: endpoint, tags: []string{"inbox_tray"}}
}

// Endpoint returns the topic URL.
func (n *Notifier) Endpoint() string {
	if n == nil {
		return ""
	}
	return n.endpoint
}

// Notify publishes message under title. A nil Notifier does nothing.
func (n *Notifier) Notify(ctx context.Context, title, message string) error {
	if n == nil {
		return nil
	}
	return Send(ctx, n.client, n.endpoint, Message{Title: title, Body: message, Tags: n.tags})
}

// Send publishes msg to endpoint as text/plain with ntfy headers.
func Send(ctx context.Context, client *http.Client, endpoint string, msg Message) error {
	if endpoint == "" {
		return ErrNoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	if msg.Title != "" {
		req.Header.Set("Title", msg.Title)
	}
	if len(msg.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.Tags, ","))
	}
	if msg.Priority != "" {
		req.Header.Set("Priority", msg.Priority)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return fmt.Errorf("notify: ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
