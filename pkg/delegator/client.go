// Package delegator implements the delegator-side orchestration described
// in spec.md §4.6 (Executor Client) and §4.7 (Delegator Service), grounded
// on pkg/api/server.go's per-entity handler-method organization, generalized
// from gRPC handler methods to plain HTTP client methods.
package delegator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/awcp/pkg/log"
	"github.com/cuemby/awcp/pkg/metrics"
	"github.com/cuemby/awcp/pkg/protocol"
)

// ClientConfig configures an executor Client.
type ClientConfig struct {
	BaseURL        string
	ControlTimeout time.Duration // default 30s
	HandleTimeout  time.Duration // default 5m
	SSERetries     int           // default 3
	SSERetryBase   time.Duration // default 500ms
}

// Client is the delegator's HTTP client against one executor daemon (spec
// §4.6). Every method is safe for concurrent use by multiple delegations.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

// NewClient builds a Client against cfg.BaseURL, applying defaults for any
// zero-valued timeout/retry fields.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = 30 * time.Second
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 5 * time.Minute
	}
	if cfg.SSERetries <= 0 {
		cfg.SSERetries = 3
	}
	if cfg.SSERetryBase <= 0 {
		cfg.SSERetryBase = 500 * time.Millisecond
	}
	return &Client{cfg: cfg, httpClient: &http.Client{}}
}

// Invite sends an INVITE and returns the ACCEPT or the protocol.Error the
// executor replied with.
func (c *Client) Invite(ctx context.Context, invite protocol.Invite) (*protocol.Accept, *protocol.Error) {
	invite.Version = protocol.Version
	invite.Type = protocol.MessageInvite

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandleTimeout)
	defer cancel()

	var accept protocol.Accept
	var errMsg protocol.ErrorMessage
	if err := c.postControl(ctx, invite, &accept, &errMsg); err != nil {
		return nil, protocol.NewError(protocol.ErrTransportError, err.Error(), "failed to reach executor")
	}
	if errMsg.Type == protocol.MessageError {
		return nil, errMsg.ToError()
	}
	return &accept, nil
}

// Start sends START fire-and-forget: the caller does not wait for a body.
func (c *Client) Start(ctx context.Context, start protocol.Start) error {
	start.Version = protocol.Version
	start.Type = protocol.MessageStart

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ControlTimeout)
	defer cancel()

	body, err := json.Marshal(start)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/awcp", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// Cancel posts a best-effort cancel; a 404 is treated as success (spec §4.6).
func (c *Client) Cancel(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ControlTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/awcp/cancel/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delegator: cancel %s: unexpected status %d", id, resp.StatusCode)
	}
	return nil
}

// Ack confirms a terminal event so the executor may discard its retained
// result (spec §4.6).
func (c *Client) Ack(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ControlTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/awcp/tasks/"+id+"/ack", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// postControl posts envelope to /awcp and decodes the response into accept
// if it looks like an ACCEPT, or errMsg if it looks like an ERROR.
func (c *Client) postControl(ctx context.Context, envelope interface{}, accept *protocol.Accept, errMsg *protocol.ErrorMessage) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/awcp", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var probe struct {
		Type protocol.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("delegator: malformed response: %w", err)
	}
	if probe.Type == protocol.MessageError || resp.StatusCode >= 400 {
		if err := json.Unmarshal(data, errMsg); err != nil {
			return fmt.Errorf("delegator: malformed error response: %w", err)
		}
		if errMsg.Type == "" {
			errMsg.Type = protocol.MessageError
		}
		return nil
	}
	return json.Unmarshal(data, accept)
}

// SubscribeEvents opens the SSE stream for id and returns a channel that
// yields each decoded TaskEvent, closed when the stream ends (terminal
// event, ctx cancellation, or unrecoverable error after SSERetries
// reconnect attempts). Connection establishment retries with linear
// backoff (delay = base × attempt); a mid-stream failure after the
// connection was established is NOT retried — it is reported as an
// SSE_FAILED error event (spec §4.6).
func (c *Client) SubscribeEvents(ctx context.Context, id string) <-chan protocol.TaskEvent {
	out := make(chan protocol.TaskEvent, 16)
	go c.readEvents(ctx, id, out)
	return out
}

func (c *Client) readEvents(ctx context.Context, id string, out chan<- protocol.TaskEvent) {
	defer close(out)

	var resp *http.Response
	var err error
	for attempt := 1; attempt <= c.cfg.SSERetries; attempt++ {
		resp, err = c.connectSSE(ctx, id)
		if err == nil {
			break
		}
		metrics.SSEReconnectsTotal.Inc()
		log.WithDelegationID(id).Warn().Err(err).Int("attempt", attempt).Msg("sse: connection attempt failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.SSERetryBase * time.Duration(attempt)):
		}
	}
	if err != nil {
		out <- protocol.ErrorEvent(protocol.NewError(protocol.ErrSSEFailed, err.Error(), "could not establish SSE connection"))
		return
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var event protocol.TaskEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			log.WithDelegationID(id).Debug().Str("line", line).Msg("sse: discarding malformed event")
			continue
		}
		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
		if event.IsTerminal() {
			return
		}
	}

	// The stream ended without a terminal done/error frame — whether
	// scanner.Err() is set (abrupt reset) or nil (a clean EOF the executor
	// sent mid-task), the delegation is stuck unless we force it to error
	// here. Silence at this point must never read as success.
	reason := "sse stream ended unexpectedly"
	if err := scanner.Err(); err != nil {
		reason = err.Error()
	}
	select {
	case out <- protocol.ErrorEvent(protocol.NewError(protocol.ErrSSEFailed, reason, "executor closed the event stream before a terminal event")):
	case <-ctx.Done():
	}
}

func (c *Client) connectSSE(ctx context.Context, id string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/awcp/tasks/"+id+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("sse: unexpected status %d", resp.StatusCode)
	}
	return resp, nil
}
