// Package transport delivers event batches to the remote store over HTTP.
//
// The remote contract is one request per batch: POST the document's
// pending events, receive an acknowledgement body. Any non-2xx status or
// a response body that fails schema validation counts as a sync failure
// for the queue's retry bookkeeping. The client has no timeout of its
// own beyond the injected http.Client's; a transport timeout is a normal
// retryable failure.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"quill/internal/event"
)

// responseSchema validates the acknowledgement body before any field is
// trusted. A remote speaking a different dialect is a sync failure, not a
// silent partial acknowledgement.
const responseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["success", "inserted_count"],
  "properties": {
    "success": {"type": "boolean"},
    "inserted_count": {"type": "integer", "minimum": 0},
    "failed_event_ids": {"type": "array", "items": {"type": "string"}}
  }
}`

// maxResponseBytes bounds how much acknowledgement body is read.
const maxResponseBytes = 1 << 20

// BatchRequest is the wire form of one sync attempt.
type BatchRequest struct {
	DocumentID string               `json:"document_id"`
	Events     []event.WritingEvent `json:"events"`
}

// BatchResponse is the remote acknowledgement.
type BatchResponse struct {
	Success        bool     `json:"success"`
	InsertedCount  int      `json:"inserted_count"`
	FailedEventIDs []string `json:"failed_event_ids,omitempty"`
}

// Client sends event batches to the remote store.
type Client struct {
	baseURL string
	httpc   *http.Client
	schema  *jsonschema.Schema
}

// NewClient creates a client for the remote store at baseURL. A zero
// timeout leaves the http.Client without one.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	schema, err := jsonschema.CompileString("sync-response.json", responseSchema)
	if err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
		schema:  schema,
	}, nil
}

// SendBatch transmits one batch as a single request and interprets the
// acknowledgement. It satisfies syncqueue.Sender.
func (c *Client) SendBatch(ctx context.Context, documentID string, events []event.WritingEvent) error {
	body, err := json.Marshal(BatchRequest{DocumentID: documentID, Events: events})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	endpoint := fmt.Sprintf("%s/documents/%s/events", c.baseURL, url.PathEscape(documentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read batch response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("remote store rejected batch: status %d", resp.StatusCode)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("malformed batch response: %w", err)
	}
	if err := c.schema.Validate(raw); err != nil {
		return fmt.Errorf("malformed batch response: %w", err)
	}

	var ack BatchResponse
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("decode batch response: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("remote store refused %d of %d events", len(ack.FailedEventIDs), len(events))
	}

	return nil
}
