package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

// Event represents one checkout or IPN processing event. IPN events are the
// audit trail for signature rejections and referential failures, which are
// surfaced to operators rather than silently dropped.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	Kind          string    `json:"kind"`
	RequestID     string    `json:"request_id"`
	OrderID       string    `json:"order_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	ExternalID    string    `json:"external_id,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	ClientIP      string    `json:"client_ip,omitempty"`
	Outcome       string    `json:"outcome"`
	Error         string    `json:"error,omitempty"`
}

// Logger indexes payment events into OpenSearch
type Logger struct {
	client *Client
}

// NewLogger creates a new event logger
func NewLogger(client *Client) *Logger {
	return &Logger{
		client: client,
	}
}

// LogEvent indexes one event. A nil logger or disabled client is a no-op so
// callers never need to guard.
func (l *Logger) LogEvent(ctx context.Context, event Event) error {
	if l == nil || l.client == nil || !l.client.IsEnabled() {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.RequestID == "" {
		event.RequestID = uuid.New().String()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req := opensearchapi.IndexRequest{
		Index: l.client.IndexName(event.Kind),
		Body:  bytes.NewReader(eventJSON),
	}

	res, err := req.Do(ctx, l.client.GetClient())
	if err != nil {
		return fmt.Errorf("failed to index event: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch error: %s", res.String())
	}

	return nil
}
