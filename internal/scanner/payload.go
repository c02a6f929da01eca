package scanner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPayload is the root of every input error raised by a scan
var ErrInvalidPayload = errors.New("invalid payload")

// ValidationError reports field-level problems found by the validator
type ValidationError struct {
	Fields validator.ValidationErrors
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, fe := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Sprintf("%s: %s", ErrInvalidPayload, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPayload }

// Payload is one of TextPayload, TransactionPayload, APIPayload,
// AIUsagePayload or JSONPayload.
type Payload interface {
	payloadKind() string
}

// TextPayload is free text such as a log line or a message body
type TextPayload struct {
	Text string
}

// Transaction is one financial transaction record
type Transaction struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency" validate:"omitempty,len=3"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description,omitempty"`
}

// timestampLayouts are tried in order. Layouts without a zone parse as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// UnmarshalJSON accepts RFC 3339, zone-less ISO 8601 and date-only values,
// falling back to a "date" field when "timestamp" is absent.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	type plain Transaction
	aux := struct {
		*plain
		Timestamp string `json:"timestamp"`
		Date      string `json:"date"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	raw := aux.Timestamp
	if raw == "" {
		raw = aux.Date
	}
	if raw == "" {
		t.Timestamp = time.Time{}
		return nil
	}
	ts, err := parseTimestamp(raw)
	if err != nil {
		return err
	}
	t.Timestamp = ts
	return nil
}

// TransactionPayload is a batch of transactions scanned together so that
// velocity checks can see the whole window.
type TransactionPayload struct {
	Records []Transaction `validate:"min=1,dive"`
}

// APITelemetry describes one inbound API request
type APITelemetry struct {
	Endpoint          string `json:"endpoint" validate:"required"`
	Method            string `json:"method"`
	StatusCode        int    `json:"status_code" validate:"gte=0,lte=599"`
	UserAgent         string `json:"user_agent"`
	PayloadBytes      int64  `json:"payload_bytes" validate:"gte=0"`
	RequestsPerMinute int    `json:"requests_per_minute" validate:"gte=0"`
	ClientIP          string `json:"client_ip" validate:"omitempty,ip"`
}

// APIPayload wraps an APITelemetry record
type APIPayload struct {
	Record APITelemetry
}

// AIUsage describes one model invocation
type AIUsage struct {
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens" validate:"gte=0"`
	CompletionTokens int     `json:"completion_tokens" validate:"gte=0"`
	TotalTokens      int     `json:"total_tokens" validate:"gte=0"`
	Cost             float64 `json:"cost" validate:"gte=0"`
	Prompt           string  `json:"prompt,omitempty"`
	Response         string  `json:"response,omitempty"`
}

// Tokens returns the total token count, summing the parts when no total is reported
func (u AIUsage) Tokens() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// AIUsagePayload wraps an AIUsage record
type AIUsagePayload struct {
	Record AIUsage
}

// JSONPayload is an arbitrary JSON document classified leaf by leaf
type JSONPayload struct {
	Raw []byte
}

func (TextPayload) payloadKind() string        { return "text" }
func (TransactionPayload) payloadKind() string { return "transaction" }
func (APIPayload) payloadKind() string         { return "api" }
func (AIUsagePayload) payloadKind() string     { return "ai_usage" }
func (JSONPayload) payloadKind() string        { return "json" }

// DecodeTransactions parses a single transaction object or an array of them
func DecodeTransactions(raw []byte) (TransactionPayload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return TransactionPayload{}, fmt.Errorf("%w: transaction data is not valid JSON", ErrInvalidPayload)
	}

	switch trimmed[0] {
	case '[':
		var records []Transaction
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return TransactionPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return TransactionPayload{Records: records}, nil
	case '{':
		var record Transaction
		if err := json.Unmarshal(trimmed, &record); err != nil {
			return TransactionPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return TransactionPayload{Records: []Transaction{record}}, nil
	}
	return TransactionPayload{}, fmt.Errorf("%w: transaction data must be an object or an array", ErrInvalidPayload)
}
