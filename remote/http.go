package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/iamthanushgowdap/APSConnect-sub000/core"
)

type idempotencyKeyContextKey struct{}

// ContextWithIdempotencyKey attaches a mutation's idempotency key to the
// context so transport adapters can forward it. The HTTP adapter sends it as
// the Idempotency-Key header.
func ContextWithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// IdempotencyKeyFromContext returns the key attached by
// ContextWithIdempotencyKey, or "".
func IdempotencyKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyContextKey{}).(string)
	return key
}

// RecordDocument is the JSON envelope a record travels in.
type RecordDocument struct {
	ID     core.RecordID    `json:"id"`
	Fields core.FieldValues `json:"fields"`
}

// HTTPOptions configures an HTTPOperations adapter.
type HTTPOptions struct {
	// BaseURL is the API root, e.g. "http://localhost:8091".
	BaseURL string
	// Collection is the resource path segment, e.g. "clubs".
	Collection string
	// Client defaults to http.DefaultClient. Timeouts belong on the caller's
	// context; the engine imposes its own outer commit deadline.
	Client *http.Client
	Logger *slog.Logger
}

// HTTPOperations implements Operations against a REST collection endpoint:
// POST /{collection}, PUT/PATCH/DELETE /{collection}/{id}, GET /{collection}.
// Transport errors and 5xx-equivalent statuses classify as retryable, other
// 4xx as terminal.
type HTTPOperations struct {
	baseURL    string
	collection string
	client     *http.Client
	logger     *slog.Logger
}

var _ Operations = (*HTTPOperations)(nil)

// NewHTTPOperations creates the adapter.
func NewHTTPOperations(opts HTTPOptions) (*HTTPOperations, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("remote: BaseURL is required")
	}
	if opts.Collection == "" {
		return nil, fmt.Errorf("remote: Collection is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("remote: invalid BaseURL: %w", err)
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HTTPOperations{
		baseURL:    opts.BaseURL,
		collection: opts.Collection,
		client:     client,
		logger:     logger.With("component", "HTTPOperations"),
	}, nil
}

func (h *HTTPOperations) Create(ctx context.Context, payload core.FieldValues) (core.Record, error) {
	return h.roundTripRecord(ctx, "create", http.MethodPost, h.collectionURL(), payload)
}

func (h *HTTPOperations) Update(ctx context.Context, id core.RecordID, payload core.FieldValues) (core.Record, error) {
	return h.roundTripRecord(ctx, "update", http.MethodPut, h.recordURL(id), payload)
}

func (h *HTTPOperations) PatchField(ctx context.Context, id core.RecordID, patch core.FieldValues) (core.Record, error) {
	return h.roundTripRecord(ctx, "patch_field", http.MethodPatch, h.recordURL(id), patch)
}

func (h *HTTPOperations) Delete(ctx context.Context, id core.RecordID) error {
	resp, err := h.do(ctx, "delete", http.MethodDelete, h.recordURL(id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := h.classifyStatus("delete", resp); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (h *HTTPOperations) List(ctx context.Context) ([]core.Record, error) {
	resp, err := h.do(ctx, "list", http.MethodGet, h.collectionURL(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := h.classifyStatus("list", resp); err != nil {
		return nil, err
	}

	var docs []RecordDocument
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		return nil, &core.RetryableError{Op: "list", Message: "malformed response body", Err: err}
	}
	records := make([]core.Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, core.Record{ID: doc.ID, Fields: doc.Fields})
	}
	return records, nil
}

func (h *HTTPOperations) roundTripRecord(ctx context.Context, op, method, target string, payload core.FieldValues) (core.Record, error) {
	resp, err := h.do(ctx, op, method, target, payload)
	if err != nil {
		return core.Record{}, err
	}
	defer resp.Body.Close()
	if err := h.classifyStatus(op, resp); err != nil {
		return core.Record{}, err
	}

	var doc RecordDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return core.Record{}, &core.RetryableError{Op: op, Message: "malformed response body", Err: err}
	}
	return core.Record{ID: doc.ID, Fields: doc.Fields}, nil
}

func (h *HTTPOperations) do(ctx context.Context, op, method, target string, payload core.FieldValues) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &core.TerminalError{Op: op, Message: "payload not serializable", Err: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &core.TerminalError{Op: op, Message: "building request", Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if key := IdempotencyKeyFromContext(ctx); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, Classify(op, err)
	}
	return resp, nil
}

// classifyStatus maps an HTTP status to the failure taxonomy. The response
// body is drained on failure so the connection can be reused.
func (h *HTTPOperations) classifyStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := fmt.Sprintf("status %d", resp.StatusCode)
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 512)); err == nil && len(data) > 0 {
		msg = fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return &core.RetryableError{Op: op, Message: msg}
	default:
		return &core.TerminalError{Op: op, Message: msg}
	}
}

func (h *HTTPOperations) collectionURL() string {
	return fmt.Sprintf("%s/%s", h.baseURL, h.collection)
}

func (h *HTTPOperations) recordURL(id core.RecordID) string {
	return fmt.Sprintf("%s/%s/%s", h.baseURL, h.collection, url.PathEscape(string(id)))
}
