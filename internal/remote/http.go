package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// CredentialFunc supplies the current session token. It is called per
// request so token refresh by the authentication collaborator is
// picked up without reconnecting.
type CredentialFunc func(ctx context.Context) (string, error)

// Client implements Mutator against the backend's HTTP mutation API.
//
//	create: POST   {base}/v1/{table}
//	update: PUT    {base}/v1/{table}/{id}
//	delete: DELETE {base}/v1/{table}/{id}
//
// Every request carries the entry's Idempotency-Key header.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	credentials CredentialFunc
}

// NewClient creates a mutation API client. If httpClient is nil a
// client with a 30s timeout is used. credentials may be nil for
// unauthenticated backends.
func NewClient(baseURL string, httpClient *http.Client, credentials CredentialFunc) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		credentials: credentials,
	}
}

// mutationResponse is the wire shape of a confirmed mutation.
type mutationResponse struct {
	ID       string         `json:"id"`
	Revision int64          `json:"revision"`
	Payload  map[string]any `json:"payload"`
}

// errorResponse is the wire shape of a structured backend error.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Apply implements Mutator.Apply.
func (c *Client) Apply(ctx context.Context, m Mutation) (*Entity, error) {
	req, err := c.buildRequest(ctx, m)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Message: "request failed", cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Message: "failed to read response", cause: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if m.Op == "delete" {
			return nil, nil
		}
		var mr mutationResponse
		if err := json.Unmarshal(body, &mr); err != nil {
			return nil, &Error{Kind: KindTransient, Status: resp.StatusCode,
				Message: "malformed response body", cause: err}
		}
		return &Entity{
			Table:    m.Table,
			ID:       mr.ID,
			Revision: mr.Revision,
			Payload:  mr.Payload,
		}, nil
	}

	return nil, classify(resp.StatusCode, body)
}

func (c *Client) buildRequest(ctx context.Context, m Mutation) (*http.Request, error) {
	var method, endpoint string
	switch m.Op {
	case "create":
		method = http.MethodPost
		endpoint = fmt.Sprintf("%s/v1/%s", c.baseURL, url.PathEscape(m.Table))
	case "update":
		method = http.MethodPut
		endpoint = fmt.Sprintf("%s/v1/%s/%s", c.baseURL,
			url.PathEscape(m.Table), url.PathEscape(m.ID))
	case "delete":
		method = http.MethodDelete
		endpoint = fmt.Sprintf("%s/v1/%s/%s", c.baseURL,
			url.PathEscape(m.Table), url.PathEscape(m.ID))
	default:
		return nil, &Error{Kind: KindPermanent, Message: fmt.Sprintf("unknown op %q", m.Op)}
	}

	var body io.Reader
	if m.Op != "delete" {
		data, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, &Error{Kind: KindPermanent, Message: "unencodable payload", cause: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Message: "failed to build request", cause: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", m.IdempotencyKey)

	if c.credentials != nil {
		token, err := c.credentials(ctx)
		if err != nil {
			return nil, &Error{Kind: KindTransient, Message: "failed to get credentials", cause: err}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	return req, nil
}

// classify maps an HTTP failure status to the error taxonomy:
// 408/429/5xx are transient, 409 is a revision conflict, remaining
// 4xx are permanent.
func classify(status int, body []byte) *Error {
	msg := http.StatusText(status)
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Message != "" {
		msg = er.Message
	}

	switch {
	case status == http.StatusConflict:
		return &Error{Kind: KindConflict, Status: status, Message: msg}
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return &Error{Kind: KindTransient, Status: status, Message: msg}
	case status >= 500:
		return &Error{Kind: KindTransient, Status: status, Message: msg}
	default:
		return &Error{Kind: KindPermanent, Status: status, Message: msg}
	}
}
