package envclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum-optimism/op-suite-runner/types"
)

const maxErrorBody = 4096

// HTTPProvider talks to an environment provider over its REST API:
//
//	POST   /v1/environments          request an environment, 202 {"ticket": "..."}
//	GET    /v1/environments/{ticket} poll a request
//	DELETE /v1/environments/{id}     release an environment
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProvider(baseURL string, client *http.Client) (*HTTPProvider, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid environment provider url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}, nil
}

type requestBody struct {
	SubSuiteID    string            `json:"sub_suite_id"`
	CorrelationID string            `json:"correlation_id"`
	TestRunner    string            `json:"test_runner"`
	Requirements  map[string]string `json:"requirements,omitempty"`
	Recipes       []types.Recipe    `json:"recipes"`
}

type ticketResponse struct {
	Ticket string `json:"ticket"`
}

func (p *HTTPProvider) Request(ctx context.Context, spec types.SubSuiteSpec) (string, error) {
	body, err := json.Marshal(requestBody{
		SubSuiteID:    spec.ID,
		CorrelationID: spec.CorrelationID,
		TestRunner:    spec.TestRunner,
		Requirements:  spec.Requirements,
		Recipes:       spec.Recipes,
	})
	if err != nil {
		return "", err
	}

	var resp ticketResponse
	if err := p.do(ctx, http.MethodPost, "/v1/environments", body, &resp); err != nil {
		return "", err
	}
	if resp.Ticket == "" {
		return "", fmt.Errorf("provider returned an empty ticket")
	}
	return resp.Ticket, nil
}

func (p *HTTPProvider) Status(ctx context.Context, ticket string) (TicketStatus, error) {
	var status TicketStatus
	if err := p.do(ctx, http.MethodGet, "/v1/environments/"+url.PathEscape(ticket), nil, &status); err != nil {
		return TicketStatus{}, err
	}
	return status, nil
}

func (p *HTTPProvider) Release(ctx context.Context, env types.EnvironmentDescriptor) error {
	err := p.do(ctx, http.MethodDelete, "/v1/environments/"+url.PathEscape(env.ID), nil, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   res.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

// StatusError is a non-2xx answer from the provider. 400 and 422 wrap ErrInvalidSpecification,
// 429 and 503 wrap ErrResourcesExhausted.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrInvalidSpecification
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return ErrResourcesExhausted
	}
	return nil
}
