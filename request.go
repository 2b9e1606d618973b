package suiterunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/retry"
	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/op-suite-runner/types"
)

const (
	batchesFetchAttempts = 3
	batchesFetchTimeout  = 30 * time.Second
	maxBatchesBytes      = 50 << 20
)

// LoadRequest reads an execution request from a YAML or JSON file.
func LoadRequest(path string) (*types.ExecutionRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}
	return ParseRequest(data)
}

// ParseRequest decodes an execution request. JSON documents are accepted as YAML.
func ParseRequest(data []byte) (*types.ExecutionRequest, error) {
	var req types.ExecutionRequest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, types.NewInvalidRequestError("request is empty")
		}
		return nil, types.NewInvalidRequestError(fmt.Sprintf("malformed request: %v", err))
	}
	return &req, nil
}

// RequestResolver turns a submitted request into one that can be partitioned: remote
// batches are fetched and the result is validated.
type RequestResolver struct {
	client   *http.Client
	attempts int
	backoff  retry.Strategy
	log      log.Logger
}

func NewRequestResolver(client *http.Client, logger log.Logger) *RequestResolver {
	if client == nil {
		client = &http.Client{Timeout: batchesFetchTimeout}
	}
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	return &RequestResolver{
		client:   client,
		attempts: batchesFetchAttempts,
		backoff:  retry.Exponential(),
		log:      logger,
	}
}

// Resolve checks that exactly one of batches or batches_uri is set, replaces batches_uri with
// the suites it points to and validates the request. Rejections are InvalidRequestErrors;
// any other error means the batches could not be fetched.
func (r *RequestResolver) Resolve(ctx context.Context, req *types.ExecutionRequest) error {
	if err := req.ValidateSource(); err != nil {
		return err
	}
	if req.BatchesURI != "" {
		batches, err := r.fetchBatches(ctx, req.BatchesURI)
		if err != nil {
			return err
		}
		r.log.Info("Fetched batches", "correlation_id", req.CorrelationID, "uri", req.BatchesURI, "suites", len(batches))
		req.Batches = batches
		req.BatchesURI = ""
	}
	return req.Validate()
}

func (r *RequestResolver) fetchBatches(ctx context.Context, uri string) ([]types.SuiteDefinition, error) {
	u, err := url.Parse(uri)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, types.NewInvalidRequestError(fmt.Sprintf("batches_uri %q is not an http(s) url", uri))
	}

	body, err := retry.Do(ctx, r.attempts, r.backoff, func() ([]byte, error) {
		return r.get(ctx, u.String())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch batches from %s: %w", uri, err)
	}

	var batches []types.SuiteDefinition
	if err := json.Unmarshal(body, &batches); err != nil {
		return nil, types.NewInvalidRequestError(fmt.Sprintf("malformed batches at %s: %v", uri, err))
	}
	return batches, nil
}

func (r *RequestResolver) get(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBatchesBytes))
}
