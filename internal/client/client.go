// Package client talks to the document store's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go-data-migrate/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Config configures a Client. Zero values take defaults.
type Config struct {
	model.APIConfig

	// ReadsPerSecond limits query and document requests. Commits are paced
	// by the scheduler instead.
	ReadsPerSecond float64
	ReadBurst      int
	Timeout        time.Duration
	UserAgent      string
	// Transport allows injecting a custom HTTP transport (for tests).
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Client is a store API client. It implements model.MigrationContext and
// the scheduler's Committer.
type Client struct {
	cfg    Config
	base   string
	http   *http.Client
	reads  *rate.Limiter
	logger *slog.Logger
}

var validate = validator.New()

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if err := validate.Struct(cfg.APIConfig); err != nil {
		return nil, errors.Wrap(err, "invalid store configuration")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = model.DefaultAPIVersion
	}
	if cfg.ReadsPerSecond == 0 {
		cfg.ReadsPerSecond = 25
	}
	if cfg.ReadBurst == 0 {
		cfg.ReadBurst = 10
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "go-data-migrate/1.0"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base := "https://" + cfg.ProjectID + ".api.sanity.io"
	if cfg.APIHost != "" {
		u, err := url.Parse(cfg.APIHost)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid api host %q", cfg.APIHost)
		}
		base = strings.TrimSuffix(u.String(), "/")
	}

	return &Client{
		cfg:    cfg,
		base:   base + "/" + cfg.APIVersion,
		http:   &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		reads:  rate.NewLimiter(rate.Limit(cfg.ReadsPerSecond), cfg.ReadBurst),
		logger: cfg.Logger,
	}, nil
}

// Dataset returns the dataset the client writes to.
func (c *Client) Dataset() string { return c.cfg.Dataset }

// Query runs query and returns its decoded result.
func (c *Client) Query(ctx context.Context, query string, params map[string]interface{}) (interface{}, error) {
	var result interface{}
	if err := c.QueryInto(ctx, query, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// QueryInto runs query and decodes its result into out.
func (c *Client) QueryInto(ctx context.Context, query string, params map[string]interface{}, out interface{}) error {
	body := map[string]interface{}{"query": query}
	if len(params) > 0 {
		body["params"] = params
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.read(ctx, http.MethodPost, "/data/query/"+c.cfg.Dataset, nil, body, &resp); err != nil {
		return errors.Wrap(err, "query")
	}
	if len(resp.Result) == 0 {
		return nil
	}
	return decode(resp.Result, out)
}

// GetDocument fetches one document. It returns nil, nil when the document
// does not exist.
func (c *Client) GetDocument(ctx context.Context, id string) (model.Document, error) {
	docs, err := c.GetDocuments(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	return docs[0], nil
}

// GetDocuments fetches documents by id. The result is index aligned with
// ids, with nil for missing documents.
func (c *Client) GetDocuments(ctx context.Context, ids []string) ([]model.Document, error) {
	out := make([]model.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	escaped := make([]string, len(ids))
	for i, id := range ids {
		escaped[i] = url.PathEscape(id)
	}
	var resp struct {
		Documents []model.Document `json:"documents"`
	}
	path := "/data/doc/" + c.cfg.Dataset + "/" + strings.Join(escaped, ",")
	if err := c.read(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, errors.Wrapf(err, "get documents %s", strings.Join(ids, ", "))
	}
	byID := make(map[string]model.Document, len(resp.Documents))
	for _, d := range resp.Documents {
		byID[d.ID()] = d
	}
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out, nil
}

// Commit submits tx as one atomic transaction.
func (c *Client) Commit(ctx context.Context, tx model.Transaction) (model.TransactionResult, error) {
	mutations, err := EncodeTransaction(tx)
	if err != nil {
		return model.TransactionResult{}, errors.Wrap(err, "encode transaction")
	}
	q := url.Values{}
	q.Set("returnIds", "true")
	q.Set("visibility", "async")
	if tx.ID != "" {
		q.Set("transactionId", tx.ID)
	}

	var resp struct {
		TransactionID string                 `json:"transactionId"`
		Results       []model.MutationResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/data/mutate/"+c.cfg.Dataset, q, map[string]interface{}{"mutations": mutations}, &resp); err != nil {
		return model.TransactionResult{}, err
	}
	c.logger.Debug("transaction committed", "transaction", resp.TransactionID, "mutations", len(mutations))
	return model.TransactionResult{
		TransactionID: tx.ID,
		CommitID:      resp.TransactionID,
		Results:       resp.Results,
	}, nil
}

func (c *Client) read(ctx context.Context, method, path string, q url.Values, body, out interface{}) error {
	if err := c.reads.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter")
	}
	return c.do(ctx, method, path, q, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out interface{}) error {
	full := c.base + path
	if len(q) > 0 {
		full += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, full, reader)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return decode(payload, out)
}

// decode keeps numbers as json.Number so integers survive a round trip.
func decode(data []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
