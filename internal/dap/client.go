// Package dap is a client for the Instructure Data Access Platform query API
package dap

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const maxRecordSize = 64 * 1024 * 1024

// Client talks to the DAP API on behalf of one set of client credentials
type Client struct {
	baseURL string
	http    *http.Client
	tokens  oauth2.TokenSource
	logger  *zap.Logger

	// PollInterval is the delay between job status checks
	PollInterval time.Duration
}

// NewClient creates a client for the API at baseURL. Access tokens come from
// the client credentials grant at /ids/auth/login and are reused until they
// expire
func NewClient(baseURL, clientID, clientSecret string, logger *zap.Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	httpClient := &http.Client{Timeout: 5 * time.Minute}

	grant := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     baseURL + "/ids/auth/login",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	return &Client{
		baseURL:      baseURL,
		http:         httpClient,
		tokens:       grant.TokenSource(tokenCtx),
		logger:       logger,
		PollInterval: 5 * time.Second,
	}
}

// ListTables returns the tables available in namespace
func (c *Client) ListTables(ctx context.Context, namespace string) ([]string, error) {
	var out struct {
		Tables []string `json:"tables"`
	}
	path := fmt.Sprintf("/dap/query/%s/table", url.PathEscape(namespace))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list tables in %s: %w", namespace, err)
	}
	return out.Tables, nil
}

// GetSchema returns the current schema of a table
func (c *Client) GetSchema(ctx context.Context, namespace, table string) (*VersionedSchema, error) {
	var out VersionedSchema
	path := fmt.Sprintf("/dap/query/%s/table/%s/schema", url.PathEscape(namespace), url.PathEscape(table))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get schema of %s.%s: %w", namespace, table, err)
	}
	return &out, nil
}

// StartQuery submits a query job for a table
func (c *Client) StartQuery(ctx context.Context, namespace, table string, q Query) (*Job, error) {
	var job Job
	path := fmt.Sprintf("/dap/query/%s/table/%s/data", url.PathEscape(namespace), url.PathEscape(table))
	if err := c.do(ctx, http.MethodPost, path, q, &job); err != nil {
		return nil, fmt.Errorf("failed to start query for %s.%s: %w", namespace, table, err)
	}
	return &job, nil
}

// GetJob returns the current state of a job
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, "/dap/job/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return &job, nil
}

// Query submits a job and waits for it to finish
func (c *Client) Query(ctx context.Context, namespace, table string, q Query) (*Job, error) {
	job, err := c.StartQuery(ctx, namespace, table, q)
	if err != nil {
		return nil, err
	}

	for !job.Status.Terminal() {
		c.logger.Debug("Waiting for job",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.PollInterval):
		}

		if job, err = c.GetJob(ctx, job.ID); err != nil {
			return nil, err
		}
	}

	if job.Status == JobFailed {
		if job.Error != nil {
			return nil, fmt.Errorf("job %s failed: %w", job.ID, job.Error)
		}
		return nil, fmt.Errorf("job %s failed", job.ID)
	}

	c.logger.Info("Job complete",
		zap.String("table", table),
		zap.String("job_id", job.ID),
		zap.Int("objects", len(job.Objects)),
	)
	return job, nil
}

// ObjectURLs resolves download URLs for job objects, keyed by object id
func (c *Client) ObjectURLs(ctx context.Context, objects []Object) (map[string]string, error) {
	if len(objects) == 0 {
		return map[string]string{}, nil
	}

	var out struct {
		URLs map[string]struct {
			URL string `json:"url"`
		} `json:"urls"`
	}
	if err := c.do(ctx, http.MethodPost, "/dap/object/url", objects, &out); err != nil {
		return nil, fmt.Errorf("failed to resolve object urls: %w", err)
	}

	urls := make(map[string]string, len(out.URLs))
	for id, u := range out.URLs {
		urls[id] = u.URL
	}
	for _, o := range objects {
		if _, ok := urls[o.ID]; !ok {
			return nil, fmt.Errorf("no url returned for object %s", o.ID)
		}
	}
	return urls, nil
}

// Download streams the records of a gzipped jsonl object to fn
func (c *Client) Download(ctx context.Context, objectURL string, fn func(Record) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, objectURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download object: HTTP %d", resp.StatusCode)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxRecordSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec Record
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("failed to decode record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// DownloadAll resolves and streams every object of a completed job
func (c *Client) DownloadAll(ctx context.Context, job *Job, fn func(Record) error) error {
	urls, err := c.ObjectURLs(ctx, job.Objects)
	if err != nil {
		return err
	}
	for _, o := range job.Objects {
		if err := c.Download(ctx, urls[o.ID], fn); err != nil {
			return fmt.Errorf("object %s: %w", o.ID, err)
		}
	}
	return nil
}

func (c *Client) accessToken() (string, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return "", fmt.Errorf("failed to authenticate: %w", newAPIError(re.Response.StatusCode, re.Body))
		}
		return "", fmt.Errorf("failed to authenticate: %w", err)
	}
	return tok.AccessToken, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.accessToken()
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("x-instauth", token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// newAPIError decodes an {"error": {...}} body, falling back to the raw text
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var wrapped struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil {
		apiErr.Type = wrapped.Error.Type
		apiErr.Message = wrapped.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
