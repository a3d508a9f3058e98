// Package coordinator is the HTTP client over the backend's REST surface:
// initiate, presign, complete, abort. Built the same way as a
// retryablehttp-wrapped *http.Client with a shared doRequest helper and
// JSON marshal/unmarshal, but with RetryMax pinned to 0 — the retry
// machinery is present (a real dependency is still exercised) but inert,
// leaving all retry policy to the Worker Pool and URL Prefetcher.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrCoordinatorUnavailable is returned for any network error or non-2xx
// response.
type ErrCoordinatorUnavailable struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ErrCoordinatorUnavailable) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("coordinator_unavailable: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("coordinator_unavailable: %s: status %d", e.Op, e.StatusCode)
}

func (e *ErrCoordinatorUnavailable) Unwrap() error { return e.Err }

// Client talks to the coordinator's REST surface.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
}

// New builds a Client against baseURL. httpTimeout bounds every request;
// the underlying retryablehttp client has RetryMax=0, so httpTimeout is
// the only deadline in play here (per-part PUTs to storage are a separate
// client owned by the Worker Pool).
func New(baseURL string, httpTimeout time.Duration) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil
	retryClient.RetryMax = 0
	retryClient.HTTPClient.Timeout = httpTimeout

	return &Client{
		httpClient: retryClient.StandardClient(),
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		userAgent:  "upload-agent/1.0",
	}
}

// InitiateRequest is the request body for POST /api/upload/initiate.
type InitiateRequest struct {
	FileName       string `json:"file_name"`
	FileSize       int64  `json:"file_size"`
	FileFingerprint string `json:"file_fingerprint"`
	ContentType    string `json:"content_type"`
}

// InitiateResponse is the response body for POST /api/upload/initiate.
type InitiateResponse struct {
	UploadID   string `json:"upload_id"`
	Bucket     string `json:"bucket"`
	ObjectKey  string `json:"object_key"`
	ChunkSize  int64  `json:"chunk_size"`
	TotalParts int    `json:"total_parts"`
}

// Initiate calls POST /api/upload/initiate.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	var out InitiateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/upload/initiate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PresignedURL is one entry of the presign response.
type PresignedURL struct {
	PartNumber int       `json:"part_number"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type presignResponse struct {
	URLs []PresignedURL `json:"urls"`
}

// Presign calls GET /api/upload/presign for the given part numbers.
func (c *Client) Presign(ctx context.Context, uploadID, bucket, objectKey string, partNumbers []int) ([]PresignedURL, error) {
	csv := make([]string, len(partNumbers))
	for i, n := range partNumbers {
		csv[i] = strconv.Itoa(n)
	}
	path := fmt.Sprintf("/api/upload/presign?upload_id=%s&bucket=%s&object_key=%s&part_numbers=%s",
		url.QueryEscape(uploadID), url.QueryEscape(bucket), url.QueryEscape(objectKey), strings.Join(csv, ","))

	var out presignResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.URLs, nil
}

// CompletedPart is one entry of the complete request's part list.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

type completeRequest struct {
	UploadID  string          `json:"upload_id"`
	Bucket    string          `json:"bucket"`
	ObjectKey string          `json:"object_key"`
	Parts     []CompletedPart `json:"parts"`
}

// CompleteResponse is the response body for POST /api/upload/complete.
type CompleteResponse struct {
	Status     string `json:"status"`
	FinalETag  string `json:"final_etag,omitempty"`
	Verified   bool   `json:"verified"`
}

// Complete calls POST /api/upload/complete with the ordered receipt list.
func (c *Client) Complete(ctx context.Context, uploadID, bucket, objectKey string, parts []CompletedPart) (*CompleteResponse, error) {
	req := completeRequest{UploadID: uploadID, Bucket: bucket, ObjectKey: objectKey, Parts: parts}
	var out CompleteResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/upload/complete", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type abortRequest struct {
	UploadID  string `json:"upload_id"`
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"object_key"`
}

// Abort calls POST /api/upload/abort. Best-effort: callers in the
// Supervisor treat its failure as non-fatal.
func (c *Client) Abort(ctx context.Context, uploadID, bucket, objectKey string) error {
	req := abortRequest{UploadID: uploadID, Bucket: bucket, ObjectKey: objectKey}
	return c.doJSON(ctx, http.MethodPost, "/api/upload/abort", req, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return &ErrCoordinatorUnavailable{Op: path, Err: err}
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("X-Request-Id", requestID())
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &ErrCoordinatorUnavailable{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ErrCoordinatorUnavailable{Op: path, StatusCode: resp.StatusCode}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ErrCoordinatorUnavailable{Op: path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
