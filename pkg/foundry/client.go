package foundry

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/version"
)

// TransactionType selects how a committed transaction changes the dataset view.
type TransactionType string

const (
	// Snapshot replaces every file of the dataset.
	Snapshot TransactionType = "SNAPSHOT"
	// Append adds files next to the existing ones.
	Append TransactionType = "APPEND"
)

// Client is a small HTTP client for the dataset transaction endpoints.
type Client struct {
	apiBaseURL *url.URL
	token      string
	http       *http.Client
}

// NewClient constructs a client for the API gateway base URL, which should
// look like "https://<stack>.palantirfoundry.com/api".
//
// defaultCAPath is optional and, when provided, is used as the TLS trust store.
func NewClient(apiGatewayURL, token, defaultCAPath string) (*Client, error) {
	apiBase, err := parseBaseURL(apiGatewayURL, "api gateway")
	if err != nil {
		return nil, err
	}
	hc, err := newHTTPClient(defaultCAPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		apiBaseURL: apiBase,
		token:      strings.TrimSpace(token),
		http:       hc,
	}, nil
}

func parseBaseURL(raw string, name string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s base URL is required", name)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s base URL: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s base URL must include a host (got %q)", name, raw)
	}
	// ResolveReference treats the base as a directory only with a trailing slash.
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func newHTTPClient(defaultCAPath string) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if p := strings.TrimSpace(defaultCAPath); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read DEFAULT_CA_PATH file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(b); !ok {
			return nil, fmt.Errorf("parse DEFAULT_CA_PATH PEM: no certs found")
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return &http.Client{
		Transport: tr,
		Timeout:   60 * time.Second,
	}, nil
}

// do sends one request and returns the response body of a 2xx answer.
// Other statuses become an *HTTPError.
func (c *Client) do(ctx context.Context, op, method string, u *url.URL, contentType string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, newHTTPError(op, resp, rb)
	}
	return rb, nil
}

type createTxnRequest struct {
	TransactionType TransactionType `json:"transactionType"`
}

// Transaction is the subset of the transaction resource this client reads.
type Transaction struct {
	RID             string  `json:"rid"`
	TransactionType string  `json:"transactionType"`
	Status          string  `json:"status"`
	CreatedTime     string  `json:"createdTime"`
	ClosedTime      *string `json:"closedTime,omitempty"`
}

// CreateTransaction opens a transaction on the branch and returns its RID.
func (c *Client) CreateTransaction(ctx context.Context, datasetRID, branch string, txnType TransactionType) (string, error) {
	if txnType == "" {
		txnType = Snapshot
	}
	b, err := json.Marshal(createTxnRequest{TransactionType: txnType})
	if err != nil {
		return "", err
	}

	u := c.resolveAPI(fmt.Sprintf("v2/datasets/%s/transactions", url.PathEscape(datasetRID)))
	q := url.Values{}
	if strings.TrimSpace(branch) != "" {
		q.Set("branchName", strings.TrimSpace(branch))
	}
	u.RawQuery = q.Encode()

	rb, err := c.do(ctx, "createTransaction", http.MethodPost, u, "application/json", b)
	if err != nil {
		return "", err
	}
	var out Transaction
	if err := json.Unmarshal(rb, &out); err != nil {
		return "", fmt.Errorf("parse create transaction response: %w", err)
	}
	rid := strings.TrimSpace(out.RID)
	if rid == "" {
		return "", fmt.Errorf("create transaction response missing rid")
	}
	return rid, nil
}

type listTxnsResponse struct {
	Data          []Transaction `json:"data"`
	NextPageToken string        `json:"nextPageToken"`
}

// ListTransactions lists transactions of a dataset, newest first.
//
// The endpoint is a preview endpoint and requires preview=true.
func (c *Client) ListTransactions(ctx context.Context, datasetRID string, pageSize int, pageToken string) ([]Transaction, string, error) {
	u := c.resolveAPI(fmt.Sprintf("v2/datasets/%s/transactions", url.PathEscape(datasetRID)))
	q := url.Values{}
	q.Set("preview", "true")
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	if strings.TrimSpace(pageToken) != "" {
		q.Set("pageToken", strings.TrimSpace(pageToken))
	}
	u.RawQuery = q.Encode()

	rb, err := c.do(ctx, "listTransactions", http.MethodGet, u, "", nil)
	if err != nil {
		return nil, "", err
	}
	var out listTxnsResponse
	if err := json.Unmarshal(rb, &out); err != nil {
		return nil, "", fmt.Errorf("parse list transactions response: %w", err)
	}
	return out.Data, strings.TrimSpace(out.NextPageToken), nil
}

// FindLatestOpenTransaction returns the RID of the newest OPEN transaction.
func (c *Client) FindLatestOpenTransaction(ctx context.Context, datasetRID string) (string, bool, error) {
	pageToken := ""
	for i := 0; i < 5; i++ {
		txns, next, err := c.ListTransactions(ctx, datasetRID, 100, pageToken)
		if err != nil {
			return "", false, err
		}
		for _, t := range txns {
			if strings.EqualFold(strings.TrimSpace(t.Status), "OPEN") && strings.TrimSpace(t.RID) != "" {
				return strings.TrimSpace(t.RID), true, nil
			}
		}
		if next == "" {
			break
		}
		pageToken = next
	}
	return "", false, nil
}

// UploadFile writes b to filePath inside an open transaction.
func (c *Client) UploadFile(ctx context.Context, datasetRID, txnRID, filePath, contentType string, b []byte) error {
	u := c.resolveAPI(fmt.Sprintf(
		"v2/datasets/%s/files/%s/upload",
		url.PathEscape(datasetRID),
		escapeURLPath(filePath),
	))
	q := url.Values{}
	if strings.TrimSpace(txnRID) != "" {
		q.Set("transactionRid", strings.TrimSpace(txnRID))
	}
	u.RawQuery = q.Encode()
	if b == nil {
		b = []byte{}
	}
	_, err := c.do(ctx, "uploadFile", http.MethodPost, u, contentType, b)
	return err
}

// CommitTransaction commits an open transaction.
func (c *Client) CommitTransaction(ctx context.Context, datasetRID, txnRID string) error {
	return c.closeTransaction(ctx, "commitTransaction", "commit", datasetRID, txnRID)
}

// AbortTransaction abandons an open transaction and every file staged in it.
func (c *Client) AbortTransaction(ctx context.Context, datasetRID, txnRID string) error {
	return c.closeTransaction(ctx, "abortTransaction", "abort", datasetRID, txnRID)
}

func (c *Client) closeTransaction(ctx context.Context, op, action, datasetRID, txnRID string) error {
	u := c.resolveAPI(fmt.Sprintf(
		"v2/datasets/%s/transactions/%s/%s",
		url.PathEscape(datasetRID),
		url.PathEscape(txnRID),
		action,
	))
	_, err := c.do(ctx, op, http.MethodPost, u, "", nil)
	return err
}

func (c *Client) resolveAPI(relPath string) *url.URL {
	rel, err := url.Parse(strings.TrimPrefix(relPath, "/"))
	if err != nil {
		rel = &url.URL{Path: strings.TrimPrefix(relPath, "/")}
	}
	return c.apiBaseURL.ResolveReference(rel)
}

// escapeURLPath escapes each segment of a dataset file path and keeps the
// "/" separators.
func escapeURLPath(p string) string {
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "." {
		return ""
	}
	parts := strings.Split(cleaned, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
