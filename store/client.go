// Package store is a thin binding to the CouchDB-like document store:
// existence checks, document saves, update-handler merges, and view
// queries, each a single HTTP round trip. It knows nothing about habitat
// document shapes — callers marshal and unmarshal their own types.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/ukhas/habitat/internal/habitatversion"
)

// userAgent identifies this client to the document store the same way
// the teacher's REST client identifies itself (client/client.go's
// clientUserAgent), stamped with this build's version instead of a
// hardcoded string.
var userAgent = "habitat/" + habitatversion.String()

// StatusError is returned for any non-2xx response the store sends back
// that isn't specifically a conflict (see ErrConflict).
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("store: %s %s: status %d: %s", e.Method, e.URL, e.Status, body)
}

// ErrConflict is returned in place of StatusError when the store answers
// with HTTP 409, so callers can distinguish a revision conflict (which
// may be worth retrying) from every other failure (which is not).
type ErrConflict struct {
	Method string
	URL    string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("store: %s %s: conflict", e.Method, e.URL)
}

// Client is a connection to one database on a document store server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	db         string
}

// Open performs the existence check described by the store's external
// interface (a GET against the database root) and returns a Client bound
// to that database, or an error if the database doesn't exist or isn't
// reachable. Callers are expected to treat a failed Open as fatal at
// startup, the same way a misconfigured store address would be.
func Open(ctx context.Context, httpClient *http.Client, baseURL, db string) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{httpClient: httpClient, baseURL: strings.TrimRight(baseURL, "/"), db: db}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.dbURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(req, resp)
	}
	return c, nil
}

func (c *Client) dbURL() string {
	return c.baseURL + "/" + url.PathEscape(c.db)
}

func (c *Client) docURL(id string) string {
	return c.dbURL() + "/" + url.PathEscape(id)
}

// Save creates or overwrites the document identified by id with doc,
// returning the store's revision token for the write. Use this only
// when the caller already knows the document's id, such as a
// content-addressed payload telemetry document; for a document the
// store should assign an id to, use Create instead.
func (c *Client) Save(ctx context.Context, id string, doc interface{}) (rev string, err error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.docURL(id), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doAndDecodeRev(req)
}

// Create POSTs doc as a new document (POST /<db>, spec §6) and returns
// the id the store assigned it along with the revision token for the
// write. Listener telemetry and listener information documents use
// this — spec §4.4 has the uploader "Save; return server-assigned id"
// for both, never minting the id itself.
func (c *Client) Create(ctx context.Context, doc interface{}) (id, rev string, err error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.dbURL(), bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return "", "", &ErrConflict{Method: req.Method, URL: req.URL.String()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", c.statusError(req, resp)
	}
	var result struct {
		ID  string `json:"id"`
		Rev string `json:"rev"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", err
	}
	return result.ID, result.Rev, nil
}

// Get fetches the document identified by id into out, returning its
// current revision token.
func (c *Client) Get(ctx context.Context, id string, out interface{}) (rev string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.docURL(id), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return "", &ErrConflict{Method: req.Method, URL: req.URL.String()}
	}
	if resp.StatusCode != http.StatusOK {
		return "", c.statusError(req, resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return "", err
		}
	}
	var rv struct {
		Rev string `json:"_rev"`
	}
	_ = json.Unmarshal(raw, &rv)
	return rv.Rev, nil
}

// PutUpdate invokes a named server-side update handler registered under
// design document ddoc against the document identified by id, sending
// doc as the request body (PUT /<db>/_design/<ddoc>/_update/<handler>/<id>,
// spec §6). This is how a conflict-tolerant merge (such as adding a
// receiver's entry to a payload telemetry document) is performed: the
// store runs the merge logic atomically server-side instead of the
// client read-modify-write racing another client's write.
func (c *Client) PutUpdate(ctx context.Context, ddoc, handler, id string, doc interface{}) (rev string, err error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	u := c.dbURL() + "/_design/" + url.PathEscape(ddoc) + "/_update/" + url.PathEscape(handler) + "/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doAndDecodeRev(req)
}

// ViewRow is one row of a view query result.
type ViewRow struct {
	ID  string          `json:"id"`
	Key interface{}     `json:"key"`
	Doc json.RawMessage `json:"doc"`
}

// View queries the view named view under design document ddoc
// (GET /<db>/_design/<ddoc>/_view/<view>?include_docs=true[&startkey=…],
// spec §6), optionally starting at startKey (ignored if empty), and
// decodes the full documents (include_docs=true) into rows. startKey
// is sent verbatim (only URL-escaped) as the startkey query parameter,
// so a caller whose view emits array or string keys must JSON-encode
// startKey itself before calling View — a bare scalar would collate
// differently than the array keys the view actually emits.
func (c *Client) View(ctx context.Context, ddoc, view, startKey string) ([]ViewRow, error) {
	u := c.dbURL() + "/_design/" + url.PathEscape(ddoc) + "/_view/" + url.PathEscape(view) + "?include_docs=true"
	if startKey != "" {
		u += "&startkey=" + url.QueryEscape(startKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(req, resp)
	}
	var result struct {
		Rows []ViewRow `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Rows, nil
}

func (c *Client) doAndDecodeRev(req *http.Request) (string, error) {
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return "", &ErrConflict{Method: req.Method, URL: req.URL.String()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", c.statusError(req, resp)
	}
	var rv struct {
		Rev string `json:"rev"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rv); err != nil {
		return "", err
	}
	return rv.Rev, nil
}

// do attaches a correlation id to every outbound request, mirroring the
// teacher's request-tracing convention, and executes it.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("X-Request-Id", uuid.NewString())
	req.Header.Set("User-Agent", userAgent)
	return c.httpClient.Do(req)
}

func (c *Client) statusError(req *http.Request, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &StatusError{
		Method: req.Method,
		URL:    req.URL.String(),
		Status: resp.StatusCode,
		Body:   string(body),
	}
}
