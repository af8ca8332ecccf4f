package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
)

// RequestIDHeader carries one id per Gateway.Do, shared by the original
// attempt and its retry.
const RequestIDHeader = "X-Request-ID"

// Request describes one logical API operation.
type Request struct {
	Method string
	// Path is appended to the gateway's base URL unless it is already absolute.
	Path string
	// Body is JSON-encoded. A json.RawMessage or []byte is sent verbatim.
	Body      any
	Header    http.Header
	Multipart *Multipart
}

// Multipart is a multipart/form-data payload. The writer's boundary decides
// the Content-Type, so no JSON content type is sent with it.
type Multipart struct {
	Fields map[string]string
	Files  []FilePart
}

// FilePart is one file inside a Multipart payload.
type FilePart struct {
	Field       string
	FileName    string
	ContentType string
	Content     []byte
}

// preparedCall is a Request with its body materialised, so the retry sends
// exactly the bytes the original attempt sent.
type preparedCall struct {
	method      string
	url         string
	body        []byte
	contentType string
	header      http.Header
	requestID   string
}

// phase is a step of the authorized request protocol. retryOnce always
// leads to done, which bounds Do to two calls to the target.
type phase int

const (
	phaseAttempt phase = iota
	phaseRefresh
	phaseRetryOnce
	phaseDone
)

// Gateway performs HTTP calls with the current access token and recovers
// once from a 401 by refreshing it.
type Gateway struct {
	baseURL   string
	store     *Store
	refresher TokenRefresher
	opts      options
}

// NewGateway builds a Gateway reading tokens from store.
func NewGateway(baseURL string, store *Store, refresher TokenRefresher, opts ...Option) *Gateway {
	return &Gateway{
		baseURL:   strings.TrimRight(baseURL, "/"),
		store:     store,
		refresher: refresher,
		opts:      newOptions(opts),
	}
}

// Do sends r. Responses other than 401 are returned unmodified, whatever
// their status. On 401 the token is refreshed and r is sent once more; that
// second response is returned as is. If the refresh fails Do returns an
// error matching ErrSessionExpired and the 401 response is discarded.
func (g *Gateway) Do(ctx context.Context, r Request) (*http.Response, error) {
	call, err := g.prepare(r)
	if err != nil {
		return nil, err
	}

	log := g.opts.log.With().
		Str("method", call.method).
		Str("url", call.url).
		Str("request_id", call.requestID).
		Logger()

	var (
		resp  *http.Response
		token string
	)
	for p := phaseAttempt; p != phaseDone; {
		switch p {
		case phaseAttempt:
			// Read fresh: a concurrent call may have refreshed it
			token, err = g.store.AccessToken(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to read access token: %w", err)
			}
			resp, err = g.send(ctx, call, token)
			if err != nil {
				g.opts.metrics.request(outcomeTransport)
				return nil, err
			}
			if resp.StatusCode != http.StatusUnauthorized {
				g.opts.metrics.request(outcomeOK)
				p = phaseDone
				continue
			}
			log.Debug().Msg("access token rejected")
			g.opts.events.AccessTokenRejected()
			discard(resp)
			p = phaseRefresh

		case phaseRefresh:
			token, err = g.refresher.Refresh(ctx)
			if err != nil {
				g.opts.metrics.request(outcomeExpired)
				return nil, err
			}
			p = phaseRetryOnce

		case phaseRetryOnce:
			g.opts.events.TokenRefreshedRetrying()
			resp, err = g.send(ctx, call, token)
			if err != nil {
				g.opts.metrics.request(outcomeTransport)
				return nil, err
			}
			log.Debug().Int("status", resp.StatusCode).Msg("retried with refreshed token")
			g.opts.metrics.request(outcomeRetried)
			p = phaseDone
		}
	}

	return resp, nil
}

// Get is Do with GET.
func (g *Gateway) Get(ctx context.Context, path string) (*http.Response, error) {
	return g.Do(ctx, Request{Method: http.MethodGet, Path: path})
}

// Post is Do with POST and a JSON body.
func (g *Gateway) Post(ctx context.Context, path string, body any) (*http.Response, error) {
	return g.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put is Do with PUT and a JSON body.
func (g *Gateway) Put(ctx context.Context, path string, body any) (*http.Response, error) {
	return g.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body})
}

// Delete is Do with DELETE.
func (g *Gateway) Delete(ctx context.Context, path string) (*http.Response, error) {
	return g.Do(ctx, Request{Method: http.MethodDelete, Path: path})
}

// PutMultipart is Do with PUT and a multipart body.
func (g *Gateway) PutMultipart(ctx context.Context, path string, form *Multipart) (*http.Response, error) {
	return g.Do(ctx, Request{Method: http.MethodPut, Path: path, Multipart: form})
}

// PostMultipart is Do with POST and a multipart body.
func (g *Gateway) PostMultipart(ctx context.Context, path string, form *Multipart) (*http.Response, error) {
	return g.Do(ctx, Request{Method: http.MethodPost, Path: path, Multipart: form})
}

func (g *Gateway) prepare(r Request) (*preparedCall, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	target := r.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		if g.baseURL == "" {
			return nil, ErrMissingBaseURL
		}
		target = g.baseURL + "/" + strings.TrimLeft(target, "/")
	}

	call := &preparedCall{
		method:    method,
		url:       target,
		header:    r.Header.Clone(),
		requestID: uuid.NewString(),
	}

	switch {
	case r.Multipart != nil:
		body, contentType, err := encodeMultipart(r.Multipart)
		if err != nil {
			return nil, err
		}
		call.body = body
		call.contentType = contentType
	case r.Body != nil:
		body, err := encodeJSON(r.Body)
		if err != nil {
			return nil, err
		}
		call.body = body
		call.contentType = "application/json"
	default:
		call.contentType = "application/json"
	}

	return call, nil
}

func (g *Gateway) send(ctx context.Context, call *preparedCall, token string) (*http.Response, error) {
	cancel := context.CancelFunc(func() {})
	if g.opts.requestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, g.opts.requestTimeout)
	}

	var body io.Reader
	if call.body != nil {
		body = bytes.NewReader(call.body)
	}

	req, err := http.NewRequestWithContext(ctx, call.method, call.url, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range call.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", call.contentType)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set(RequestIDHeader, call.requestID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.opts.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &TransportError{Method: call.method, URL: call.url, Err: err}
	}

	// The timeout must cover reading the body, so it ends on Close
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// discard drains and closes a response that will not reach the caller.
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func encodeJSON(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return data, nil
}

func encodeMultipart(form *Multipart) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for name, value := range form.Fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("failed to write form field %s: %w", name, err)
		}
	}

	for _, f := range form.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(
			`form-data; name=%q; filename=%q`, f.Field, f.FileName,
		))
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h.Set("Content-Type", contentType)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file %s: %w", f.FileName, err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, "", fmt.Errorf("failed to write form file %s: %w", f.FileName, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// DecodeJSON closes resp and decodes a 2xx body into v (when v is non-nil).
// Any other status becomes a *StatusError carrying the server's message.
func DecodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newStatusError(resp.StatusCode, body)
	}

	if v == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
