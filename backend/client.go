// Package backend talks to the relay which stores key bundles and queues envelopes for offline users.
// Bodies are CBOR.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meow-io/go-hush/config"
	"github.com/meow-io/go-hush/envelope"
	"github.com/meow-io/go-hush/identity"
	"go.uber.org/zap"
)

const contentType = "application/cbor"

var ErrUnavailable = errors.New("backend: relay unavailable")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: %s %s returned %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("backend: %s %s returned %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

type Client struct {
	log    *zap.SugaredLogger
	base   string
	userID string
	http   *http.Client
}

func NewClient(c *config.Config, baseURL, userID string) *Client {
	return &Client{
		log:    c.Logger("backend"),
		base:   strings.TrimRight(baseURL, "/"),
		userID: userID,
		http:   &http.Client{Timeout: time.Duration(c.RequestTimeoutMs) * time.Millisecond},
	}
}

// GetUserKeys fetches a bundle for peer. The relay hands out each one-time prekey once.
func (c *Client) GetUserKeys(ctx context.Context, peer string) (*identity.Bundle, error) {
	b := &identity.Bundle{}
	if err := c.do(ctx, http.MethodGet, "/keys/"+url.PathEscape(peer), nil, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Client) PublishKeys(ctx context.Context, keys *identity.PublicKeys) error {
	return c.do(ctx, http.MethodPut, "/keys/"+url.PathEscape(c.userID), keys, nil)
}

func (c *Client) PostMessage(ctx context.Context, m *envelope.OutgoingMessage) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/messages", m, nil)
}

// FetchMessages drains the envelopes queued for this user.
func (c *Client) FetchMessages(ctx context.Context) ([]*envelope.Envelope, error) {
	var envs []*envelope.Envelope
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(c.userID), nil, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := envelope.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: error encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", contentType)

	c.log.Debugf("%s %s", method, path)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if resp.StatusCode/100 != 2 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	if err := envelope.Unmarshal(b, out); err != nil {
		return fmt.Errorf("backend: error decoding response: %w", err)
	}
	return nil
}
