// Package peerclient talks to another node's serving API.
package peerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"peershare/internal/apperr"
	"peershare/pkg/types"
)

type Client struct {
	HTTP     *http.Client // metadata requests, bounded by a timeout
	Transfer *http.Client // body transfers, header timeout only
}

func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	tr := &http.Transport{
		Proxy:                 nil,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &Client{
		HTTP:     &http.Client{Timeout: timeout, Transport: tr},
		Transfer: &http.Client{Transport: tr},
	}
}

// BaseURL is the serving API root of p.
func BaseURL(p types.PeerDevice) string {
	return "http://" + net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

func (c *Client) Info(ctx context.Context, base string) (types.DeviceInfo, error) {
	var info types.DeviceInfo
	err := c.getJSON(ctx, base+"/info", &info)
	return info, err
}

// List returns the entries at path ("/" lists the shared folders).
func (c *Client) List(ctx context.Context, base, path string) ([]types.MediaEntry, error) {
	v := url.Values{}
	v.Set("path", path)
	var out []types.MediaEntry
	err := c.getJSON(ctx, base+"/files?"+v.Encode(), &out)
	return out, err
}

func (c *Client) Metadata(ctx context.Context, base, id string) (types.MediaEntry, error) {
	var e types.MediaEntry
	err := c.getJSON(ctx, base+"/files/"+url.PathEscape(id)+"/metadata", &e)
	return e, err
}

func (c *Client) Siblings(ctx context.Context, base, id string) ([]types.MediaEntry, error) {
	var out []types.MediaEntry
	err := c.getJSON(ctx, base+"/files/"+url.PathEscape(id)+"/siblings", &out)
	return out, err
}

// Open starts a download of id from offset. The caller closes the body and
// must check for 200 (offset ignored) versus 206.
func (c *Client) Open(ctx context.Context, base, id string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/download/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", apperr.ErrInvalid)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
	resp, err := c.Transfer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w: %v", id, apperr.ErrTransient, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		defer resp.Body.Close()
		return nil, statusError(resp, "download "+id)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", apperr.ErrInvalid)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w: %v", u, apperr.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp, "GET "+u)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: decode: %w: %v", u, apperr.ErrTransient, err)
	}
	return nil
}

func statusError(resp *http.Response, what string) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	kind := apperr.ErrTransient
	switch resp.StatusCode {
	case http.StatusNotFound:
		kind = apperr.ErrNotFound
	case http.StatusRequestedRangeNotSatisfiable, http.StatusBadRequest:
		kind = apperr.ErrInvalid
	}
	return fmt.Errorf("%s: %w: status %d %s", what, kind, resp.StatusCode, string(msg))
}
