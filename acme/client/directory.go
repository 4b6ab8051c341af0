package client

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cpu/acmealpn/acme"
	"github.com/cpu/acmealpn/acme/resources"
	"github.com/pkg/errors"
)

const directoryOp = "directory"

func (c *Client) getDirectory(ctx context.Context) (*resources.Directory, error) {
	url := c.DirectoryURL.String()

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.net.Perform(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, &acme.NetworkError{Op: directoryOp, URL: url, Err: err}
	}
	c.updateNonce(resp.Header)

	if resp.StatusCode != http.StatusOK {
		return nil, acme.NewProtocolError(directoryOp, url, resp.StatusCode, decodeProblem(resp.RespBody))
	}

	var directory resources.Directory
	if err := json.Unmarshal(resp.RespBody, &directory); err != nil {
		return nil, acme.Malformed(directoryOp, url, errors.Wrap(err, "decoding directory"))
	}
	if err := directory.Validate(); err != nil {
		return nil, acme.Malformed(directoryOp, url, err)
	}
	return &directory, nil
}

// Directory returns the ACME server's directory resource, fetching it on first
// use. Concurrent callers share a single fetch.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.1
func (c *Client) Directory(ctx context.Context) (*resources.Directory, error) {
	c.dirMu.RLock()
	dir := c.directory
	c.dirMu.RUnlock()
	if dir != nil {
		return dir, nil
	}

	v, err, _ := c.flight.Do(directoryOp, func() (interface{}, error) {
		c.dirMu.RLock()
		cached := c.directory
		c.dirMu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		fetched, err := c.getDirectory(ctx)
		if err != nil {
			return nil, err
		}
		c.dirMu.Lock()
		c.directory = fetched
		c.dirMu.Unlock()
		c.log.Info().Str("url", c.DirectoryURL.String()).Msg("fetched directory")
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*resources.Directory), nil
}

// RefreshDirectory drops the cached directory and fetches it again.
func (c *Client) RefreshDirectory(ctx context.Context) (*resources.Directory, error) {
	c.dirMu.Lock()
	c.directory = nil
	c.dirMu.Unlock()
	c.flight.Forget(directoryOp)
	return c.Directory(ctx)
}

// endpoint returns the URL for the named directory entry, fetching the
// directory if needed. A missing entry is a fatal ProtocolError.
func (c *Client) endpoint(ctx context.Context, name string) (string, error) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return "", err
	}
	u, ok := dir.Endpoint(name)
	if !ok {
		return "", acme.Malformed(directoryOp, c.DirectoryURL.String(),
			errors.Errorf("ACME server directory has no %q endpoint", name))
	}
	return u, nil
}
