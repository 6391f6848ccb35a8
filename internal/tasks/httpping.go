package tasks

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"taskrunner/internal/core"
)

// HTTPPingType issues a keep-alive request against a URL.
const HTTPPingType = "http.ping"

const defaultPingTimeout = 30 * time.Second

// HTTPPing requests "url" and fails on transport errors or an unexpected status.
// Parameters: url (required), method (GET), expect_status (any 2xx), timeout.
type HTTPPing struct {
	client *http.Client
}

// NewHTTPPing creates the body. A nil client gets a default one.
func NewHTTPPing(client *http.Client) *HTTPPing {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPPing{client: client}
}

func (t *HTTPPing) Execute(ec *core.ExecutionContext) error {
	target, err := ec.RequireParam("url")
	if err != nil {
		return err
	}
	method := strings.ToUpper(ec.Param("method", http.MethodGet))
	expect := 0
	if raw := ec.Param("expect_status", ""); raw != "" {
		if expect, err = strconv.Atoi(raw); err != nil {
			return errors.Wrapf(err, "parameter %q", "expect_status")
		}
	}
	timeout, err := parseTimeout(ec.Param("timeout", ""))
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}

	ctx, cancel := context.WithTimeout(ec.Context(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", "taskrunner/keepalive")

	started := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		if ec.Cancelled() {
			return ec.Err()
		}
		return errors.Wrapf(err, "%s %s", method, target)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if expect != 0 {
		ok = resp.StatusCode == expect
	}
	if !ok {
		return errors.Newf("%s %s returned status %d", method, target, resp.StatusCode)
	}
	ec.SetProgress(1, 1, resp.Status)
	ec.Logger().Debug("ping ok", "url", target, "status", resp.StatusCode, "elapsed", time.Since(started))
	return nil
}
