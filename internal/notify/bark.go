package notify

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// BarkNotifier sends notifications via the Bark push app.
type BarkNotifier struct {
	baseURL string
	group   string
	client  *http.Client
}

// NewBarkNotifier creates a notifier posting to baseURL, which carries the device key.
func NewBarkNotifier(baseURL, group string) (*BarkNotifier, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("bark url is empty")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, errors.Wrap(err, "parse bark url")
	}
	if group == "" {
		group = "taskrunner"
	}
	return &BarkNotifier{
		baseURL: baseURL,
		group:   group,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (b *BarkNotifier) Send(ctx context.Context, title, body string) error {
	// POST with query parameters survives long bodies that the path form would not.
	form := url.Values{}
	form.Set("title", title)
	form.Set("body", body)
	form.Set("group", b.group)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, nil)
	if err != nil {
		return errors.Wrap(err, "create bark request")
	}
	req.URL.RawQuery = form.Encode()

	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send bark notification")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errors.Newf("bark api returned status: %d", resp.StatusCode)
	}
	return nil
}
