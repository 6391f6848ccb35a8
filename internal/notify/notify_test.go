package notify

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarkNotifier(t *testing.T) {
	var got url.Values
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		path = r.URL.Path
		got = r.URL.Query()
	}))
	defer srv.Close()

	n, err := NewBarkNotifier(srv.URL+"/device-key/", "")
	require.NoError(t, err)
	require.NoError(t, n.Send(context.Background(), "backup failed", "exit status 1"))

	assert.Equal(t, "/device-key", path)
	assert.Equal(t, "backup failed", got.Get("title"))
	assert.Equal(t, "exit status 1", got.Get("body"))
	assert.Equal(t, "taskrunner", got.Get("group"))
}

func TestBarkNotifierErrors(t *testing.T) {
	_, err := NewBarkNotifier("  ", "")
	assert.Error(t, err)
	_, err = NewBarkNotifier("not a url", "")
	assert.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	n, err := NewBarkNotifier(srv.URL, "ops")
	require.NoError(t, err)
	assert.ErrorContains(t, n.Send(context.Background(), "t", "b"), "400")
}

type stubNotifier struct {
	calls int
	err   error
}

func (s *stubNotifier) Send(context.Context, string, string) error {
	s.calls++
	return s.err
}

func TestMultiNotifierDeliversToAll(t *testing.T) {
	errA := errors.New("a down")
	a := &stubNotifier{err: errA}
	b := &stubNotifier{}
	var buf bytes.Buffer
	logN := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	err := NewMultiNotifier(a, b, logN, &NoOpNotifier{}).Send(context.Background(), "title", "body")
	assert.True(t, errors.Is(err, errA))
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Contains(t, buf.String(), "title=title")

	assert.NoError(t, NewMultiNotifier(b).Send(context.Background(), "t", "b"))
}
