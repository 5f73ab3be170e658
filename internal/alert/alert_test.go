package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/logging"
)

func TestWebhookSendPostsJSON(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &payload))
		received <- payload
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	require.NoError(t, ch.Send(context.Background(), "risk gate", "sell-only for BNB/USDT"))

	payload := <-received
	assert.Equal(t, "risk gate", payload["title"])
	assert.Equal(t, "sell-only for BNB/USDT", payload["body"])
	assert.NotZero(t, payload["timestamp"])
}

func TestWebhookEmptyURLIsNoop(t *testing.T) {
	ch := NewWebhookChannel("")
	assert.NoError(t, ch.Send(context.Background(), "t", "b"))
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	assert.Error(t, ch.Send(context.Background(), "t", "b"))
}

type chanChannel struct {
	got chan string
}

func (c *chanChannel) Name() string { return "chan" }

func (c *chanChannel) Send(ctx context.Context, title, body string) error {
	c.got <- title
	return nil
}

func TestManagerDeliversAsync(t *testing.T) {
	ch := &chanChannel{got: make(chan string, 1)}
	m := NewManager(logging.NewNop(), ch)
	defer m.Close()

	m.Notify("engine stopped", "BNB/USDT stopped after repeated failures")

	select {
	case title := <-ch.got:
		assert.Equal(t, "engine stopped", title)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestManagerWithoutChannels(t *testing.T) {
	m := NewManager(logging.NewNop())
	// Nothing to deliver to; must not panic or block.
	m.Notify("t", "b")
	m.Close()
}
