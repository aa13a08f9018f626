package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, c *Client) WSMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return WSMessage{}
	}
}

func TestHubLocalDelivery(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	a, b := uuid.New(), uuid.New()
	c1 := NewClient(hub, a, nil, nil)
	c2 := NewClient(hub, a, nil, nil)
	other := NewClient(hub, b, nil, nil)
	hub.Register(c1)
	hub.Register(c2)
	hub.Register(other)
	assert.Equal(t, 2, hub.Watchers(a))

	hub.Publish(a, "status", map[string]string{"status": "Processing"})

	for _, c := range []*Client{c1, c2} {
		msg := receive(t, c)
		assert.Equal(t, "status", msg.Event)
		assert.JSONEq(t, `{"status":"Processing"}`, string(msg.Data))
	}
	assert.Len(t, other.send, 0)

	hub.Unregister(c1)
	_, open := <-c1.send
	assert.False(t, open, "unregister closes the send channel")
	hub.Unregister(c1)
	assert.Equal(t, 1, hub.Watchers(a))
}

func TestHubRedisFanOut(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ps := NewRedisPubSub(rdb, nil)

	// Two hubs stand in for two server instances sharing Redis.
	h1 := NewHub(nil, ps, ps)
	h2 := NewHub(nil, ps, ps)
	id := uuid.New()
	c1 := NewClient(h1, id, nil, nil)
	c2 := NewClient(h2, id, nil, nil)
	h1.Register(c1)
	h2.Register(c2)

	h1.Publish(id, "status", map[string]string{"status": "Ready"})

	for _, c := range []*Client{c1, c2} {
		msg := receive(t, c)
		assert.Equal(t, "status", msg.Event)
		assert.JSONEq(t, `{"status":"Ready"}`, string(msg.Data))
	}
	select {
	case msg := <-c1.send:
		t.Fatalf("duplicate delivery: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServeWs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(nil, nil, nil)
	allowed := uuid.New()
	authorize := func(_ context.Context, token string, videoID uuid.UUID) error {
		if token != "good" || videoID != allowed {
			return errors.New("denied")
		}
		return nil
	}
	r := gin.New()
	r.GET("/ws", ServeWs(hub, nil, authorize))
	srv := httptest.NewServer(r)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base+"?video_id="+allowed.String()+"&token=bad", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"?video_id=nope&token=good", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"?video_id="+allowed.String()+"&token=good", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Watchers(allowed) == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(allowed, "status", map[string]string{"status": "Draft"})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "status", msg.Event)
	var data map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, "Draft", data["status"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Watchers(allowed) == 0 }, 2*time.Second, 10*time.Millisecond)
}
