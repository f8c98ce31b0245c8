package realtime

import (
	"context"
	"errors"
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

func TestServeWs_DeliversPublishedClipStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ps := NewRedisPubSub(rdb, nil)
	hub := NewHub(ps, nil)
	userID := uuid.New()
	validate := func(token string) (uuid.UUID, error) {
		if token != "good" {
			return uuid.Nil, errors.New("bad token")
		}
		return userID, nil
	}

	r := gin.New()
	r.GET("/ws", ServeWs(hub, validate, nil))
	srv := httptest.NewServer(r)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=bad", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=good", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Connections(userID) == 1 }, time.Second, 10*time.Millisecond)

	clipID := uuid.New()
	require.NoError(t, ps.Publish(context.Background(), userID, EventClipStatus, map[string]string{
		"clip_id": clipID.String(), "status": "ready",
	}))
	require.NoError(t, ps.Publish(context.Background(), uuid.New(), EventClipStatus, map[string]string{"status": "other"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventClipStatus, msg.Event)
	assert.JSONEq(t, `{"clip_id":"`+clipID.String()+`","status":"ready"}`, string(msg.Data))

	_ = conn.Close()
	require.Eventually(t, func() bool { return hub.Connections(userID) == 0 }, time.Second, 10*time.Millisecond)
}
