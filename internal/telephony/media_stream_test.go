package telephony

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carecall/internal/voice"
)

func TestMediaStream_RoundTrip(t *testing.T) {
	legs := make(chan *MediaStream, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		legs <- NewMediaStream(conn, time.Second)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	leg := <-legs
	defer leg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.WriteJSON(map[string]any{"event": "connected"}))
	require.NoError(t, client.WriteJSON(map[string]any{
		"event":     "start",
		"streamSid": "MZ1",
		"start": map[string]any{
			"streamSid":        "MZ1",
			"callSid":          "CA1",
			"customParameters": map[string]string{"token": "tok", "call_session_id": "cs1"},
		},
	}))
	require.NoError(t, client.WriteJSON(map[string]any{
		"event": "media",
		"media": map[string]string{"payload": base64.StdEncoding.EncodeToString([]byte{0xff, 0x7f})},
	}))

	ev, err := leg.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, voice.CarrierStart, ev.Type)
	assert.Equal(t, "cs1", ev.CallSessionID)
	assert.Equal(t, "tok", ev.Token)
	assert.Equal(t, "CA1", ev.ProviderCallID)

	ev, err = leg.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, voice.CarrierMedia, ev.Type)
	assert.Equal(t, voice.Frame{0xff, 0x7f}, ev.Frame)

	require.NoError(t, leg.SendAudio(ctx, voice.Frame{1, 2, 3}))
	require.NoError(t, leg.ClearAudio(ctx))

	var out streamMessage
	require.NoError(t, client.ReadJSON(&out))
	assert.Equal(t, "media", out.Event)
	assert.Equal(t, "MZ1", out.StreamSid)
	payload, err := base64.StdEncoding.DecodeString(out.Media.Payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, payload)

	require.NoError(t, client.ReadJSON(&out))
	assert.Equal(t, "clear", out.Event)

	require.NoError(t, client.WriteJSON(map[string]any{"event": "stop"}))
	ev, err = leg.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, voice.CarrierStop, ev.Type)
}

func TestMediaStream_SendBeforeStartFails(t *testing.T) {
	legs := make(chan *MediaStream, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		legs <- NewMediaStream(conn, time.Second)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	leg := <-legs
	assert.Error(t, leg.SendAudio(context.Background(), voice.Frame{1}))

	require.NoError(t, leg.Close())
	assert.ErrorIs(t, leg.SendAudio(context.Background(), voice.Frame{1}), voice.ErrClosed)
}
