package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenWCS/internal/equipment"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHubBroadcastsEquipmentStatus(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	e := equipment.New("CV01", "PLC01")
	e.IsRunning = true
	e.Mode = equipment.ModeAuto
	hub.EquipmentChanged(*e)

	msg := readMessage(t, conn)
	assert.Equal(t, "equipment_status", msg["type"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, "CV01", data["id"])
	assert.Equal(t, true, data["is_running"])
	assert.Equal(t, "auto", data["mode"])
}

func TestHubSubscriptionFiltersEquipment(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientRequest{Type: "subscribe", EquipmentIDs: []string{"CV02"}}))
	assert.Equal(t, "subscribed", readMessage(t, conn)["type"])

	hub.EquipmentChanged(*equipment.New("CV01", "PLC01"))
	hub.EquipmentChanged(*equipment.New("CV02", "PLC01"))
	hub.Broadcast(NewSystemStatusMessage(map[string]string{"state": "running"}))

	first := readMessage(t, conn)
	assert.Equal(t, "equipment_status", first["type"])
	assert.Equal(t, "CV02", first["data"].(map[string]any)["id"])
	assert.Equal(t, "system_status", readMessage(t, conn)["type"])
}

func TestHubRejectsUnknownRequest(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientRequest{Type: "write"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["data"].(map[string]any)["reason"], "write")
}

func TestHubUnregistersClosedClient(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}
