package ws

import (
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"zher/internal/core"
	"zher/internal/protocol"
)

func TestChatFanOut(t *testing.T) {
	state := core.NewState()
	_, baseURL := startTestServer(t, state)

	a, aWelcome := connectClient(t, baseURL, "")
	defer a.Close()
	b, _ := connectClient(t, baseURL, "")
	defer b.Close()

	writeFrame(t, a, protocol.EventTextMessage, "hi")

	aMsg := readUntil(t, a, protocol.EventMessage)
	bMsg := readUntil(t, b, protocol.EventMessage)

	for _, f := range []protocol.Frame{aMsg, bMsg} {
		var msg protocol.TextMessage
		decode(t, f.Data, &msg)
		if msg.SenderID != aWelcome.User.ID || msg.Text != "hi" || msg.Type != "text" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	}
}

func TestFileMetaAnnouncementBroadcasts(t *testing.T) {
	state := core.NewState()
	_, baseURL := startTestServer(t, state)

	a, aWelcome := connectClient(t, baseURL, "")
	defer a.Close()
	b, _ := connectClient(t, baseURL, "")
	defer b.Close()

	writeFrame(t, a, protocol.EventFileMeta, map[string]any{
		"fileId":   "f1",
		"fileName": "x.bin",
		"fileSize": 10,
	})

	f := readUntil(t, b, protocol.EventMessage)
	var meta protocol.FileMeta
	decode(t, f.Data, &meta)
	if meta.String("fileId") != "f1" || meta.String("fileName") != "x.bin" || meta.Uint64("fileSize") != 10 {
		t.Fatalf("unexpected file-meta: %+v", meta)
	}
	if meta.String("senderId") != aWelcome.User.ID || meta.String("type") != "file-meta" {
		t.Fatalf("unexpected enrichment: %+v", meta)
	}

	owner, ok := state.LookupFileOwner("f1")
	if !ok || owner.Filename != "x.bin" || owner.FileSize != 10 {
		t.Fatalf("owner not registered: %+v ok=%v", owner, ok)
	}
}

func TestNameChangeSuccessAndCollisionSuffix(t *testing.T) {
	state := core.NewState()
	_, baseURL := startTestServer(t, state)

	a, _ := connectClient(t, baseURL, "")
	defer a.Close()
	b, _ := connectClient(t, baseURL, "")
	defer b.Close()

	writeFrame(t, a, protocol.EventRequestNameChange, "alice")
	f := readUntil(t, a, protocol.EventNameChangeSuccess)
	var final string
	decode(t, f.Data, &final)
	if final != "alice" {
		t.Fatalf("final name = %q", final)
	}

	writeFrame(t, b, protocol.EventRequestNameChange, "alice")
	f = readUntil(t, b, protocol.EventNameChangeSuccess)
	decode(t, f.Data, &final)
	if final != "alice1" {
		t.Fatalf("collision final name = %q, want alice1", final)
	}
}

func TestNameChangeRejectsOverlongName(t *testing.T) {
	state := core.NewState()
	_, baseURL := startTestServer(t, state)

	a, _ := connectClient(t, baseURL, "")
	defer a.Close()

	writeFrame(t, a, protocol.EventRequestNameChange, strings.Repeat("x", 25))
	readUntil(t, a, protocol.EventNameChangeFail)
}

func TestAdmissionRejectsWrongRoomCode(t *testing.T) {
	state := core.NewState()
	state.SetAdmission(true, "123456")
	_, baseURL := startTestServer(t, state)

	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame, err := protocol.NewFrame(protocol.EventConnect, protocol.ConnectPayload{RoomCode: "000000"})
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.Frame
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("expected connection to close, got frame %+v", msg)
	}
}

func TestAdmissionAcceptsCorrectRoomCode(t *testing.T) {
	state := core.NewState()
	state.SetAdmission(true, "123456")
	_, baseURL := startTestServer(t, state)

	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame, _ := protocol.NewFrame(protocol.EventConnect, protocol.ConnectPayload{RoomCode: "123456"})
	writeMsg(t, conn, frame)
	readUntil(t, conn, protocol.EventWelcome)
}

func TestGraceReconnectReusesProfileWithoutUserJoined(t *testing.T) {
	state := core.NewState()
	_, baseURL := startTestServer(t, state)

	a, aWelcome := connectClient(t, baseURL, "session-a")
	b, _ := connectClient(t, baseURL, "")
	defer b.Close()

	a.Close()
	readUntil(t, b, protocol.EventUserLeft)

	a2, a2Welcome := connectClient(t, baseURL, "session-a")
	defer a2.Close()

	if a2Welcome.User.ID != aWelcome.User.ID ||
		a2Welcome.User.Name != aWelcome.User.Name ||
		a2Welcome.User.Color != aWelcome.User.Color {
		t.Fatalf("reconnect profile mismatch: got %+v, want %+v", a2Welcome.User, aWelcome.User)
	}

	f := readUntil(t, b, protocol.EventUpdateUserList)
	var users []protocol.User
	decode(t, f.Data, &users)
	found := false
	for _, u := range users {
		if u.ID == aWelcome.User.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("reconnected user missing from update-user-list: %+v", users)
	}
}

func startTestServer(t *testing.T, state *core.State) (*httptest.Server, string) {
	t.Helper()
	e := echo.New()
	NewHandler(state).Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	return httpServer, wsURL
}

func connectClient(t *testing.T, baseWSURL, sessionID string) (*websocket.Conn, protocol.WelcomePayload) {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(baseWSURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}

	frame, err := protocol.NewFrame(protocol.EventConnect, protocol.ConnectPayload{SessionID: sessionID})
	if err != nil {
		t.Fatalf("build connect frame: %v", err)
	}
	writeMsg(t, conn, frame)

	welcomeFrame := readUntil(t, conn, protocol.EventWelcome)
	var welcome protocol.WelcomePayload
	decode(t, welcomeFrame.Data, &welcome)
	return conn, welcome
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := protocol.NewFrame(event, payload)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	writeMsg(t, conn, frame)
}

func writeMsg(t *testing.T, conn *websocket.Conn, frame protocol.Frame) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write json: %v", err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var frame protocol.Frame
		err := conn.ReadJSON(&frame)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.Fatalf("connection closed unexpectedly: %v", err)
			}
			t.Fatalf("read json: %v", err)
		}
		if frame.Event == event {
			return frame
		}
	}
	t.Fatalf("timed out waiting for event %q", event)
	return protocol.Frame{}
}

func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
}
