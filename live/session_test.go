package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshkrdotcom/gemini-go/apierror"
	"github.com/nshkrdotcom/gemini-go/auth"
)

type fakeStrategy struct{ base string }

func (f fakeStrategy) BaseURL(auth.Credentials) string { return f.base }
func (f fakeStrategy) Path(model, endpoint string, _ auth.Credentials) string {
	return model + ":" + endpoint
}
func (f fakeStrategy) Headers(context.Context, auth.Credentials) (http.Header, error) {
	return http.Header{}, nil
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newWSServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDialBecomesReadyAfterSetupComplete(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(data), "\"setup\"")

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s, err := Dial(context.Background(), Config{
		Backend:  auth.BackendGeminiAPI,
		Strategy: fakeStrategy{base: srv.URL},
		Creds:    auth.Credentials{APIKey: "k"},
		Setup:    SetupConfig{Model: "gemini-3-flash"},
	})
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, func() bool { return s.Status() == StatusReady }, time.Second, 5*time.Millisecond)
}

func TestSendsQueueUntilSetupCompleteThenFlush(t *testing.T) {
	received := make(chan map[string]any, 8)
	srv := newWSServer(t, func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`)))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			require.NoError(t, json.Unmarshal(data, &frame))
			received <- frame
		}
	})

	s, err := Dial(context.Background(), Config{
		Backend:  auth.BackendGeminiAPI,
		Strategy: fakeStrategy{base: srv.URL},
		Creds:    auth.Credentials{APIKey: "k"},
		Setup:    SetupConfig{Model: "gemini-3-flash"},
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SendRealtimeInput(map[string]any{"text": "hi"}))

	select {
	case frame := <-received:
		assert.Contains(t, frame, "realtimeInput")
	case <-time.After(2 * time.Second):
		t.Fatal("queued frame never reached the server")
	}
}

func TestToolCallRespondsWithoutDeadlock(t *testing.T) {
	received := make(chan map[string]any, 8)
	srv := newWSServer(t, func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"toolCall":{"functionCalls":[{"id":"c1","name":"get_weather"}]}}`)))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			require.NoError(t, json.Unmarshal(data, &frame))
			received <- frame
		}
	})

	s, err := Dial(context.Background(), Config{
		Backend:  auth.BackendGeminiAPI,
		Strategy: fakeStrategy{base: srv.URL},
		Creds:    auth.Credentials{APIKey: "k"},
		Setup:    SetupConfig{Model: "gemini-3-flash"},
		Callbacks: Callbacks{
			OnToolCall: func(ctx context.Context, call ToolCall) []ToolResponseResult {
				return []ToolResponseResult{{ID: call.FunctionCalls[0].ID, Response: "sunny"}}
			},
		},
	})
	require.NoError(t, err)
	defer s.Close()

	for {
		select {
		case frame := <-received:
			if _, ok := frame["toolResponse"]; ok {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("tool response never reached the server (likely deadlocked)")
		}
	}
}

func TestGoAwayInvokesCallbackWithHandle(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"sessionResumptionUpdate":{"newHandle":"h1","resumable":true}}`)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"goAway":{"timeLeft":5000}}`)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	goAwayCh := make(chan string, 1)
	s, err := Dial(context.Background(), Config{
		Backend:  auth.BackendGeminiAPI,
		Strategy: fakeStrategy{base: srv.URL},
		Creds:    auth.Credentials{APIKey: "k"},
		Setup:    SetupConfig{Model: "gemini-3-flash"},
		Callbacks: Callbacks{
			OnGoAway: func(frame GoAway, handle string) { goAwayCh <- handle },
		},
	})
	require.NoError(t, err)
	defer s.Close()

	select {
	case handle := <-goAwayCh:
		assert.Equal(t, "h1", handle)
	case <-time.After(2 * time.Second):
		t.Fatal("goAway callback never fired")
	}
}

func TestDialVertexWithoutProjectIDFailsBeforeNetwork(t *testing.T) {
	_, err := Dial(context.Background(), Config{
		Backend:  auth.BackendVertex,
		Strategy: fakeStrategy{base: "https://example.test"},
		Creds:    auth.Credentials{},
		Setup:    SetupConfig{Model: "gemini-3-flash"},
	})
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.KindMissingCredentials))
}
