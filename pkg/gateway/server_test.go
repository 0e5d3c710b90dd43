package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voice_bridge/pkg/voice"
)

type stubHandle struct{ id voice.CallID }

func (h stubHandle) ID() voice.CallID { return h.id }

type stubEngine struct{}

func (stubEngine) Register(credential, token string) error { return nil }

func (stubEngine) ConnectOutbound(credential, destination string, params map[string]string) (voice.CallHandle, error) {
	return stubHandle{id: "out-1"}, nil
}

func (stubEngine) AcceptInvite(invite voice.CallInvite) (voice.CallHandle, error) {
	return stubHandle{id: invite.ID}, nil
}

func (stubEngine) RejectInvite(voice.CallInvite) error   { return nil }
func (stubEngine) Disconnect(voice.CallHandle) error     { return nil }
func (stubEngine) SetMuted(voice.CallHandle, bool) error { return nil }

type stubUI struct{}

func (stubUI) ReportIncoming(voice.CallID, string) error { return nil }
func (stubUI) ReportEnded(voice.CallID, voice.EndReason) {}
func (stubUI) Reset()                                    {}

func newTestGateway(t *testing.T) (*httptest.Server, *voice.Coordinator) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coordinator, err := voice.NewCoordinator(&voice.Config{
		UIProvider: stubUI{},
		Engine:     stubEngine{},
		Logger:     logger,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go coordinator.Run(ctx)
	t.Cleanup(cancel)

	server, err := New(&Config{
		Coordinator: coordinator,
		Logger:      logger,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv, coordinator
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]string) {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()

	var decoded map[string]string
	_ = json.NewDecoder(res.Body).Decode(&decoded)
	return res, decoded
}

// register доводит координатор до зарегистрированного состояния.
// Токен приходит асинхронно, поэтому регистрация опрашивается.
func register(t *testing.T, srv *httptest.Server, coordinator *voice.Coordinator) {
	t.Helper()
	coordinator.HandleTokenRefresh("push-token")
	require.Eventually(t, func() bool {
		res, _ := postJSON(t, srv.URL+"/api/register", `{"accessToken":"tok"}`)
		return res.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)
}

func TestRegisterValidation(t *testing.T) {
	srv, _ := newTestGateway(t)

	res, body := postJSON(t, srv.URL+"/api/register", `{"accessToken":""}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, voice.CodeInvalidArgument, body["error"])
}

func TestRegisterWithoutPushToken(t *testing.T) {
	srv, _ := newTestGateway(t)

	res, body := postJSON(t, srv.URL+"/api/register", `{"accessToken":"tok"}`)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, voice.CodeMissingDeviceToken, body["error"])
}

func TestMalformedBody(t *testing.T) {
	srv, _ := newTestGateway(t)

	res, body := postJSON(t, srv.URL+"/api/dial", "{broken")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, voice.CodeInvalidArgument, body["error"])
}

func TestDialBeforeRegister(t *testing.T) {
	srv, _ := newTestGateway(t)

	res, body := postJSON(t, srv.URL+"/api/dial", `{"to":"+15550100"}`)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, voice.CodeNotInitialized, body["error"])
}

func TestAcceptWithoutInvite(t *testing.T) {
	srv, _ := newTestGateway(t)

	res, body := postJSON(t, srv.URL+"/api/accept", `{}`)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, voice.CodeNoIncomingCall, body["error"])
}

func TestHangupIdleOK(t *testing.T) {
	srv, _ := newTestGateway(t)

	res, _ := postJSON(t, srv.URL+"/api/hangup", `{}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestDialFlow(t *testing.T) {
	srv, coordinator := newTestGateway(t)
	register(t, srv, coordinator)

	res, _ := postJSON(t, srv.URL+"/api/dial", `{"to":"+15550100"}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	// второй вызов при занятом реестре
	res, body := postJSON(t, srv.URL+"/api/dial", `{"to":"+15550199"}`)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Equal(t, voice.CodeCallError, body["error"])
}

func TestEventsStream(t *testing.T) {
	srv, coordinator := newTestGateway(t)
	register(t, srv, coordinator)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	res, _ := postJSON(t, srv.URL+"/api/dial", `{"to":"+15550100"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var ev voice.LifecycleEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, voice.LifecycleConnecting, ev.State)
	assert.Equal(t, voice.DirectionOutgoing, ev.Direction)
	assert.Equal(t, voice.CallID("out-1"), ev.CallID)
}

func TestSpeakerEndpoint(t *testing.T) {
	srv, _ := newTestGateway(t)

	res, _ := postJSON(t, srv.URL+"/api/speaker", `{"on":true}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
