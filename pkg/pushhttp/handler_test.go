package pushhttp

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voice_bridge/pkg/voice"
)

type capturePush struct {
	mu      sync.Mutex
	tokens  []string
	invites []voice.CallInvite
}

func (c *capturePush) HandleTokenRefresh(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = append(c.tokens, token)
}

func (c *capturePush) HandleInboundOffer(invite voice.CallInvite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invites = append(c.invites, invite)
}

func newTestServer(t *testing.T) (*httptest.Server, *capturePush) {
	t.Helper()
	push := &capturePush{}
	handler := New(push, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	return srv, push
}

func TestHandleCall(t *testing.T) {
	srv, push := newTestServer(t)

	body := `{"callSid":"CA123","from":"alice","to":"bob"}`
	res, err := http.Post(srv.URL+"/call", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	require.Len(t, push.invites, 1)
	assert.Equal(t, voice.CallID("CA123"), push.invites[0].ID)
	assert.Equal(t, "alice", push.invites[0].From)
	assert.Equal(t, "bob", push.invites[0].To)
	assert.False(t, push.invites[0].ReceivedAt.IsZero())
}

func TestHandleCallMalformed(t *testing.T) {
	srv, push := newTestServer(t)

	res, err := http.Post(srv.URL+"/call", "application/json", strings.NewReader("{broken"))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Empty(t, push.invites)
}

func TestHandleCallMissingFields(t *testing.T) {
	srv, push := newTestServer(t)

	res, err := http.Post(srv.URL+"/call", "application/json", strings.NewReader(`{"to":"bob"}`))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Empty(t, push.invites)
}

func TestHandleToken(t *testing.T) {
	srv, push := newTestServer(t)

	res, err := http.Post(srv.URL+"/token", "application/json", strings.NewReader(`{"token":"device-token-1"}`))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, []string{"device-token-1"}, push.tokens)
}

func TestHandleTokenEmpty(t *testing.T) {
	srv, push := newTestServer(t)

	res, err := http.Post(srv.URL+"/token", "application/json", strings.NewReader(`{"token":""}`))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Empty(t, push.tokens)
}
