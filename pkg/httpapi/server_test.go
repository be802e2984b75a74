package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/pulsechat/pkg/auth"
	"github.com/mahaj/pulsechat/pkg/chaterr"
	"github.com/mahaj/pulsechat/pkg/directory"
	"github.com/mahaj/pulsechat/pkg/identity"
	"github.com/mahaj/pulsechat/pkg/model"
	"github.com/mahaj/pulsechat/pkg/presence"
	"github.com/mahaj/pulsechat/pkg/snowflake"
	"github.com/mahaj/pulsechat/pkg/store"
)

type fakeSub string

func (f fakeSub) ID() string            { return string(f) }
func (f fakeSub) Deliver(_ []byte) bool { return true }

type fixture struct {
	store    store.IMessageStore
	dir      *directory.SQLDirectory
	registry *presence.Registry
	issuer   *auth.Issuer
	srv      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	dir, err := directory.Open(filepath.Join(t.TempDir(), "directory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })

	f := &fixture{
		store:    store.NewMemoryStore(node),
		dir:      dir,
		registry: presence.NewRegistry(nil),
		issuer:   auth.NewIssuer("test-secret", time.Hour),
	}
	api := New(f.store, f.dir, presence.Local{Registry: f.registry}, f.issuer)
	f.srv = httptest.NewServer(api.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) send(t *testing.T, req model.SendMessageRequest) model.Message {
	d, err := req.Draft()
	require.NoError(t, err)
	m, err := f.store.Append(context.Background(), d)
	require.NoError(t, err)
	return m
}

func (f *fixture) do(t *testing.T, method, path, body, token string) *http.Response {
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestPairHistoryIsSymmetricAndRedacted(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, model.SendMessageRequest{Sender: "alice", Receiver: "bob", Body: "hi"})
	second := f.send(t, model.SendMessageRequest{Sender: "bob", Receiver: "alice", Body: "secret"})
	_, err := f.store.SoftDelete(context.Background(), second.ID)
	require.NoError(t, err)

	for _, path := range []string{"/messages/alice/bob", "/messages/BOB/Alice"} {
		resp := f.do(t, http.MethodGet, path, "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		var got []model.Message
		decode(t, resp, &got)
		require.Len(t, got, 2, path)
		assert.Equal(t, first.ID, got[0].ID)
		assert.Equal(t, second.ID, got[1].ID)
		assert.True(t, got[1].Deleted)
		assert.Empty(t, got[1].Body)
	}
}

func TestHistoryEmptyAndInvalid(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/messages/alice/nobody", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got []model.Message
	decode(t, resp, &got)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	resp = f.do(t, http.MethodGet, "/messages/alice/%20", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e errorResponse
	decode(t, resp, &e)
	assert.Equal(t, chaterr.KindInvalidIdentity, e.Code)

	resp = f.do(t, http.MethodGet, "/messages/a/b:c", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/rooms/team:eng/messages", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoomHistory(t *testing.T) {
	f := newFixture(t)
	m := f.send(t, model.SendMessageRequest{Sender: "alice", RoomID: "general", Body: "hello room"})

	resp := f.do(t, http.MethodGet, "/rooms/general/messages", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got []model.Message
	decode(t, resp, &got)
	require.Len(t, got, 1)
	assert.Equal(t, m.ID, got[0].ID)
	assert.Equal(t, "general", got[0].RoomID)
}

func TestRegisterLoginAndUsers(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/auth/register", `{"username":"Alice","password":"hunter22"}`, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tok tokenResponse
	decode(t, resp, &tok)
	assert.Equal(t, identity.ID("alice"), tok.Username)
	claims, err := f.issuer.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, identity.ID("alice"), claims.Identity)

	resp = f.do(t, http.MethodPost, "/auth/register", `{"username":"ALICE","password":"another1"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/auth/login", `{"username":"alice","password":"nope-nope"}`, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/auth/login", `{"username":"alice"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/auth/login", `{"username":"alice","password":"hunter22"}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = f.dir.Register(context.Background(), "bob", "hunter22")
	require.NoError(t, err)
	f.registry.Join(presence.UserChannel("bob"), fakeSub("b1"))

	resp = f.do(t, http.MethodGet, "/users", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var users []userEntry
	decode(t, resp, &users)
	assert.Equal(t, []userEntry{{Username: "alice"}, {Username: "bob", Online: true}}, users)
}

func TestPresenceEndpoint(t *testing.T) {
	f := newFixture(t)
	f.registry.Join(presence.UserChannel("bob"), fakeSub("b1"))

	resp := f.do(t, http.MethodGet, "/presence/BOB", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p presenceResponse
	decode(t, resp, &p)
	assert.Equal(t, presenceResponse{Identity: "bob", Online: true}, p)

	f.registry.Leave("b1")
	resp = f.do(t, http.MethodGet, "/presence/bob", "", "")
	decode(t, resp, &p)
	assert.False(t, p.Online)
}

func TestConversationsRequireAuth(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/conversations", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/conversations", "", "garbage")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConversationsAndMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, model.SendMessageRequest{Sender: "alice", Receiver: "bob", Body: "hi"})
	require.NoError(t, f.dir.RecordMessage(ctx, m))

	token, err := f.issuer.GenerateToken("bob")
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/conversations", "", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []directory.Conversation
	decode(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, identity.ID("alice"), list[0].Peer)
	assert.Equal(t, m.ID, list[0].LastMessageID)
	assert.Equal(t, int64(1), list[0].Unread)

	resp = f.do(t, http.MethodPost, "/conversations/read", `{"peer":"Alice"}`, token)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/conversations", "", token)
	decode(t, resp, &list)
	assert.Equal(t, int64(0), list[0].Unread)

	resp = f.do(t, http.MethodPost, "/conversations/read", `{"peer":"carol"}`, token)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/conversations/read", `{"peer":`, token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodOptions, "/auth/login", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusOf(t *testing.T) {
	cases := map[error]int{
		chaterr.Validation("x"):                           http.StatusBadRequest,
		chaterr.New(chaterr.KindNotFound, "x"):            http.StatusNotFound,
		chaterr.Unavailable(errors.New("down"), "append"): http.StatusServiceUnavailable,
		chaterr.New(chaterr.KindRateLimited, "slow down"): http.StatusTooManyRequests,
		chaterr.New(chaterr.KindAuth, "bad secret"):       http.StatusUnauthorized,
		errors.New("plain"):                               http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusOf(err), err.Error())
	}
}
