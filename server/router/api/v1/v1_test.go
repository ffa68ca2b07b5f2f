package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/kbot/ai/memory"
	"github.com/hrygo/kbot/internal/profile"
	"github.com/hrygo/kbot/plugin/chat_apps/channels"
	"github.com/hrygo/kbot/plugin/chat_apps/channels/onebot"
	"github.com/hrygo/kbot/server/chatbot"
	"github.com/hrygo/kbot/store"
	"github.com/hrygo/kbot/store/db/sqlite"
)

const (
	testSecret   = "s3cret"
	privateEvent = `{"post_type":"message","message_type":"private","user_id":10001,"message":[{"type":"text","data":{"text":"hello"}},{"type":"json","data":{}}]}`
)

type testEnv struct {
	echo  *echo.Echo
	bot   *chatbot.Bot
	store *store.Store
}

func newTestEnv(t *testing.T, withArchive bool) *testEnv {
	t.Helper()

	ch, err := onebot.NewOneBotChannel(&onebot.OneBotConfig{APIURL: "http://127.0.0.1:1", Secret: testSecret})
	require.NoError(t, err)
	router := channels.NewChannelRouter()
	router.Register(ch)

	session := memory.ModelSessionFunc(func(_ context.Context, prompt string) (string, error) {
		return "pong", nil
	})
	cfg := chatbot.Config{
		Context:    memory.DefaultConfig(),
		ChatFilter: `!text.startsWith("/")`,
	}
	cfg.Context.MaxPairs = 1

	var st *store.Store
	var opts []chatbot.Option
	p := &profile.Profile{Mode: "dev", Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "kbot_api.db")}
	if withArchive {
		driver, err := sqlite.NewDB(p)
		require.NoError(t, err)
		st = store.New(driver, p)
		t.Cleanup(func() { _ = st.Close() })
		require.NoError(t, st.Migrate(context.Background()))
		opts = append(opts, chatbot.WithArchive(st.ArchiveHook))
	}

	bot, err := chatbot.New(session, router, cfg, opts...)
	require.NoError(t, err)

	e := echo.New()
	NewAPIV1Service(p, bot, st).RegisterGateway(context.Background(), e)
	return &testEnv{echo: e, bot: bot, store: st}
}

func (env *testEnv) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	return rec
}

func signed(body string) map[string]string {
	return map[string]string{
		onebot.SignatureHeader: onebot.ComputeSignature(testSecret, []byte(body)),
		echo.HeaderContentType: echo.MIMEApplicationJSON,
	}
}

func TestHandleWebhook(t *testing.T) {
	t.Run("Accepted event is queued", func(t *testing.T) {
		env := newTestEnv(t, false)
		rec := env.do(t, http.MethodPost, "/webhook/onebot", privateEvent, signed(privateEvent))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp WebhookResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)

		key := "onebot:private:10001:10001"
		assert.Equal(t, []string{key}, env.bot.Aggregator().Users())
		pending := env.bot.Aggregator().Pending(key)
		require.Len(t, pending, 1, "the unsupported json segment is rejected")
		assert.Equal(t, "hello", pending[0].Content)

		rec = env.do(t, http.MethodGet, "/api/v1/aggregator/pending", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var users []PendingUser
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
		assert.Equal(t, []PendingUser{{UserID: key, Units: 1}}, users)
	})

	tests := []struct {
		name    string
		target  string
		body    string
		headers map[string]string
		want    int
	}{
		{"Bad signature", "/webhook/onebot", privateEvent, map[string]string{onebot.SignatureHeader: "sha1=00"}, http.StatusUnauthorized},
		{"Missing signature", "/webhook/onebot", privateEvent, nil, http.StatusUnauthorized},
		{"Malformed payload", "/webhook/onebot", `{oops`, signed(`{oops`), http.StatusBadRequest},
		{"Heartbeat is ignored", "/webhook/onebot", `{"post_type":"meta_event"}`, signed(`{"post_type":"meta_event"}`), http.StatusNoContent},
		{"Unknown platform", "/webhook/irc", privateEvent, nil, http.StatusNotFound},
		{"Platform without channel", "/webhook/telegram", privateEvent, nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, false)
			rec := env.do(t, http.MethodPost, tt.target, tt.body, tt.headers)
			assert.Equal(t, tt.want, rec.Code)
			assert.Empty(t, env.bot.Aggregator().Users())
		})
	}
}

func TestContextEndpoints(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	user := "onebot:private:1:1"

	cs, ok := env.bot.Contexts().Lookup("private")
	require.True(t, ok)
	_, recordID, err := cs.Chat(ctx, user, "what is go")
	require.NoError(t, err)

	t.Run("List scopes", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/scopes", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var scopes []ScopeInfo
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scopes))
		require.Len(t, scopes, 2)
		assert.Equal(t, ScopeInfo{Scope: "group", Users: 0, MaxPairs: 1, Enabled: true}, scopes[0])
		assert.Equal(t, ScopeInfo{Scope: "private", Users: 1, MaxPairs: 1, Enabled: true}, scopes[1])
	})

	t.Run("List users", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/scopes/private/users", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `["onebot:private:1:1"]`, rec.Body.String())
	})

	t.Run("History", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/scopes/private/users/"+user+"/history", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[{"user":"what is go","ai":"pong"}]`, rec.Body.String())
	})

	t.Run("Search records", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/scopes/private/users/"+user+"/records?pattern=what%20is%20go", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var records []map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
		require.Len(t, records, 1)
		assert.Equal(t, recordID, records[0]["id"])
		assert.Equal(t, "pong", records[0]["ai_response"])
		assert.NotNil(t, records[0]["end_time"])

		rec = env.do(t, http.MethodGet, "/api/v1/scopes/private/users/"+user+"/records?pattern=%5B", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String(), "an invalid pattern matches nothing")
	})

	t.Run("Get record", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/scopes/private/users/"+user+"/records/"+recordID, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"chat_prompt"`)

		rec = env.do(t, http.MethodGet, "/api/v1/scopes/private/users/"+user+"/records/missing", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Search all", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/scopes/private/records?pattern=pong", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var result map[string][]map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Len(t, result[user], 1)
	})

	t.Run("Unknown scope", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/scopes/channel/users", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Archive disabled", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/scopes/private/archive", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Clear user", func(t *testing.T) {
		rec := env.do(t, http.MethodDelete, "/api/v1/scopes/private/users/"+user, "", nil)
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, cs.History(user))
	})

	t.Run("Clear scope", func(t *testing.T) {
		_, _, err := cs.Chat(ctx, "onebot:private:2:2", "again")
		require.NoError(t, err)

		rec := env.do(t, http.MethodDelete, "/api/v1/scopes/private", "", nil)
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, cs.Users())
	})
}

func TestListArchive(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	cs, _ := env.bot.Contexts().Lookup("group")
	for _, msg := range []string{"one", "two", "three"} {
		_, _, err := cs.Chat(ctx, "onebot:group:9:1", msg)
		require.NoError(t, err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/scopes/group/archive", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []ArchivedPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "one", rows[0].User)
	assert.Equal(t, "pong", rows[0].AI)
	assert.Equal(t, "group", rows[0].Scope)

	rec = env.do(t, http.MethodGet, "/api/v1/scopes/group/archive?limit=1&user=onebot:group:9:1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Len(t, rows, 1)

	rec = env.do(t, http.MethodGet, "/api/v1/scopes/private/archive", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/scopes/group/archive?limit=zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
