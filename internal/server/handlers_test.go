package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"napochat/internal/providers"
	"napochat/internal/stats"
	"napochat/internal/storage"
)

type fakeRelay struct {
	lastHistory []providers.Message
	lastUserID  *string
	reply       string
	err         error
	calls       int
}

func (f *fakeRelay) Send(_ context.Context, history []providers.Message, userID *string) (string, error) {
	f.calls++
	f.lastHistory = history
	f.lastUserID = userID
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeRepo struct {
	items map[string]storage.Instruction
	order []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{items: map[string]storage.Instruction{}}
}

func (f *fakeRepo) ListInstructions(_ context.Context, appID string) ([]storage.Instruction, error) {
	out := make([]storage.Instruction, 0)
	for i := len(f.order) - 1; i >= 0; i-- {
		in := f.items[f.order[i]]
		if in.AppID == appID {
			out = append(out, in)
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateInstruction(_ context.Context, appID, title, content string) (storage.Instruction, error) {
	in := storage.Instruction{
		ID:        "id-" + title,
		AppID:     appID,
		Title:     title,
		Content:   content,
		CreatedAt: time.Now(),
	}
	f.items[in.ID] = in
	f.order = append(f.order, in.ID)
	return in, nil
}

func (f *fakeRepo) UpdateInstruction(_ context.Context, appID, id, title, content string) error {
	in, ok := f.items[id]
	if !ok || in.AppID != appID {
		return storage.ErrNotFound
	}
	in.Title, in.Content = title, content
	f.items[id] = in
	return nil
}

func (f *fakeRepo) DeleteInstruction(_ context.Context, appID, id string) error {
	in, ok := f.items[id]
	if !ok || in.AppID != appID {
		return storage.ErrNotFound
	}
	delete(f.items, id)
	return nil
}

type fakeStats struct {
	stats    stats.ChatStats
	chart    []stats.ChartPoint
	statsErr error
}

func (f *fakeStats) Stats(context.Context, time.Time) (stats.ChatStats, error) {
	return f.stats, f.statsErr
}

func (f *fakeStats) Chart(context.Context) ([]stats.ChartPoint, error) {
	return f.chart, nil
}

func newTestServer(t *testing.T, relay *fakeRelay, repo InstructionRepo, st StatsProvider) *Server {
	t.Helper()
	if repo == nil {
		repo = newFakeRepo()
	}
	if st == nil {
		st = &fakeStats{}
	}
	srv, err := New(Config{
		AppID:        "napoleon",
		Instructions: repo,
		Relay:        relay,
		Stats:        st,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatSuccess(t *testing.T) {
	relay := &fakeRelay{reply: "bonjour"}
	srv := newTestServer(t, relay, nil, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/chat", map[string]any{
		"messages": []map[string]string{
			{"role": "user", "content": "hello"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "bonjour", resp.Content)
	require.Equal(t, []providers.Message{{Role: "user", Content: "hello"}}, relay.lastHistory)
}

func TestChatForwardsUserID(t *testing.T) {
	relay := &fakeRelay{reply: "ok"}
	srv := newTestServer(t, relay, nil, nil)

	body := bytes.NewBufferString(`{"messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", body)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, relay.lastUserID)
	require.Equal(t, "alice", *relay.lastUserID)
}

func TestChatEmptyMessages(t *testing.T) {
	relay := &fakeRelay{}
	srv := newTestServer(t, relay, nil, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/chat", map[string]any{"messages": []any{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, relay.calls, "relay must not be invoked for an empty message list")

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Error)
}

func TestChatInvalidBody(t *testing.T) {
	relay := &fakeRelay{}
	srv := newTestServer(t, relay, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, relay.calls)
}

func TestChatRelayFailure(t *testing.T) {
	relay := &fakeRelay{err: errors.New("provider status 429: Rate limit reached")}
	srv := newTestServer(t, relay, nil, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/chat", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.Error, "Rate limit reached")
}

func TestPreflight(t *testing.T) {
	srv := newTestServer(t, &fakeRelay{}, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, corsAllowHeaders, rec.Header().Get("Access-Control-Allow-Headers"))
	require.Empty(t, rec.Body.String())
}

func TestInstructionCRUD(t *testing.T) {
	repo := newFakeRepo()
	srv := newTestServer(t, &fakeRelay{}, repo, nil)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/instructions", map[string]string{
		"title": "tone", "content": "Be formal.",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created storage.Instruction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "napoleon", created.AppID)

	rec = doJSON(t, h, http.MethodGet, "/api/instructions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []storage.Instruction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = doJSON(t, h, http.MethodPut, "/api/instructions/"+created.ID, map[string]string{
		"title": "tone", "content": "Be casual.",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "Be casual.", repo.items[created.ID].Content)

	rec = doJSON(t, h, http.MethodDelete, "/api/instructions/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, repo.items)
}

func TestInstructionValidation(t *testing.T) {
	srv := newTestServer(t, &fakeRelay{}, nil, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/instructions", map[string]string{
		"title": "  ", "content": "",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInstructionNotFound(t *testing.T) {
	srv := newTestServer(t, &fakeRelay{}, nil, nil)

	rec := doJSON(t, srv.Handler(), http.MethodDelete, "/api/instructions/unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	st := &fakeStats{
		stats: stats.ChatStats{WeeklyCount: 3, MonthlyCount: 10, YearlyCount: 40, TotalUsers: 4, AverageQueriesPerUser: 10},
		chart: []stats.ChartPoint{{Date: "2025-01-01", Count: 2}},
	}
	srv := newTestServer(t, &fakeRelay{}, nil, st)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got stats.ChatStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, st.stats, got)

	rec = doJSON(t, h, http.MethodGet, "/api/stats/chart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var points []stats.ChartPoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	require.Equal(t, st.chart, points)
}

func TestStatsFailure(t *testing.T) {
	st := &fakeStats{statsErr: errors.New("db down")}
	srv := newTestServer(t, &fakeRelay{}, nil, st)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "failed to load statistics", resp.Error)
}

func TestChatPageRenders(t *testing.T) {
	srv := newTestServer(t, &fakeRelay{}, nil, nil)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "chat-form")
}

func TestEditorPageKeepsSandbox(t *testing.T) {
	srv := newTestServer(t, &fakeRelay{}, nil, nil)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/editor", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `sandbox="allow-scripts"`)
	require.NotContains(t, rec.Body.String(), "allow-same-origin")
}
