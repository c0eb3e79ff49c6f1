package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/agent"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/plan"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/session"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/streaming"
)

type stubConversation struct {
	reply *agent.Reply
	err   error
	calls []string
}

func (s *stubConversation) HandleMessage(_ context.Context, sessionID, userID, text string) (*agent.Reply, error) {
	s.calls = append(s.calls, text)
	if s.err != nil {
		return nil, s.err
	}
	return s.reply, nil
}

func (s *stubConversation) RegenerateSection(_ context.Context, sessionID string, key plan.SectionKey) (*agent.Reply, error) {
	s.calls = append(s.calls, "regenerate:"+string(key))
	if s.err != nil {
		return nil, s.err
	}
	return s.reply, nil
}

type stubPlanReader struct {
	doc      *plan.Document
	versions []plan.Version
	err      error
}

func (s *stubPlanReader) Document(_ context.Context, planID string) (*plan.Document, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.doc, nil
}

func (s *stubPlanReader) Versions(_ context.Context, planID string, key plan.SectionKey) ([]plan.Version, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.versions, nil
}

func (s *stubPlanReader) Revert(_ context.Context, planID string, key plan.SectionKey, toVersion int) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	return toVersion + 3, nil
}

func TestChatHandlerRoundTrip(t *testing.T) {
	conv := &stubConversation{reply: &agent.Reply{
		SessionID: "sess-1",
		Intent:    session.IntentResearchCompany,
		Text:      "I've updated the account plan for Acme: 10 sections written.",
		PlanID:    "plan-1",
	}}
	mux := http.NewServeMux()
	NewChatHandler(conv, zap.NewNop(), "").RegisterRoutes(mux)

	body := strings.NewReader(`{"user_id":"user-1","text":"research Acme"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var reply agent.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, "sess-1", reply.SessionID)
	assert.Equal(t, "plan-1", reply.PlanID)
	assert.Equal(t, []string{"research Acme"}, conv.calls)
}

func TestChatHandlerValidation(t *testing.T) {
	mux := http.NewServeMux()
	NewChatHandler(&stubConversation{}, zap.NewNop(), "").RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/messages",
		strings.NewReader(`{"user_id":"user-1"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/messages",
		strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatHandlerAuth(t *testing.T) {
	mux := http.NewServeMux()
	NewChatHandler(&stubConversation{reply: &agent.Reply{}}, zap.NewNop(), "secret").RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages",
		strings.NewReader(`{"user_id":"user-1","text":"hi"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/messages",
		strings.NewReader(`{"user_id":"user-1","text":"hi"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatHandlerSuperseded(t *testing.T) {
	mux := http.NewServeMux()
	NewChatHandler(&stubConversation{err: agent.ErrSuperseded}, zap.NewNop(), "").RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages",
		strings.NewReader(`{"user_id":"user-1","text":"hi"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPlanDocumentEndpoint(t *testing.T) {
	reader := &stubPlanReader{doc: &plan.Document{
		CompanyName:      "Acme",
		FinancialSummary: "Revenue $200B",
		Sources: []plan.SourceRef{
			{URL: "https://a.example.com", Type: "annual_report", ExtractedAt: time.Now()},
		},
	}}
	mux := http.NewServeMux()
	NewPlanHandler(reader, &stubConversation{}, zap.NewNop()).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/plans?plan_id=plan-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "Acme", doc["company_name"])
	assert.Equal(t, "Revenue $200B", doc["financial_summary"])
	// Absent sections are omitted from the wire form entirely.
	_, present := doc["key_people"]
	assert.False(t, present)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlanNotFoundMapsTo404(t *testing.T) {
	mux := http.NewServeMux()
	NewPlanHandler(&stubPlanReader{err: plan.ErrPlanNotFound}, &stubConversation{}, zap.NewNop()).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/plans?plan_id=nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlanRevertEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	NewPlanHandler(&stubPlanReader{}, &stubConversation{}, zap.NewNop()).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/plans/revert",
		strings.NewReader(`{"plan_id":"plan-1","section":"financial_summary","version":1}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(4), resp["version"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/plans/revert",
		strings.NewReader(`{"plan_id":"plan-1","section":"financial_summary"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlanRegenerateEndpoint(t *testing.T) {
	conv := &stubConversation{reply: &agent.Reply{SessionID: "sess-1", PlanID: "plan-1"}}
	mux := http.NewServeMux()
	NewPlanHandler(&stubPlanReader{}, conv, zap.NewNop()).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/plans/regenerate",
		strings.NewReader(`{"session_id":"sess-1","section":"key_people"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"regenerate:key_people"}, conv.calls)
}

func TestSSEStreamsAndReplays(t *testing.T) {
	mgr := streaming.NewManager(64, 16, zap.NewNop())
	defer mgr.Shutdown()
	mux := http.NewServeMux()
	NewStreamingHandler(mgr, zap.NewNop()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mgr.Publish(streaming.Event{SessionID: "sess-1", Type: streaming.EventProgress, Message: "gathering"})
	mgr.Publish(streaming.Event{SessionID: "sess-1", Type: streaming.EventToken, Message: "tok"})
	mgr.Publish(streaming.Event{SessionID: "sess-1", Type: streaming.EventComplete, Message: "done"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/stream/sse?session_id=sess-1&types=progress,complete", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "0")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var ids, events, datas []string
	for len(datas) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			datas = append(datas, strings.TrimPrefix(line, "data: "))
		}
	}

	// The token event was filtered out; progress and complete replayed in
	// order with their sequence numbers as SSE ids.
	assert.Equal(t, []string{"1", "3"}, ids)
	assert.Equal(t, []string{"progress", "complete"}, events)
	var ev streaming.Event
	require.NoError(t, json.Unmarshal([]byte(datas[0]), &ev))
	assert.Equal(t, "gathering", ev.Message)
}

func TestSSERequiresSessionID(t *testing.T) {
	mgr := streaming.NewManager(64, 16, zap.NewNop())
	defer mgr.Shutdown()
	mux := http.NewServeMux()
	NewStreamingHandler(mgr, zap.NewNop()).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/sse", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketDeliversEvents(t *testing.T) {
	mgr := streaming.NewManager(64, 16, zap.NewNop())
	defer mgr.Shutdown()
	mux := http.NewServeMux()
	NewStreamingHandler(mgr, zap.NewNop()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?session_id=sess-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	mgr.Publish(streaming.Event{SessionID: "sess-1", Type: streaming.EventProgress, Message: "gathering"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev streaming.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, streaming.EventProgress, ev.Type)
	assert.Equal(t, "gathering", ev.Message)
	assert.Equal(t, uint64(1), ev.Seq)
}
