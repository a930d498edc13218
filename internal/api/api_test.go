package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/jdtnmai/foxbot/internal/convstore"
	"github.com/jdtnmai/foxbot/internal/models"
	"github.com/jdtnmai/foxbot/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore, *convstore.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	convs := convstore.New()
	return NewServer(st, convs, nil), st, convs
}

func getJSON(t *testing.T, h http.Handler, path string) models.APIResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s status = %d, want 200", path, rec.Code)
	}
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("GET %s returned invalid JSON: %v", path, err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := getJSON(t, srv.Handler(), "/health")
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("health status = %s, want ok", resp.Status)
	}
}

func TestUsersEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	if _, err := st.CreateUser("Alice", "37060000001", true); err != nil {
		t.Fatalf("CreateUser error: %v", err)
	}

	resp := getJSON(t, srv.Handler(), "/users")
	users, ok := resp.Result.([]interface{})
	if !ok || len(users) != 1 {
		t.Fatalf("users result = %+v, want 1 user", resp.Result)
	}
}

func TestQuestionsEndpointUnansweredFilter(t *testing.T) {
	srv, st, _ := newTestServer(t)
	u, _ := st.CreateUser("Alice", "37060000001", true)
	q1, _ := st.CreateQuestion("kas yra PVM?", u.ID)
	if _, err := st.CreateQuestion("kur yra raktai?", u.ID); err != nil {
		t.Fatalf("CreateQuestion error: %v", err)
	}
	a, _ := st.CreateAnswer("40 proc.", q1.ID, u.ID)
	if err := st.ApproveAnswer(a.ID); err != nil {
		t.Fatalf("ApproveAnswer error: %v", err)
	}

	resp := getJSON(t, srv.Handler(), "/questions")
	if all, ok := resp.Result.([]interface{}); !ok || len(all) != 2 {
		t.Errorf("all questions = %+v, want 2", resp.Result)
	}
	resp = getJSON(t, srv.Handler(), "/questions?unanswered=true")
	if open, ok := resp.Result.([]interface{}); !ok || len(open) != 1 {
		t.Errorf("unanswered questions = %+v, want 1", resp.Result)
	}
}

func TestQAEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	u1, _ := st.CreateUser("Alice", "37060000001", true)
	u2, _ := st.CreateUser("Bob", "37060000002", true)
	q, _ := st.CreateQuestion("kas yra PVM?", u1.ID)
	a, _ := st.CreateAnswer("40 proc.", q.ID, u2.ID)
	if err := st.ApproveAnswer(a.ID); err != nil {
		t.Fatalf("ApproveAnswer error: %v", err)
	}

	resp := getJSON(t, srv.Handler(), "/qa")
	records, ok := resp.Result.([]interface{})
	if !ok || len(records) != 1 {
		t.Fatalf("qa result = %+v, want 1 record", resp.Result)
	}
	rec, _ := records[0].(map[string]interface{})
	if rec["question_user_name"] != "Alice" || rec["answer_user_name"] != "Bob" {
		t.Errorf("qa record = %+v", rec)
	}
}

func TestConversationsEndpoint(t *testing.T) {
	srv, _, convs := newTestServer(t)
	conv := convs.Create(1, 1)

	resp := getJSON(t, srv.Handler(), "/conversations")
	snaps, ok := resp.Result.([]interface{})
	if !ok || len(snaps) != 1 {
		t.Fatalf("conversations result = %+v, want 1", resp.Result)
	}
	snap, _ := snaps[0].(map[string]interface{})
	if int64(snap["conversation_id"].(float64)) != conv.ID {
		t.Errorf("conversation snapshot = %+v", snap)
	}
	if snap["status"] != string(models.StatusStarted) {
		t.Errorf("conversation status = %v, want %s", snap["status"], models.StatusStarted)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/users", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /users status = %d, want 405", rec.Code)
	}
}

// webhookStub satisfies TwilioWebhook for routing tests.
type webhookStub struct{ called bool }

func (s *webhookStub) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	s.called = true
	w.WriteHeader(http.StatusOK)
}

func TestTwilioWebhookRoute(t *testing.T) {
	st := store.NewInMemoryStore()
	stub := &webhookStub{}
	srv := NewServer(st, convstore.New(), stub)

	form := url.Values{}
	form.Set("From", "whatsapp:+37060000001")
	form.Set("Body", "labas")
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if !stub.called {
		t.Error("webhook handler was not routed")
	}
}
