package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/pliu/expertly/internal/auth"
	"github.com/pliu/expertly/internal/middleware"
	"github.com/pliu/expertly/internal/models"
	"github.com/pliu/expertly/internal/store/sqlstore"
	"github.com/pliu/expertly/internal/ws"
)

type sessionFixture struct {
	handler *SessionHandler
	store   *sqlstore.SQLStore
	user    *models.User
	expert  *models.User
}

func newSessionFixture(t *testing.T) *sessionFixture {
	store, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	user := &models.User{Email: "user@example.com", Name: "User", Role: "user", Password: "x"}
	expert := &models.User{Email: "expert@example.com", Name: "Grace", Role: sqlstore.RoleExpert, Password: "x"}
	for _, u := range []*models.User{user, expert} {
		if err := store.CreateUser(u); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := ws.NewHub(store, nil)
	go hub.Run(ctx)
	t.Cleanup(cancel)

	return &sessionFixture{
		handler: &SessionHandler{
			Store:  store,
			Hub:    hub,
			Tokens: auth.NewTokens([]byte("secret"), time.Minute),
		},
		store:  store,
		user:   user,
		expert: expert,
	}
}

// serve runs h behind the auth middleware as u, with route vars applied.
func (f *sessionFixture) serve(t *testing.T, h http.HandlerFunc, u *models.User, req *http.Request, vars map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	if u != nil {
		token, _, err := f.handler.Tokens.Issue(u.Principal())
		if err != nil {
			t.Fatal(err)
		}
		req.AddCookie(&http.Cookie{Name: auth.AccessCookie, Value: token})
	}
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	rr := httptest.NewRecorder()
	middleware.AuthMiddleware(f.handler.Tokens)(h).ServeHTTP(rr, req)
	return rr
}

func TestCreateSession(t *testing.T) {
	f := newSessionFixture(t)

	body, _ := json.Marshal(CreateSessionRequest{InitialMessage: "  Can you review my design?  "})
	req, _ := http.NewRequest("POST", "/sessions", bytes.NewBuffer(body))
	rr := f.serve(t, f.handler.CreateSession, f.user, req, nil)

	if rr.Code != http.StatusCreated {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusCreated)
	}
	var sess models.Session
	if err := json.NewDecoder(rr.Body).Decode(&sess); err != nil {
		t.Fatal(err)
	}
	if sess.ExpertID != f.expert.ID || sess.ExpertName != "Grace" {
		t.Errorf("Expected expert Grace, got %q (%s)", sess.ExpertName, sess.ExpertID)
	}
	if sess.Status != models.StatusActive {
		t.Errorf("Expected active session, got %s", sess.Status)
	}
	if len(sess.Messages) != 1 || sess.Messages[0].Content != "Can you review my design?" {
		t.Errorf("Expected trimmed initial message, got %+v", sess.Messages)
	}

	active, _ := f.store.ListSessions(f.expert.ID, models.StatusActive)
	if len(active) != 1 {
		t.Errorf("Expected 1 active session for the expert, got %d", len(active))
	}
}

func TestCreateSessionEmptyBody(t *testing.T) {
	f := newSessionFixture(t)

	req, _ := http.NewRequest("POST", "/sessions", nil)
	rr := f.serve(t, f.handler.CreateSession, f.user, req, nil)
	if rr.Code != http.StatusCreated {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusCreated)
	}
}

func TestCreateSessionUnknownExpert(t *testing.T) {
	f := newSessionFixture(t)

	body, _ := json.Marshal(CreateSessionRequest{ExpertID: f.user.ID})
	req, _ := http.NewRequest("POST", "/sessions", bytes.NewBuffer(body))
	rr := f.serve(t, f.handler.CreateSession, f.user, req, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusNotFound)
	}
}

func TestGetSessionAccess(t *testing.T) {
	f := newSessionFixture(t)
	outsider := &models.User{Email: "outsider@example.com", Name: "Out", Role: "user", Password: "x"}
	if err := f.store.CreateUser(outsider); err != nil {
		t.Fatal(err)
	}
	sess, err := f.store.CreateSession(f.user.ID, f.expert.ID)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		as   *models.User
		id   string
		want int
	}{
		{"owner", f.user, sess.ID, http.StatusOK},
		{"expert", f.expert, sess.ID, http.StatusOK},
		{"outsider", outsider, sess.ID, http.StatusForbidden},
		{"missing", f.user, "missing", http.StatusNotFound},
		{"anonymous", nil, sess.ID, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", "/sessions/"+tt.id, nil)
			rr := f.serve(t, f.handler.GetSession, tt.as, req, map[string]string{"id": tt.id})
			if rr.Code != tt.want {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.want)
			}
		})
	}
}

func TestCloseSession(t *testing.T) {
	f := newSessionFixture(t)
	sess, err := f.store.CreateSession(f.user.ID, f.expert.ID)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest("POST", "/sessions/"+sess.ID+"/close", nil)
		rr := f.serve(t, f.handler.CloseSession, f.expert, req, map[string]string{"id": sess.ID})
		if rr.Code != http.StatusNoContent {
			t.Errorf("close %d: wrong status code: got %v want %v", i, rr.Code, http.StatusNoContent)
		}
	}

	got, _ := f.store.GetSession(sess.ID)
	if got.Status != models.StatusCompleted {
		t.Errorf("Expected completed session, got %s", got.Status)
	}
	completed, _ := f.store.ListSessions(f.user.ID, models.StatusCompleted)
	if len(completed) != 1 {
		t.Errorf("Expected 1 completed session, got %d", len(completed))
	}
}

func TestServeWSCloseCodes(t *testing.T) {
	f := newSessionFixture(t)
	outsider := &models.User{Email: "outsider@example.com", Name: "Out", Role: "user", Password: "x"}
	if err := f.store.CreateUser(outsider); err != nil {
		t.Fatal(err)
	}
	active, _ := f.store.CreateSession(f.user.ID, f.expert.ID)
	done, _ := f.store.CreateSession(f.user.ID, f.expert.ID)
	if err := f.store.CloseSession(done.ID); err != nil {
		t.Fatal(err)
	}

	r := mux.NewRouter()
	r.HandleFunc("/sessions/ws/{id}", f.handler.ServeWS)
	srv := httptest.NewServer(r)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/ws/"

	tests := []struct {
		name string
		as   *models.User
		id   string
		code int
	}{
		{"no token", nil, active.ID, CloseAuthDenied},
		{"outsider", outsider, active.ID, CloseForbidden},
		{"missing session", f.user, "missing", CloseForbidden},
		{"completed", f.user, done.ID, websocket.CloseNormalClosure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.as != nil {
				token, _, _ := f.handler.Tokens.Issue(tt.as.Principal())
				header.Set("Cookie", auth.AccessCookie+"="+token)
			}
			conn, _, err := websocket.DefaultDialer.Dial(base+tt.id, header)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer conn.Close()

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err = conn.ReadMessage()
			if !websocket.IsCloseError(err, tt.code) {
				t.Errorf("Expected close code %d, got %v", tt.code, err)
			}
		})
	}
}
