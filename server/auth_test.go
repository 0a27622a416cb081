package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/courier/config"
	"github.com/GoCodeAlone/courier/server/api"
	"github.com/GoCodeAlone/courier/server/ws"
)

const testSecret = "test-secret-key-1234567890"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	cfg := config.Config{
		Server: config.ServerConfig{Addr: ":0"},
		Auth: config.AuthConfig{
			AdminUser: "admin",
			AdminPass: string(hash),
			JWTSecret: testSecret,
			TokenTTL:  time.Hour,
		},
	}
	s := New(cfg, nil)
	s.SetHandlers(&api.Handlers{
		Agents:  &stubAgentManager{agents: []api.AgentInfo{{Name: "sales", State: "active"}}},
		Version: "test",
	})
	return s
}

func login(t *testing.T, h http.Handler, user, pass string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Username: user, Password: pass})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func tokenFor(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := login(t, h, "admin", "secret")
	if rr.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rr.Code, rr.Body.String())
	}
	var resp loginResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.Token
}

func TestSignAndVerifyToken(t *testing.T) {
	token, err := signToken("my-test-secret", "alice", time.Hour)
	if err != nil {
		t.Fatalf("signToken: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	subject, err := verifyToken("my-test-secret", token)
	if err != nil {
		t.Fatalf("verifyToken: %v", err)
	}
	if subject != "alice" {
		t.Errorf("subject = %q, want %q", subject, "alice")
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	token, err := signToken("my-test-secret", "alice", -time.Hour)
	if err != nil {
		t.Fatalf("signToken: %v", err)
	}
	if _, err := verifyToken("my-test-secret", token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerifyToken_BadSignature(t *testing.T) {
	token, _ := signToken("correct-secret", "alice", time.Hour)
	if _, err := verifyToken("wrong-secret", token); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestVerifyToken_RejectsOtherAlgorithms(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := verifyToken("my-test-secret", token); err == nil {
		t.Fatal("expected error for unsigned token")
	}
}

func TestVerifyToken_RequiresExpiry(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).SignedString([]byte("s"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifyToken("s", token); err == nil {
		t.Fatal("expected error for token without exp")
	}
}

func TestHandleLogin(t *testing.T) {
	h := newTestServer(t).Handler()
	tests := []struct {
		name string
		user string
		pass string
		want int
	}{
		{"success", "admin", "secret", http.StatusOK},
		{"wrong password", "admin", "wrong", http.StatusUnauthorized},
		{"wrong user", "root", "secret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := login(t, h, tt.user, tt.pass)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
			if tt.want != http.StatusOK {
				return
			}
			var resp loginResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Token == "" {
				t.Error("expected non-empty token in response")
			}
			if resp.ExpiresAt.Before(time.Now()) {
				t.Errorf("ExpiresAt = %v, want a future time", resp.ExpiresAt)
			}
		})
	}
}

func TestHandleLogin_EmptyHashDisablesLogin(t *testing.T) {
	s := newTestServer(t)
	s.cfg.Auth.AdminPass = ""
	if rr := login(t, s.Handler(), "admin", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestHandleLogin_BadBody(t *testing.T) {
	h := newTestServer(t).Handler()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	h := newTestServer(t).Handler()
	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	h := newTestServer(t).Handler()
	token := tokenFor(t, h)

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var agents []api.AgentInfo
	if err := json.NewDecoder(rr.Body).Decode(&agents); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(agents) != 1 || agents[0].Name != "sales" {
		t.Errorf("agents = %+v, want [sales]", agents)
	}
}

func TestAuthMiddleware_QueryToken(t *testing.T) {
	h := newTestServer(t).Handler()
	token := tokenFor(t, h)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me?token="+token, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var me map[string]string
	_ = json.NewDecoder(rr.Body).Decode(&me)
	if me["username"] != "admin" {
		t.Errorf("username = %q, want %q", me["username"], "admin")
	}
}

func TestStatusIsPublic(t *testing.T) {
	h := newTestServer(t).Handler()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var st api.Status
	_ = json.NewDecoder(rr.Body).Decode(&st)
	if st.Agents != 1 || st.ActiveAgents != 1 {
		t.Errorf("status = %+v, want 1 agent, 1 active", st)
	}
}

func TestPushRoute_RequiresToken(t *testing.T) {
	s := newTestServer(t)
	push := ws.NewPushHub(nil, nil)
	s.SetPushHub(push)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sales"
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("expected dial without token to fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 response, got %v", resp)
	}

	token := tokenFor(t, s.Handler())
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !push.Connected("sales") {
		if time.Now().After(deadline) {
			t.Fatal("observer never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := push.Notify(context.Background(), "sales", "hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("message = %q, want %q", data, "hello")
	}
}
