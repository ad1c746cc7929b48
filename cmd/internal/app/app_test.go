package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "tether/shared/contracts/realtime/v1"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://tether.example.com", want: "wss://tether.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestMigrateURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"postgres://u:p@db:5432/tether?sslmode=disable": "pgx5://u:p@db:5432/tether?sslmode=disable",
		"postgresql://db/tether":                        "pgx5://db/tether",
		"pgx5://db/tether":                              "pgx5://db/tether",
	}
	for in, want := range cases {
		if got := migrateURL(in); got != want {
			t.Fatalf("migrateURL(%q)=%q want=%q", in, got, want)
		}
	}
}

func TestRunMigrations_RejectsBadInput(t *testing.T) {
	if err := RunMigrations("", "up"); err == nil {
		t.Fatalf("expected error for empty database url")
	}
	if err := RunMigrations("postgres://localhost/tether", "sideways"); err == nil {
		t.Fatalf("expected error for unknown direction")
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("TETHER_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("TETHER_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("TETHER_INSTANCE_ID", "node-a")
	t.Setenv("TETHER_LOG_FORMAT", "pretty")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("KafkaBrokers=%v", cfg.KafkaBrokers)
	}
	if cfg.listenerGroup() != "tether-gateway-node-a" {
		t.Fatalf("listenerGroup=%q", cfg.listenerGroup())
	}
	if kc := cfg.kafkaConfig(); len(kc.LatestGroupPrefixes) != 1 || !strings.HasPrefix(cfg.listenerGroup(), kc.LatestGroupPrefixes[0]) {
		t.Fatalf("listener group should start from the newest offset: %+v", kc.LatestGroupPrefixes)
	}
}

func TestLoadConfig_RejectsInvalidSubsystemConfig(t *testing.T) {
	t.Setenv("TETHER_CASCADE_MAX_ATTEMPTS", "0")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected cascade config error")
	}
}

func TestLoadConfig_RejectsUnknownLogFormat(t *testing.T) {
	t.Setenv("TETHER_LOG_FORMAT", "xml")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected log format error")
	}
}

func TestDefaultInstanceID_IsKeySafe(t *testing.T) {
	id := defaultInstanceID()
	if id == "" || strings.ContainsAny(id, ": \t") {
		t.Fatalf("unexpected instance id %q", id)
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	cfg := DefaultConfig().Session
	cfg.RequireTokenHMAC = true

	t.Setenv("TETHER_TOKEN_HMAC_KEY", "")
	if err := ValidateSecurityConfig(cfg); err == nil {
		t.Fatalf("expected error for missing key")
	}
	t.Setenv("TETHER_TOKEN_HMAC_KEY", "short")
	if err := ValidateSecurityConfig(cfg); err == nil {
		t.Fatalf("expected error for short key")
	}
	t.Setenv("TETHER_TOKEN_HMAC_KEY", strings.Repeat("k", 32))
	if err := ValidateSecurityConfig(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ---- end to end, in-memory backends ----

type runningApp struct {
	base   string
	cancel context.CancelFunc
	done   chan error
}

func startApp(t *testing.T) *runningApp {
	t.Helper()

	cfg := DefaultConfig()
	cfg.WS.OriginRequired = false
	cfg.WS.HeartbeatEvery = time.Hour
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, cfg, log)
	if err != nil {
		cancel()
		t.Fatalf("New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Fatalf("listen: %v", err)
	}

	ra := &runningApp{base: "http://" + ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { ra.done <- a.Serve(ctx, ln) }()
	t.Cleanup(func() { ra.stop(t) })
	return ra
}

func (ra *runningApp) stop(t *testing.T) {
	t.Helper()

	ra.cancel()
	select {
	case err, ok := <-ra.done:
		if ok && err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
	close(ra.done)
}

func (ra *runningApp) call(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ra.base+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestApp_AccountDeletionClosesRealtimeConnection(t *testing.T) {
	ra := startApp(t)

	if code := ra.call(t, http.MethodGet, "/healthz", "", nil, nil); code != http.StatusOK {
		t.Fatalf("healthz=%d", code)
	}
	if code := ra.call(t, http.MethodGet, "/readyz", "", nil, nil); code != http.StatusOK {
		t.Fatalf("readyz=%d", code)
	}

	var acct struct {
		Account struct {
			ID string `json:"id"`
		} `json:"account"`
	}
	if code := ra.call(t, http.MethodPost, "/accounts", "", map[string]any{"handle": "e2e"}, &acct); code != http.StatusCreated {
		t.Fatalf("create account=%d", code)
	}

	var login struct {
		AccessToken string `json:"access_token"`
		Session     struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	code := ra.call(t, http.MethodPost, "/sessions", "", map[string]any{
		"account_id":     acct.Account.ID,
		"credential_ref": "device-1",
	}, &login)
	if code != http.StatusCreated {
		t.Fatalf("create session=%d", code)
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, wsBaseURL(ra.base)+"/ws", &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer " + login.AccessToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	if env := readEnvelope(t, conn); env.Type != v1.TypeHelloAck {
		t.Fatalf("expected hello_ack, got %q", env.Type)
	}

	if code := ra.call(t, http.MethodDelete, "/accounts/"+acct.Account.ID, "", nil, nil); code != http.StatusAccepted {
		t.Fatalf("delete account=%d", code)
	}

	env := readEnvelope(t, conn)
	if env.Type != v1.TypeSessionInvalidated {
		t.Fatalf("expected session_invalidated, got %q", env.Type)
	}
	var p v1.SessionInvalidatedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.SessionID != login.Session.ID {
		t.Fatalf("invalidated %q, want %q", p.SessionID, login.Session.ID)
	}

	readCtx, cancelRead := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelRead()
	if _, _, err := conn.Read(readCtx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}

	if code := ra.call(t, http.MethodGet, "/accounts/"+acct.Account.ID+"/sessions", "", nil, nil); code != http.StatusGone {
		t.Fatalf("sessions after delete=%d, want 410", code)
	}
	if code := ra.call(t, http.MethodGet, "/sessions/current", login.AccessToken, nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("current session after delete=%d, want 401", code)
	}

	resp, err := http.Get(ra.base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "tether_account_deleted_total 1") {
		t.Fatalf("expected account deletion counter in metrics output")
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}
