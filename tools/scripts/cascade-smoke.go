// Package main provides a CI-friendly smoke test for Tether's deletion cascade.
//
// Against a running server it validates:
//   - account creation and session login over the HTTP API
//   - WebSocket handshake, subprotocol selection and hello_ack
//   - ping/pong on an authenticated connection
//   - account deletion closes every connection with session_invalidated
//   - the session query and new logins answer 410 afterwards
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "tether/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

type apiClient struct {
	base string
	http *http.Client
}

func main() {
	var (
		baseURL  = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin   = flag.String("origin", "http://localhost", "Origin header for the WebSocket handshake")
		sessions = flag.Int("sessions", 3, "Sessions (and connections) to open for the account")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		deadline = flag.Duration("deadline", 5*time.Second, "Max time from delete to every connection closing")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *sessions < 1 || *sessions > 100 {
		fatalf("-sessions must be in 1..100")
	}

	root := context.Background()
	api := &apiClient{base: strings.TrimRight(*baseURL, "/"), http: &http.Client{Timeout: *timeout}}

	accountID := api.mustCreateAccount(root, fmt.Sprintf("smoke-%d", time.Now().UnixNano()))
	if *verbose {
		fmt.Printf("account: %s\n", accountID)
	}

	clients := make([]*smokeClient, 0, *sessions)
	for i := 0; i < *sessions; i++ {
		name := fmt.Sprintf("C%d", i+1)
		token := api.mustLogin(root, accountID, "smoke-device-"+name)
		c := mustConnect(root, name, wsURL(api.base), *origin, token, *timeout)
		defer closeWS(c.conn)
		clients = append(clients, c)
		if *verbose {
			fmt.Printf("connected: %s session=%s\n", name, c.sessionID)
		}
	}

	mustPingPong(root, clients[0], *timeout)

	start := time.Now()
	api.mustDeleteAccount(root, accountID)

	for _, c := range clients {
		remaining := *deadline - time.Since(start)
		if remaining <= 0 {
			fatalf("deadline exceeded before %s was invalidated", c.name)
		}
		env := c.mustReadUntilType(root, v1.TypeSessionInvalidated, remaining, map[string]struct{}{v1.TypePong: {}})

		var p v1.SessionInvalidatedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal session_invalidated payload (%s): %v", c.name, err)
		}
		if p.SessionID != c.sessionID {
			fatalf("session_invalidated for wrong session (%s): got=%q want=%q", c.name, p.SessionID, c.sessionID)
		}
		c.mustClose(root, websocket.StatusPolicyViolation, *timeout)
	}
	elapsed := time.Since(start)

	if code := api.status(root, http.MethodGet, "/accounts/"+accountID+"/sessions", nil); code != http.StatusGone {
		fatalf("session query after delete: got=%d want=410", code)
	}
	if code := api.status(root, http.MethodPost, "/sessions", map[string]string{
		"account_id":     accountID,
		"credential_ref": "smoke-late-login",
	}); code != http.StatusGone {
		fatalf("login after delete: got=%d want=410", code)
	}

	fmt.Printf("OK: account=%s connections=%d cascade=%s\n", accountID, len(clients), elapsed.Round(time.Millisecond))
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	default:
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
}

// ---- HTTP API ----

func (a *apiClient) do(ctx context.Context, method, path string, body any, out any) int {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(mustJSON(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		fatalf("build %s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxReadBytes)).Decode(out); err != nil {
			fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (a *apiClient) status(ctx context.Context, method, path string, body any) int {
	return a.do(ctx, method, path, body, nil)
}

func (a *apiClient) mustCreateAccount(ctx context.Context, handle string) string {
	var out struct {
		Account struct {
			ID string `json:"id"`
		} `json:"account"`
	}
	if code := a.do(ctx, http.MethodPost, "/accounts", map[string]string{"handle": handle}, &out); code != http.StatusCreated {
		fatalf("create account: status=%d", code)
	}
	if out.Account.ID == "" {
		fatalf("create account: missing id")
	}
	return out.Account.ID
}

func (a *apiClient) mustLogin(ctx context.Context, accountID, credentialRef string) string {
	var out struct {
		AccessToken string `json:"access_token"`
	}
	code := a.do(ctx, http.MethodPost, "/sessions", map[string]string{
		"account_id":     accountID,
		"credential_ref": credentialRef,
	}, &out)
	if code != http.StatusCreated {
		fatalf("login: status=%d", code)
	}
	if out.AccessToken == "" {
		fatalf("login: missing access_token")
	}
	return out.AccessToken
}

func (a *apiClient) mustDeleteAccount(ctx context.Context, accountID string) {
	if code := a.status(ctx, http.MethodDelete, "/accounts/"+accountID, map[string]string{"reason": "smoke"}); code != http.StatusAccepted {
		fatalf("delete account: status=%d", code)
	}
}

// ---- WebSocket ----

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustPingPong(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:    v1.Version,
		Type: v1.TypePing,
		ID:   c.name + "-ping",
		TS:   time.Now().UTC(),
	}, stepTimeout)
	_ = c.mustReadUntilType(parent, v1.TypePong, stepTimeout, nil)
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s): %v", wantType, c.name, c.lastErr())
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

// mustClose waits for the read loop to end and checks the close status.
func (c *smokeClient) mustClose(parent context.Context, want websocket.StatusCode, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for close (%s)", c.name)
		case env, ok := <-c.inbox:
			if ok {
				fatalf("unexpected envelope after invalidation (%s): %q", c.name, env.Type)
			}
			if got := websocket.CloseStatus(c.lastErr()); got != want {
				fatalf("close status (%s): got=%v want=%v", c.name, got, want)
			}
			return
		}
	}
}

func (c *smokeClient) lastErr() error {
	select {
	case err := <-c.errCh:
		return err
	default:
		return nil
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, mustJSON(env)); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
