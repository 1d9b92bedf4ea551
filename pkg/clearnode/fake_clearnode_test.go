package clearnode_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/gomega"

	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/connection"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/security"
)

type inboundRequest struct {
	ID     uint64
	Method string
	Params json.RawMessage
	Req    json.RawMessage
	Sig    []string
}

// responder returns the params to answer with; ok=false sends nothing
type responder func(req inboundRequest) (method string, params interface{}, ok bool)

// fakeClearnode plays the server side of the protocol over httptest
type fakeClearnode struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conns      []*websocket.Conn
	responders map[string]responder
	rejectAuth bool
	requests   []inboundRequest

	writeMu sync.Mutex
}

func newFakeClearnode() *fakeClearnode {
	f := &fakeClearnode{
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		responders: make(map[string]responder),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	return f
}

func (f *fakeClearnode) URL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeClearnode) Close() {
	f.DropAll()
	f.server.Close()
}

func (f *fakeClearnode) Respond(method clearnode.Method, fn responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responders[string(method)] = fn
}

// Echo answers method with the fixed params
func (f *fakeClearnode) Echo(method clearnode.Method, params interface{}) {
	f.Respond(method, func(inboundRequest) (string, interface{}, bool) {
		return string(method), params, true
	})
}

func (f *fakeClearnode) RejectAuth() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectAuth = true
}

func (f *fakeClearnode) Requests(method clearnode.Method) []inboundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []inboundRequest
	for _, req := range f.requests {
		if req.Method == string(method) {
			out = append(out, req)
		}
	}
	return out
}

func (f *fakeClearnode) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Push sends an unsolicited frame on the latest connection
func (f *fakeClearnode) Push(method clearnode.Method, params interface{}) {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	f.write(conn, 0, string(method), params)
}

func (f *fakeClearnode) PushRaw(data string) {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(data))
}

func (f *fakeClearnode) DropAll() {
	f.mu.Lock()
	conns := f.conns
	f.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (f *fakeClearnode) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		req, ok := parseRequest(data)
		if !ok {
			continue
		}

		f.mu.Lock()
		f.requests = append(f.requests, req)
		rejectAuth := f.rejectAuth
		fn := f.responders[req.Method]
		f.mu.Unlock()

		switch req.Method {
		case string(clearnode.MethodAuthRequest):
			f.write(conn, req.ID, "auth_challenge", map[string]string{"challenge_message": "a6e54b1c-challenge"})
		case string(clearnode.MethodAuthVerify):
			if rejectAuth {
				f.write(conn, req.ID, "auth_verify", map[string]interface{}{"success": false})
			} else {
				f.write(conn, req.ID, "auth_verify", map[string]interface{}{"success": true, "jwt_token": "jwt"})
			}
		default:
			if fn == nil {
				continue
			}
			if method, params, ok := fn(req); ok {
				f.write(conn, req.ID, method, params)
			}
		}
	}
}

func (f *fakeClearnode) write(conn *websocket.Conn, id uint64, method string, params interface{}) {
	list := []interface{}{}
	if params != nil {
		list = append(list, params)
	}
	frame := map[string]interface{}{
		"res": []interface{}{id, method, list, time.Now().UnixMilli()},
		"sig": []string{},
	}
	data, _ := json.Marshal(frame)

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func parseRequest(data []byte) (inboundRequest, bool) {
	var frame struct {
		Req json.RawMessage `json:"req"`
		Sig []string        `json:"sig"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return inboundRequest{}, false
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(frame.Req, &parts); err != nil || len(parts) < 3 {
		return inboundRequest{}, false
	}

	req := inboundRequest{Req: frame.Req, Sig: frame.Sig}
	_ = json.Unmarshal(parts[0], &req.ID)
	_ = json.Unmarshal(parts[1], &req.Method)

	var params []json.RawMessage
	_ = json.Unmarshal(parts[2], &params)
	if len(params) > 0 {
		req.Params = params[0]
	}
	return req, true
}

type testClient struct {
	client     *clearnode.Client
	conn       connection.ConnectionManager
	wallet     *security.KeySigner
	sessionKey *security.KeySigner
}

func newTestClient(url string, mutate func(*clearnode.Config)) testClient {
	wallet, err := security.GenerateSessionKey()
	Expect(err).NotTo(HaveOccurred())
	sessionKey, err := security.GenerateSessionKey()
	Expect(err).NotTo(HaveOccurred())

	logger := logging.NewNoOpLogger()
	validator := security.NewMessageValidator(security.ValidationConfig{
		MaxMessageSize: 1 << 20,
		EnvelopeFields: []string{"res", "req"},
	})
	conn := connection.NewConnectionManager(connection.TestConfig(url), nil, validator, nil, logger)

	cfg := clearnode.DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	cfg.ResizeRetryDelay = 50 * time.Millisecond
	cfg.RefreshLedger = false
	cfg.Allowances = []clearnode.Allowance{{Asset: "usdc", Amount: "1000"}}
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := clearnode.NewClient(cfg, conn, wallet, sessionKey, nil, logger)
	Expect(err).NotTo(HaveOccurred())

	return testClient{client: client, conn: conn, wallet: wallet, sessionKey: sessionKey}
}

func (tc testClient) connectAndAuthenticate() {
	Expect(tc.client.Connect(context.Background())).To(Succeed())
	Eventually(tc.client.AuthState, 2*time.Second).Should(Equal(clearnode.AuthAuthenticated))
}
