package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/claudego/server/content"
	"github.com/claudego/server/coordinator"
	"github.com/claudego/server/logger"
	"github.com/claudego/server/permission"
	"github.com/claudego/server/rpc"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"
)

// RPCHandler handles JSON-RPC 2.0 over WebSocket.
type RPCHandler struct {
	token   string
	version string
	manager *coordinator.Manager
	devMode bool

	// echoMessages records chat messages in the transcript. It is set when
	// no transcript tailer reports the agent's own copy of them.
	echoMessages bool
}

// NewRPCHandler creates a new JSON-RPC handler.
func NewRPCHandler(token, version string, manager *coordinator.Manager, devMode, echoMessages bool) *RPCHandler {
	return &RPCHandler{
		token:        token,
		version:      version,
		manager:      manager,
		devMode:      devMode,
		echoMessages: echoMessages,
	}
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *RPCHandler) handleConnection(ctx context.Context, wsConn *websocket.Conn) {
	connID := uuid.Must(uuid.NewV7()).String()
	log := slog.With("connId", connID)
	log.Info("new websocket connection")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := newWebSocketStream(wsConn)

	state := &rpcConnState{
		subscribed: make(map[string]*subscription),
		manager:    h.manager,
		log:        log,
	}

	handler := &rpcMethodHandler{
		RPCHandler: h,
		state:      state,
		log:        log,
	}

	rpcConn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(handler))

	<-rpcConn.DisconnectNotify()

	n := state.cleanup()
	log.Info("connection closed", "subscriptions", n)
}

// rpcConnState tracks per-connection subscriptions.
type rpcConnState struct {
	mu         sync.Mutex
	subscribed map[string]*subscription
	manager    *coordinator.Manager
	log        *slog.Logger
	wg         sync.WaitGroup
}

// subscription is one forwarder. Its pointer identifies it, so a forwarder
// that exits late never removes a newer subscription to the same session.
type subscription struct {
	cancel func()
}

// subscribe forwards session changes to conn until the session goes away
// or the connection closes. It reports false if already subscribed.
func (s *rpcConnState) subscribe(ctx context.Context, sessionID string, conn *jsonrpc2.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscribed[sessionID]; exists {
		return false
	}

	changes, cancel := s.manager.Subscribe(sessionID)
	sub := &subscription{cancel: cancel}
	s.subscribed[sessionID] = sub

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for c := range changes {
			if err := conn.Notify(ctx, rpc.MethodSessionChanged, c); err != nil {
				s.log.Debug("notify failed", "sessionId", sessionID, "error", err)
			}
		}
		s.forget(sessionID, sub)
	}()
	return true
}

// forget drops sub if it is still the subscription for sessionID.
func (s *rpcConnState) forget(sessionID string, sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed[sessionID] == sub {
		delete(s.subscribed, sessionID)
	}
}

func (s *rpcConnState) unsubscribe(sessionID string) bool {
	s.mu.Lock()
	sub, ok := s.subscribed[sessionID]
	delete(s.subscribed, sessionID)
	s.mu.Unlock()
	if ok {
		sub.cancel()
	}
	return ok
}

func (s *rpcConnState) cleanup() int {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subscribed))
	for sessionID, sub := range s.subscribed {
		subs = append(subs, sub)
		s.log.Debug("unsubscribed from session", "sessionId", sessionID)
	}
	clear(s.subscribed)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	s.wg.Wait()
	return len(subs)
}

// rpcMethodHandler handles JSON-RPC method calls.
type rpcMethodHandler struct {
	*RPCHandler
	state         *rpcConnState
	log           *slog.Logger
	authenticated bool
	authMu        sync.Mutex
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.log.Debug("received request", "method", req.Method, "id", req.ID)

	// Auth must be the first request
	if !h.isAuthenticated() {
		if req.Method != "auth" {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "first request must be auth")
			conn.Close()
			return
		}
		h.handleAuth(ctx, conn, req)
		return
	}

	switch req.Method {
	case "session.attach":
		h.handleAttach(ctx, conn, req)
	case "session.detach":
		h.handleDetach(ctx, conn, req)
	case "session.list":
		h.handleSessionList(ctx, conn, req)
	case "transcript.get":
		h.handleTranscriptGet(ctx, conn, req)
	case "panel.get":
		h.handlePanelGet(ctx, conn, req)
	case "panel.resolve":
		h.handlePanelResolve(ctx, conn, req)
	case "panel.toggle":
		h.handlePanelToggle(ctx, conn, req)
	case "panel.submit":
		h.handlePanelSubmit(ctx, conn, req)
	case "permission.resolve":
		h.handlePermissionResolve(ctx, conn, req)
	case "permission.list_pending":
		h.handlePermissionListPending(ctx, conn, req)
	case "chat.message":
		h.handleMessage(ctx, conn, req)
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) isAuthenticated() bool {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	return h.authenticated
}

func (h *rpcMethodHandler) setAuthenticated() {
	h.authMu.Lock()
	h.authenticated = true
	h.authMu.Unlock()
}

func (h *rpcMethodHandler) handleAuth(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.AuthParams
	if req.Params == nil || json.Unmarshal(*req.Params, &params) != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		conn.Close()
		return
	}

	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(h.token)) != 1 {
		h.log.Warn("invalid auth token")
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "invalid token")
		conn.Close()
		return
	}

	h.setAuthenticated()
	h.log.Info("authenticated")

	if err := conn.Reply(ctx, req.ID, rpc.AuthResult{Version: h.version}); err != nil {
		h.log.Error("failed to send auth response", "error", err)
	}
}

// unmarshalParams decodes params or replies with CodeInvalidParams.
func (h *rpcMethodHandler) unmarshalParams(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, v any) bool {
	if req.Params == nil || json.Unmarshal(*req.Params, v) != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return false
	}
	return true
}

// session looks up an attached session or replies with an error.
func (h *rpcMethodHandler) session(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, sessionID string) (*coordinator.Session, bool) {
	s, err := h.manager.Get(sessionID)
	if err != nil {
		h.replyErr(ctx, conn, req.ID, err)
		return nil, false
	}
	return s, true
}

func (h *rpcMethodHandler) handleAttach(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionParams
	if !h.unmarshalParams(ctx, conn, req, &params) {
		return
	}

	log := h.log.With("sessionId", params.SessionID)

	s, created, err := h.manager.Attach(ctx, params.SessionID)
	if err != nil {
		h.replyErr(ctx, conn, req.ID, err)
		return
	}

	// Subscribe before taking the snapshot so that no change falls
	// between the two.
	h.state.subscribe(ctx, params.SessionID, conn)

	result := rpc.AttachResult{Created: created, State: s.Snapshot()}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		log.Error("failed to send attach response", "error", err)
		return
	}

	log.Info("subscribed to session", "created", created)
}

func (h *rpcMethodHandler) handleDetach(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionParams
	if !h.unmarshalParams(ctx, conn, req, &params) {
		return
	}

	if !h.state.unsubscribe(params.SessionID) {
		h.replyError(ctx, conn, req.ID, rpc.CodeNotFound, "not attached: "+params.SessionID)
		return
	}

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send detach response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	sessions := h.manager.List()
	result := rpc.SessionListResult{Sessions: make([]rpc.SessionSummary, 0, len(sessions))}
	for _, s := range sessions {
		st := s.Snapshot()
		result.Sessions = append(result.Sessions, rpc.SessionSummary{
			SessionID: s.ID(),
			Target:    s.Target(),
			Alive:     st.Alive,
			Version:   st.Version,
			Pending:   len(st.Pending()) + len(st.Permissions),
		})
	}

	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send session list response", "error", err)
	}
}

func (h *rpcMethodHandler) handleTranscriptGet(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionParams
	if !h.unmarshalParams(ctx, conn, req, &params) {
		return
	}
	s, ok := h.session(ctx, conn, req, params.SessionID)
	if !ok {
		return
	}

	st := s.Snapshot()
	result := rpc.TranscriptResult{
		SessionID:  st.SessionID,
		Version:    st.Version,
		Transcript: st.Transcript,
		Units:      st.Units,
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send transcript response", "error", err)
	}
}

func (h *rpcMethodHandler) handlePanelGet(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionParams
	if !h.unmarshalParams(ctx, conn, req, &params) {
		return
	}
	s, ok := h.session(ctx, conn, req, params.SessionID)
	if !ok {
		return
	}

	// A null result means the panel is idle.
	if err := conn.Reply(ctx, req.ID, s.Snapshot().Active); err != nil {
		h.log.Error("failed to send panel response", "error", err)
	}
}

func (h *rpcMethodHandler) handlePanelResolve(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ResolveParams
	if !h.unmarshalParams(ctx, conn, req, &params) {
		return
	}
	s, ok := h.session(ctx, conn, req, params.SessionID)
	if !ok {
		return
	}

	log := h.log.With("sessionId", params.SessionID, "unitId", params.UnitID)
	if err := s.Resolve(ctx, params.UnitID, params.Resolution); err != nil {
		log.Info("resolve failed", "error", err)
		h.replyErr(ctx, conn, req.ID, err)
		return
	}

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		log.Error("failed to send resolve response", "error", err)
	}
}

func (h *rpcMethodHandler) handlePanelToggle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ToggleParams
	if !h.unmarshalParams(ctx, conn, req, &params) {
		return
	}
	s, ok := h.session(ctx, conn, req, params.SessionID)
	if !ok {
		return
	}

	sel, err := s.Toggle(params.UnitID, params.Index)
	if err != nil {
		h.replyErr(ctx, conn, req.ID, err)
		return
	}
	if sel == nil {
		sel = []int{}
	}

	if err := conn.Reply(ctx, req.ID, rpc.ToggleResult{Selection: sel}); err != nil {
		h.log.Error("failed to send toggle response", "error", err)
	}
}

func (h *rpcMethodHandler) handlePanelSubmit(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SubmitParams
	if !h.unmarshalParams(ctx, conn, req, &params) {
		return
	}
	s, ok := h.session(ctx, conn, req, params.SessionID)
	if !ok {
		return
	}

	log := h.log.With("sessionId", params.SessionID, "unitId", params.UnitID)
	if err := s.Submit(ctx, params.UnitID, params.Options); err != nil {
		log.Info("submit failed", "error", err)
		h.replyErr(ctx, conn, req.ID, err)
		return
	}

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		log.Error("failed to send submit response", "error", err)
	}
}

func (h *rpcMethodHandler) handlePermissionResolve(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.PermissionResolveParams
	if !h.unmarshalParams(ctx, conn, req, &params) {
		return
	}
	s, ok := h.session(ctx, conn, req, params.SessionID)
	if !ok {
		return
	}

	decision, err := permission.ParseDecision(params.Decision)
	if err != nil {
		h.replyErr(ctx, conn, req.ID, err)
		return
	}

	resolved, err := s.ResolvePermission(ctx, params.ToolUseID, decision)
	if err != nil {
		h.replyErr(ctx, conn, req.ID, err)
		return
	}

	if err := conn.Reply(ctx, req.ID, resolved); err != nil {
		h.log.Error("failed to send permission response", "error", err)
	}
}

func (h *rpcMethodHandler) handlePermissionListPending(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionParams
	if !h.unmarshalParams(ctx, conn, req, &params) {
		return
	}
	s, ok := h.session(ctx, conn, req, params.SessionID)
	if !ok {
		return
	}

	result := rpc.PermissionListResult{Requests: s.PendingPermissions()}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send pending permissions", "error", err)
	}
}

func (h *rpcMethodHandler) handleMessage(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.MessageParams
	if !h.unmarshalParams(ctx, conn, req, &params) {
		return
	}
	s, ok := h.session(ctx, conn, req, params.SessionID)
	if !ok {
		return
	}

	log := h.log.With("sessionId", params.SessionID)
	log.Info("received prompt", "prompt", logger.Truncate(params.Content, promptLogMaxLen))

	if err := s.SendText(ctx, params.Content); err != nil {
		h.replyErr(ctx, conn, req.ID, err)
		return
	}

	id := uuid.Must(uuid.NewV7()).String()
	if h.echoMessages {
		msg := content.Message{
			UUID:      id,
			Role:      content.RoleUser,
			Content:   []content.Block{content.TextBlock(params.Content)},
			Timestamp: time.Now(),
		}
		if res := s.Ingest(ctx, []content.Message{msg}); !res[0].Accepted {
			log.Warn("failed to record message", "error", res[0].Error)
		}
	}

	if err := conn.Reply(ctx, req.ID, rpc.MessageResult{UUID: id}); err != nil {
		log.Error("failed to send message response", "error", err)
	}
}

func (h *rpcMethodHandler) replyErr(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, err error) {
	h.replyError(ctx, conn, id, rpc.ErrorCode(err), err.Error())
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, id, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}
