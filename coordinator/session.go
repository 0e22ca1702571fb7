package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/claudego/server/content"
	"github.com/claudego/server/errdefs"
	"github.com/claudego/server/interaction"
	"github.com/claudego/server/logger"
	"github.com/claudego/server/panel"
	"github.com/claudego/server/permission"
)

// Dispatcher delivers resolutions and free text to the agent terminal.
type Dispatcher interface {
	Dispatch(ctx context.Context, target string, u interaction.Unit) error
	SendText(ctx context.Context, target, text string) error
}

// HistoryWriter persists history records.
type HistoryWriter interface {
	AppendToHistory(ctx context.Context, sessionID string, record any) error
}

// IngestResult is the per-item outcome of Ingest.
type IngestResult struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
	Err      error  `json:"-"`
}

func accepted(id string) IngestResult {
	return IngestResult{ID: id, Accepted: true}
}

func rejected(id string, err error) IngestResult {
	return IngestResult{ID: id, Error: err.Error(), Err: err}
}

// State is an immutable snapshot of a session. Observers read it without
// taking the session lock.
type State struct {
	SessionID   string               `json:"session_id"`
	Version     uint64               `json:"version"`
	Alive       bool                 `json:"alive"`
	Transcript  []content.Message    `json:"transcript"`
	Units       []interaction.Unit   `json:"units"`
	Active      *panel.Active        `json:"active,omitempty"`
	Permissions []permission.Request `json:"permissions"`
	Undelivered []string             `json:"undelivered,omitempty"`
}

// Pending returns the unanswered units in creation order.
func (st *State) Pending() []interaction.Unit {
	var out []interaction.Unit
	for _, u := range st.Units {
		if !u.Answered {
			out = append(out, u)
		}
	}
	return out
}

// Unit looks a unit up by id.
func (st *State) Unit(id string) (interaction.Unit, bool) {
	for _, u := range st.Units {
		if u.ID == id {
			return u, true
		}
	}
	return interaction.Unit{}, false
}

// Change is published after every committed mutation. Messages holds only
// the messages appended or replaced by that mutation; the rest is the
// complete current view.
type Change struct {
	SessionID   string               `json:"session_id"`
	Version     uint64               `json:"version"`
	Alive       bool                 `json:"alive"`
	Messages    []content.Message    `json:"messages,omitempty"`
	Units       []interaction.Unit   `json:"units"`
	Active      *panel.Active        `json:"active,omitempty"`
	Permissions []permission.Request `json:"permissions"`
	Undelivered []string             `json:"undelivered,omitempty"`
}

// Session owns one agent session's transcript and interaction state. Every
// mutation runs under mu; reads go through the published State.
type Session struct {
	id     string
	target string
	log    *slog.Logger

	dispatcher Dispatcher
	history    HistoryWriter
	publish    func(Change)

	mu          sync.Mutex
	transcript  []content.Message
	byUUID      map[string]int
	store       *interaction.Store
	channel     *permission.Channel
	panel       *panel.Controller
	seq         uint64
	version     uint64
	alive       bool
	waiters     map[string]chan permission.Decision
	undelivered []string
	replaying   bool

	// finished holds the tool uses the agent has reported a result for.
	finished map[string]bool

	// dispatchTail is closed when the most recently committed dispatch
	// has finished. Each dispatch waits for its predecessor so keys reach
	// the terminal in commit order.
	dispatchTail chan struct{}

	state atomic.Pointer[State]
}

type sessionConfig struct {
	id         string
	target     string
	rules      permission.Rules
	dispatcher Dispatcher
	history    HistoryWriter
	publish    func(Change)
}

func newSession(cfg sessionConfig) *Session {
	store := interaction.NewStore()
	channel := permission.NewChannel(cfg.rules)
	tail := make(chan struct{})
	close(tail)

	publish := cfg.publish
	if publish == nil {
		publish = func(Change) {}
	}

	s := &Session{
		id:           cfg.id,
		target:       cfg.target,
		log:          slog.With("sessionId", cfg.id),
		dispatcher:   cfg.dispatcher,
		history:      cfg.history,
		publish:      publish,
		byUUID:       make(map[string]int),
		store:        store,
		channel:      channel,
		panel:        panel.New(store, channel),
		alive:        true,
		waiters:      make(map[string]chan permission.Decision),
		finished:     make(map[string]bool),
		dispatchTail: tail,
	}
	s.state.Store(&State{SessionID: cfg.id, Alive: true, Transcript: []content.Message{}, Units: []interaction.Unit{}, Permissions: []permission.Request{}})
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Target returns the terminal target of the agent process.
func (s *Session) Target() string { return s.target }

// Snapshot returns the latest committed state. It never blocks.
func (s *Session) Snapshot() *State {
	return s.state.Load()
}

// Transcript returns a copy of the committed transcript.
func (s *Session) Transcript() []content.Message {
	st := s.Snapshot()
	out := make([]content.Message, len(st.Transcript))
	for i, m := range st.Transcript {
		out[i] = m.Clone()
	}
	return out
}

// Pending returns the unanswered questions and plans in creation order.
func (s *Session) Pending() []interaction.Unit {
	return s.Snapshot().Pending()
}

// PendingPermissions returns the unresolved permission requests in
// arrival order as of the latest commit.
func (s *Session) PendingPermissions() []permission.Request {
	return s.Snapshot().Permissions
}

// commit publishes the current state. Callers hold mu.
func (s *Session) commit(changed []content.Message) {
	s.version++

	var active *panel.Active
	if a, ok := s.panel.Activate(); ok {
		active = &a
	}
	units := slices.Collect(s.store.All())
	perms := s.channel.ListPending()
	undelivered := slices.Clone(s.undelivered)

	s.state.Store(&State{
		SessionID:   s.id,
		Version:     s.version,
		Alive:       s.alive,
		Transcript:  slices.Clone(s.transcript),
		Units:       units,
		Active:      active,
		Permissions: perms,
		Undelivered: undelivered,
	})
	if s.replaying {
		return
	}
	s.publish(Change{
		SessionID:   s.id,
		Version:     s.version,
		Alive:       s.alive,
		Messages:    changed,
		Units:       units,
		Active:      active,
		Permissions: perms,
		Undelivered: undelivered,
	})
}

func (s *Session) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func (s *Session) record(ctx context.Context, r Record) {
	if s.history == nil || s.replaying {
		return
	}
	if err := s.history.AppendToHistory(ctx, s.id, r); err != nil {
		s.log.Error("failed to append to history", "type", r.Type, "error", err)
	}
}

// Ingest appends messages to the transcript and registers the questions
// and plans they carry. Each message is accepted or rejected as a whole;
// a rejected message leaves no trace. A message whose uuid is already
// known replaces the earlier copy only while that copy is pending.
func (s *Session) Ingest(ctx context.Context, msgs []content.Message) []IngestResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]IngestResult, 0, len(msgs))
	var changed []content.Message
	for _, msg := range msgs {
		stored, err := s.ingestOne(msg)
		if err != nil {
			s.log.Warn("message rejected", "uuid", msg.UUID, "error", err)
			results = append(results, rejected(msg.UUID, err))
			continue
		}
		results = append(results, accepted(msg.UUID))
		changed = append(changed, stored)
		s.record(ctx, messageRecord(stored))
	}

	if len(changed) > 0 {
		s.commit(changed)
	}
	return results
}

func (s *Session) ingestOne(msg content.Message) (content.Message, error) {
	if err := msg.Validate(); err != nil {
		return content.Message{}, err
	}

	var previous *content.Message
	if i, exists := s.byUUID[msg.UUID]; exists {
		if !s.transcript[i].Pending {
			return content.Message{}, fmt.Errorf("%w: message %s", errdefs.ErrDuplicateID, msg.UUID)
		}
		previous = &s.transcript[i]
	}

	msg = msg.Clone()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	// Units already registered by the pending copy of this message carry
	// over; everything else must be new.
	carried := make(map[string][]string)
	if previous != nil {
		for _, tu := range previous.ToolUses() {
			carried[tu.ID] = tu.Units
		}
	}

	type derived struct {
		tu    *content.ToolUse
		units []interaction.Unit
	}
	var plan []derived
	seen := make(map[string]bool)
	for _, tu := range msg.ToolUses() {
		if ids, ok := carried[tu.ID]; ok {
			tu.Units = slices.Clone(ids)
			continue
		}

		var units []interaction.Unit
		switch tu.Kind() {
		case content.ToolAskUserQuestion:
			set, err := content.DeriveQuestionSet(tu)
			if err != nil {
				return content.Message{}, err
			}
			// Seq values are placeholders until the message is accepted.
			units = interaction.QuestionUnits(set, func() uint64 { return 0 })
		case content.ToolExitPlanMode:
			p, err := content.DerivePlan(tu)
			if err != nil {
				return content.Message{}, err
			}
			units = []interaction.Unit{interaction.PlanUnit(p, 0)}
		default:
			continue
		}

		for _, u := range units {
			if s.store.Has(u.ID) || seen[u.ID] {
				return content.Message{}, fmt.Errorf("%w: unit %s", errdefs.ErrDuplicateID, u.ID)
			}
			seen[u.ID] = true
		}
		plan = append(plan, derived{tu: tu, units: units})
	}

	for _, d := range plan {
		d.tu.Units = make([]string, len(d.units))
		for i, u := range d.units {
			u.Seq = s.nextSeq()
			if err := s.store.Register(u); err != nil {
				// Uniqueness was checked above; this is a bug.
				panic(fmt.Sprintf("register %s: %v", u.ID, err))
			}
			d.tu.Units[i] = u.ID
		}
	}

	if previous != nil {
		s.transcript[s.byUUID[msg.UUID]] = msg
	} else {
		s.byUUID[msg.UUID] = len(s.transcript)
		s.transcript = append(s.transcript, msg)
	}

	// A result that arrived before its tool use settles the new units.
	for _, d := range plan {
		if s.finished[d.tu.ID] {
			s.finishTool(d.tu.ID)
		}
	}
	for _, tr := range msg.ToolResults() {
		s.finishTool(tr.ToolUseID)
	}
	return msg.Clone(), nil
}

// finishTool applies the agent's result for a tool use: units derived from
// it were answered in the terminal, a pending permission request for it is
// moot, and it no longer counts as undelivered. No keys are written.
// Callers hold mu.
func (s *Session) finishTool(toolUseID string) {
	s.finished[toolUseID] = true

	for _, id := range s.store.Settle(toolUseID) {
		s.log.Info("unit answered in terminal", "unitId", id)
	}
	if _, err := s.channel.Withdraw(toolUseID); err == nil {
		s.notifyWaiter(toolUseID, permission.Cancelled)
		s.log.Info("permission settled in terminal", "toolUseId", toolUseID)
	}
	s.undelivered = slices.DeleteFunc(s.undelivered, func(id string) bool {
		u, ok := s.store.Get(id)
		return ok && u.SetID == toolUseID
	})
}

// Enqueue adds a permission request. The returned channel receives the
// decision once the request is resolved, withdrawn or the session ends.
// Requests matching a standing rule are approved at once.
func (s *Session) Enqueue(ctx context.Context, req permission.Request) (<-chan permission.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.SessionID == "" {
		req.SessionID = s.id
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}
	req.Seq = s.nextSeq()

	auto, err := s.channel.Enqueue(req)
	if err != nil {
		s.log.Warn("permission request rejected", "toolUseId", req.ToolUseID, "error", err)
		return nil, err
	}

	ch := make(chan permission.Decision, 1)
	log := s.log.With("toolUseId", req.ToolUseID, "tool", req.ToolName)
	if auto {
		ch <- permission.Approve
		log.Info("permission auto-approved by standing rule")
		stored, _ := s.channel.Get(req.ToolUseID)
		s.record(ctx, permissionRecord(RecordDecision, stored))
	} else {
		s.waiters[req.ToolUseID] = ch
		log.Info("permission requested", "input", logger.Truncate(string(req.ToolInput), 200))
		s.record(ctx, permissionRecord(RecordPermission, req))
	}
	s.commit(nil)
	return ch, nil
}

func (s *Session) notifyWaiter(toolUseID string, d permission.Decision) {
	if ch, ok := s.waiters[toolUseID]; ok {
		ch <- d
		delete(s.waiters, toolUseID)
	}
}

// Resolve applies res to the active question or plan and writes the
// matching keys to the agent. The local transition is committed before
// any key is written, so a second attempt on the same unit fails with
// ErrAlreadyAnswered instead of dispatching twice. A DeliveryTimeout is
// reported without rolling the transition back.
func (s *Session) Resolve(ctx context.Context, unitID string, res interaction.Resolution) error {
	return s.resolve(ctx, unitID, func() (interaction.Unit, error) {
		return s.panel.Resolve(unitID, res)
	})
}

// Submit resolves the active multi-select question with indices, or with
// the toggled selection when indices is nil.
func (s *Session) Submit(ctx context.Context, unitID string, indices []int) error {
	return s.resolve(ctx, unitID, func() (interaction.Unit, error) {
		return s.panel.Submit(unitID, indices)
	})
}

func (s *Session) resolve(ctx context.Context, unitID string, apply func() (interaction.Unit, error)) error {
	s.mu.Lock()
	u, err := apply()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.log.Info("unit resolved", "unitId", u.ID, "kind", u.Resolution.Kind)
	s.record(ctx, resolutionRecord(u))
	s.commit(nil)

	prev := s.dispatchTail
	done := make(chan struct{})
	s.dispatchTail = done
	s.mu.Unlock()

	defer close(done)
	<-prev

	// The transition is committed; the keys go out even if the caller
	// has gone away.
	err = s.dispatcher.Dispatch(context.WithoutCancel(ctx), s.target, u)
	if err != nil {
		s.log.Warn("dispatch failed", "unitId", u.ID, "error", err)
		if errors.Is(err, errdefs.ErrDeliveryTimeout) {
			s.mu.Lock()
			s.undelivered = append(s.undelivered, u.ID)
			s.commit(nil)
			s.mu.Unlock()
		}
	}
	return err
}

// Toggle flips one option of the active multi-select question.
func (s *Session) Toggle(unitID string, index int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sel, err := s.panel.Toggle(unitID, index)
	if err != nil {
		return nil, err
	}
	s.commit(nil)
	return sel, nil
}

// ResolvePermission decides the active permission request and releases
// its waiting producer.
func (s *Session) ResolvePermission(ctx context.Context, toolUseID string, d permission.Decision) (permission.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.panel.ResolvePermission(toolUseID, d)
	if err != nil {
		return permission.Request{}, err
	}
	s.notifyWaiter(toolUseID, d)
	s.log.Info("permission resolved", "toolUseId", toolUseID, "decision", d)
	s.record(ctx, permissionRecord(RecordDecision, req))
	s.commit(nil)
	return req, nil
}

// WithdrawPermission cancels a pending request whose producer stopped
// waiting for it.
func (s *Session) WithdrawPermission(ctx context.Context, toolUseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.channel.Withdraw(toolUseID)
	if err != nil {
		return err
	}
	s.notifyWaiter(toolUseID, permission.Cancelled)
	s.log.Info("permission withdrawn", "toolUseId", toolUseID)
	s.record(ctx, permissionRecord(RecordDecision, req))
	s.commit(nil)
	return nil
}

// SendText types a free-text message into the agent. Free text never
// answers a question: while a question or plan prompt is active it is
// rejected, and answers in free text use a resolution of kind "other".
func (s *Session) SendText(ctx context.Context, text string) error {
	if text == "" {
		return fmt.Errorf("%w: empty message", errdefs.ErrInvalidArgument)
	}

	s.mu.Lock()
	if a, ok := s.panel.Activate(); ok && a.Kind != panel.KindPermission {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s %s is waiting for an answer", errdefs.ErrInvalidArgument, a.Kind, a.ID)
	}
	s.record(ctx, inputRecord(text))

	prev := s.dispatchTail
	done := make(chan struct{})
	s.dispatchTail = done
	s.mu.Unlock()

	defer close(done)
	<-prev

	s.log.Info("sending message", "length", len(text))
	return s.dispatcher.SendText(context.WithoutCancel(ctx), s.target, text)
}

// MarkDead records that the agent process is gone. Waiting permission
// producers are released with Cancelled.
func (s *Session) MarkDead(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.alive {
		return
	}
	s.alive = false
	for id := range s.waiters {
		if _, err := s.channel.Withdraw(id); err == nil {
			s.notifyWaiter(id, permission.Cancelled)
		}
	}
	s.commit(nil)
}

// replay rebuilds state from persisted history without writing keys or
// history. Records that no longer apply are skipped.
func (s *Session) replay(records []json.RawMessage) (applied int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.replaying = true
	defer func() { s.replaying = false }()

	for _, raw := range records {
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			s.log.Warn("skipping unreadable history record", "error", err)
			continue
		}
		switch r.Type {
		case RecordMessage:
			if r.Message == nil {
				continue
			}
			if _, err := s.ingestOne(*r.Message); err != nil {
				s.log.Debug("history message skipped", "uuid", r.Message.UUID, "error", err)
				continue
			}
		case RecordResolution:
			if r.Resolution == nil {
				continue
			}
			if _, err := s.store.Resolve(r.UnitID, *r.Resolution); err != nil {
				s.log.Debug("history resolution skipped", "unitId", r.UnitID, "error", err)
				continue
			}
		default:
			continue
		}
		applied++
	}
	s.commit(nil)
	return applied
}
