package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"multichatgo/internal/config"
	"multichatgo/internal/models"
	"multichatgo/internal/service/llm"
	"multichatgo/internal/service/skill"
	"multichatgo/internal/transport"
)

type fakeStore struct {
	mu       sync.Mutex
	room     *models.Chatroom
	roster   []*models.Participant
	messages []*models.Message
	runs     []*models.Run
	nextID   int64
	topic    string
	title    string
	onUpdate func(*models.Message)
}

func newFakeStore(room *models.Chatroom, roster ...*models.Participant) *fakeStore {
	return &fakeStore{room: room, roster: roster}
}

func (f *fakeStore) GetChatroomByID(ctx context.Context, roomID int64) (*models.Chatroom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.room, nil
}

func (f *fakeStore) ListParticipants(ctx context.Context, roomID int64) ([]*models.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Participant, len(f.roster))
	copy(out, f.roster)
	return out, nil
}

func (f *fakeStore) ListMessages(ctx context.Context, roomID int64) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Message, len(f.messages))
	copy(out, f.messages)
	return out, nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg.ID = f.nextID
	msg.CreatedAt = time.Now().UTC()
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	f.mu.Lock()
	hook := f.onUpdate
	f.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (f *fakeStore) setStatus(status models.RoomStatus) {
	f.mu.Lock()
	f.room.Status = status
	f.mu.Unlock()
}

func (f *fakeStore) MarkDelivered(ctx context.Context, messageIDs ...int64) error {
	return nil
}

func (f *fakeStore) UpdateTopic(ctx context.Context, roomID int64, topic string) error {
	f.mu.Lock()
	f.topic = topic
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) UpdateTitle(ctx context.Context, roomID int64, title string) error {
	f.mu.Lock()
	f.title = title
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) TryBeginRun(ctx context.Context, roomID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.room.Status != models.RoomIdle {
		return false, nil
	}
	f.room.Status = models.RoomRunning
	return true, nil
}

func (f *fakeStore) EndRun(ctx context.Context, roomID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.room.Status == models.RoomRunning {
		f.room.Status = models.RoomIdle
	}
	return nil
}

func (f *fakeStore) RoomStatus(ctx context.Context, roomID int64) (models.RoomStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.room.Status, nil
}

func (f *fakeStore) CreateRun(ctx context.Context, roomID int64) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := &models.Run{
		ID:         int64(len(f.runs) + 1),
		ChatroomID: roomID,
		Status:     models.RunRunning,
		CreatedAt:  time.Now().UTC(),
	}
	f.runs = append(f.runs, run)
	return run, nil
}

func (f *fakeStore) FinishRun(ctx context.Context, run *models.Run) error {
	return nil
}

func (f *fakeStore) agentTexts() []*models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Message
	for _, m := range f.messages {
		if !m.FromUser() && m.Kind == models.KindText {
			out = append(out, m)
		}
	}
	return out
}

type sentFrame struct {
	instr   transport.Instruction
	payload interface{}
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	sent    []sentFrame
	ended   chan struct{}
	endOnce sync.Once
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{ended: make(chan struct{})}
}

func (f *fakeBroadcaster) HasObservers(roomID int64) bool { return false }

func (f *fakeBroadcaster) Send(roomID int64, instr transport.Instruction, payload interface{}) {
	f.mu.Lock()
	f.sent = append(f.sent, sentFrame{instr: instr, payload: payload})
	f.mu.Unlock()
	if instr == transport.InstrEndChat {
		f.endOnce.Do(func() { close(f.ended) })
	}
}

func (f *fakeBroadcaster) Stream(roomID, speakerID int64, chunk, fullSoFar string) {}
func (f *fakeBroadcaster) EndStream(roomID, speakerID int64, fullText string)      {}

func (f *fakeBroadcaster) waitForEnd(t *testing.T) {
	t.Helper()
	select {
	case <-f.ended:
	case <-time.After(5 * time.Second):
		t.Fatalf("run never sent ENDCHAT")
	}
}

func (f *fakeBroadcaster) instructions() []transport.Instruction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Instruction, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.instr)
	}
	return out
}

func (f *fakeBroadcaster) count(instr transport.Instruction) int {
	n := 0
	for _, got := range f.instructions() {
		if got == instr {
			n++
		}
	}
	return n
}

type fakeReply struct {
	content   string
	toolCalls []*models.ToolUse
}

type fakeModel struct {
	mu          sync.Mutex
	selections  []string
	selectCalls int
	lastInvalid []string
	replies     []fakeReply
	replyCalls  int
	title       string
}

func (f *fakeModel) StreamReply(ctx context.Context, agent *models.Participant, roster []*models.Participant, topic string, history []*models.Message, tools []*schema.ToolInfo, onDelta func(delta, full string) error) (*llm.Reply, error) {
	f.mu.Lock()
	idx := f.replyCalls
	f.replyCalls++
	f.mu.Unlock()
	if idx >= len(f.replies) {
		return nil, errors.New("no scripted reply left")
	}
	r := f.replies[idx]
	if r.content != "" && onDelta != nil {
		if err := onDelta(r.content, r.content); err != nil {
			return nil, err
		}
	}
	var calls []*models.ToolUse
	for _, tc := range r.toolCalls {
		dup := *tc
		calls = append(calls, &dup)
	}
	return &llm.Reply{Content: r.content, ToolCalls: calls, PromptTokens: 10, CompletionTokens: 5}, nil
}

func (f *fakeModel) SelectSpeaker(ctx context.Context, roster []*models.Participant, history []*models.Message, invalid []string, afterUser bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastInvalid = append([]string(nil), invalid...)
	idx := f.selectCalls
	f.selectCalls++
	if idx >= len(f.selections) {
		idx = len(f.selections) - 1
	}
	return f.selections[idx], nil
}

func (f *fakeModel) GenerateTitle(ctx context.Context, history []*models.Message) (string, error) {
	if f.title == "" {
		return "untitled", nil
	}
	return f.title, nil
}

func (f *fakeModel) selected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selectCalls
}

func useFakeModel(t *testing.T, fm ModelCaller) {
	t.Helper()
	orig := chatModelFactory
	chatModelFactory = func(provider, model string) (ModelCaller, error) { return fm, nil }
	t.Cleanup(func() { chatModelFactory = orig })
}

func testRoom(maxRound int, smart bool) *models.Chatroom {
	return &models.Chatroom{
		ID: 1, UserID: 1, Title: "room", Status: models.RoomIdle,
		MaxRound: maxRound, SmartSelection: smart,
	}
}

func agent(id int64, name string) *models.Participant {
	return &models.Participant{ID: id, ChatroomID: 1, Name: name, Provider: "openai", Model: "gpt-4o"}
}

func newTestManager(store Store, bcast Broadcaster) *Manager {
	return NewManager(store, bcast, skill.NewRegistry(skill.NewLocalRunner()), nil,
		config.EngineConfig{SelectionAttempts: 5})
}

func TestSingleAgentShortcutSkipsSelection(t *testing.T) {
	fm := &fakeModel{
		replies: []fakeReply{{content: "hello back"}},
		title:   "greetings",
	}
	useFakeModel(t, fm)
	store := newFakeStore(testRoom(5, false), agent(2, "sage"))
	bcast := newFakeBroadcaster()
	mgr := newTestManager(store, bcast)

	if err := mgr.StartRun(context.Background(), 1, &UserInput{Text: "hi there"}); err != nil {
		t.Fatalf("StartRun error: %v", err)
	}
	bcast.waitForEnd(t)

	if fm.selected() != 0 {
		t.Fatalf("single-agent reply must not call the selector, got %d calls", fm.selected())
	}
	texts := store.agentTexts()
	if len(texts) != 1 || texts[0].Content != "hello back" {
		t.Fatalf("agent messages = %+v", texts)
	}
	store.mu.Lock()
	topic, title := store.topic, store.title
	store.mu.Unlock()
	if topic != "hi there" {
		t.Fatalf("topic = %q, want derived from user text", topic)
	}
	if title != "greetings" {
		t.Fatalf("title = %q, want generated", title)
	}
	if bcast.count(transport.InstrTitle) != 1 {
		t.Fatalf("expected one TITLE broadcast, got %v", bcast.instructions())
	}
	status, _ := store.RoomStatus(context.Background(), 1)
	if status != models.RoomIdle {
		t.Fatalf("room status after run = %v, want idle", status)
	}
}

func TestTurnLoopStopsAtMaxRound(t *testing.T) {
	fm := &fakeModel{
		selections: []string{`{"id":2,"topic":"debate"}`, `{"id":3}`, `{"id":2}`, `{"id":3}`, `{"id":2}`},
		replies: []fakeReply{
			{content: "r1"}, {content: "r2"}, {content: "r3"}, {content: "r4"}, {content: "r5"},
		},
	}
	useFakeModel(t, fm)
	store := newFakeStore(testRoom(3, false), agent(2, "pro"), agent(3, "con"))
	bcast := newFakeBroadcaster()
	mgr := newTestManager(store, bcast)

	if err := mgr.StartRun(context.Background(), 1, &UserInput{Text: "discuss"}); err != nil {
		t.Fatalf("StartRun error: %v", err)
	}
	bcast.waitForEnd(t)

	if got := len(store.agentTexts()); got != 3 {
		t.Fatalf("agent replies = %d, want max_round bound of 3", got)
	}
}

func TestDisabledRoomMidRunStopsLoop(t *testing.T) {
	fm := &fakeModel{
		selections: []string{`{"id":2,"topic":"debate"}`, `{"id":3}`, `{"id":2}`},
		replies: []fakeReply{
			{content: "r1"}, {content: "r2"}, {content: "r3"}, {content: "r4"}, {content: "r5"},
		},
	}
	useFakeModel(t, fm)
	store := newFakeStore(testRoom(5, false), agent(2, "pro"), agent(3, "con"))
	// Disable the room as soon as the first agent reply is finalized.
	store.onUpdate = func(msg *models.Message) {
		if msg.Kind == models.KindText && !msg.FromUser() && msg.Content != "" {
			store.setStatus(models.RoomDisabled)
		}
	}
	bcast := newFakeBroadcaster()
	mgr := newTestManager(store, bcast)

	if err := mgr.StartRun(context.Background(), 1, &UserInput{Text: "discuss"}); err != nil {
		t.Fatalf("StartRun error: %v", err)
	}
	bcast.waitForEnd(t)

	if got := len(store.agentTexts()); got != 1 {
		t.Fatalf("agent replies = %d, want 1 after the room was disabled mid-run", got)
	}
	if fm.selected() != 1 {
		t.Fatalf("selector calls = %d, want 1", fm.selected())
	}
}

func TestSelectionRetryExhaustionEndsRunCleanly(t *testing.T) {
	fm := &fakeModel{
		selections: []string{"gibberish"},
		replies:    []fakeReply{},
	}
	useFakeModel(t, fm)
	store := newFakeStore(testRoom(5, false), agent(2, "pro"), agent(3, "con"))
	bcast := newFakeBroadcaster()
	mgr := newTestManager(store, bcast)

	if err := mgr.StartRun(context.Background(), 1, &UserInput{Text: "go"}); err != nil {
		t.Fatalf("StartRun error: %v", err)
	}
	bcast.waitForEnd(t)

	if fm.selected() != 5 {
		t.Fatalf("selector calls = %d, want the 5-attempt bound", fm.selected())
	}
	fm.mu.Lock()
	invalidSeen := len(fm.lastInvalid)
	fm.mu.Unlock()
	if invalidSeen != 4 {
		t.Fatalf("final attempt saw %d invalid answers, want 4", invalidSeen)
	}
	if len(store.agentTexts()) != 0 {
		t.Fatalf("no reply should have been generated")
	}
	if bcast.count(transport.InstrError) != 0 {
		t.Fatalf("exhausted selection must not be an error: %v", bcast.instructions())
	}
	store.mu.Lock()
	finalStatus := store.runs[0].Status
	store.mu.Unlock()
	if finalStatus != models.RunFinished {
		t.Fatalf("run status = %v, want finished", finalStatus)
	}
}

func TestStopSentinelEndsRun(t *testing.T) {
	fm := &fakeModel{
		selections: []string{`{"id":3,"topic":"plan"}`, `{"id":0}`},
		replies:    []fakeReply{{content: "my take"}},
	}
	useFakeModel(t, fm)
	store := newFakeStore(testRoom(6, false), agent(2, "pro"), agent(3, "con"))
	bcast := newFakeBroadcaster()
	mgr := newTestManager(store, bcast)

	if err := mgr.StartRun(context.Background(), 1, &UserInput{Text: "thoughts?"}); err != nil {
		t.Fatalf("StartRun error: %v", err)
	}
	bcast.waitForEnd(t)

	if got := len(store.agentTexts()); got != 1 {
		t.Fatalf("agent replies = %d, want 1 before the stop sentinel", got)
	}
	if fm.selected() != 2 {
		t.Fatalf("selector calls = %d, want 2", fm.selected())
	}
}

func TestToolBatchMidReply(t *testing.T) {
	fm := &fakeModel{
		replies: []fakeReply{
			{content: "Checking. ", toolCalls: []*models.ToolUse{{Index: 0, Name: "probe", Args: `{"q":"x"}`}}},
			{content: "All done."},
		},
	}
	useFakeModel(t, fm)
	skills := &fakeSkillSet{outputs: map[string]string{"probe": "probe says yes"}}
	store := newFakeStore(testRoom(5, false), agent(2, "sage"))
	bcast := newFakeBroadcaster()
	mgr := NewManager(store, bcast, skills, nil, config.EngineConfig{SelectionAttempts: 5})

	if err := mgr.StartRun(context.Background(), 1, &UserInput{Text: "check something"}); err != nil {
		t.Fatalf("StartRun error: %v", err)
	}
	bcast.waitForEnd(t)

	texts := store.agentTexts()
	if len(texts) != 1 || texts[0].Content != "Checking. All done." {
		t.Fatalf("final reply = %+v", texts)
	}

	store.mu.Lock()
	var toolMsg *models.Message
	for _, m := range store.messages {
		if m.Kind == models.KindToolUse {
			toolMsg = m
		}
	}
	store.mu.Unlock()
	if toolMsg == nil {
		t.Fatalf("tool batch message was not persisted")
	}
	tu := toolMsg.ToolCalls[0]
	if !tu.Resolved() || tu.Result.Status != models.ToolOK || tu.Result.Output != "probe says yes" {
		t.Fatalf("tool slot = %+v", tu)
	}
	if bcast.count(transport.InstrToolUse) != 1 || bcast.count(transport.InstrToolResult) != 1 {
		t.Fatalf("tool instructions = %v", bcast.instructions())
	}
}

// chainModel asks for a tool on every continuation, so only the batch bound
// can end its reply.
type chainModel struct {
	mu    sync.Mutex
	calls int
}

func (c *chainModel) StreamReply(ctx context.Context, agent *models.Participant, roster []*models.Participant, topic string, history []*models.Message, tools []*schema.ToolInfo, onDelta func(delta, full string) error) (*llm.Reply, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	content := fmt.Sprintf("step%d ", n)
	if onDelta != nil {
		if err := onDelta(content, content); err != nil {
			return nil, err
		}
	}
	return &llm.Reply{
		Content:   content,
		ToolCalls: []*models.ToolUse{{Index: 0, Name: "lookup", Args: `{"q":"more"}`}},
	}, nil
}

func (c *chainModel) SelectSpeaker(ctx context.Context, roster []*models.Participant, history []*models.Message, invalid []string, afterUser bool) (string, error) {
	return `{"id":0}`, nil
}

func (c *chainModel) GenerateTitle(ctx context.Context, history []*models.Message) (string, error) {
	return "chained", nil
}

func (c *chainModel) streamCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestToolChainStopsAtBound(t *testing.T) {
	cm := &chainModel{}
	useFakeModel(t, cm)
	skills := &fakeSkillSet{outputs: map[string]string{"lookup": "found"}}
	store := newFakeStore(testRoom(5, false), agent(2, "sage"))
	bcast := newFakeBroadcaster()
	mgr := NewManager(store, bcast, skills, nil, config.EngineConfig{SelectionAttempts: 5})

	if err := mgr.StartRun(context.Background(), 1, &UserInput{Text: "dig in"}); err != nil {
		t.Fatalf("StartRun error: %v", err)
	}
	bcast.waitForEnd(t)

	if got := cm.streamCalls(); got != maxToolRounds {
		t.Fatalf("stream calls = %d, want the %d-batch bound", got, maxToolRounds)
	}
	store.mu.Lock()
	batches := 0
	for _, m := range store.messages {
		if m.Kind == models.KindToolUse {
			batches++
		}
	}
	store.mu.Unlock()
	if batches != maxToolRounds {
		t.Fatalf("tool batches = %d, want %d", batches, maxToolRounds)
	}
	texts := store.agentTexts()
	if len(texts) != 1 || texts[0].Content == "" {
		t.Fatalf("reply must finalize with the accumulated text, got %+v", texts)
	}
	if bcast.count(transport.InstrError) != 0 {
		t.Fatalf("bounded tool chain must not be an error: %v", bcast.instructions())
	}
}

func TestResumeContinuesFromCompletedRounds(t *testing.T) {
	fm := &fakeModel{
		selections: []string{`{"id":2}`},
		replies:    []fakeReply{{content: "r3"}, {content: "r4"}, {content: "r5"}},
	}
	useFakeModel(t, fm)
	room := testRoom(5, false)
	room.Status = models.RoomRunning
	room.Title = "resumed"
	store := newFakeStore(room, agent(2, "pro"), agent(3, "con"))
	store.messages = []*models.Message{
		{ID: 1, ChatroomID: 1, ParticipantID: models.UserSpeakerID, Kind: models.KindText, Content: "go"},
		{ID: 2, ChatroomID: 1, ParticipantID: 2, Kind: models.KindText, Content: "r1"},
		{ID: 3, ChatroomID: 1, ParticipantID: 3, Kind: models.KindText, Content: "r2"},
	}
	store.nextID = 3
	bcast := newFakeBroadcaster()
	mgr := newTestManager(store, bcast)

	if err := mgr.Resume(context.Background(), 1); err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	bcast.waitForEnd(t)

	// Rounds 0 and 1 already happened, so only rounds 2..4 may run.
	newReplies := len(store.agentTexts()) - 2
	if newReplies != 3 {
		t.Fatalf("resumed replies = %d, want 3", newReplies)
	}
}

func TestStartRunRefusedWhileRunning(t *testing.T) {
	release := make(chan struct{})
	fm := &blockingModel{release: release}
	useFakeModel(t, fm)
	store := newFakeStore(testRoom(5, false), agent(2, "sage"))
	bcast := newFakeBroadcaster()
	mgr := newTestManager(store, bcast)

	if err := mgr.StartRun(context.Background(), 1, &UserInput{Text: "first"}); err != nil {
		t.Fatalf("first StartRun error: %v", err)
	}
	fm.waitUntilStreaming(t)

	err := mgr.StartRun(context.Background(), 1, &UserInput{Text: "second"})
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("second StartRun error = %v, want ErrRunInProgress", err)
	}
	close(release)
	bcast.waitForEnd(t)

	if ok := mgr.Running(1); ok {
		t.Fatalf("room still marked running after run finished")
	}
}

// blockingModel parks StreamReply until released, to hold a run open.
type blockingModel struct {
	release   chan struct{}
	mu        sync.Mutex
	streaming chan struct{}
	started   bool
}

func (b *blockingModel) StreamReply(ctx context.Context, agent *models.Participant, roster []*models.Participant, topic string, history []*models.Message, tools []*schema.ToolInfo, onDelta func(delta, full string) error) (*llm.Reply, error) {
	b.mu.Lock()
	if !b.started {
		b.started = true
		if b.streaming != nil {
			close(b.streaming)
		}
	}
	b.mu.Unlock()
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &llm.Reply{Content: "done"}, nil
}

func (b *blockingModel) SelectSpeaker(ctx context.Context, roster []*models.Participant, history []*models.Message, invalid []string, afterUser bool) (string, error) {
	return `{"id":0}`, nil
}

func (b *blockingModel) GenerateTitle(ctx context.Context, history []*models.Message) (string, error) {
	return "held", nil
}

func (b *blockingModel) waitUntilStreaming(t *testing.T) {
	t.Helper()
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.streaming = make(chan struct{})
	ch := b.streaming
	b.mu.Unlock()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("model never started streaming")
	}
}

type fakeSkillSet struct {
	outputs map[string]string
}

func (f *fakeSkillSet) Resolve(name string) (skill.Skill, bool) {
	out, ok := f.outputs[name]
	if !ok {
		return nil, false
	}
	return &fakeSkill{name: name, output: out}, true
}

func (f *fakeSkillSet) Infos() []*schema.ToolInfo {
	var infos []*schema.ToolInfo
	for name := range f.outputs {
		infos = append(infos, &schema.ToolInfo{Name: name})
	}
	return infos
}

type fakeSkill struct {
	name   string
	output string
}

func (f *fakeSkill) Name() string        { return f.name }
func (f *fakeSkill) DisplayName() string { return "Fake " + f.name }

func (f *fakeSkill) Info() *schema.ToolInfo {
	return &schema.ToolInfo{Name: f.name, Desc: "test skill"}
}

func (f *fakeSkill) Invoke(ctx context.Context, args string) (string, error) {
	var payload map[string]interface{}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &payload); err != nil {
			return "", fmt.Errorf("bad args: %w", err)
		}
	}
	return f.output, nil
}
