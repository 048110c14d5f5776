package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"multichatgo/internal/models"
	"multichatgo/internal/service/llm"
	"multichatgo/internal/service/skill"
	"multichatgo/internal/transport"
)

// Store is the persistence surface the engine drives. *room.Service
// satisfies it; tests swap in fakes.
type Store interface {
	GetChatroomByID(ctx context.Context, roomID int64) (*models.Chatroom, error)
	ListParticipants(ctx context.Context, roomID int64) ([]*models.Participant, error)
	ListMessages(ctx context.Context, roomID int64) ([]*models.Message, error)
	AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	UpdateMessage(ctx context.Context, msg *models.Message) error
	MarkDelivered(ctx context.Context, messageIDs ...int64) error
	UpdateTopic(ctx context.Context, roomID int64, topic string) error
	UpdateTitle(ctx context.Context, roomID int64, title string) error
	TryBeginRun(ctx context.Context, roomID int64) (bool, error)
	EndRun(ctx context.Context, roomID int64) error
	RoomStatus(ctx context.Context, roomID int64) (models.RoomStatus, error)
	CreateRun(ctx context.Context, roomID int64) (*models.Run, error)
	FinishRun(ctx context.Context, run *models.Run) error
}

// Broadcaster fans engine events out to every live observer of a room.
// *transport.Registry satisfies it.
type Broadcaster interface {
	HasObservers(roomID int64) bool
	Send(roomID int64, instr transport.Instruction, payload interface{})
	Stream(roomID, speakerID int64, chunk, fullSoFar string)
	EndStream(roomID, speakerID int64, fullText string)
}

// ModelCaller is the slice of the model layer one agent binding needs.
// *llm.Service satisfies it.
type ModelCaller interface {
	StreamReply(ctx context.Context, agent *models.Participant, roster []*models.Participant, topic string, history []*models.Message, tools []*schema.ToolInfo, onDelta func(delta, full string) error) (*llm.Reply, error)
	SelectSpeaker(ctx context.Context, roster []*models.Participant, history []*models.Message, invalid []string, afterUser bool) (string, error)
	GenerateTitle(ctx context.Context, history []*models.Message) (string, error)
}

// SkillSet resolves tool names the model emits into invokable skills.
// *skill.Registry satisfies it.
type SkillSet interface {
	Resolve(name string) (skill.Skill, bool)
	Infos() []*schema.ToolInfo
}

// chatModelFactory builds the caller for one provider/model binding.
// Swapped out by tests.
var chatModelFactory = func(provider, model string) (ModelCaller, error) {
	return llm.NewChatService(provider, model)
}

var (
	ErrNoToolBatch      = errors.New("no tool batch in progress")
	ErrUnknownToolIndex = errors.New("unknown tool index")
	ErrToolResolved     = errors.New("tool invocation already resolved")
	ErrUnknownSubRun    = errors.New("unknown sub-run")
)

// Session holds the in-memory state of one executing run: the roster and
// history snapshot the turn loop works on, the current tool batch, and the
// cancellation root for everything the run spawns.
type Session struct {
	room   *models.Chatroom
	store  Store
	bcast  Broadcaster
	skills SkillSet
	run    *models.Run

	ctx    context.Context
	cancel context.CancelFunc

	maxRound          int
	selectionAttempts int
	toolTimeout       time.Duration

	mu          sync.Mutex
	cond        *sync.Cond
	roster      []*models.Participant
	history     []*models.Message
	batch       *models.Message
	pending     int
	interrupted bool
	subRuns     map[int64]int

	callers map[string]ModelCaller
}

func newSession(room *models.Chatroom, store Store, bcast Broadcaster, skills SkillSet, run *models.Run) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		room:    room,
		store:   store,
		bcast:   bcast,
		skills:  skills,
		run:     run,
		ctx:     ctx,
		cancel:  cancel,
		subRuns: make(map[int64]int),
		callers: make(map[string]ModelCaller),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// callerFor returns the model caller for one agent, building it lazily so a
// roster mixing providers only opens the clients it uses.
func (s *Session) callerFor(agent *models.Participant) (ModelCaller, error) {
	key := agent.Provider + "/" + agent.Model
	s.mu.Lock()
	caller, ok := s.callers[key]
	s.mu.Unlock()
	if ok {
		return caller, nil
	}
	caller, err := chatModelFactory(agent.Provider, agent.Model)
	if err != nil {
		return nil, fmt.Errorf("build model %s: %w", key, err)
	}
	s.mu.Lock()
	s.callers[key] = caller
	s.mu.Unlock()
	return caller, nil
}

// activeAgents returns the roster minus absent participants.
func (s *Session) activeAgents() []*models.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := make([]*models.Participant, 0, len(s.roster))
	for _, p := range s.roster {
		if !p.Absent {
			active = append(active, p)
		}
	}
	return active
}

func (s *Session) agentByID(id int64) *models.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.roster {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// beginToolBatch installs msg as the batch in progress. Every ToolUse on it
// is unresolved at this point.
func (s *Session) beginToolBatch(msg *models.Message) {
	s.mu.Lock()
	s.batch = msg
	s.pending = len(msg.ToolCalls)
	s.mu.Unlock()
}

func (s *Session) endToolBatch() {
	s.mu.Lock()
	s.batch = nil
	s.pending = 0
	s.subRuns = make(map[int64]int)
	s.mu.Unlock()
}

// bindSubRun records which tool slot a started sub-workflow run belongs to,
// so confirmation signals addressed by sub-run id can find it.
func (s *Session) bindSubRun(index int, subRunID int64) {
	s.mu.Lock()
	s.subRuns[subRunID] = index
	var tu *models.ToolUse
	if s.batch != nil && index < len(s.batch.ToolCalls) {
		tu = s.batch.ToolCalls[index]
		tu.SubRunID = subRunID
	}
	msg := s.batch
	s.mu.Unlock()
	if tu == nil {
		return
	}
	if err := s.store.UpdateMessage(s.ctx, msg); err != nil {
		log.Printf("persist sub-run binding for chatroom %d: %v", s.room.ID, err)
	}
}

// SetToolResult resolves one invocation of the current batch. A slot
// resolves at most once; a second resolution attempt is an error and the
// recorded result stays untouched.
func (s *Session) SetToolResult(index int, result *models.ToolResult) error {
	s.mu.Lock()
	if s.batch == nil {
		s.mu.Unlock()
		return ErrNoToolBatch
	}
	if index < 0 || index >= len(s.batch.ToolCalls) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownToolIndex, index)
	}
	tu := s.batch.ToolCalls[index]
	if tu.Resolved() {
		s.mu.Unlock()
		return fmt.Errorf("%w: index %d", ErrToolResolved, index)
	}
	tu.Result = result
	s.pending--
	msg := s.batch
	s.cond.Broadcast()
	s.mu.Unlock()

	if err := s.store.UpdateMessage(s.ctx, msg); err != nil {
		log.Printf("persist tool result for chatroom %d: %v", s.room.ID, err)
	}
	s.bcast.Send(s.room.ID, transport.InstrToolResult, toolResultPayload{
		MessageID: msg.ID,
		Index:     index,
		Name:      tu.Name,
		Result:    result,
	})
	return nil
}

// SetConfirmationStatus records a human confirmation decision on one slot of
// the batch and tells observers about it. It does not resolve the slot; the
// running workflow does that when it finishes.
func (s *Session) SetConfirmationStatus(index int, status string) error {
	s.mu.Lock()
	if s.batch == nil {
		s.mu.Unlock()
		return ErrNoToolBatch
	}
	if index < 0 || index >= len(s.batch.ToolCalls) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownToolIndex, index)
	}
	tu := s.batch.ToolCalls[index]
	tu.Confirmation = status
	msg := s.batch
	s.mu.Unlock()

	if err := s.store.UpdateMessage(s.ctx, msg); err != nil {
		log.Printf("persist confirmation for chatroom %d: %v", s.room.ID, err)
	}
	s.bcast.Send(s.room.ID, transport.InstrWorkflowGate, workflowGatePayload{
		MessageID: msg.ID,
		Index:     index,
		SubRunID:  tu.SubRunID,
		Status:    status,
	})
	return nil
}

// SetSubRunConfirmation routes a confirmation decision addressed by sub-run
// id onto the tool slot that started it.
func (s *Session) SetSubRunConfirmation(subRunID int64, status string) error {
	s.mu.Lock()
	index, ok := s.subRuns[subRunID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSubRun, subRunID)
	}
	return s.SetConfirmationStatus(index, status)
}

// InterruptAll force-resolves every pending invocation as interrupted and
// flags the session so the turn loop stops after the current step.
func (s *Session) InterruptAll() {
	s.forceResolvePending(models.ToolInterrupted, "run interrupted")
	s.cancel()
}

// forceResolvePending tags every unresolved slot of the batch with status
// and wakes the batch waiter. Slots that already resolved keep their result.
func (s *Session) forceResolvePending(status models.ToolResultStatus, output string) {
	s.mu.Lock()
	s.interrupted = true
	msg := s.batch
	var forced []int
	if msg != nil {
		for i, tu := range msg.ToolCalls {
			if !tu.Resolved() {
				tu.Result = &models.ToolResult{Status: status, Output: output}
				forced = append(forced, i)
			}
		}
		s.pending = 0
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	if msg == nil || len(forced) == 0 {
		return
	}
	if err := s.store.UpdateMessage(s.ctx, msg); err != nil {
		log.Printf("persist forced tool results for chatroom %d: %v", s.room.ID, err)
	}
	for _, i := range forced {
		s.bcast.Send(s.room.ID, transport.InstrToolResult, toolResultPayload{
			MessageID: msg.ID,
			Index:     i,
			Name:      msg.ToolCalls[i].Name,
			Result:    msg.ToolCalls[i].Result,
		})
	}
}

// waitForBatch blocks until every slot of the batch resolves, the session is
// interrupted, or timeout passes. It reports false on timeout.
func (s *Session) waitForBatch(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 && !s.interrupted {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		wake := time.AfterFunc(remaining, s.cond.Broadcast)
		s.cond.Wait()
		wake.Stop()
	}
	return true
}

func (s *Session) appendHistory(msg *models.Message) {
	s.mu.Lock()
	s.history = append(s.history, msg)
	s.mu.Unlock()
}

func (s *Session) snapshotHistory() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) rosterSnapshot() []*models.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Participant, len(s.roster))
	copy(out, s.roster)
	return out
}

// refreshRoster reloads the roster mid-run after an external change, so a
// participant added or marked absent during a run takes effect on the next
// selection.
func (s *Session) refreshRoster() {
	roster, err := s.store.ListParticipants(s.ctx, s.room.ID)
	if err != nil {
		log.Printf("refresh roster for chatroom %d: %v", s.room.ID, err)
		return
	}
	s.mu.Lock()
	s.roster = roster
	s.mu.Unlock()
}

// attachedFiles collects every file the user attached in this room, the set
// skills are allowed to read.
func (s *Session) attachedFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var files []string
	for _, msg := range s.history {
		if msg.FromUser() {
			files = append(files, msg.Files...)
		}
	}
	return files
}

func (s *Session) isInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

type toolResultPayload struct {
	MessageID int64              `json:"message_id"`
	Index     int                `json:"index"`
	Name      string             `json:"name"`
	Result    *models.ToolResult `json:"result"`
}

type workflowGatePayload struct {
	MessageID int64  `json:"message_id"`
	Index     int    `json:"index"`
	SubRunID  int64  `json:"sub_run_id"`
	Status    string `json:"status"`
}

type toolUsePayload struct {
	MessageID   int64  `json:"message_id"`
	SpeakerID   int64  `json:"speaker_id"`
	Index       int    `json:"index"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Args        string `json:"args"`
	Workflow    bool   `json:"workflow"`
}
