package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"multichatgo/internal/config"
	"multichatgo/internal/models"
	rediscache "multichatgo/internal/redis"
	"multichatgo/internal/transport"
)

const (
	defaultMaxRound          = 10
	defaultSelectionAttempts = 5
	defaultToolTimeout       = time.Hour
)

var (
	ErrRunInProgress = errors.New("chatroom already has a run in progress")
	ErrRoomDisabled  = errors.New("chatroom is disabled")
	ErrNotRunning    = errors.New("chatroom has no run in progress")
)

// Manager owns the live sessions of this process. It is the only place runs
// start, so the status column check-and-set plus the active map together
// guarantee at most one run per chatroom.
type Manager struct {
	store  Store
	bcast  Broadcaster
	skills SkillSet
	cache  *rediscache.Client

	maxRound          int
	selectionAttempts int
	toolTimeout       time.Duration

	mu     sync.Mutex
	active map[int64]*Session
}

// NewManager wires the engine together. cache may be nil, which disables the
// read-through cache and cross-process invalidation.
func NewManager(store Store, bcast Broadcaster, skills SkillSet, cache *rediscache.Client, cfg config.EngineConfig) *Manager {
	m := &Manager{
		store:             NewCachedStore(store, cache),
		bcast:             bcast,
		skills:            skills,
		cache:             cache,
		maxRound:          cfg.DefaultMaxRound,
		selectionAttempts: cfg.SelectionAttempts,
		toolTimeout:       time.Duration(cfg.ToolTimeoutMinutes) * time.Minute,
		active:            make(map[int64]*Session),
	}
	if m.maxRound <= 0 {
		m.maxRound = defaultMaxRound
	}
	if m.selectionAttempts <= 0 {
		m.selectionAttempts = defaultSelectionAttempts
	}
	if m.toolTimeout <= 0 {
		m.toolTimeout = defaultToolTimeout
	}
	return m
}

type stoppablePayload struct {
	Stoppable bool `json:"stoppable"`
}

type endChatPayload struct {
	Status models.RunStatus `json:"status"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// StartRun begins a run for new user input. The chatroom status column is
// the mutual exclusion: a second submission while a run executes is refused.
func (m *Manager) StartRun(ctx context.Context, roomID int64, input *UserInput) error {
	room, err := m.store.GetChatroomByID(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Status == models.RoomDisabled {
		return ErrRoomDisabled
	}
	ok, err := m.store.TryBeginRun(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRunInProgress
	}
	if err := m.launch(ctx, room, input); err != nil {
		if eerr := m.store.EndRun(ctx, roomID); eerr != nil {
			log.Printf("release chatroom %d after failed launch: %v", roomID, eerr)
		}
		return err
	}
	return nil
}

// Resume picks up a chatroom whose status column says a run was executing
// when the process died. The run continues from the round it reached.
func (m *Manager) Resume(ctx context.Context, roomID int64) error {
	room, err := m.store.GetChatroomByID(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Status != models.RoomRunning {
		return nil
	}
	return m.launch(ctx, room, nil)
}

func (m *Manager) launch(ctx context.Context, room *models.Chatroom, input *UserInput) error {
	run, err := m.store.CreateRun(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("create run record: %w", err)
	}
	sess := newSession(room, m.store, m.bcast, m.skills, run)
	sess.maxRound = m.maxRound
	sess.selectionAttempts = m.selectionAttempts
	sess.toolTimeout = m.toolTimeout

	m.mu.Lock()
	if _, exists := m.active[room.ID]; exists {
		m.mu.Unlock()
		sess.cancel()
		return ErrRunInProgress
	}
	m.active[room.ID] = sess
	m.mu.Unlock()

	m.bcast.Send(room.ID, transport.InstrStoppable, stoppablePayload{Stoppable: true})
	go m.drive(sess, input)
	return nil
}

func (m *Manager) drive(sess *Session, input *UserInput) {
	m.finish(sess, sess.execute(input))
}

// finish records the run outcome and releases the room. ENDCHAT goes out on
// every path, success or not, so observers always see the run close.
func (m *Manager) finish(sess *Session, runErr error) {
	ctx := context.Background()
	sess.cancel()

	run := sess.run
	switch {
	case runErr != nil:
		run.Status = models.RunFailed
		run.Error = runErr.Error()
		log.Printf("run %d for chatroom %d failed: %v", run.ID, sess.room.ID, runErr)
		m.bcast.Send(sess.room.ID, transport.InstrError, errorPayload{Message: runErr.Error()})
	case sess.isInterrupted():
		run.Status = models.RunInterrupted
	default:
		run.Status = models.RunFinished
	}
	if err := m.store.FinishRun(ctx, run); err != nil {
		log.Printf("finish run %d: %v", run.ID, err)
	}
	if err := m.store.EndRun(ctx, sess.room.ID); err != nil {
		log.Printf("release chatroom %d: %v", sess.room.ID, err)
	}

	m.mu.Lock()
	delete(m.active, sess.room.ID)
	m.mu.Unlock()

	m.bcast.Send(sess.room.ID, transport.InstrStoppable, stoppablePayload{Stoppable: false})
	m.bcast.Send(sess.room.ID, transport.InstrEndChat, endChatPayload{Status: run.Status})
	publishInvalidation(ctx, m.cache, sess.room.ID)
}

// Stop interrupts the running session of a chatroom: pending tool slots are
// force-resolved and the run context is canceled.
func (m *Manager) Stop(roomID int64) error {
	m.mu.Lock()
	sess, ok := m.active[roomID]
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	sess.InterruptAll()
	return nil
}

// Session returns the live session of a chatroom, if this process owns one.
func (m *Manager) Session(roomID int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.active[roomID]
	return sess, ok
}

// Running reports whether this process is executing a run for the chatroom.
func (m *Manager) Running(roomID int64) bool {
	_, ok := m.Session(roomID)
	return ok
}

// InvalidateRoom drops the room's cache entries and notifies every process.
// Called after roster or log changes made outside a run.
func (m *Manager) InvalidateRoom(ctx context.Context, roomID int64) {
	publishInvalidation(ctx, m.cache, roomID)
	if sess, ok := m.Session(roomID); ok {
		sess.refreshRoster()
	}
}

// ListenInvalidations consumes the cross-process invalidation channel and
// refreshes the roster of any session this process is running for the
// affected room. Blocks until ctx is canceled.
func (m *Manager) ListenInvalidations(ctx context.Context) {
	if m.cache == nil {
		return
	}
	sub := m.cache.Raw().Subscribe(ctx, invalidateChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			roomID, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				continue
			}
			if sess, active := m.Session(roomID); active {
				sess.refreshRoster()
			}
		}
	}
}
