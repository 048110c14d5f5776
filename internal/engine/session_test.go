package engine

import (
	"errors"
	"testing"
	"time"

	"multichatgo/internal/models"
	"multichatgo/internal/transport"
)

func newTestSession(t *testing.T) (*Session, *fakeStore, *fakeBroadcaster) {
	t.Helper()
	room := testRoom(5, false)
	store := newFakeStore(room, agent(2, "sage"))
	bcast := newFakeBroadcaster()
	run := &models.Run{ID: 1, ChatroomID: room.ID, Status: models.RunRunning}
	sess := newSession(room, store, bcast, &fakeSkillSet{outputs: map[string]string{}}, run)
	sess.toolTimeout = time.Hour
	t.Cleanup(sess.cancel)
	return sess, store, bcast
}

func batchMessage(calls ...*models.ToolUse) *models.Message {
	return &models.Message{ID: 10, ChatroomID: 1, ParticipantID: 2, Kind: models.KindToolUse, ToolCalls: calls}
}

func TestSetToolResultWithoutBatch(t *testing.T) {
	sess, _, _ := newTestSession(t)
	err := sess.SetToolResult(0, &models.ToolResult{Status: models.ToolOK})
	if !errors.Is(err, ErrNoToolBatch) {
		t.Fatalf("error = %v, want ErrNoToolBatch", err)
	}
}

func TestSetToolResultResolvesOnce(t *testing.T) {
	sess, _, bcast := newTestSession(t)
	msg := batchMessage(&models.ToolUse{Index: 0, Name: "probe"})
	sess.beginToolBatch(msg)

	first := &models.ToolResult{Status: models.ToolOK, Output: "first answer"}
	if err := sess.SetToolResult(0, first); err != nil {
		t.Fatalf("SetToolResult error: %v", err)
	}
	err := sess.SetToolResult(0, &models.ToolResult{Status: models.ToolFailed, Output: "late"})
	if !errors.Is(err, ErrToolResolved) {
		t.Fatalf("second resolution error = %v, want ErrToolResolved", err)
	}
	if msg.ToolCalls[0].Result != first {
		t.Fatalf("recorded result was overwritten: %+v", msg.ToolCalls[0].Result)
	}
	if err := sess.SetToolResult(5, first); !errors.Is(err, ErrUnknownToolIndex) {
		t.Fatalf("out-of-range error = %v, want ErrUnknownToolIndex", err)
	}
	if bcast.count(transport.InstrToolResult) != 1 {
		t.Fatalf("tool result broadcasts = %v", bcast.instructions())
	}
}

func TestWaitForBatchReleasesOnLastResult(t *testing.T) {
	sess, _, _ := newTestSession(t)
	msg := batchMessage(
		&models.ToolUse{Index: 0, Name: "a"},
		&models.ToolUse{Index: 1, Name: "b"},
	)
	sess.beginToolBatch(msg)

	go func() {
		sess.SetToolResult(0, &models.ToolResult{Status: models.ToolOK, Output: "a done"})
		sess.SetToolResult(1, &models.ToolResult{Status: models.ToolOK, Output: "b done"})
	}()
	if !sess.waitForBatch(2 * time.Second) {
		t.Fatalf("waitForBatch timed out with all slots resolved")
	}
}

func TestBatchTimeoutForceResolvesPending(t *testing.T) {
	sess, _, _ := newTestSession(t)
	msg := batchMessage(
		&models.ToolUse{Index: 0, Name: "fast"},
		&models.ToolUse{Index: 1, Name: "stuck"},
	)
	sess.beginToolBatch(msg)
	if err := sess.SetToolResult(0, &models.ToolResult{Status: models.ToolOK, Output: "quick"}); err != nil {
		t.Fatalf("resolve fast slot: %v", err)
	}

	if sess.waitForBatch(20 * time.Millisecond) {
		t.Fatalf("waitForBatch should report timeout with a pending slot")
	}
	sess.forceResolvePending(models.ToolTimedOut, "tool invocation timed out")

	if got := msg.ToolCalls[0].Result; got.Status != models.ToolOK || got.Output != "quick" {
		t.Fatalf("resolved slot rewritten: %+v", got)
	}
	if got := msg.ToolCalls[1].Result; got == nil || got.Status != models.ToolTimedOut {
		t.Fatalf("pending slot = %+v, want timeout status", got)
	}
	if !sess.isInterrupted() {
		t.Fatalf("session must be interrupted after a batch timeout")
	}
}

func TestInterruptAllCancelsAndResolves(t *testing.T) {
	sess, _, _ := newTestSession(t)
	msg := batchMessage(&models.ToolUse{Index: 0, Name: "stuck"})
	sess.beginToolBatch(msg)

	sess.InterruptAll()

	if got := msg.ToolCalls[0].Result; got == nil || got.Status != models.ToolInterrupted {
		t.Fatalf("slot = %+v, want interrupted status", got)
	}
	select {
	case <-sess.ctx.Done():
	default:
		t.Fatalf("run context must be canceled")
	}
	if !sess.waitForBatch(time.Second) {
		t.Fatalf("waitForBatch must release immediately after interrupt")
	}
}

func TestSubRunConfirmationRouting(t *testing.T) {
	sess, _, bcast := newTestSession(t)
	msg := batchMessage(&models.ToolUse{Index: 0, Name: "workflow:deploy"})
	sess.beginToolBatch(msg)
	sess.bindSubRun(0, 77)

	if msg.ToolCalls[0].SubRunID != 77 {
		t.Fatalf("sub-run id not bound: %+v", msg.ToolCalls[0])
	}
	if err := sess.SetSubRunConfirmation(77, "approved"); err != nil {
		t.Fatalf("SetSubRunConfirmation error: %v", err)
	}
	if msg.ToolCalls[0].Confirmation != "approved" {
		t.Fatalf("confirmation = %q", msg.ToolCalls[0].Confirmation)
	}
	if bcast.count(transport.InstrWorkflowGate) != 1 {
		t.Fatalf("workflow gate broadcasts = %v", bcast.instructions())
	}
	if err := sess.SetSubRunConfirmation(99, "approved"); !errors.Is(err, ErrUnknownSubRun) {
		t.Fatalf("unknown sub-run error = %v", err)
	}
}

func TestCompletedRoundsCountsTrailingAgentMessages(t *testing.T) {
	sess, _, _ := newTestSession(t)
	sess.history = []*models.Message{
		{ID: 1, ParticipantID: models.UserSpeakerID, Kind: models.KindText},
		{ID: 2, ParticipantID: 2, Kind: models.KindText},
		{ID: 3, ParticipantID: 2, Kind: models.KindToolUse},
		{ID: 4, ParticipantID: 2, Kind: models.KindText},
	}
	if got := sess.completedRounds(); got != 2 {
		t.Fatalf("completedRounds = %d, want 2", got)
	}
	sess.history = append(sess.history, &models.Message{ID: 5, ParticipantID: models.UserSpeakerID, Kind: models.KindText})
	if got := sess.completedRounds(); got != 0 {
		t.Fatalf("completedRounds after new user message = %d, want 0", got)
	}
}

func TestParseSelection(t *testing.T) {
	sel, err := parseSelection(`{"id":3,"topic":"weather"}`)
	if err != nil || sel.ID != 3 || sel.Topic != "weather" {
		t.Fatalf("sel=%+v err=%v", sel, err)
	}
	sel, err = parseSelection("Here you go:\n```json\n{\"id\": 0}\n```")
	if err != nil || sel.ID != 0 {
		t.Fatalf("fenced sel=%+v err=%v", sel, err)
	}
	sel, err = parseSelection("  4 ")
	if err != nil || sel.ID != 4 {
		t.Fatalf("bare number sel=%+v err=%v", sel, err)
	}
	if _, err := parseSelection("the best speaker is Alice"); err == nil {
		t.Fatalf("expected parse failure")
	}
}
