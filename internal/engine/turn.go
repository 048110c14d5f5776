package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"unicode/utf8"

	"multichatgo/internal/models"
	"multichatgo/internal/service/skill"
	"multichatgo/internal/transport"
)

// maxToolRounds bounds how many tool batches a single agent reply may chain
// before the reply is finalized with whatever text accumulated.
const maxToolRounds = 20

const topicMaxChars = 60

// UserInput is a newly submitted human message. A nil input means the run
// resumes a conversation that was already in flight.
type UserInput struct {
	Text  string
	Files []string
}

type chatPayload struct {
	Message *models.Message `json:"message"`
}

type titlePayload struct {
	Title string `json:"title"`
}

// execute drives the whole turn loop of one run. It returns only once every
// round has completed, the selector said stop, or the run was interrupted.
func (s *Session) execute(input *UserInput) error {
	roster, err := s.store.ListParticipants(s.ctx, s.room.ID)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	history, err := s.store.ListMessages(s.ctx, s.room.ID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	s.mu.Lock()
	s.roster = roster
	s.history = history
	s.mu.Unlock()
	brandNew := len(history) == 0

	var userMsg *models.Message
	if input != nil {
		userMsg, err = s.store.AppendMessage(s.ctx, &models.Message{
			ChatroomID:    s.room.ID,
			ParticipantID: models.UserSpeakerID,
			Kind:          models.KindText,
			Content:       input.Text,
			Files:         input.Files,
			Delivered:     s.bcast.HasObservers(s.room.ID),
		})
		if err != nil {
			return fmt.Errorf("append user message: %w", err)
		}
		s.appendHistory(userMsg)
		s.bcast.Send(s.room.ID, transport.InstrChat, chatPayload{Message: userMsg})
	}

	startRound := 0
	if input == nil {
		startRound = s.completedRounds()
	}
	maxRound := s.room.MaxRound
	if maxRound <= 0 {
		maxRound = s.maxRound
	}
	debugLog("chatroom %d: run from round %d of %d", s.room.ID, startRound, maxRound)

	for round := startRound; round < maxRound; round++ {
		if s.ctx.Err() != nil || s.isInterrupted() {
			break
		}
		// The status column is the durable stop signal: a room disabled or
		// externally released mid-run must not generate further rounds.
		status, err := s.store.RoomStatus(s.ctx, s.room.ID)
		if err != nil {
			return fmt.Errorf("check room status: %w", err)
		}
		if status != models.RoomRunning {
			debugLog("chatroom %d: status %s mid-run, ending", s.room.ID, status)
			break
		}
		speakerID, topic, stop, err := s.selectSpeaker()
		if err != nil {
			return err
		}
		if stop {
			break
		}
		if topic != "" && topic != s.room.Topic {
			s.room.Topic = topic
			if err := s.store.UpdateTopic(s.ctx, s.room.ID, topic); err != nil {
				log.Printf("persist topic for chatroom %d: %v", s.room.ID, err)
			}
		}
		agent := s.agentByID(speakerID)
		if agent == nil {
			return fmt.Errorf("selected unknown participant %d", speakerID)
		}
		if err := s.generateReply(agent); err != nil {
			return err
		}
		if round == startRound && userMsg != nil {
			s.foldAttachments(userMsg)
		}
		if s.isInterrupted() {
			break
		}
	}

	if brandNew {
		s.generateTitle()
	}
	return nil
}

// completedRounds counts trailing agent text messages so an interrupted run
// resumes at the round it left off instead of restarting the loop.
func (s *Session) completedRounds() int {
	history := s.snapshotHistory()
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].FromUser() {
			break
		}
		if history[i].Kind == models.KindText {
			n++
		}
	}
	return n
}

type selection struct {
	ID    int64  `json:"id"`
	Topic string `json:"topic"`
}

// selectSpeaker decides who talks next. The returned stop flag ends the turn
// loop cleanly; it is set by the stop sentinel, by smart selection after an
// agent reply, and when the selector never produces a usable answer.
func (s *Session) selectSpeaker() (int64, string, bool, error) {
	history := s.snapshotHistory()
	if len(history) == 0 {
		return 0, "", true, nil
	}
	prior := history[len(history)-1]
	afterUser := prior.FromUser()
	active := s.activeAgents()
	if len(active) == 0 {
		return 0, "", true, nil
	}

	// The common two-party case never needs a model call.
	if afterUser && len(active) == 1 {
		return active[0].ID, deriveTopic(prior.Content), false, nil
	}
	if !afterUser && (s.room.SmartSelection || len(active) == 1) {
		return 0, "", true, nil
	}

	caller, err := s.callerFor(active[0])
	if err != nil {
		return 0, "", false, err
	}

	var (
		invalid   []string
		speakerID int64
		topic     string
		stop      bool
	)
	policy := retryPolicy{maxAttempts: s.selectionAttempts}
	ok, err := policy.run(func(attempt int) (bool, error) {
		raw, err := caller.SelectSpeaker(s.ctx, s.rosterSnapshot(), history, invalid, afterUser)
		if err != nil {
			return false, fmt.Errorf("select speaker: %w", err)
		}
		sel, perr := parseSelection(raw)
		if perr != nil {
			debugLog("chatroom %d: unparseable selection %q", s.room.ID, raw)
			invalid = append(invalid, raw)
			return false, nil
		}
		if sel.ID == models.UserSpeakerID {
			if afterUser {
				// The user just spoke; handing the floor straight back
				// is not an answer.
				invalid = append(invalid, raw)
				return false, nil
			}
			stop = true
			return true, nil
		}
		for _, p := range active {
			if p.ID == sel.ID {
				speakerID = sel.ID
				topic = sel.Topic
				return true, nil
			}
		}
		invalid = append(invalid, raw)
		return false, nil
	})
	if err != nil {
		return 0, "", false, err
	}
	if !ok {
		debugLog("chatroom %d: selection attempts exhausted, ending run", s.room.ID)
		return 0, "", true, nil
	}
	return speakerID, topic, stop, nil
}

// parseSelection accepts the JSON object the selection prompt asks for, with
// some tolerance for fenced or bare-number answers.
func parseSelection(raw string) (*selection, error) {
	trimmed := strings.TrimSpace(raw)
	if i := strings.Index(trimmed, "{"); i >= 0 {
		if j := strings.LastIndex(trimmed, "}"); j > i {
			trimmed = trimmed[i : j+1]
		}
	}
	var sel selection
	if err := json.Unmarshal([]byte(trimmed), &sel); err != nil {
		n, convErr := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if convErr != nil {
			return nil, err
		}
		return &selection{ID: n}, nil
	}
	return &sel, nil
}

func deriveTopic(userText string) string {
	line := userText
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) > topicMaxChars {
		runes := []rune(line)
		line = string(runes[:topicMaxChars])
	}
	return line
}

// generateReply runs one agent's reply to completion: the streamed text, any
// tool batches it opens mid-reply, and the continuations after each batch.
func (s *Session) generateReply(agent *models.Participant) error {
	caller, err := s.callerFor(agent)
	if err != nil {
		return err
	}

	shell, err := s.store.AppendMessage(s.ctx, &models.Message{
		ChatroomID:    s.room.ID,
		ParticipantID: agent.ID,
		Kind:          models.KindText,
		Topic:         s.room.Topic,
		Delivered:     s.bcast.HasObservers(s.room.ID),
	})
	if err != nil {
		return fmt.Errorf("append reply shell: %w", err)
	}

	var base string
	for i := 0; i < maxToolRounds; i++ {
		reply, err := caller.StreamReply(s.ctx, agent, s.rosterSnapshot(), s.room.Topic, s.snapshotHistory(), s.skills.Infos(),
			func(delta, full string) error {
				s.bcast.Stream(s.room.ID, agent.ID, delta, base+full)
				return s.ctx.Err()
			})
		if err != nil {
			if s.ctx.Err() != nil {
				break
			}
			return fmt.Errorf("agent %s reply: %w", agent.Name, err)
		}
		base += reply.Content
		shell.PromptTokens += reply.PromptTokens
		shell.CompletionTokens += reply.CompletionTokens
		s.run.PromptTokens += reply.PromptTokens
		s.run.CompletionTokens += reply.CompletionTokens

		if len(reply.ToolCalls) == 0 {
			break
		}

		// Persist the partial text before the batch so a crash mid-batch
		// does not lose what already streamed.
		shell.Content = base
		if err := s.store.UpdateMessage(s.ctx, shell); err != nil {
			log.Printf("persist partial reply for chatroom %d: %v", s.room.ID, err)
		}
		if err := s.runToolBatch(agent, reply.ToolCalls); err != nil {
			return err
		}
		if s.isInterrupted() {
			break
		}
	}

	// Finalize outside the run context so a stop still lands the partial
	// text in the log.
	shell.Content = base
	if err := s.store.UpdateMessage(context.Background(), shell); err != nil {
		return fmt.Errorf("finalize reply: %w", err)
	}
	s.appendHistory(shell)
	s.bcast.EndStream(s.room.ID, agent.ID, base)
	return nil
}

// runToolBatch persists one batch of invocations, fans their execution out,
// and blocks until every slot resolves or the shared deadline passes.
func (s *Session) runToolBatch(agent *models.Participant, calls []*models.ToolUse) error {
	for _, tu := range calls {
		if sk, ok := s.skills.Resolve(tu.Name); ok {
			tu.DisplayName = sk.DisplayName()
		}
	}
	msg, err := s.store.AppendMessage(s.ctx, &models.Message{
		ChatroomID:    s.room.ID,
		ParticipantID: agent.ID,
		Kind:          models.KindToolUse,
		ToolCalls:     calls,
		Delivered:     s.bcast.HasObservers(s.room.ID),
	})
	if err != nil {
		return fmt.Errorf("append tool batch: %w", err)
	}
	s.appendHistory(msg)
	s.beginToolBatch(msg)
	defer s.endToolBatch()

	for _, tu := range msg.ToolCalls {
		s.bcast.Send(s.room.ID, transport.InstrToolUse, toolUsePayload{
			MessageID:   msg.ID,
			SpeakerID:   agent.ID,
			Index:       tu.Index,
			Name:        tu.Name,
			DisplayName: tu.DisplayName,
			Args:        tu.Args,
			Workflow:    strings.HasPrefix(tu.Name, "workflow:"),
		})
		go s.invokeTool(tu)
	}

	if !s.waitForBatch(s.toolTimeout) {
		debugLog("chatroom %d: tool batch timed out", s.room.ID)
		s.forceResolvePending(models.ToolTimedOut, "tool invocation timed out")
	}
	return nil
}

func (s *Session) invokeTool(tu *models.ToolUse) {
	sk, ok := s.skills.Resolve(tu.Name)
	if !ok {
		s.setToolOutcome(tu.Index, nil, fmt.Errorf("unknown tool %q", tu.Name))
		return
	}
	if sub, ok := sk.(skill.SubRunner); ok {
		index := tu.Index
		sub.OnStart(func(subRunID int64) { s.bindSubRun(index, subRunID) })
	}
	ctx := skill.WithAttachments(s.ctx, s.attachedFiles())
	out, err := sk.Invoke(ctx, tu.Args)
	s.setToolOutcome(tu.Index, &out, err)
}

func (s *Session) setToolOutcome(index int, out *string, err error) {
	result := &models.ToolResult{Status: models.ToolOK}
	if err != nil {
		result.Status = models.ToolFailed
		result.Output = err.Error()
	} else if out != nil {
		result.Output = *out
	}
	if serr := s.SetToolResult(index, result); serr != nil {
		// The slot was force-resolved while the tool was still running.
		debugLog("chatroom %d: discard late tool result %d: %v", s.room.ID, index, serr)
	}
}

// foldAttachments rewrites the user message so its attachments appear in the
// stored text once the first agent reply has consumed them.
func (s *Session) foldAttachments(userMsg *models.Message) {
	if len(userMsg.Files) == 0 {
		return
	}
	var b strings.Builder
	b.WriteString(userMsg.Content)
	for _, f := range userMsg.Files {
		fmt.Fprintf(&b, "\n[attachment: %s]", f)
	}
	userMsg.Content = b.String()
	if err := s.store.UpdateMessage(s.ctx, userMsg); err != nil {
		log.Printf("fold attachments for chatroom %d: %v", s.room.ID, err)
	}
}

// generateTitle names a brand-new conversation from its first exchange. A
// failed title call never fails the run.
func (s *Session) generateTitle() {
	active := s.activeAgents()
	if len(active) == 0 {
		return
	}
	caller, err := s.callerFor(active[0])
	if err != nil {
		log.Printf("title model for chatroom %d: %v", s.room.ID, err)
		return
	}
	title, err := caller.GenerateTitle(s.ctx, s.snapshotHistory())
	if err != nil || strings.TrimSpace(title) == "" {
		if err != nil {
			log.Printf("generate title for chatroom %d: %v", s.room.ID, err)
		}
		return
	}
	title = strings.TrimSpace(title)
	if err := s.store.UpdateTitle(s.ctx, s.room.ID, title); err != nil {
		log.Printf("persist title for chatroom %d: %v", s.room.ID, err)
		return
	}
	s.bcast.Send(s.room.ID, transport.InstrTitle, titlePayload{Title: title})
}
