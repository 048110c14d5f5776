package llm

import (
	"context"
	"fmt"
	"strings"

	"multichatgo/internal/models"

	"github.com/cloudwego/eino/schema"
)

const selectionHistoryWindow = 20

// SelectSpeaker asks the model to nominate the next participant. The raw
// response is returned for the caller to parse; invalid answers from earlier
// attempts are fed back into the prompt so the model can correct itself.
func (s *Service) SelectSpeaker(ctx context.Context, roster []*models.Participant, history []*models.Message, invalid []string, afterUser bool) (string, error) {
	var b strings.Builder
	b.WriteString("You moderate a group chatroom. Choose which participant should speak next.\n")
	b.WriteString("Participants:\n")
	for _, p := range roster {
		if p.Absent {
			continue
		}
		line := fmt.Sprintf("- id %d: %s", p.ID, p.Name)
		if p.Abilities != "" {
			line += ": " + firstLine(p.Abilities)
		}
		b.WriteString(line + "\n")
	}
	if afterUser {
		b.WriteString("The user just spoke. Answer with JSON: {\"id\": <participant id>, \"topic\": \"<one-line topic summary>\"}.\n")
	} else {
		b.WriteString(fmt.Sprintf("An agent just spoke. Answer with JSON: {\"id\": <participant id>} to continue, or {\"id\": %d} if the conversation should stop.\n", models.UserSpeakerID))
	}
	if len(invalid) > 0 {
		b.WriteString(fmt.Sprintf("Your previous answers %v were not valid participant ids. Answer again with a listed id only.\n", invalid))
	}
	b.WriteString("\nRecent conversation:\n")
	b.WriteString(condenseHistory(roster, history))

	return s.Complete(ctx, []*schema.Message{
		{Role: schema.System, Content: "You select speakers for a chatroom. Answer with exactly one JSON object, nothing else."},
		{Role: schema.User, Content: b.String()},
	})
}

// GenerateTitle produces a short chatroom title from the opening exchange.
func (s *Service) GenerateTitle(ctx context.Context, history []*models.Message) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize this conversation in a title of at most six words. Answer with the title only.\n\n")
	b.WriteString(condenseHistory(nil, history))
	title, err := s.Complete(ctx, []*schema.Message{
		{Role: schema.User, Content: b.String()},
	})
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(title), `"`), nil
}

func condenseHistory(roster []*models.Participant, history []*models.Message) string {
	names := make(map[int64]string, len(roster)+1)
	names[models.UserSpeakerID] = "user"
	for _, p := range roster {
		names[p.ID] = p.Name
	}
	if len(history) > selectionHistoryWindow {
		history = history[len(history)-selectionHistoryWindow:]
	}
	var b strings.Builder
	for _, msg := range history {
		if msg.Kind != models.KindText {
			continue
		}
		name := names[msg.ParticipantID]
		if name == "" {
			name = fmt.Sprintf("participant %d", msg.ParticipantID)
		}
		b.WriteString(fmt.Sprintf("%s: %s\n", name, msg.Content))
	}
	return b.String()
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
