package supervisor

import (
	"context"
	"encoding/json"
	"log"

	"github.com/gorilla/websocket"

	"multichatgo/internal/engine"
	"multichatgo/internal/models"
	"multichatgo/internal/service/room"
	"multichatgo/internal/transport"
)

// Supervisor owns the socket side of a chatroom: it speaks the command
// protocol with clients, keeps the observer registry in sync, and restarts
// runs left behind by a dead process.
type Supervisor struct {
	rooms    *room.Service
	registry *transport.Registry
	engine   *engine.Manager
}

func New(rooms *room.Service, registry *transport.Registry, eng *engine.Manager) *Supervisor {
	return &Supervisor{rooms: rooms, registry: registry, engine: eng}
}

// Resume scans for chatrooms whose status says a run was executing and picks
// each one up from the round it reached. Called once at startup.
func (s *Supervisor) Resume(ctx context.Context) error {
	running, err := s.rooms.ListRunningChatrooms(ctx)
	if err != nil {
		return err
	}
	for _, rm := range running {
		log.Printf("resuming interrupted run for chatroom %d", rm.ID)
		if err := s.engine.Resume(ctx, rm.ID); err != nil {
			log.Printf("resume chatroom %d: %v", rm.ID, err)
		}
	}
	return nil
}

// wsConn adapts a gorilla websocket onto the registry's frame writer.
type wsConn struct {
	conn *websocket.Conn
}

func (w wsConn) WriteText(frame string) error {
	return w.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

type enterPayload struct {
	ChatroomID int64 `json:"chatroom_id"`
}

type inputPayload struct {
	Text     string   `json:"text"`
	Files    []string `json:"files,omitempty"`
	SubRunID int64    `json:"sub_run_id,omitempty"`
	Confirm  string   `json:"confirm,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type chatPayload struct {
	Message *models.Message `json:"message"`
}

type stoppablePayload struct {
	Stoppable bool `json:"stoppable"`
}

type truncatablePayload struct {
	Truncatable bool `json:"truncatable"`
}

// Serve runs the command loop of one socket until it closes. The first
// command must be ENTER; everything before that is refused.
func (s *Supervisor) Serve(ctx context.Context, userID int64, ws *websocket.Conn) {
	conn := transport.NewConnection(wsConn{conn: ws})
	var (
		roomID  int64
		entered bool
	)
	defer func() {
		if entered {
			s.registry.Unregister(roomID, conn)
		}
		ws.Close()
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		cmd, payload, err := transport.DecodeCommand(data)
		if err != nil {
			s.refuse(conn, "unrecognized command")
			continue
		}
		if !entered && cmd != transport.CmdEnter {
			s.refuse(conn, "enter a chatroom first")
			continue
		}

		switch cmd {
		case transport.CmdEnter:
			if entered {
				s.refuse(conn, "already in a chatroom")
				continue
			}
			var p enterPayload
			if err := json.Unmarshal(payload, &p); err != nil || p.ChatroomID == 0 {
				s.refuse(conn, "invalid chatroom")
				continue
			}
			rm, err := s.rooms.GetChatroom(ctx, userID, p.ChatroomID)
			if err != nil {
				s.refuse(conn, "chatroom not found")
				continue
			}
			roomID = rm.ID
			entered = true
			s.registry.Register(roomID, conn)
			s.sendBacklog(ctx, conn, roomID)

		case transport.CmdTruncate:
			// The payload names a chatroom id, or 0 for the entered room.
			var p enterPayload
			if len(payload) > 0 && string(payload) != "null" {
				if err := json.Unmarshal(payload, &p); err != nil {
					s.refuse(conn, "invalid truncate payload")
					continue
				}
			}
			if p.ChatroomID != 0 && p.ChatroomID != roomID {
				s.refuse(conn, "can only truncate the entered chatroom")
				continue
			}
			if s.engine.Running(roomID) {
				s.refuse(conn, "cannot truncate while a run is executing")
				continue
			}
			if err := s.rooms.Truncate(ctx, roomID); err != nil {
				s.refuse(conn, err.Error())
				continue
			}
			s.engine.InvalidateRoom(ctx, roomID)
			s.registry.Send(roomID, transport.InstrTruncatable, truncatablePayload{Truncatable: false})

		case transport.CmdInput:
			var p inputPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				s.refuse(conn, "invalid input payload")
				continue
			}
			if p.SubRunID != 0 {
				sess, ok := s.engine.Session(roomID)
				if !ok {
					s.refuse(conn, "no run to confirm")
					continue
				}
				if err := sess.SetSubRunConfirmation(p.SubRunID, p.Confirm); err != nil {
					s.refuse(conn, err.Error())
				}
				continue
			}
			if err := s.engine.StartRun(ctx, roomID, &engine.UserInput{Text: p.Text, Files: p.Files}); err != nil {
				s.refuse(conn, err.Error())
			}

		case transport.CmdStop:
			if err := s.engine.Stop(roomID); err != nil {
				s.refuse(conn, err.Error())
			}
		}
	}
}

func (s *Supervisor) refuse(conn *transport.Connection, msg string) {
	if err := conn.WriteInstruction(transport.InstrError, errorPayload{Message: msg}); err != nil {
		log.Printf("write error frame: %v", err)
	}
}

// sendBacklog catches a fresh observer up: messages persisted while nobody
// was connected replay as CHAT frames and flip to delivered, then the
// current stop/truncate affordances follow.
func (s *Supervisor) sendBacklog(ctx context.Context, conn *transport.Connection, roomID int64) {
	msgs, err := s.rooms.ListMessages(ctx, roomID)
	if err != nil {
		log.Printf("load backlog for chatroom %d: %v", roomID, err)
		return
	}
	var undeliveredIDs []int64
	for _, msg := range msgs {
		if msg.Delivered {
			continue
		}
		if err := conn.WriteInstruction(transport.InstrChat, chatPayload{Message: msg}); err != nil {
			log.Printf("replay backlog for chatroom %d: %v", roomID, err)
			return
		}
		undeliveredIDs = append(undeliveredIDs, msg.ID)
	}
	if len(undeliveredIDs) > 0 {
		if err := s.rooms.MarkDelivered(ctx, undeliveredIDs...); err != nil {
			log.Printf("mark delivered for chatroom %d: %v", roomID, err)
		}
	}

	running := s.engine.Running(roomID)
	if err := conn.WriteInstruction(transport.InstrStoppable, stoppablePayload{Stoppable: running}); err != nil {
		return
	}
	truncatable := !running && len(msgs) > 0
	if err := conn.WriteInstruction(transport.InstrTruncatable, truncatablePayload{Truncatable: truncatable}); err != nil {
		return
	}
}
