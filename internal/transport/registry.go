package transport

import (
	"log"
	"sync"
)

// Conn is the minimal write surface the registry needs from a physical
// observer connection.
type Conn interface {
	WriteText(frame string) error
}

// Connection is one observer's live channel to a chatroom. midStream tracks
// whether this specific connection has already been told the current reply
// started, which decides between incremental chunks and one complete block.
type Connection struct {
	conn Conn

	mu        sync.Mutex
	midStream bool
}

// NewConnection wraps a physical connection for registry bookkeeping.
func NewConnection(c Conn) *Connection {
	return &Connection{conn: c}
}

// Write sends one frame. Serialized per connection since websocket writers
// are not concurrency-safe.
func (c *Connection) Write(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteText(frame)
}

// WriteInstruction envelopes and sends a single instruction on this connection.
func (c *Connection) WriteInstruction(instr Instruction, payload interface{}) error {
	frame, err := Encode(instr, payload)
	if err != nil {
		return err
	}
	return c.Write(frame)
}

func (c *Connection) setMidStream(v bool) {
	c.mu.Lock()
	c.midStream = v
	c.mu.Unlock()
}

func (c *Connection) isMidStream() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.midStream
}

type replyStart struct {
	SpeakerID int64 `json:"speaker_id"`
}

// Registry tracks live observer connections per chatroom and fans
// instructions and reply chunks out to them.
type Registry struct {
	mu    sync.RWMutex
	rooms map[int64]map[*Connection]struct{}
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[int64]map[*Connection]struct{})}
}

// Register adds a connection to a chatroom's observer set.
func (r *Registry) Register(roomID int64, c *Connection) {
	if c == nil {
		return
	}
	r.mu.Lock()
	set := r.rooms[roomID]
	if set == nil {
		set = make(map[*Connection]struct{})
		r.rooms[roomID] = set
	}
	set[c] = struct{}{}
	r.mu.Unlock()
}

// Unregister removes a connection; removing the last observer clears the
// room's entry.
func (r *Registry) Unregister(roomID int64, c *Connection) {
	r.mu.Lock()
	if set, ok := r.rooms[roomID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.rooms, roomID)
		}
	}
	r.mu.Unlock()
}

// HasObservers reports whether anyone is watching the chatroom. Callers use
// it to mark newly written messages delivered or pending.
func (r *Registry) HasObservers(roomID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID]) > 0
}

func (r *Registry) observers(roomID int64) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.rooms[roomID]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// Send envelopes [instruction, payload] and pushes it to every current
// observer. A failure on one connection never aborts delivery to the others.
func (r *Registry) Send(roomID int64, instr Instruction, payload interface{}) {
	frame, err := Encode(instr, payload)
	if err != nil {
		log.Printf("encode %s for room %d failed: %v", instr, roomID, err)
		return
	}
	for _, c := range r.observers(roomID) {
		if err := c.Write(frame); err != nil {
			log.Printf("send %s to room %d observer failed: %v", instr, roomID, err)
		}
	}
}

// Stream delivers one reply chunk. Observers that have not yet been told the
// reply started get a REPLY instruction plus the text accumulated so far, so
// they catch up in one frame; observers already mid-stream get just the
// incremental chunk.
func (r *Registry) Stream(roomID, speakerID int64, chunk, fullSoFar string) {
	for _, c := range r.observers(roomID) {
		if !c.isMidStream() {
			if err := c.WriteInstruction(InstrReply, replyStart{SpeakerID: speakerID}); err != nil {
				log.Printf("stream open for room %d failed: %v", roomID, err)
				continue
			}
			c.setMidStream(true)
			if err := c.Write(fullSoFar); err != nil {
				log.Printf("stream catch-up for room %d failed: %v", roomID, err)
			}
			continue
		}
		if err := c.Write(chunk); err != nil {
			log.Printf("stream chunk for room %d failed: %v", roomID, err)
		}
	}
}

// EndStream closes out the current reply. Connections that joined after the
// reply started receive the REPLY instruction with the complete text once;
// connections already mid-stream just have their flag cleared.
func (r *Registry) EndStream(roomID, speakerID int64, fullText string) {
	for _, c := range r.observers(roomID) {
		if c.isMidStream() {
			c.setMidStream(false)
			continue
		}
		if err := c.WriteInstruction(InstrReply, replyStart{SpeakerID: speakerID}); err != nil {
			log.Printf("end-stream open for room %d failed: %v", roomID, err)
			continue
		}
		if err := c.Write(fullText); err != nil {
			log.Printf("end-stream text for room %d failed: %v", roomID, err)
		}
	}
}
