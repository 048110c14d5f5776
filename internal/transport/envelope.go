package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Instruction names an outbound control message. Instructions travel inside a
// fixed textual envelope so clients can tell them apart from raw streamed
// reply text, which is sent with no envelope at all.

type Instruction string

const (
	InstrChat         Instruction = "CHAT"
	InstrReply        Instruction = "REPLY"
	InstrTitle        Instruction = "TITLE"
	InstrTruncatable  Instruction = "TRUNCATABLE"
	InstrStoppable    Instruction = "STOPPABLE"
	InstrToolUse      Instruction = "MCPTOOLUSE"
	InstrToolResult   Instruction = "WITHMCPTOOLRESULT"
	InstrWorkflowGate Instruction = "WITHWFCONFIRM"
	InstrEndChat      Instruction = "ENDCHAT"
	InstrError        Instruction = "ERROR"
)

// Command names an inbound control message.

type Command string

const (
	CmdEnter    Command = "ENTER"
	CmdTruncate Command = "TRUNCATE"
	CmdInput    Command = "INPUT"
	CmdStop     Command = "STOP"
)

// envelopePrefix marks an enveloped instruction frame. Raw chunk frames never
// carry it.
const envelopePrefix = "&&chatroom&&"

var ErrNotEnvelope = errors.New("frame is not an instruction envelope")

// Encode wraps [instruction, payload] into the wire envelope.
func Encode(instr Instruction, payload interface{}) (string, error) {
	data, err := json.Marshal([2]interface{}{instr, payload})
	if err != nil {
		return "", fmt.Errorf("encode %s envelope: %w", instr, err)
	}
	return envelopePrefix + string(data), nil
}

// IsEnvelope reports whether a frame carries an instruction rather than raw text.
func IsEnvelope(frame string) bool {
	return strings.HasPrefix(frame, envelopePrefix)
}

// DecodeInstruction unwraps an outbound envelope. Mainly used by tests and the
// bundled client helpers.
func DecodeInstruction(frame string) (Instruction, json.RawMessage, error) {
	if !IsEnvelope(frame) {
		return "", nil, ErrNotEnvelope
	}
	var parts [2]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, envelopePrefix)), &parts); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	var instr Instruction
	if err := json.Unmarshal(parts[0], &instr); err != nil {
		return "", nil, fmt.Errorf("decode instruction: %w", err)
	}
	return instr, parts[1], nil
}

// DecodeCommand parses an inbound [command, payload] frame.
func DecodeCommand(frame []byte) (Command, json.RawMessage, error) {
	var parts [2]json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return "", nil, fmt.Errorf("decode command frame: %w", err)
	}
	var cmd Command
	if err := json.Unmarshal(parts[0], &cmd); err != nil {
		return "", nil, fmt.Errorf("decode command: %w", err)
	}
	switch cmd {
	case CmdEnter, CmdTruncate, CmdInput, CmdStop:
		return cmd, parts[1], nil
	default:
		return "", nil, fmt.Errorf("unknown command %q", cmd)
	}
}
