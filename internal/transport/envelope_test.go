package transport

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeDecodeInstruction(t *testing.T) {
	frame, err := Encode(InstrChat, map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if !IsEnvelope(frame) {
		t.Fatalf("expected envelope frame, got %q", frame)
	}
	instr, payload, err := DecodeInstruction(frame)
	if err != nil {
		t.Fatalf("DecodeInstruction error: %v", err)
	}
	if instr != InstrChat {
		t.Fatalf("instruction = %q, want CHAT", instr)
	}
	var body map[string]string
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if body["hello"] != "world" {
		t.Fatalf("payload = %v", body)
	}
}

func TestRawFrameIsNotEnvelope(t *testing.T) {
	if IsEnvelope("just some streamed text") {
		t.Fatalf("raw text must not look like an envelope")
	}
	if _, _, err := DecodeInstruction("raw chunk"); err == nil {
		t.Fatalf("expected error decoding raw chunk")
	}
}

func TestDecodeCommand(t *testing.T) {
	cmd, payload, err := DecodeCommand([]byte(`["ENTER", {"chatroom_id": 7}]`))
	if err != nil {
		t.Fatalf("DecodeCommand error: %v", err)
	}
	if cmd != CmdEnter {
		t.Fatalf("command = %q, want ENTER", cmd)
	}
	if !strings.Contains(string(payload), "7") {
		t.Fatalf("payload = %s", payload)
	}
}

func TestDecodeCommandRejectsUnknown(t *testing.T) {
	if _, _, err := DecodeCommand([]byte(`["DANCE", null]`)); err == nil {
		t.Fatalf("expected unknown command error")
	}
	if _, _, err := DecodeCommand([]byte(`not json`)); err == nil {
		t.Fatalf("expected parse error")
	}
}
