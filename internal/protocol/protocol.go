// Package protocol defines the messages exchanged between the gateway and the
// embedded terminal emulator (xterm.js running inside the app's web view).
//
// The two sides share no memory; every exchange is one JSON document per
// WebSocket text frame. Emulator → gateway frames are Messages; gateway →
// emulator frames are Commands. Commands carry a version field so the embedded
// runtime can reject payloads it does not understand instead of evaluating
// arbitrary strings.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types (emulator → gateway).
const (
	MessageReady  = "ready"
	MessageInput  = "input"
	MessageResize = "resize"
)

// Message is one event emitted by the embedded emulator.
//
//	{"type":"ready"}
//	{"type":"input","data":"ls -la\r"}
//	{"type":"resize","cols":120,"rows":40}
type Message struct {
	Type string `json:"type"`
	// Data carries raw keystroke bytes for "input" messages, control
	// sequences included, to be forwarded verbatim to the remote shell.
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// ParseMessage decodes one inbound frame. It returns an error for non-JSON
// payloads, a missing or unknown type tag, and resize frames without positive
// dimensions. Callers are expected to log and drop bad frames.
func ParseMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("protocol: decode message: %w", err)
	}
	switch msg.Type {
	case MessageReady, MessageInput:
	case MessageResize:
		if msg.Cols <= 0 || msg.Rows <= 0 {
			return Message{}, fmt.Errorf("protocol: resize with invalid grid %dx%d", msg.Cols, msg.Rows)
		}
	case "":
		return Message{}, fmt.Errorf("protocol: message without type")
	default:
		return Message{}, fmt.Errorf("protocol: unknown message type %q", msg.Type)
	}
	return msg, nil
}

// CommandVersion is bumped when the command shape changes incompatibly.
// The embedded runtime ignores commands whose version it does not support.
const CommandVersion = 1

// Command names (gateway → emulator).
const (
	CommandWrite  = "write"
	CommandClear  = "clear"
	CommandResize = "resize"
)

// Command is one instruction for the embedded emulator. Commands are
// fire-and-forget: no response frame exists, and a duplicate delivery must not
// corrupt emulator state (clear and resize are idempotent; a duplicated write
// is visible but harmless).
type Command struct {
	V   int    `json:"v"`
	Cmd string `json:"cmd"`
	// Data carries raw output bytes for "write" commands. ANSI escapes pass
	// through untouched; JSON string escaping is the only encoding applied.
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// WriteCommand appends data to the emulator screen buffer.
func WriteCommand(data string) Command {
	return Command{V: CommandVersion, Cmd: CommandWrite, Data: data}
}

// ClearCommand resets the emulator screen buffer and cursor.
func ClearCommand() Command {
	return Command{V: CommandVersion, Cmd: CommandClear}
}

// ResizeCommand forces the emulator to the given grid size.
func ResizeCommand(cols, rows int) Command {
	return Command{V: CommandVersion, Cmd: CommandResize, Cols: cols, Rows: rows}
}

// Encode serializes the command into a single frame payload.
func (c Command) Encode() ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s command: %w", c.Cmd, err)
	}
	return payload, nil
}
