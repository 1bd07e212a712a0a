package websocket

import (
	"time"

	"github.com/KevinKickass/OpenCacheCleaner/internal/orchestrator"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Run lifecycle and per-item progress
	MessageTypeRunEvent  MessageType = "run_event"
	MessageTypeRunStatus MessageType = "run_status"

	// Operator prompt raised by the ignore policy
	MessageTypeIgnorePrompt MessageType = "ignore_prompt"

	MessageTypeScenarios MessageType = "scenarios_reloaded"

	MessageTypeCommandResult MessageType = "command_result"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type IgnorePromptData struct {
	RunID   string `json:"run_id"`
	Package string `json:"package"`
	Reason  string `json:"reason"`
}

type ScenariosData struct {
	IDs []string `json:"ids"`
}

type CommandResultData struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewRunEventMessage(ev orchestrator.Event) Message {
	if ev.Type == orchestrator.EventIgnoreRequested {
		return NewMessage(MessageTypeIgnorePrompt, IgnorePromptData{
			RunID:   ev.RunID.String(),
			Package: ev.Package,
			Reason:  ev.Message,
		})
	}
	return NewMessage(MessageTypeRunEvent, ev)
}

func NewRunStatusMessage(status any) Message {
	return NewMessage(MessageTypeRunStatus, status)
}

func NewScenariosMessage(ids []string) Message {
	return NewMessage(MessageTypeScenarios, ScenariosData{IDs: ids})
}
