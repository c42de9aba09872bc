package protocol

import (
	"encoding/json"
	"fmt"
)

// StartedPayload is the data for agent:started.
type StartedPayload struct {
	Model    string `json:"model"`
	MaxTurns int    `json:"maxTurns"`
}

// TokenPayload is the data for agent:token.
type TokenPayload struct {
	Text        string `json:"text"`
	Accumulated string `json:"accumulated,omitempty"`
}

// TurnPayload is the data for agent:turn.
type TurnPayload struct {
	Turn      int `json:"turn"`
	MaxTurns  int `json:"maxTurns"`
	Remaining int `json:"remaining"`
}

// ToolStartPayload is the data for agent:tool:start.
type ToolStartPayload struct {
	ToolName string         `json:"toolName"`
	ToolID   string         `json:"toolId"`
	Input    map[string]any `json:"input,omitempty"`
}

// ToolResultPayload is the data for agent:tool:result.
type ToolResultPayload struct {
	ToolName string `json:"toolName"`
	ToolID   string `json:"toolId"`
	Output   any    `json:"output,omitempty"`
	IsError  bool   `json:"isError,omitempty"`
}

// MessagePayload is the data for agent:message.
type MessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AllowedPrompt pairs a tool with the prompt text approved for it.
type AllowedPrompt struct {
	Tool   string `json:"tool"`
	Prompt string `json:"prompt"`
}

// PlanReadyPayload is the data for agent:plan_ready.
type PlanReadyPayload struct {
	Plan           string          `json:"plan"`
	TurnCount      int             `json:"turnCount"`
	SDKSessionID   string          `json:"sdkSessionId"`
	AllowedPrompts []AllowedPrompt `json:"allowedPrompts,omitempty"`
}

// CompletePayload is the data for agent:complete.
type CompletePayload struct {
	Status    string `json:"status"` // completed, turn_limit, cancelled
	TurnCount int    `json:"turnCount"`
	Result    string `json:"result,omitempty"`
}

// ErrorPayload is the data for agent:error.
type ErrorPayload struct {
	Error     string `json:"error"`
	TurnCount int    `json:"turnCount"`
}

// CancelledPayload is the data for agent:cancelled.
type CancelledPayload struct {
	TurnCount int `json:"turnCount"`
}

// FileChangedPayload is the data for agent:file_changed.
type FileChangedPayload struct {
	Path      string `json:"path"`
	Action    string `json:"action"` // create, modify, delete
	ToolName  string `json:"toolName"`
	Additions int    `json:"additions,omitempty"`
	Deletions int    `json:"deletions,omitempty"`
}

// DecodePayload re-decodes the event data into a typed payload struct.
func DecodePayload(e *WireEvent, v any) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encoding %s data: %w", e.Type, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s data: %w", e.Type, err)
	}
	return nil
}

// PlanReady decodes the payload of an agent:plan_ready event.
func (e *WireEvent) PlanReady() (PlanReadyPayload, error) {
	var p PlanReadyPayload
	err := DecodePayload(e, &p)
	return p, err
}

// Complete decodes the payload of an agent:complete event.
func (e *WireEvent) Complete() (CompletePayload, error) {
	var p CompletePayload
	err := DecodePayload(e, &p)
	return p, err
}

// ErrorDetail decodes the payload of an agent:error event.
func (e *WireEvent) ErrorDetail() (ErrorPayload, error) {
	var p ErrorPayload
	err := DecodePayload(e, &p)
	return p, err
}

// Cancelled decodes the payload of an agent:cancelled event.
func (e *WireEvent) Cancelled() (CancelledPayload, error) {
	var p CancelledPayload
	err := DecodePayload(e, &p)
	return p, err
}

// TurnInfo decodes the payload of an agent:turn event.
func (e *WireEvent) TurnInfo() (TurnPayload, error) {
	var p TurnPayload
	err := DecodePayload(e, &p)
	return p, err
}
