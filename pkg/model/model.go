// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package model defines the provider contract the cell loop calls once per
// turn. Concrete transports (Anthropic, OpenAI, local) are supplied by the
// embedder; the engine only needs Chat, usage accounting, and a retryable
// error type it can distinguish from permanent failures.
package model

import (
	"context"

	"github.com/kadirpekel/cascade/pkg/tool"
)

// Message roles on the provider wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one provider-facing conversation entry.
type Message struct {
	// Role is system, user, assistant, or tool.
	Role string `json:"role"`

	// Content is the text payload. For role=tool it is the tool result.
	Content string `json:"content"`

	// ToolCallID links a role=tool message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls carries an assistant message's tool invocations.
	ToolCalls []tool.Call `json:"tool_calls,omitempty"`
}

// Options tunes one chat call.
type Options struct {
	// Temperature controls randomness; nil uses the provider default.
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens limits the response length; nil uses the provider default.
	MaxTokens *int `json:"max_tokens,omitempty"`

	// StopSequences terminates generation early.
	StopSequences []string `json:"stop_sequences,omitempty"`

	// ResponseSchema asks the provider for schema-constrained JSON output.
	// Providers without native support may ignore it; the cell loop
	// validates output regardless.
	ResponseSchema map[string]any `json:"response_schema,omitempty"`

	// Metadata carries provider-specific key-values (auth, headers).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Request is the input for one turn.
type Request struct {
	// Model names the target model.
	Model string

	// Messages is the assembled conversation, system instruction included.
	Messages []Message

	// Tools the model may call this turn.
	Tools []tool.Definition

	// Options tunes generation.
	Options Options
}

// Usage is the cost accounting for one turn. Cost is USD; providers that do
// not report it get it filled from the pricing catalog.
type Usage struct {
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	Cost      float64 `json:"cost"`
}

// Add accumulates another turn's usage.
func (u *Usage) Add(other Usage) {
	u.TokensIn += other.TokensIn
	u.TokensOut += other.TokensOut
	u.Cost += other.Cost
}

// Response is one turn's result.
type Response struct {
	// Content is the assistant text, empty when the turn is pure tool calls.
	Content string

	// ToolCalls requested by the model this turn.
	ToolCalls []tool.Call

	// Reasoning is the model's thinking text when the provider exposes it.
	Reasoning string

	// Usage is this turn's token and cost accounting.
	Usage Usage
}

// HasToolCalls reports whether the model asked for tool invocations.
func (r *Response) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Provider is one chat per turn. Implementations must return a
// TransientError (or wrap one) for failures worth retrying; anything else is
// treated as permanent.
type Provider interface {
	// Name returns the model identifier this provider serves.
	Name() string

	// Chat performs one turn. The context carries cancellation and the
	// run log scope.
	Chat(ctx context.Context, req *Request) (*Response, error)

	// Close releases provider resources.
	Close() error
}
