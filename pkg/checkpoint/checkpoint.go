// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package checkpoint pauses cascade runs for human decisions. A cell's
// request_decision call files a pending checkpoint and suspends the turn;
// an external reviewer answers over HTTP (or directly through the Broker)
// and the cell resumes with the response staged into session state.
//
// Records persist, so pending checkpoints survive process restarts and the
// branch manager can replay a run from any of them with a different answer.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/kadirpekel/cascade/pkg/echo"
)

// Checkpoint statuses. Pending checkpoints block a cell; the other two are
// terminal.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Sentinel errors surfaced by the broker and its stores.
var (
	ErrNotFound   = errors.New("checkpoint: not found")
	ErrNotPending = errors.New("checkpoint: not pending")
)

// Record is one persisted checkpoint.
type Record struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	CascadeID string `json:"cascade_id,omitempty"`
	CellName  string `json:"cell_name,omitempty"`

	// PhaseIndex is the declared position of the requesting cell, so a
	// branch knows where to resume.
	PhaseIndex int `json:"phase_index"`

	Status string `json:"status"`

	// ExpectedShape is the request_decision payload verbatim: the html to
	// present, the shape of the structured response, or both.
	ExpectedShape map[string]any `json:"expected_shape,omitempty"`

	// Response is the reviewer's payload once completed.
	Response map[string]any `json:"response,omitempty"`

	// Reason explains a cancellation.
	Reason string `json:"reason,omitempty"`

	// Echo is the session snapshot taken when the checkpoint was created.
	// Branches rebuild pre-checkpoint state from it.
	Echo *echo.Snapshot `json:"echo,omitempty"`

	// TimeoutSeconds caps the wait; zero waits indefinitely.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// Store persists checkpoint records. Save upserts by id.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)

	// Pending lists pending checkpoints in creation order.
	Pending(ctx context.Context) ([]Record, error)

	// BySession lists a session's checkpoints in creation order, any status.
	BySession(ctx context.Context, sessionID string) ([]Record, error)
}
