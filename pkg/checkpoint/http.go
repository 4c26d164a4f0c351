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

package checkpoint

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the reviewer-facing HTTP surface:
//
//	GET  /checkpoints                   list pending checkpoints
//	GET  /checkpoints/{id}              fetch one checkpoint
//	POST /checkpoints/{id}/respond     complete a pending checkpoint
//	POST /checkpoints/{id}/cancel      cancel a pending checkpoint
//
// Responding is idempotent per id: a second respond to a completed
// checkpoint returns the stored record unchanged.
func Handler(b *Broker) http.Handler {
	h := &httpHandler{broker: b}

	r := chi.NewRouter()
	r.Route("/checkpoints", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Post("/{id}/respond", h.respond)
		r.Post("/{id}/cancel", h.cancel)
	})
	return r
}

type httpHandler struct {
	broker *Broker
}

// respondRequest is the reviewer's answer. Response is the payload the
// waiting cell receives; reasoning and confidence are optional annotations
// stored alongside it.
type respondRequest struct {
	Response   any      `json:"response"`
	Reasoning  string   `json:"reasoning,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *httpHandler) list(w http.ResponseWriter, r *http.Request) {
	recs, err := h.broker.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": recs})
}

func (h *httpHandler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.broker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *httpHandler) respond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}

	response := map[string]any{"response": req.Response}
	if req.Reasoning != "" {
		response["reasoning"] = req.Reasoning
	}
	if req.Confidence != nil {
		response["confidence"] = *req.Confidence
	}

	rec, err := h.broker.Respond(r.Context(), chi.URLParam(r, "id"), response)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *httpHandler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
			return
		}
	}

	rec, err := h.broker.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotPending):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
