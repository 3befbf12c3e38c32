package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vydata/taskpilot/monday"
	"github.com/vydata/taskpilot/orchestrator"
)

// boardEvents is the slice of the orchestrator the webhook intake drives.
type boardEvents interface {
	HandleStatusChange(ctx context.Context, ev orchestrator.StatusChangeEvent) error
	HandleComment(ctx context.Context, ev orchestrator.CommentEvent) error
}

// itemReader enriches status events with board columns (repo URL, creator).
type itemReader interface {
	GetItemInfo(ctx context.Context, itemID int64) (*monday.ItemInfo, error)
}

// commentTimeout bounds asynchronous comment processing, which may include
// an LLM round-trip and a direct board reply.
const commentTimeout = 5 * time.Minute

// webhookPayload covers the Monday webhook shapes the agent consumes: the
// one-time challenge handshake, status column changes, and new updates.
type webhookPayload struct {
	Challenge string `json:"challenge"`
	Event     struct {
		Type      string `json:"type"`
		PulseID   int64  `json:"pulseId"`
		BoardID   int64  `json:"boardId"`
		PulseName string `json:"pulseName"`
		ColumnID  string `json:"columnId"`
		UpdateID  int64  `json:"updateId"`
		TextBody  string `json:"textBody"`
		Value     struct {
			Label struct {
				Text string `json:"text"`
			} `json:"label"`
		} `json:"value"`
		PreviousValue struct {
			Label struct {
				Text string `json:"text"`
			} `json:"label"`
		} `json:"previousValue"`
	} `json:"event"`
}

// webhookHandler translates Monday webhook deliveries into orchestrator
// events. Status changes dispatch inline (queue admission is cheap);
// comments process in the background because classification may take an
// LLM round-trip, and Monday retries deliveries that do not answer fast.
type webhookHandler struct {
	events        boardEvents
	items         itemReader
	signingSecret string
	statusColumn  string
	repoColumn    string
	logger        *slog.Logger
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	// Subscription handshake: echo the challenge back verbatim.
	if payload.Challenge != "" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": payload.Challenge})
		return
	}

	switch payload.Event.Type {
	case "update_column_value", "change_column_value":
		if h.statusColumn != "" && payload.Event.ColumnID != h.statusColumn {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.handleStatus(r.Context(), w, payload)

	case "create_update":
		h.handleComment(payload)
		w.WriteHeader(http.StatusAccepted)

	default:
		h.logger.Debug("Webhook event ignored", "type", payload.Event.Type)
		w.WriteHeader(http.StatusOK)
	}
}

// authorized verifies the Authorization header against the signing secret.
// An empty secret disables verification (local development).
func (h *webhookHandler) authorized(r *http.Request) bool {
	if h.signingSecret == "" {
		return true
	}
	token := r.Header.Get("Authorization")
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.signingSecret)) == 1
}

func (h *webhookHandler) handleStatus(ctx context.Context, w http.ResponseWriter, payload webhookPayload) {
	ev := orchestrator.StatusChangeEvent{
		ExternalID: payload.Event.PulseID,
		BoardID:    payload.Event.BoardID,
		Title:      payload.Event.PulseName,
		OldStatus:  payload.Event.PreviousValue.Label.Text,
		NewStatus:  payload.Event.Value.Label.Text,
	}

	if info := h.itemInfo(ctx, payload.Event.PulseID); info != nil {
		ev.ChangedBy = info.CreatorEmail
		if h.repoColumn != "" {
			ev.RepositoryURL = info.Column(h.repoColumn)
		}
	}

	if err := h.events.HandleStatusChange(ctx, ev); err != nil {
		h.logger.Error("Status change handling failed",
			"external_id", ev.ExternalID, "error", err)
		http.Error(w, "event handling failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *webhookHandler) handleComment(payload webhookPayload) {
	ev := orchestrator.CommentEvent{
		ExternalID: payload.Event.PulseID,
		BoardID:    payload.Event.BoardID,
		UpdateID:   fmt.Sprintf("%d", payload.Event.UpdateID),
		Body:       payload.Event.TextBody,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commentTimeout)
		defer cancel()
		if err := h.events.HandleComment(ctx, ev); err != nil {
			h.logger.Error("Comment handling failed",
				"external_id", ev.ExternalID, "update_id", ev.UpdateID, "error", err)
		}
	}()
}

// itemInfo fetches board metadata for a status event, best-effort.
func (h *webhookHandler) itemInfo(ctx context.Context, itemID int64) *monday.ItemInfo {
	if h.items == nil {
		return nil
	}
	info, err := h.items.GetItemInfo(ctx, itemID)
	if err != nil {
		h.logger.Debug("Item info lookup failed", "item_id", itemID, "error", err)
		return nil
	}
	return info
}
