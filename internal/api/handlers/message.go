package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/wonny/usef/backend/internal/inbound"
	"github.com/wonny/usef/backend/internal/transport"
	"github.com/wonny/usef/backend/pkg/logger"
)

// maxMessageSize bounds a SignedMessage body
const maxMessageSize = 4 << 20

// MessageReceiver applies a received SignedMessage; inbound.Handler implements it
type MessageReceiver interface {
	Handle(ctx context.Context, body []byte) (*inbound.Result, error)
}

// MessageHandler is the participant's USEF endpoint
// ⭐ SSOT: every inbound document enters through ReceiveSignedMessage
type MessageHandler struct {
	receiver MessageReceiver
	logger   *logger.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(receiver MessageReceiver, log *logger.Logger) *MessageHandler {
	return &MessageHandler{receiver: receiver, logger: log}
}

// MessageResponse acknowledges a received document. The business answer
// travels back as a separate response document.
type MessageResponse struct {
	MessageType string `json:"message_type"`
	MessageID   string `json:"message_id"`
	Result      string `json:"result"` // accepted, rejected or duplicate
	Code        string `json:"code,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ReceiveSignedMessage handles a document sent by another participant
// POST /USEF/2015/SignedMessage
func (h *MessageHandler) ReceiveSignedMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(body) > maxMessageSize {
		respondError(w, http.StatusRequestEntityTooLarge, "Message too large")
		return
	}

	res, err := h.receiver.Handle(r.Context(), body)
	if err != nil {
		var de *transport.DecodeError
		switch {
		case errors.As(err, &de):
			respondError(w, http.StatusBadRequest, de.Error())
		case errors.Is(err, inbound.ErrUnsupported):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.WithError(err).Error("Failed to handle message")
			respondError(w, http.StatusInternalServerError, "Failed to handle message")
		}
		return
	}

	resp := MessageResponse{
		MessageType: res.MessageType,
		MessageID:   res.MessageID,
		Result:      "accepted",
		Code:        string(res.Code),
		Reason:      res.Reason,
	}
	switch {
	case res.Duplicate:
		resp.Result = "duplicate"
	case !res.Accepted:
		resp.Result = "rejected"
	}
	respondJSON(w, http.StatusOK, resp)
}
