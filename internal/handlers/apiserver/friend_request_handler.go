package apiserver

import (
	"net/http"

	"go.uber.org/zap"

	"school-im/internal/models"
	"school-im/internal/services"
)

// FriendRequestHandler handles HTTP requests related to friend requests.
type FriendRequestHandler struct {
	friendService services.FriendRequestService
	logger        *zap.Logger
}

// NewFriendRequestHandler creates a new FriendRequestHandler.
func NewFriendRequestHandler(fs services.FriendRequestService, logger *zap.Logger) *FriendRequestHandler {
	return &FriendRequestHandler{friendService: fs, logger: logger}
}

// SendFriendRequestPayload defines the expected JSON body for sending a friend request.
type SendFriendRequestPayload struct {
	ReceiverUsername string `json:"receiverUsername" validate:"required,max=100"`
}

// SendFriendRequestHandler handles POST /api/v1/friend-requests
func (h *FriendRequestHandler) SendFriendRequestHandler(w http.ResponseWriter, r *http.Request) {
	externalID, ok := callerID(w, r)
	if !ok {
		return
	}
	var payload SendFriendRequestPayload
	if !decodeAndValidate(w, r, &payload) {
		return
	}

	requestID, err := h.friendService.Create(r.Context(), externalID, payload.ReceiverUsername)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]uint{"requestId": requestID})
}

// ListIncomingHandler handles GET /api/v1/friend-requests/incoming
func (h *FriendRequestHandler) ListIncomingHandler(w http.ResponseWriter, r *http.Request) {
	externalID, ok := callerID(w, r)
	if !ok {
		return
	}
	requests, err := h.friendService.ListIncoming(r.Context(), externalID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, requests)
}

// ListOutgoingHandler handles GET /api/v1/friend-requests/outgoing
func (h *FriendRequestHandler) ListOutgoingHandler(w http.ResponseWriter, r *http.Request) {
	externalID, ok := callerID(w, r)
	if !ok {
		return
	}
	requests, err := h.friendService.ListOutgoing(r.Context(), externalID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, requests)
}

// CountHandler handles GET /api/v1/friend-requests/count
func (h *FriendRequestHandler) CountHandler(w http.ResponseWriter, r *http.Request) {
	externalID, ok := callerID(w, r)
	if !ok {
		return
	}
	count, err := h.friendService.Count(r.Context(), externalID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int64{"count": count})
}

// AcceptFriendRequestHandler handles POST /api/v1/friend-requests/{requestID}/accept
func (h *FriendRequestHandler) AcceptFriendRequestHandler(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, models.DecisionAccept)
}

// RejectFriendRequestHandler handles POST /api/v1/friend-requests/{requestID}/reject
func (h *FriendRequestHandler) RejectFriendRequestHandler(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, models.DecisionReject)
}

func (h *FriendRequestHandler) respond(w http.ResponseWriter, r *http.Request, decision models.Decision) {
	externalID, ok := callerID(w, r)
	if !ok {
		return
	}
	requestID, ok := pathUint(w, r, "requestID")
	if !ok {
		return
	}
	result, err := h.friendService.Respond(r.Context(), externalID, requestID, decision)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}
