package apiserver

import (
	"net/http"

	"go.uber.org/zap"

	"school-im/internal/models"
	"school-im/internal/services"
)

// ConversationHandler 处理会话与消息相关的 HTTP 请求。
type ConversationHandler struct {
	convoService   services.ConversationService
	messageService services.MessageService
	logger         *zap.Logger
}

// NewConversationHandler 创建一个新的 ConversationHandler 实例。
func NewConversationHandler(cs services.ConversationService, ms services.MessageService, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{convoService: cs, messageService: ms, logger: logger}
}

// CreateDirectPayload 是创建私聊会话的请求体。
type CreateDirectPayload struct {
	Username string `json:"username" validate:"required,max=100"`
}

// CreateGroupPayload 是创建群组会话的请求体。
type CreateGroupPayload struct {
	Name      string   `json:"name" validate:"required,max=100"`
	MemberIDs []string `json:"memberIds" validate:"required,min=1,dive,required"`
}

// SendMessagePayload 是发送消息的请求体。
type SendMessagePayload struct {
	Type    models.MessageType `json:"type" validate:"omitempty,oneof=text image file system"`
	Content string             `json:"content" validate:"required"`
}

// MarkReadPayload 是标记已读的请求体。
type MarkReadPayload struct {
	MessageID uint `json:"messageId" validate:"required"`
}

// ListConversationsHandler handles GET /api/v1/conversations
func (h *ConversationHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	externalID, ok := callerID(w, r)
	if !ok {
		return
	}
	summaries, err := h.convoService.ListForUser(r.Context(), externalID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, summaries)
}

// CreateDirectHandler handles POST /api/v1/conversations/direct
func (h *ConversationHandler) CreateDirectHandler(w http.ResponseWriter, r *http.Request) {
	externalID, ok := callerID(w, r)
	if !ok {
		return
	}
	var payload CreateDirectPayload
	if !decodeAndValidate(w, r, &payload) {
		return
	}
	conversation, err := h.convoService.CreateDirectByUsername(r.Context(), externalID, payload.Username)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, conversation)
}

// CreateGroupHandler handles POST /api/v1/conversations/groups
func (h *ConversationHandler) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	externalID, ok := callerID(w, r)
	if !ok {
		return
	}
	var payload CreateGroupPayload
	if !decodeAndValidate(w, r, &payload) {
		return
	}
	conversation, err := h.convoService.CreateGroup(r.Context(), externalID, payload.MemberIDs, payload.Name)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, conversation)
}

// GetConversationHandler handles GET /api/v1/conversations/{conversationID}
func (h *ConversationHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	externalID, ok := callerID(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathUint(w, r, "conversationID")
	if !ok {
		return
	}
	view, err := h.convoService.Get(r.Context(), conversationID, externalID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, view)
}

// DeleteConversationHandler handles DELETE /api/v1/conversations/{conversationID}
func (h *ConversationHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	externalID, ok := callerID(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathUint(w, r, "conversationID")
	if !ok {
		return
	}
	if err := h.convoService.DeleteConversation(r.Context(), conversationID, externalID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMembersHandler handles GET /api/v1/conversations/{conversationID}/members
func (h *ConversationHandler) ListMembersHandler(w http.ResponseWriter, r *http.Request) {
	externalID, ok := callerID(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathUint(w, r, "conversationID")
	if !ok {
		return
	}
	members, err := h.convoService.ListMembers(r.Context(), conversationID, externalID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, members)
}

// MarkReadHandler handles POST /api/v1/conversations/{conversationID}/read
func (h *ConversationHandler) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	externalID, ok := callerID(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathUint(w, r, "conversationID")
	if !ok {
		return
	}
	var payload MarkReadPayload
	if !decodeAndValidate(w, r, &payload) {
		return
	}
	moved, err := h.convoService.MarkRead(r.Context(), conversationID, externalID, payload.MessageID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"updated": moved})
}

// ListMessagesHandler handles GET /api/v1/conversations/{conversationID}/messages?limit=&before=
func (h *ConversationHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	externalID, ok := callerID(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathUint(w, r, "conversationID")
	if !ok {
		return
	}
	before, ok := queryUint(w, r, "before")
	if !ok {
		return
	}
	messages, err := h.messageService.List(r.Context(), conversationID, externalID, queryInt(r, "limit"), before)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, messages)
}

// SendMessageHandler handles POST /api/v1/conversations/{conversationID}/messages
func (h *ConversationHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	externalID, ok := callerID(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathUint(w, r, "conversationID")
	if !ok {
		return
	}
	var payload SendMessagePayload
	if !decodeAndValidate(w, r, &payload) {
		return
	}
	message, err := h.messageService.Send(r.Context(), conversationID, externalID, payload.Type, payload.Content)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, message)
}
