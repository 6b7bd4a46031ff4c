package apiserver

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"school-im/internal/services"
)

// DirectoryHandler 提供目录查询接口。
type DirectoryHandler struct {
	directory services.DirectoryService
	logger    *zap.Logger
}

// NewDirectoryHandler creates a new DirectoryHandler.
func NewDirectoryHandler(directory services.DirectoryService, logger *zap.Logger) *DirectoryHandler {
	return &DirectoryHandler{directory: directory, logger: logger}
}

// MeHandler handles GET /api/v1/directory/me
func (h *DirectoryHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	externalID, ok := callerID(w, r)
	if !ok {
		return
	}
	user, err := h.directory.ResolveByExternalID(r.Context(), externalID)
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			err = services.ErrUnauthenticated
		}
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, user)
}

// LookupHandler handles GET /api/v1/directory/users/{username}
func (h *DirectoryHandler) LookupHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerID(w, r); !ok {
		return
	}
	user, err := h.directory.ResolveByUsername(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, user.BasicInfo())
}
