package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"school-im/internal/middleware"
	"school-im/internal/services"
)

// ErrorResponse 是 API 错误响应的通用结构体。
type ErrorResponse struct {
	Error string `json:"error"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// writeJSONResponse 是一个辅助函数，用于发送 JSON 响应。
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// 头部已经发出，只能记录
			zap.L().Warn("无法编码 JSON 响应", zap.Error(err))
		}
	}
}

// writeJSONError 是一个辅助函数，用于发送 JSON 错误响应。
func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSONResponse(w, statusCode, ErrorResponse{Error: message})
}

var errorStatus = []struct {
	err    error
	status int
}{
	{services.ErrUnauthenticated, http.StatusUnauthorized},

	{services.ErrSelfRequest, http.StatusBadRequest},
	{services.ErrInvalidDecision, http.StatusBadRequest},
	{services.ErrSelfConversation, http.StatusBadRequest},
	{services.ErrGroupNameRequired, http.StatusBadRequest},
	{services.ErrGroupTooSmall, http.StatusBadRequest},
	{services.ErrEmptyMessage, http.StatusBadRequest},
	{services.ErrInvalidMessageType, http.StatusBadRequest},
	{services.ErrInvalidRole, http.StatusBadRequest},

	{services.ErrNotReceiver, http.StatusForbidden},
	{services.ErrNotMember, http.StatusForbidden},
	{services.ErrNotConversationOwner, http.StatusForbidden},

	{services.ErrReceiverNotFound, http.StatusNotFound},
	{services.ErrRequestNotFound, http.StatusNotFound},
	{services.ErrConversationNotFound, http.StatusNotFound},
	{services.ErrMessageNotFound, http.StatusNotFound},
	{services.ErrUserNotFound, http.StatusNotFound},
	{services.ErrMemberNotFound, http.StatusNotFound},

	{services.ErrDuplicateRequest, http.StatusConflict},
	{services.ErrAlreadyReceived, http.StatusConflict},
	{services.ErrInvalidTransition, http.StatusConflict},
	{services.ErrDirectExists, http.StatusConflict},
	{services.ErrUserAlreadyExists, http.StatusConflict},
}

// writeServiceError 把服务层的哨兵错误映射为 HTTP 状态码，其余错误记录日志并返回 500。
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			writeJSONError(w, e.err.Error(), e.status)
			return
		}
	}
	logger.Error("请求处理失败", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	writeJSONError(w, "服务器内部错误", http.StatusInternalServerError)
}

// decodeAndValidate 解析 JSON 请求体并按 validate 标签校验。
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeJSONError(w, "字段 "+verrs[0].Field()+" 无效", http.StatusBadRequest)
			return false
		}
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return false
	}
	return true
}

// callerID 取出已认证调用者的外部 ID；缺失时写 401。
func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.GetExternalIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "无法从上下文中获取用户ID", http.StatusUnauthorized)
		return "", false
	}
	return id, true
}

// pathUint 解析路径参数中的数字 ID；无效时写 400。
func pathUint(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	raw := mux.Vars(r)[name]
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		writeJSONError(w, "无效的"+name+"格式", http.StatusBadRequest)
		return 0, false
	}
	return uint(v), true
}

// queryUint 解析可选的非负整数查询参数，缺省为 0；格式错误时写 400 并返回 false。
func queryUint(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeJSONError(w, "无效的"+name+"参数", http.StatusBadRequest)
		return 0, false
	}
	return uint(v), true
}

// queryInt 解析可选的数字查询参数。
func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return v
}
