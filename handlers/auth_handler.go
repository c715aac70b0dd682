package handlers

import (
	"context"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/computer-use-api/services/auth"
	"github.com/upb/computer-use-api/utils"
	"go.uber.org/zap"
)

// LoginRequest is the body of POST /api/auth/login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=72"`
}

// LoginService authenticates users
type LoginService interface {
	Login(ctx context.Context, email, password, requestID string) (*auth.LoginResult, error)
}

// AuthHandler handles login
type AuthHandler struct {
	service LoginService
	logger  *zap.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service LoginService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		service: service,
		logger:  logger,
	}
}

// HandleLogin handles POST /api/auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, r, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, r, err, h.logger)
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password, chimw.GetReqID(r.Context()))
	if err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	writeOrLog(h.logger, utils.WriteOK(w, result))
}
