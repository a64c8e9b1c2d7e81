package user

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/user/entity"
)

const maxBodyBytes = 1 << 20

// Handler exposes HTTP endpoints for registration and sign-in.
type Handler struct {
	svc    *UserService
	logger *zap.SugaredLogger
}

func NewHandler(svc *UserService, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Response is the envelope of every account endpoint.
type Response struct {
	Success      bool          `json:"success"`
	Message      string        `json:"message"`
	User         *entity.View  `json:"user,omitempty"`
	ExternalData *ExternalData `json:"externalData,omitempty"`
	Errors       []string      `json:"errors,omitempty"`
}

// ExternalData echoes the provider session correlation pair.
type ExternalData struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// RegisterRequest request body for register endpoint.
type RegisterRequest struct {
	FullName        string `json:"fullName"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	TermsAccepted   *bool  `json:"termsAccepted"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.svc.RegisterWithPassword(r.Context(), RegisterInput{
		FullName:        req.FullName,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		TermsAccepted:   req.TermsAccepted,
	})
	if err != nil {
		h.writeError(w, r, "registration", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, Response{Success: true, Message: "User registered successfully", User: view})
}

// LoginRequest login payload.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.svc.AuthenticateWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, "login", err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Message: "Login successful", User: view})
}

// ExternalAuthRequest carries a provider access token.
type ExternalAuthRequest struct {
	AccessToken string `json:"accessToken"`
}

func (h *Handler) ExternalAuth(w http.ResponseWriter, r *http.Request) {
	var req ExternalAuthRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.AuthenticateExternal(r.Context(), req.AccessToken)
	if err != nil {
		h.writeError(w, r, "external authentication", err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{
		Success:      true,
		Message:      "External authentication successful",
		User:         res.User,
		ExternalData: &ExternalData{UserID: res.ExternalUserID, SessionID: res.SessionID},
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusBadRequest, Response{Message: "Invalid request body"})
		return false
	}
	return true
}

// writeError maps engine errors to status codes. Internal causes are logged and
// never sent to the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = internalError(op, err)
	}
	if e.Kind == KindInternal {
		h.logger.Errorw(op+" failed", "request_id", r.Header.Get("X-Request-ID"), "err", err)
		h.writeJSON(w, http.StatusInternalServerError, Response{Message: "Internal server error"})
		return
	}
	h.logger.Debugw(op+" rejected", "request_id", r.Header.Get("X-Request-ID"), "kind", e.Kind.String(), "message", e.Message)
	h.writeJSON(w, e.Kind.HTTPStatus(), Response{Message: e.Message, Errors: e.Fields})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
