package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-tracker/pkg/utilities"
)

// Handler exposes the auth flows over HTTP. Session cookies are written here;
// the service only deals in tokens.
type Handler struct {
	svc      *Service
	jar      cookieJar
	validate *validator.Validate
	logger   *zap.SugaredLogger
}

func NewHandler(cfg Config, svc *Service, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, jar: newCookieJar(cfg), validate: newValidator(), logger: logger}
}

func newCookieJar(cfg Config) cookieJar {
	return cookieJar{secure: cfg.SecureCookies, domain: cfg.CookieDomain}
}

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// otpCode accepts the code either as a JSON number or as a digit string,
// so "012345"-style input from text fields is not rejected by the decoder.
type otpCode int

func (c *otpCode) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(strings.TrimSpace(s))
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return errors.New("code must be numeric")
	}
	*c = otpCode(n)
	return nil
}

type RegisterRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type LoginRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
	RememberMe bool   `json:"remember_me"`
}

type VerifyEmailRequest struct {
	Email string  `json:"email" validate:"required,email"`
	Code  otpCode `json:"code" validate:"required,min=100000,max=999999"`
}

type EmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type ResetPasswordRequest struct {
	Email       string  `json:"email" validate:"required,email"`
	Code        otpCode `json:"code" validate:"required,min=100000,max=999999"`
	NewPassword string  `json:"new_password" validate:"required,min=8,max=72"`
}

// decode reads and validates the request body. Failures never reach the service.
func (h *Handler) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	if err := dec.Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		return &Error{Kind: KindValidation, Message: "invalid payload"}
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return internal(err)
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fieldMessage(fe)
		}
		return ValidationError(fields)
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "email":
		return "must be a valid email address"
	case "min", "max":
		if fe.Field() == "code" {
			return "must be a 6-digit code"
		}
		if fe.Tag() == "min" {
			return "must be at least " + fe.Param() + " characters"
		}
		return "must be at most " + fe.Param() + " characters"
	default:
		return "invalid"
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	acc, err := h.svc.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": acc.ID, "email": acc.Email, "verification_required": true})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.Login(r.Context(), req.Email, req.Password, req.RememberMe)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.VerificationRequired {
		writeJSON(w, http.StatusOK, map[string]any{
			"verification_required": true,
			"message":               "a verification code has been sent to your email",
		})
		return
	}
	h.jar.setSession(w, res.Session)
	writeJSON(w, http.StatusOK, map[string]any{"user": res.Session.Identity})
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.svc.VerifyEmailCode(r.Context(), req.Email, int(req.Code))
	if err != nil {
		writeError(w, err)
		return
	}
	h.jar.setSession(w, sess)
	writeJSON(w, http.StatusOK, map[string]any{"user": sess.Identity})
}

func (h *Handler) ResendCode(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.ResendVerificationCode(r.Context(), req.Email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "verification code sent"})
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "password reset code sent"})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.CompletePasswordReset(r.Context(), req.Email, int(req.Code), req.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	h.jar.clearSession(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "password has been reset"})
}

// Logout always clears the cookies, with or without a live session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.svc.Logout(r.Context(), cookieValue(r, AccessCookieName), cookieValue(r, RefreshCookieName))
	h.jar.clearSession(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request, id Identity) {
	writeJSON(w, http.StatusOK, map[string]any{"user": id})
}

func (h *Handler) ChangeEmail(w http.ResponseWriter, r *http.Request, id Identity) {
	var req EmailRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	state, err := h.svc.ChangeEmail(r.Context(), id, req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Permissions lists the caller's permissions. With ?require=a,b it answers 403
// unless the caller holds all of them.
func (h *Handler) Permissions(w http.ResponseWriter, r *http.Request, id Identity) {
	if q := r.URL.Query().Get("require"); q != "" {
		var required []Permission
		for _, p := range strings.Split(q, ",") {
			if p = strings.TrimSpace(p); p != "" {
				required = append(required, Permission(p))
			}
		}
		if err := Authorize(id, required...); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": id.Role, "permissions": PermissionsFor(id.Role)})
}

// Roles shows the whole role table. It is mounted behind RequirePermission(PermManageUsers).
func (h *Handler) Roles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"roles": RoleTable()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error     string            `json:"error"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// writeError renders any error as the JSON error body. Internal detail is never sent.
func writeError(w http.ResponseWriter, err error) {
	e := AsError(err)
	msg := e.Message
	if e.Kind == KindInternal {
		msg = ErrInternal.Message
	}
	writeJSON(w, e.Kind.Status(), errorBody{
		Error:     msg,
		Fields:    e.Fields,
		RequestID: w.Header().Get(utilities.RequestIDHeader),
	})
}
