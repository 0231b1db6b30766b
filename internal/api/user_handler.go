package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"regatta-backend-go/internal/core"
	"regatta-backend-go/internal/db"
	"regatta-backend-go/internal/models"
)

// UserHandler handles the user-profile API endpoints.
type UserHandler struct {
	users  core.UserService
	logger *zap.Logger
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(users core.UserService, logger *zap.Logger) *UserHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserHandler{users: users, logger: logger}
}

// authenticatedUID pulls the uid the auth middleware stored in the context.
func authenticatedUID(c *gin.Context) (string, bool) {
	raw, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "user ID not found in context"})
		return "", false
	}
	uid, ok := raw.(string)
	if !ok || uid == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid user ID in context"})
		return "", false
	}
	return uid, true
}

func (h *UserHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: err.Error()})
	case errors.Is(err, core.ErrUserNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "user profile not found"})
	case db.IsKind(err, db.KindNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found", Details: err.Error()})
	case db.IsKind(err, db.KindValidation):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "document failed validation", Details: err.Error()})
	case db.IsKind(err, db.KindPermissionDenied):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "permission denied"})
	case db.IsKind(err, db.KindTimeout):
		c.JSON(http.StatusGatewayTimeout, ErrorResponse{Error: "store timeout"})
	case db.IsKind(err, db.KindUnavailable):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "store unavailable"})
	default:
		h.logger.Error("user handler error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

// InitializeProfile handles POST /api/v1/users/initialize. Called after
// client-side Firebase sign-in to ensure the backend profile exists. Returns
// the existing profile unchanged when there is one.
func (h *UserHandler) InitializeProfile(c *gin.Context) {
	uid, ok := authenticatedUID(c)
	if !ok {
		return
	}

	var req InitializeProfileRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
			return
		}
	}
	// The token, not the payload, decides whose profile this is.
	input := core.CreateUserInput{
		UID:             uid,
		Email:           req.Email,
		DisplayName:     req.DisplayName,
		PhotoURL:        req.PhotoURL,
		PhoneNumber:     req.PhoneNumber,
		EmailVerified:   req.EmailVerified,
		Role:            req.Role,
		Status:          req.Status,
		Providers:       req.Providers,
		LinkedProviders: req.LinkedProviders,
		PrimaryProvider: req.PrimaryProvider,
		Profile:         req.Profile,
		Preferences:     req.Preferences,
	}
	if input.Email == "" {
		input.Email = c.GetString("userEmail")
	}
	if input.DisplayName == "" {
		input.DisplayName = c.GetString("userDisplayName")
	}
	if input.PhotoURL == "" {
		input.PhotoURL = c.GetString("userPhotoURL")
	}
	if len(input.Providers) == 0 {
		input.Providers = []string{"email"}
	}

	existing, err := h.users.GetUserProfile(c.Request.Context(), uid)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if existing != nil {
		c.JSON(http.StatusOK, existing)
		return
	}

	created, err := h.users.CreateUserProfile(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// GetMe handles GET /api/v1/users/me.
func (h *UserHandler) GetMe(c *gin.Context) {
	uid, ok := authenticatedUID(c)
	if !ok {
		return
	}
	profile, err := h.users.GetUserProfile(c.Request.Context(), uid)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if profile == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "user profile not found"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *UserHandler) bindPartial(c *gin.Context) (map[string]interface{}, bool) {
	var partial map[string]interface{}
	if err := c.ShouldBindJSON(&partial); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return nil, false
	}
	return partial, true
}

// UpdateMe handles PATCH /api/v1/users/me.
func (h *UserHandler) UpdateMe(c *gin.Context) {
	uid, ok := authenticatedUID(c)
	if !ok {
		return
	}
	partial, ok := h.bindPartial(c)
	if !ok {
		return
	}
	profile, err := h.users.UpdateUserProfile(c.Request.Context(), uid, partial)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// UpdatePreferences handles PATCH /api/v1/users/me/preferences.
func (h *UserHandler) UpdatePreferences(c *gin.Context) {
	uid, ok := authenticatedUID(c)
	if !ok {
		return
	}
	partial, ok := h.bindPartial(c)
	if !ok {
		return
	}
	profile, err := h.users.UpdateUserPreferences(c.Request.Context(), uid, partial)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// UpdateProfileInfo handles PATCH /api/v1/users/me/profile.
func (h *UserHandler) UpdateProfileInfo(c *gin.Context) {
	uid, ok := authenticatedUID(c)
	if !ok {
		return
	}
	partial, ok := h.bindPartial(c)
	if !ok {
		return
	}
	profile, err := h.users.UpdateProfileInfo(c.Request.Context(), uid, partial)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// RecordLogin handles POST /api/v1/users/me/login.
func (h *UserHandler) RecordLogin(c *gin.Context) {
	uid, ok := authenticatedUID(c)
	if !ok {
		return
	}
	profile, err := h.users.IncrementLoginCount(c.Request.Context(), uid)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// DeleteMe handles DELETE /api/v1/users/me.
func (h *UserHandler) DeleteMe(c *gin.Context) {
	uid, ok := authenticatedUID(c)
	if !ok {
		return
	}
	report, err := h.users.DeleteUserProfile(c.Request.Context(), uid)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cleanupResponse(true, report))
}

// CleanupMyData handles POST /api/v1/users/me/cleanup.
func (h *UserHandler) CleanupMyData(c *gin.Context) {
	uid, ok := authenticatedUID(c)
	if !ok {
		return
	}
	report, err := h.users.CleanupUserData(c.Request.Context(), uid)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cleanupResponse(true, report))
}

func cleanupResponse(deleted bool, report *core.CleanupReport) DeleteUserResponse {
	resp := DeleteUserResponse{Deleted: deleted}
	for _, step := range report.Steps {
		s := CleanupStepResponse{Name: step.Name, Success: step.Err == nil}
		if step.Err != nil {
			s.Error = step.Err.Error()
		}
		resp.Steps = append(resp.Steps, s)
	}
	return resp
}

// SearchUsers handles GET /api/v1/users/search?q=term&limit=n. Matching is a
// case-sensitive email prefix.
func (h *UserHandler) SearchUsers(c *gin.Context) {
	term := c.Query("q")
	limit := parseLimit(c.Query("limit"), 20)
	users, err := h.users.SearchUsers(c.Request.Context(), term, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// ListUsers handles GET /api/v1/users?limit=n&startAfter=id&endBefore=id.
func (h *UserHandler) ListUsers(c *gin.Context) {
	opts := core.ListOptions{
		Limit:      parseLimit(c.Query("limit"), 50),
		StartAfter: db.CursorFromID(c.Query("startAfter")),
		EndBefore:  db.CursorFromID(c.Query("endBefore")),
	}
	page, err := h.users.ListUsers(c.Request.Context(), opts)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := UserListResponse{Users: page.Users, HasMore: page.HasMore}
	if resp.Users == nil {
		resp.Users = []*models.UserProfile{}
	}
	if page.FirstDoc != nil {
		resp.FirstDocID = page.FirstDoc.ID()
	}
	if page.LastDoc != nil {
		resp.LastDocID = page.LastDoc.ID()
	}
	c.JSON(http.StatusOK, resp)
}

// GetWeatherPreferences handles GET /api/v1/users/me/weather.
func (h *UserHandler) GetWeatherPreferences(c *gin.Context) {
	uid, ok := authenticatedUID(c)
	if !ok {
		return
	}
	prefs, err := h.users.GetWeatherPreferences(c.Request.Context(), uid)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if prefs == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "weather preferences not found"})
		return
	}
	c.JSON(http.StatusOK, prefs)
}

// UpdateWeatherPreferences handles PATCH /api/v1/users/me/weather.
func (h *UserHandler) UpdateWeatherPreferences(c *gin.Context) {
	uid, ok := authenticatedUID(c)
	if !ok {
		return
	}
	partial, ok := h.bindPartial(c)
	if !ok {
		return
	}
	prefs, err := h.users.UpdateWeatherPreferences(c.Request.Context(), uid, partial)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 200 {
		return fallback
	}
	return n
}
