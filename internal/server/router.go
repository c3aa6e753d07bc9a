package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tauth/internal/auth"
	"github.com/MarcoPoloResearchLab/tauth/internal/identity"
	"github.com/MarcoPoloResearchLab/tauth/internal/reset"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityContextKey = "tauth_identity"

var (
	errMissingIdentityService = errors.New("identity service dependency required")
	errMissingTokenIssuer     = errors.New("token issuer dependency required")
	errMissingPasswordHasher  = errors.New("password hasher dependency required")
	errMissingResetFlow       = errors.New("reset coordinator dependency required")
	errMissingCookieName      = errors.New("session cookie name required")
)

// GoogleVerifier validates a Google ID token and extracts the normalized profile.
type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleProfile, error)
}

// Dependencies wires the HTTP layer to the engine components. GoogleVerifier
// is optional; without it the google exchange endpoint reports unavailable.
type Dependencies struct {
	Identities     *identity.Service
	Tokens         *auth.TokenIssuer
	Hasher         *auth.PasswordHasher
	Reset          *reset.Coordinator
	GoogleVerifier GoogleVerifier
	CookieName     string
	CookieSecure   bool
	FrontendOrigin string
	Logger         *zap.Logger
}

// NewHTTPHandler assembles the Gin router for the accounts API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Identities == nil {
		return nil, errMissingIdentityService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Hasher == nil {
		return nil, errMissingPasswordHasher
	}
	if deps.Reset == nil {
		return nil, errMissingResetFlow
	}
	if strings.TrimSpace(deps.CookieName) == "" {
		return nil, errMissingCookieName
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	allowOrigins := []string{"*"}
	allowCredentials := false
	if origin := strings.TrimSpace(deps.FrontendOrigin); origin != "" {
		allowOrigins = []string{origin}
		allowCredentials = true
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: allowCredentials,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		identities:   deps.Identities,
		tokens:       deps.Tokens,
		hasher:       deps.Hasher,
		reset:        deps.Reset,
		google:       deps.GoogleVerifier,
		cookieName:   deps.CookieName,
		cookieSecure: deps.CookieSecure,
		logger:       logger,
	}

	router.GET("/api/health", handler.handleHealth)

	authGroup := router.Group("/api/auth")
	authGroup.POST("/register", handler.handleRegister)
	authGroup.POST("/login", handler.handleLogin)
	authGroup.POST("/oauth/google", handler.handleGoogleExchange)
	authGroup.POST("/oauth/github", handler.handleGitHubExchange)
	authGroup.POST("/verify-token", handler.handleVerifyToken)
	authGroup.POST("/forgot-password", handler.handleForgotPassword)
	authGroup.POST("/reset-password", handler.handleResetPassword)

	protected := authGroup.Group("")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleCurrentIdentity)
	protected.PUT("/profile", handler.handleUpdateProfile)

	admin := protected.Group("", handler.requireAdmin)
	admin.GET("/users", handler.handleListIdentities)
	admin.DELETE("/users/:id", handler.handleDeleteIdentity)

	return router, nil
}

type httpHandler struct {
	identities   *identity.Service
	tokens       *auth.TokenIssuer
	hasher       *auth.PasswordHasher
	reset        *reset.Coordinator
	google       GoogleVerifier
	cookieName   string
	cookieSecure bool
	logger       *zap.Logger
}

type identityPayload struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Handle      string    `json:"handle"`
	Email       string    `json:"email"`
	AvatarURL   string    `json:"avatarUrl"`
	Role        string    `json:"role"`
	Provider    string    `json:"provider"`
	CreatedAt   time.Time `json:"createdAt"`
}

type sessionPayload struct {
	User        identityPayload `json:"user"`
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	ExpiresIn   int64           `json:"expires_in"`
}

func projectIdentity(record identity.Identity, provider identity.Provider) identityPayload {
	return identityPayload{
		ID:          record.ID,
		DisplayName: record.DisplayName,
		Handle:      record.Handle,
		Email:       record.Email,
		AvatarURL:   record.AvatarURL,
		Role:        string(record.Role),
		Provider:    string(provider),
		CreatedAt:   record.CreatedAt,
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

type registerPayload struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Email) == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password required"})
		return
	}

	hash, err := h.hasher.Hash(request.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_password"})
		return
	}

	assertion := identity.CredentialAssertion{
		Email:        request.Email,
		DisplayName:  request.DisplayName,
		Provider:     identity.ProviderPassword,
		PasswordHash: hash,
	}
	outcome, err := h.identities.Reconcile(c.Request.Context(), assertion)
	if err != nil {
		h.renderReconcileError(c, err)
		return
	}
	if !outcome.Created {
		// The email already belongs to a password account. Never issue a
		// session for a password the caller did not prove.
		c.JSON(http.StatusConflict, gin.H{"error": "email_in_use"})
		return
	}

	h.recordLogin(c, outcome.Identity.ID)
	h.renderSession(c, http.StatusCreated, outcome.Identity, identity.ProviderPassword)
}

type loginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Email) == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password required"})
		return
	}

	ctx := c.Request.Context()
	record, err := h.identities.GetByEmail(ctx, request.Email)
	if errors.Is(err, identity.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}
	if err != nil {
		h.logger.Error("login lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	method, err := h.identities.PasswordMethod(ctx, record.ID)
	if errors.Is(err, identity.ErrNotFound) {
		// IdP-backed account; indistinguishable from a wrong password.
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}
	if err != nil {
		h.logger.Error("login method lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	storedHash := ""
	if method.PasswordHash != nil {
		storedHash = *method.PasswordHash
	}
	if err := h.hasher.Compare(storedHash, request.Password); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}

	h.recordLogin(c, record.ID)
	h.renderSession(c, http.StatusOK, record, identity.ProviderPassword)
}

type googleExchangePayload struct {
	IDToken string `json:"id_token"`
}

func (h *httpHandler) handleGoogleExchange(c *gin.Context) {
	if h.google == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "google_login_unavailable"})
		return
	}

	var request googleExchangePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	profile, err := h.google.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	assertion := identity.CredentialAssertion{
		Email:             profile.Email,
		DisplayName:       profile.Name,
		AvatarURL:         profile.AvatarURL,
		Provider:          identity.ProviderGoogle,
		ProviderSubjectID: profile.Subject,
	}
	h.reconcileAndRenderSession(c, assertion)
}

type githubExchangePayload struct {
	Email             string `json:"email"`
	DisplayName       string `json:"displayName"`
	AvatarURL         string `json:"avatarUrl"`
	Login             string `json:"login"`
	ProviderSubjectID string `json:"providerSubjectId"`
}

// handleGitHubExchange accepts the normalized profile the OAuth client
// extracted after completing the GitHub code exchange. GitHub issues no ID
// token, so there is nothing to re-verify here.
func (h *httpHandler) handleGitHubExchange(c *gin.Context) {
	var request githubExchangePayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Email) == "" || strings.TrimSpace(request.ProviderSubjectID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	assertion := identity.CredentialAssertion{
		Email:             request.Email,
		DisplayName:       request.DisplayName,
		AvatarURL:         request.AvatarURL,
		SuggestedHandle:   request.Login,
		Provider:          identity.ProviderGitHub,
		ProviderSubjectID: request.ProviderSubjectID,
	}
	h.reconcileAndRenderSession(c, assertion)
}

func (h *httpHandler) reconcileAndRenderSession(c *gin.Context, assertion identity.CredentialAssertion) {
	outcome, err := h.identities.Reconcile(c.Request.Context(), assertion)
	if err != nil {
		h.renderReconcileError(c, err)
		return
	}
	h.recordLogin(c, outcome.Identity.ID)
	status := http.StatusOK
	if outcome.Created {
		status = http.StatusCreated
	}
	h.renderSession(c, status, outcome.Identity, assertion.Provider)
}

func (h *httpHandler) renderReconcileError(c *gin.Context, err error) {
	if conflict, ok := identity.AsConflict(err); ok {
		c.JSON(http.StatusConflict, gin.H{
			"error":    "provider_conflict",
			"provider": string(conflict.RequiredProvider),
		})
		return
	}
	if errors.Is(err, identity.ErrValidation) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.logger.Error("reconciliation failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
}

func (h *httpHandler) renderSession(c *gin.Context, status int, record identity.Identity, provider identity.Provider) {
	token, expiresAt, err := h.tokens.IssueSessionToken(record)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, token, int(h.tokens.SessionTTL().Seconds()), "/", "", h.cookieSecure, true)

	c.JSON(status, sessionPayload{
		User:        projectIdentity(record, provider),
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	})
}

func (h *httpHandler) recordLogin(c *gin.Context, identityID string) {
	update := identity.ActivityUpdate{
		IP:     c.ClientIP(),
		Device: c.Request.UserAgent(),
	}
	if err := h.identities.RecordLogin(c.Request.Context(), identityID, update); err != nil {
		// Activity is observability only; a failed write never blocks login.
		h.logger.Warn("failed to record login activity", zap.String("identity_id", identityID), zap.Error(err))
	}
}

// authorizeRequest validates the bearer token or session cookie and loads the
// identity fresh from the store, so revoked or deactivated accounts lose
// access without waiting for token expiry of their cached state.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.TokenFromRequest(c.Request, h.cookieName)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}

	claims, err := h.tokens.Verify(token, auth.PurposeSession)
	if err != nil {
		h.logger.Warn("session token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	record, err := h.identities.GetByID(c.Request.Context(), claims.Subject)
	if errors.Is(err, identity.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("identity lookup failed during authorization", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	if !record.Active {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Set(identityContextKey, record)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	record, ok := currentIdentity(c)
	if !ok || record.Role != identity.RoleAdmin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin only"})
		return
	}
	c.Next()
}

func currentIdentity(c *gin.Context) (identity.Identity, bool) {
	value, exists := c.Get(identityContextKey)
	if !exists {
		return identity.Identity{}, false
	}
	record, ok := value.(identity.Identity)
	return record, ok
}

func (h *httpHandler) handleCurrentIdentity(c *gin.Context) {
	record, ok := currentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	provider, err := h.identities.ProviderOf(c.Request.Context(), record.ID)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		h.logger.Error("provider lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": projectIdentity(record, provider)})
}

type profileUpdatePayload struct {
	DisplayName *string `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl"`
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	record, ok := currentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request profileUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	updated, err := h.identities.UpdateProfile(c.Request.Context(), record.ID, identity.ProfileUpdate{
		DisplayName: request.DisplayName,
		AvatarURL:   request.AvatarURL,
	})
	if errors.Is(err, identity.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("profile update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	provider, err := h.identities.ProviderOf(c.Request.Context(), updated.ID)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		h.logger.Error("provider lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": projectIdentity(updated, provider)})
}

type verifyTokenPayload struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleVerifyToken(c *gin.Context) {
	var request verifyTokenPayload
	_ = c.ShouldBindJSON(&request)
	token := strings.TrimSpace(request.Token)
	if token == "" {
		if extracted, err := auth.TokenFromRequest(c.Request, h.cookieName); err == nil {
			token = extracted
		}
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no token provided"})
		return
	}

	claims, err := h.tokens.Verify(token, auth.PurposeSession)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	record, err := h.identities.GetByID(c.Request.Context(), claims.Subject)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user": gin.H{
			"id":          record.ID,
			"displayName": record.DisplayName,
			"email":       record.Email,
			"role":        string(record.Role),
		},
	})
}

type forgotPasswordPayload struct {
	Email string `json:"email"`
}

func (h *httpHandler) handleForgotPassword(c *gin.Context) {
	var request forgotPasswordPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}

	err := h.reset.Request(c.Request.Context(), request.Email)
	var notPassword *reset.NotPasswordAccountError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "reset link sent"})
	case errors.Is(err, reset.ErrIdentityNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
	case errors.As(err, &notPassword):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    "oauth_account",
			"provider": string(notPassword.Provider),
		})
	case errors.Is(err, reset.ErrDeliveryFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "mail_delivery_failed"})
	default:
		h.logger.Error("forgot password failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
	}
}

type resetPasswordPayload struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

func (h *httpHandler) handleResetPassword(c *gin.Context) {
	var request resetPasswordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.reset.Consume(c.Request.Context(), request.Token, request.NewPassword)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "password changed successfully"})
	case errors.Is(err, reset.ErrEmptyInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "token and new password are required"})
	case errors.Is(err, auth.ErrTokenExpired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "token_expired"})
	case errors.Is(err, auth.ErrTokenMalformed), errors.Is(err, auth.ErrTokenSignatureInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": "token_invalid"})
	case errors.Is(err, reset.ErrIdentityNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
	default:
		h.logger.Error("reset password failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
	}
}

func (h *httpHandler) handleListIdentities(c *gin.Context) {
	records, err := h.identities.List(c.Request.Context())
	if err != nil {
		h.logger.Error("identity listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	payloads := make([]identityPayload, 0, len(records))
	for _, record := range records {
		provider, err := h.identities.ProviderOf(c.Request.Context(), record.ID)
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			h.logger.Error("provider lookup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
			return
		}
		payloads = append(payloads, projectIdentity(record, provider))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "users": payloads})
}

func (h *httpHandler) handleDeleteIdentity(c *gin.Context) {
	identityID := strings.TrimSpace(c.Param("id"))
	if identityID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.identities.Delete(c.Request.Context(), identityID)
	if errors.Is(err, identity.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("identity deletion failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
