package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/laplacelab/lapgw/internal/exchange"
	"github.com/laplacelab/lapgw/internal/pat"
	"github.com/laplacelab/lapgw/internal/util"
)

// patTokenHeader is the dedicated PAT header, checked after the
// Authorization header.
const patTokenHeader = "X-PAT-TOKEN"

// patView is the externally visible PAT representation.
type patView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Scopes      []string   `json:"scopes"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	IsRevoked   bool       `json:"is_revoked"`
	CreatedAt   time.Time  `json:"created_at"`
}

// createPATResponse extends patView with the plaintext secret, which
// is returned exactly once.
type createPATResponse struct {
	patView
	Token string `json:"token"`
}

func newPATView(token *pat.PersonalAccessToken) patView {
	return patView{
		ID:          strconv.FormatInt(token.ID, 10),
		Name:        token.Name,
		Description: token.Description,
		Scopes:      token.ScopeList(),
		ExpiresAt:   token.ExpiresAt,
		LastUsedAt:  token.LastUsedAt,
		IsRevoked:   token.IsRevoked,
		CreatedAt:   token.CreatedAt,
	}
}

// requireProviderIdentity authenticates the caller with a provider
// access token and resolves the local user record.
func (s *Server) requireProviderIdentity(c *gin.Context) (*pat.User, bool) {
	token := bearerToken(c)
	if token == "" {
		s.abortWithError(c, util.ErrUnauthorized)
		return nil, false
	}

	claims, err := s.verifier.Introspect(c.Request.Context(), token)
	if err != nil {
		s.abortWithError(c, err)
		return nil, false
	}

	user, err := s.manager.UpsertUser(c.Request.Context(), claims.Subject, claims.DisplayName)
	if err != nil {
		s.abortWithError(c, err)
		return nil, false
	}
	return user, true
}

func (s *Server) handleListPATs(c *gin.Context) {
	user, ok := s.requireProviderIdentity(c)
	if !ok {
		return
	}

	tokens, err := s.manager.List(c.Request.Context(), user)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	views := make([]patView, 0, len(tokens))
	for _, token := range tokens {
		views = append(views, newPATView(token))
	}
	c.JSON(http.StatusOK, views)
}

type createPATRequest struct {
	Name        string     `json:"name" binding:"required"`
	Description string     `json:"description"`
	Scopes      []string   `json:"scopes"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (s *Server) handleCreatePAT(c *gin.Context) {
	user, ok := s.requireProviderIdentity(c)
	if !ok {
		return
	}

	var req createPATRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, util.NewValidationError("invalid create request: "+err.Error()))
		return
	}

	secret, token, err := s.manager.Create(c.Request.Context(), user, req.Name, req.Description, req.Scopes, req.ExpiresAt)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, createPATResponse{
		patView: newPATView(token),
		Token:   secret,
	})
}

func (s *Server) handleRevokePAT(c *gin.Context) {
	user, ok := s.requireProviderIdentity(c)
	if !ok {
		return
	}

	patID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.abortWithError(c, util.ErrNotFound)
		return
	}

	if err := s.manager.Revoke(c.Request.Context(), patID, user); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type exchangeRequest struct {
	Token    string `json:"token"`
	Resource string `json:"resource"`
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	IssuedAt    int64  `json:"issued_at"`
	PATID       string `json:"pat_id"`
	Scope       string `json:"scope,omitempty"`
}

// extractPAT resolves the caller's PAT: Authorization bearer first,
// then the dedicated header, then the body field.
func extractPAT(c *gin.Context, body *exchangeRequest) string {
	if token := bearerToken(c); token != "" {
		return token
	}
	if token := c.GetHeader(patTokenHeader); token != "" {
		return token
	}
	if body != nil {
		return body.Token
	}
	return ""
}

func (s *Server) handleExchangePAT(c *gin.Context) {
	var req exchangeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.abortWithError(c, util.NewValidationError("invalid exchange request: "+err.Error()))
			return
		}
	}

	secret := extractPAT(c, &req)
	if secret == "" {
		s.abortWithError(c, util.ErrUnauthorized)
		return
	}

	token, _, err := s.manager.Verify(c.Request.Context(), secret)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	if s.exchanger == nil {
		s.abortWithError(c, &util.ConfigError{Field: "agentPlatform", Message: "token exchange is not configured"})
		return
	}

	var resources []string
	if req.Resource != "" {
		resources = []string{req.Resource}
	}
	result, err := s.exchanger.Exchange(c.Request.Context(), secret, req.Resource, exchange.DefaultRequest(resources, nil))
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	tokenType := result.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}
	c.JSON(http.StatusOK, exchangeResponse{
		AccessToken: result.AccessToken,
		TokenType:   tokenType,
		ExpiresIn:   result.ExpiresIn,
		IssuedAt:    time.Now().Unix(),
		PATID:       strconv.FormatInt(token.ID, 10),
		Scope:       result.Scope,
	})
}

type mintTokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"`
}

func (s *Server) handleMintToken(c *gin.Context) {
	var req exchangeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.abortWithError(c, util.NewValidationError("invalid mint request: "+err.Error()))
			return
		}
	}

	secret := extractPAT(c, &req)
	if secret == "" {
		s.abortWithError(c, util.ErrUnauthorized)
		return
	}

	token, user, err := s.manager.Verify(c.Request.Context(), secret)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	signed, expiresIn, err := s.minter.Mint(token, user)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, mintTokenResponse{
		Token:     signed,
		TokenType: "bearer",
		ExpiresIn: expiresIn,
	})
}
