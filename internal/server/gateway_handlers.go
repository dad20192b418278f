package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/laplacelab/lapgw/internal/util"
)

// targetTokenHeader lets callers supply an explicit downstream
// credential for proxied requests.
const targetTokenHeader = "X-Target-Access-Token"

// gatewayIdentity is the resolved identity behind a gateway call.
type gatewayIdentity struct {
	Subject   string
	ExpiresAt int64
}

// requireGatewayIdentity accepts either a minted gateway token or a
// provider access token.
func (s *Server) requireGatewayIdentity(c *gin.Context) (*gatewayIdentity, bool) {
	token := bearerToken(c)
	if token == "" {
		s.abortWithError(c, util.ErrUnauthorized)
		return nil, false
	}

	if claims, err := s.minter.Verify(token); err == nil {
		return &gatewayIdentity{Subject: claims.Subject, ExpiresAt: claims.ExpiresAt.Unix()}, true
	}

	claims, err := s.verifier.Introspect(c.Request.Context(), token)
	if err != nil {
		s.abortWithError(c, err)
		return nil, false
	}

	identity := &gatewayIdentity{Subject: claims.Subject}
	if !claims.ExpiresAt.IsZero() {
		identity.ExpiresAt = claims.ExpiresAt.Unix()
	}
	return identity, true
}

type pingResponse struct {
	Status string `json:"status"`
	Sub    string `json:"sub"`
	Exp    int64  `json:"exp,omitempty"`
}

func (s *Server) handlePing(c *gin.Context) {
	identity, ok := s.requireGatewayIdentity(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, pingResponse{
		Status: "ok",
		Sub:    identity.Subject,
		Exp:    identity.ExpiresAt,
	})
}

func stripBearer(token string) string {
	if len(token) > 7 && strings.EqualFold(token[:7], "Bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}

func (s *Server) handleProxy(c *gin.Context) {
	if _, ok := s.requireGatewayIdentity(c); !ok {
		return
	}

	// Prefer an explicit downstream credential; otherwise reuse the
	// caller's own bearer.
	accessToken := stripBearer(c.GetHeader(targetTokenHeader))
	if accessToken == "" {
		accessToken = bearerToken(c)
	}

	path := strings.TrimPrefix(c.Param("path"), "/")
	if err := s.forwarder.Forward(c.Request.Context(), c.Writer, c.Request, path, accessToken); err != nil {
		s.abortWithError(c, err)
	}
}
