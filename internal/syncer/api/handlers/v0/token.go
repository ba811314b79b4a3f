package v0

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/agentregistry-dev/dirsync/internal/syncer/credentials"
)

// TokenService is the credential surface.
type TokenService interface {
	Initialize(ctx context.Context) credentials.InitResult
	RefreshToken(ctx context.Context) error
	TokenInfo() credentials.TokenInfo
	Credentials() (credentials.SanitizedCredentials, bool)
}

// TokenStatusBody describes the token and the sanitized credentials in use.
type TokenStatusBody struct {
	credentials.TokenInfo
	Initialized bool                              `json:"initialized"`
	Credentials *credentials.SanitizedCredentials `json:"credentials,omitempty"`
}

// TokenRefreshBody reports a re-initialization.
type TokenRefreshBody struct {
	credentials.InitResult
	Token credentials.TokenInfo `json:"token"`
}

func tokenStatus(svc TokenService) TokenStatusBody {
	body := TokenStatusBody{TokenInfo: svc.TokenInfo()}
	if creds, ok := svc.Credentials(); ok {
		body.Initialized = true
		body.Credentials = &creds
	}
	return body
}

// RegisterTokenEndpoints registers the token info and refresh endpoints.
func RegisterTokenEndpoints(api huma.API, pathPrefix string, svc TokenService) {
	suffix := strings.ReplaceAll(pathPrefix, "/", "-")

	huma.Register(api, huma.Operation{
		OperationID: "get-token" + suffix,
		Method:      http.MethodGet,
		Path:        pathPrefix + "/token",
		Summary:     "Token status",
		Description: "Reports whether a valid token is cached. The token itself is never returned.",
		Tags:        []string{"token"},
	}, func(_ context.Context, _ *struct{}) (*Response[TokenStatusBody], error) {
		return &Response[TokenStatusBody]{Body: tokenStatus(svc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-token" + suffix,
		Method:      http.MethodPost,
		Path:        pathPrefix + "/token/refresh",
		Summary:     "Reload credentials and refresh the token",
		Tags:        []string{"token"},
	}, func(ctx context.Context, _ *struct{}) (*Response[TokenRefreshBody], error) {
		result := svc.Initialize(ctx)
		if result.Success {
			if err := svc.RefreshToken(ctx); err != nil {
				result.Success = false
				result.Error = err.Error()
			}
		}
		return &Response[TokenRefreshBody]{Body: TokenRefreshBody{InitResult: result, Token: svc.TokenInfo()}}, nil
	})
}
