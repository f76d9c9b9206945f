// Package middleware provides HTTP middleware for authentication, logging,
// and request processing.
package middleware

import (
	"context"
	"crypto/subtle"
	"strings"

	pkglog "CircuitLane/pkg/log"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// AdminAuth guards mutating operator endpoints with a bearer token. With
// an empty token every request passes, so local setups need no auth.
// Reads stay open either way; only POST/PUT/DELETE are checked.
func AdminAuth(token string, logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			if token == "" {
				return handler(ctx, req)
			}

			tr, ok := transport.FromServerContext(ctx)
			if !ok {
				return handler(ctx, req)
			}
			ht, ok := tr.(http.Transporter)
			if !ok {
				return handler(ctx, req)
			}

			httpReq := ht.Request()
			switch httpReq.Method {
			case "POST", "PUT", "DELETE", "PATCH":
			default:
				return handler(ctx, req)
			}

			presented := bearerToken(httpReq.Header.Get("Authorization"))
			if presented == "" {
				presented = httpReq.Header.Get("X-Admin-Token")
			}

			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				logger.Security("admin token rejected",
					"method", httpReq.Method,
					"path", httpReq.URL.Path,
				)
				return nil, kerrors.Unauthorized("ADMIN_TOKEN_REQUIRED", "missing or invalid admin token")
			}

			return handler(ctx, req)
		}
	}
}

// bearerToken extracts the token from a "Bearer {token}" header value.
func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
