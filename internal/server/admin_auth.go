package server

import (
	"context"
	"crypto/subtle"
	"strings"

	govErrors "usage-governance/internal/errors"

	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
)

// AdminAuth 校验 Bearer 令牌，令牌未配置时整个控制面返回 403
func AdminAuth(token string) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			if token == "" {
				return nil, govErrors.ErrForbidden
			}
			tr, ok := transport.FromServerContext(ctx)
			if !ok {
				return nil, govErrors.ErrUnauthorized
			}
			got := strings.TrimSpace(strings.TrimPrefix(tr.RequestHeader().Get("Authorization"), "Bearer "))
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return nil, govErrors.ErrUnauthorized
			}
			return handler(ctx, req)
		}
	}
}
