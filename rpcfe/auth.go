package rpcfe

import (
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/valyala/fasthttp"
)

// authMiddleware validates a bearer JWT on every request before it reaches
// a handler; an empty secret disables auth entirely (local/dev use).
type authMiddleware struct {
	secret []byte
}

func newAuthMiddleware(secret []byte) *authMiddleware { return &authMiddleware{secret: secret} }

func (a *authMiddleware) wrap(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if len(a.secret) == 0 {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		hdr := string(ctx.Request.Header.Peek("Authorization"))
		tokenStr, ok := strings.CutPrefix(hdr, "Bearer ")
		if !ok || tokenStr == "" {
			writeError(ctx, CodeInvalidArgument, "missing bearer token")
			return
		}
		_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return a.secret, nil
		})
		if err != nil {
			writeError(ctx, CodeInvalidArgument, "invalid bearer token: "+err.Error())
			return
		}
		next(ctx)
	}
}
