package api

import (
	"context"

	"github.com/org/medvault/pkg/models"
)

type contextKey string

const (
	ctxKeyToken       contextKey = "token"
	ctxKeyRequestID   contextKey = "request_id"
	ctxKeyRequestInfo contextKey = "request_info"
	ctxKeyClientIP    contextKey = "client_ip"
)

// requestInfo is filled in by inner middleware and read back by the request logger,
// which sits outside the authenticated route group.
type requestInfo struct {
	principal models.Principal
}

func withToken(ctx context.Context, t *models.Token) context.Context {
	if info := requestInfoFromCtx(ctx); info != nil {
		info.principal = t.Principal
	}
	return context.WithValue(ctx, ctxKeyToken, t)
}

func tokenFromCtx(ctx context.Context) *models.Token {
	t, _ := ctx.Value(ctxKeyToken).(*models.Token)
	return t
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func withRequestInfo(ctx context.Context, info *requestInfo) context.Context {
	return context.WithValue(ctx, ctxKeyRequestInfo, info)
}

func requestInfoFromCtx(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(ctxKeyRequestInfo).(*requestInfo)
	return info
}

func withClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyClientIP, ip)
}

func clientIPFromCtx(ctx context.Context) string {
	ip, _ := ctx.Value(ctxKeyClientIP).(string)
	return ip
}
