package auth

import (
	"context"
	"errors"
)

var ErrNoIdentity = errors.New("auth: identity not in context")

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxOrganizationID
	ctxRole
)

func WithIdentity(ctx context.Context, userID, organizationID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxOrganizationID, organizationID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func UserID(ctx context.Context) (string, error) {
	return value(ctx, ctxUserID)
}

func OrganizationID(ctx context.Context) (string, error) {
	return value(ctx, ctxOrganizationID)
}

func Role(ctx context.Context) (string, error) {
	return value(ctx, ctxRole)
}

func value(ctx context.Context, k ctxKey) (string, error) {
	if s, ok := ctx.Value(k).(string); ok && s != "" {
		return s, nil
	}
	return "", ErrNoIdentity
}
