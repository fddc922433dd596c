// Package common defines shared constants and sentinel errors used across
// client and server layers of vaultsync. Callers should use errors.Is to
// match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Error taxonomy shared by the store, the crypto layer and the sync engine.
	ErrNotFound               = errors.New("not found")
	ErrInvalidOrCorruptedData = errors.New("invalid or corrupted data")
	ErrInvalidPasswordOrKey   = errors.New("invalid password or key")
	ErrSystem                 = errors.New("system error")
	ErrNoCurrentVault         = errors.New("no current vault")
	ErrNetwork                = errors.New("network error")

	// Refinements. Each one also matches its taxonomy parent.
	ErrEntityNotFound  = fmt.Errorf("entity %w", ErrNotFound)
	ErrVersionNotFound = fmt.Errorf("version %w", ErrNotFound)
	ErrVaultNotFound   = fmt.Errorf("vault %w", ErrNotFound)
	ErrLiveVersion     = fmt.Errorf("%w: cannot delete the current version", ErrSystem)

	// Service-level errors.
	ErrInternal     = errors.New("internal error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Token lifecycle errors.
	ErrTokenExpired        = errors.New("token expired")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
)
