package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrNotProvisioned = errors.New("backing table not provisioned")

	// ErrMarginLimitBlocked is the fail-closed sizing outcome: the account
	// cannot carry even one contract within its risk and buying-power caps.
	ErrMarginLimitBlocked = errors.New("margin_limit_blocked")

	ErrExecutionDisabled = errors.New("automated execution disabled")
	ErrVaultLocked       = errors.New("token vault password not configured")
	ErrWSDisconnect      = errors.New("websocket disconnected")
)
