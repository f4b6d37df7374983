package domain

import "time"

// Credential is one user's stored brokerage link. The access token is kept
// encrypted at rest and only decrypted by the broker dialer at call time.
type Credential struct {
	UserID         string
	AccountID      string
	EncryptedToken []byte
	AutoExecute    bool // explicit per-account opt-in to automated execution
	Sandbox        bool // route orders to the broker's sandbox environment
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
