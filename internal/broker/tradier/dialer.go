package tradier

import (
	"context"
	"fmt"

	"github.com/coachbot/tradeexec/internal/domain"
)

// TokenDecrypter recovers a plaintext access token from its stored form.
// The crypto package's TokenVault satisfies it.
type TokenDecrypter interface {
	DecryptToken(encrypted []byte) (string, error)
}

// Dialer builds per-user Tradier sessions from stored credentials. It
// implements domain.BrokerDialer. Sandbox credentials dial the sandbox host.
type Dialer struct {
	decrypter      TokenDecrypter
	productionHost string
	sandboxHost    string
}

// NewDialer creates a Dialer. Empty hosts fall back to the public endpoints.
func NewDialer(decrypter TokenDecrypter, productionHost, sandboxHost string) *Dialer {
	if productionHost == "" {
		productionHost = ProductionHost
	}
	if sandboxHost == "" {
		sandboxHost = SandboxHost
	}
	return &Dialer{
		decrypter:      decrypter,
		productionHost: productionHost,
		sandboxHost:    sandboxHost,
	}
}

// Dial decrypts the credential's token and returns a broker session bound to
// the credential's account.
func (d *Dialer) Dial(_ context.Context, cred domain.Credential) (domain.Broker, error) {
	token, err := d.decrypter.DecryptToken(cred.EncryptedToken)
	if err != nil {
		return nil, fmt.Errorf("tradier: decrypt token for %s: %w", cred.UserID, err)
	}

	host := d.productionHost
	if cred.Sandbox {
		host = d.sandboxHost
	}
	return NewClient(host, token, cred.AccountID), nil
}
