package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachbot/tradeexec/internal/domain"
)

func TestSealAndOpenRoundTrip(t *testing.T) {
	v := NewTokenVault("correct horse battery staple")

	sealed, err := v.EncryptToken("tradier-access-token-xyz")
	require.NoError(t, err)

	token, err := v.DecryptToken(sealed)
	require.NoError(t, err)
	assert.Equal(t, "tradier-access-token-xyz", token)
}

func TestSealIsNonDeterministic(t *testing.T) {
	v := NewTokenVault("passphrase")

	a, err := v.EncryptToken("same-token")
	require.NoError(t, err)
	b, err := v.EncryptToken("same-token")
	require.NoError(t, err)

	// Fresh salt and nonce per seal.
	assert.NotEqual(t, a, b)
}

func TestWrongPassphraseFails(t *testing.T) {
	sealed, err := NewTokenVault("right").EncryptToken("secret")
	require.NoError(t, err)

	_, err = NewTokenVault("wrong").DecryptToken(sealed)
	assert.Error(t, err)
}

func TestLockedVault(t *testing.T) {
	v := NewTokenVault("")

	_, err := v.EncryptToken("secret")
	assert.ErrorIs(t, err, domain.ErrVaultLocked)

	_, err = v.DecryptToken([]byte("{}"))
	assert.ErrorIs(t, err, domain.ErrVaultLocked)
}

func TestTamperedCiphertextRejected(t *testing.T) {
	v := NewTokenVault("passphrase")
	sealed, err := v.EncryptToken("secret")
	require.NoError(t, err)

	// Flip one byte of the payload.
	sealed[len(sealed)-10] ^= 0x01
	_, err = v.DecryptToken(sealed)
	assert.Error(t, err)
}
