package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACSigner_SignIsDeterministic(t *testing.T) {
	signer, err := NewSigner(SignatureHMACSHA256, []byte("secret"), "")
	require.NoError(t, err)

	sig1, err := signer.Sign([]byte("symbol=BTCUSDT&timestamp=1"))
	require.NoError(t, err)
	sig2, err := signer.Sign([]byte("symbol=BTCUSDT&timestamp=1"))
	require.NoError(t, err)

	assert.Equal(t, sig1, sig2)
	assert.NotEmpty(t, sig1)
}

func TestHMACSigner_DifferentPayloadsDifferentSignatures(t *testing.T) {
	signer, err := NewSigner(SignatureHMACSHA256, []byte("secret"), "")
	require.NoError(t, err)

	sig1, err := signer.Sign([]byte("timestamp=1"))
	require.NoError(t, err)
	sig2, err := signer.Sign([]byte("timestamp=2"))
	require.NoError(t, err)

	assert.NotEqual(t, sig1, sig2)
}

func TestNewSigner_UnrecognizedType(t *testing.T) {
	_, err := NewSigner("NOT_A_TYPE", []byte("secret"), "")
	assert.Error(t, err)
}

func TestNewSigner_RSAWithoutKeyMaterialFails(t *testing.T) {
	_, err := NewSigner(SignatureRSASHA256, []byte("not a pem block"), "")
	assert.Error(t, err)
}
