package exchange

import (
	"crypto"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// SignatureType selects how outbound REST requests are authenticated,
// matching the upstream exchange's supported key types (spec.md §6
// signature_type).
type SignatureType string

// Recognized signature types.
const (
	SignatureHMACSHA256    SignatureType = "HMAC_SHA256"
	SignatureRSASHA256     SignatureType = "RSA_SHA256"
	SignatureEd25519       SignatureType = "ED25519"
)

// Signer signs a query-string payload for inclusion as a `signature`
// parameter on an authenticated REST call.
type Signer interface {
	Sign(payload []byte) (string, error)
}

// NewSigner builds a Signer from PEM/raw key material and a passphrase
// (empty if the key material isn't encrypted). keyMaterial is either a raw
// HMAC secret (for SignatureHMACSHA256) or PEM-encoded private key bytes
// (for the asymmetric types).
func NewSigner(sigType SignatureType, keyMaterial []byte, passphrase string) (Signer, error) {
	switch sigType {
	case SignatureHMACSHA256:
		return &hmacSigner{secret: keyMaterial}, nil
	case SignatureRSASHA256:
		key, err := parsePrivateKey(keyMaterial, passphrase)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("exchange: key material is not an RSA private key")
		}
		return &rsaSigner{key: rsaKey}, nil
	case SignatureEd25519:
		key, err := parsePrivateKey(keyMaterial, passphrase)
		if err != nil {
			return nil, err
		}
		edKey, ok := key.(ed25519.PrivateKey)
		if p, isPtr := key.(*ed25519.PrivateKey); isPtr && p != nil {
			edKey, ok = *p, true
		}
		if !ok {
			return nil, fmt.Errorf("exchange: key material is not an Ed25519 private key")
		}
		return &ed25519Signer{key: edKey}, nil
	default:
		return nil, fmt.Errorf("exchange: unrecognized signature type %q", sigType)
	}
}

// parsePrivateKey decodes a PEM block and parses the private key inside,
// decrypting it first if passphrase is non-empty. Encrypted keys go through
// x/crypto/ssh's parser, which handles legacy DEK-Info-encrypted PEM blocks
// and OpenSSH keys; unencrypted keys are tried as PKCS#8 and then PKCS#1
// with the stdlib x509 parser before falling back to the ssh parser.
func parsePrivateKey(keyMaterial []byte, passphrase string) (interface{}, error) {
	block, _ := pem.Decode(keyMaterial)
	if block == nil {
		return nil, fmt.Errorf("exchange: no PEM block found in key material")
	}

	if passphrase != "" {
		key, err := ssh.ParseRawPrivateKeyWithPassphrase(keyMaterial, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("exchange: decrypt private key: %w", err)
		}
		return key, nil
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return ssh.ParseRawPrivateKey(keyMaterial)
}

type hmacSigner struct {
	secret []byte
}

func (s *hmacSigner) Sign(payload []byte) (string, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

type rsaSigner struct {
	key *rsa.PrivateKey
}

func (s *rsaSigner) Sign(payload []byte) (string, error) {
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("rsa sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

type ed25519Signer struct {
	key ed25519.PrivateKey
}

func (s *ed25519Signer) Sign(payload []byte) (string, error) {
	sig := ed25519.Sign(s.key, payload)
	return base64.StdEncoding.EncodeToString(sig), nil
}
