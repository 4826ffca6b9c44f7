// Package auth checks the admin signature that unlocks the private occupancy breakdown.
//
// There is exactly one admin keypair. The admin signs AdminMessage out of band (see cmd/bearfit-admin) and presents
// the base64 signature over the dashboard socket.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/ssh"
)

// AdminMessage is the plaintext every admin signature covers. Changing it invalidates all issued signatures.
const AdminMessage = "bearfit: open the occupancy dashboard"

// Verifier holds the pinned admin public key.
type Verifier struct {
	key    ed25519.PublicKey
	logger *slog.Logger
}

// NewVerifier parses the admin public key. Both a raw base64 32-byte key and an OpenSSH "ssh-ed25519 AAAA..." line
// are accepted.
func NewVerifier(publicKey string, logger *slog.Logger) (*Verifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	key, err := ParsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	return &Verifier{key: key, logger: logger}, nil
}

// ParsePublicKey decodes an Ed25519 public key from raw base64 or OpenSSH authorized-key form.
func ParsePublicKey(value string) (ed25519.PublicKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("public key is empty")
	}
	if strings.HasPrefix(value, ssh.KeyAlgoED25519+" ") {
		parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(value))
		if err != nil {
			return nil, fmt.Errorf("failed to parse authorized key: %w", err)
		}
		cryptoKey, ok := parsed.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %s", parsed.Type())
		}
		edKey, ok := cryptoKey.CryptoPublicKey().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %s", parsed.Type())
		}
		return edKey, nil
	}
	raw, err := decodeBase64(value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Verify reports whether signatureB64 is a valid signature of AdminMessage. It never fails outward: decode and
// crypto problems are logged and read as "not verified".
func (v *Verifier) Verify(signatureB64 string) bool {
	signature, err := decodeBase64(strings.TrimSpace(signatureB64))
	if err != nil {
		v.logger.Warn("failed to decode admin signature", "err", err)
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		v.logger.Warn("admin signature has wrong length", "length", len(signature))
		return false
	}
	if !ed25519.Verify(v.key, []byte(AdminMessage), signature) {
		v.logger.Warn("admin signature did not verify")
		return false
	}
	return true
}

// GenerateKey returns a fresh admin keypair.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return pub, priv, nil
}

// Sign returns the base64 signature of AdminMessage.
func Sign(priv ed25519.PrivateKey) string {
	return SignMessage(priv, AdminMessage)
}

// SignMessage returns the base64 signature of an arbitrary message.
func SignMessage(priv ed25519.PrivateKey, message string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(message)))
}

// EncodePrivateKey renders priv as base64 PKCS#8.
func EncodePrivateKey(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePrivateKey reads a base64 PKCS#8 Ed25519 private key.
func ParsePrivateKey(value string) (ed25519.PrivateKey, error) {
	der, err := decodeBase64(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not ed25519", parsed)
	}
	return priv, nil
}

// EncodePublicKey renders pub in the raw base64 form expected by PUBLIC_KEY_B64.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// AuthorizedKey renders pub as an OpenSSH authorized-key line.
func AuthorizedKey(pub ed25519.PublicKey) (string, error) {
	sshKey, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to convert key: %w", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshKey))), nil
}

func decodeBase64(value string) ([]byte, error) {
	if out, err := base64.StdEncoding.DecodeString(value); err == nil {
		return out, nil
	}
	if out, err := base64.RawStdEncoding.DecodeString(value); err == nil {
		return out, nil
	}
	return base64.URLEncoding.DecodeString(value)
}
