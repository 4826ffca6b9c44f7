package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"
)

func newKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return pub, priv
}

func TestVerify(t *testing.T) {
	pub, priv := newKeyPair(t)
	_, otherPriv := newKeyPair(t)

	v, err := NewVerifier(EncodePublicKey(pub), nil)
	if err != nil {
		t.Fatal(err)
	}

	good := Sign(priv)
	wrongMessage := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte("something else")))

	cases := []struct {
		name      string
		signature string
		want      bool
	}{
		{"valid", good, true},
		{"valid unpadded", base64.RawStdEncoding.EncodeToString(ed25519.Sign(priv, []byte(AdminMessage))), true},
		{"other key", Sign(otherPriv), false},
		{"other message", wrongMessage, false},
		{"not base64", "!!!not base64!!!", false},
		{"truncated", good[:20], false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := v.Verify(tc.signature); got != tc.want {
				t.Fatalf("Verify = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNewVerifierAcceptsAuthorizedKey(t *testing.T) {
	pub, priv := newKeyPair(t)
	line, err := AuthorizedKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	v, err := NewVerifier(line+" admin@bearfit", nil)
	if err != nil {
		t.Fatalf("NewVerifier(%q): %v", line, err)
	}
	if !v.Verify(Sign(priv)) {
		t.Fatal("signature rejected with authorized-key form")
	}
}

func TestNewVerifierRejectsBadKeys(t *testing.T) {
	for _, key := range []string{
		"",
		"not base64 at all",
		base64.StdEncoding.EncodeToString([]byte("too short")),
		"ssh-ed25519 AAAAgarbage",
	} {
		if _, err := NewVerifier(key, nil); err == nil {
			t.Errorf("NewVerifier(%q) succeeded", key)
		}
	}
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	pub, priv := newKeyPair(t)
	encoded, err := EncodePrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParsePrivateKey(encoded)
	if err != nil {
		t.Fatal(err)
	}
	v, err := NewVerifier(EncodePublicKey(pub), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Verify(Sign(parsed)) {
		t.Fatal("signature from the reparsed key rejected")
	}
	if _, err := ParsePrivateKey(EncodePublicKey(pub)); err == nil {
		t.Fatal("public key parsed as private")
	}
}
