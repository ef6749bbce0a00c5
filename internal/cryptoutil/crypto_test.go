package cryptoutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"strings"
	"testing"
)

func generateTestCertPEM(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	template := &x509.Certificate{SerialNumber: big.NewInt(1)}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	block := &pem.Block{Type: "CERTIFICATE", Bytes: der}
	pemBytes := pem.EncodeToMemory(block)

	return string(pemBytes), key
}

func TestParsePublicKeyFromCertificate(t *testing.T) {
	certPEM, key := generateTestCertPEM(t)

	pub, err := ParsePublicKey(certPEM)
	if err != nil {
		t.Fatalf("ParsePublicKey() error: %v", err)
	}
	if pub.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("parsed public key modulus does not match original")
	}
}

func TestParsePublicKeyEscapedNewlines(t *testing.T) {
	certPEM, _ := generateTestCertPEM(t)
	escaped := strings.ReplaceAll(certPEM, "\n", `\r\n`)

	if _, err := ParsePublicKey(escaped); err != nil {
		t.Fatalf("ParsePublicKey() with escaped newlines error: %v", err)
	}
}

func TestEncryptForKeyExchangeRoundTrip(t *testing.T) {
	_, key := generateTestCertPEM(t)

	sessionKey, err := NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey() error: %v", err)
	}

	cipherHex, err := EncryptForKeyExchange(&key.PublicKey, sessionKey)
	if err != nil {
		t.Fatalf("EncryptForKeyExchange() error: %v", err)
	}
	if cipherHex == "" {
		t.Fatal("EncryptForKeyExchange() returned empty ciphertext")
	}

	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil {
		t.Fatalf("ciphertext is not hex: %v", err)
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, key, ciphertext)
	if err != nil {
		t.Fatalf("DecryptPKCS1v15() error: %v", err)
	}
	if string(plain) != sessionKey.HexPayload() {
		t.Errorf("decrypted payload = %q, want %q", plain, sessionKey.HexPayload())
	}
}

func TestHashUserDeterministic(t *testing.T) {
	h1, err := HashUser("admin", "secret", "saltvalue", "onetimesalt", SHA256)
	if err != nil {
		t.Fatalf("HashUser() error: %v", err)
	}
	h2, err := HashUser("admin", "secret", "saltvalue", "onetimesalt", SHA256)
	if err != nil {
		t.Fatalf("HashUser() error: %v", err)
	}
	if h1 != h2 {
		t.Error("HashUser() is not deterministic for identical inputs")
	}

	h3, err := HashUser("admin", "different", "saltvalue", "onetimesalt", SHA256)
	if err != nil {
		t.Fatalf("HashUser() error: %v", err)
	}
	if h1 == h3 {
		t.Error("HashUser() should differ when the password differs")
	}
}

func TestHashUserRejectsUnsupportedAlgorithm(t *testing.T) {
	if _, err := HashUser("admin", "secret", "salt", "ots", HashAlg("MD5")); err == nil {
		t.Fatal("HashUser() with unsupported algorithm should fail")
	}
}

func TestHashAlgValid(t *testing.T) {
	if !SHA1.Valid() || !SHA256.Valid() {
		t.Error("SHA1 and SHA256 should be valid")
	}
	if HashAlg("MD5").Valid() {
		t.Error("MD5 should not be valid")
	}
}
