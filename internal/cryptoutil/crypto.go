// Package cryptoutil implements the RSA key-exchange and HMAC password/token
// hashing primitives the miniserver authentication handshake relies on.
// These are plain crypto/* primitives: no third-party library in the
// example pack offers a better fit than the standard library for raw
// RSA-PKCS1v15 encryption, X.509 certificate parsing or HMAC-SHA1/256.
package cryptoutil

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"hash"
	"strings"
)

// HashAlg is the digest algorithm the miniserver selects for password and
// token hashing, returned alongside the salt in the getkey2/getvisusalt
// response.
type HashAlg string

const (
	SHA1   HashAlg = "SHA1"
	SHA256 HashAlg = "SHA256"
)

// Valid reports whether alg is a hash algorithm this client supports.
func (alg HashAlg) Valid() bool {
	return alg == SHA1 || alg == SHA256
}

func (alg HashAlg) newHash() (func() hash.Hash, error) {
	switch alg {
	case SHA1:
		return sha1.New, nil
	case SHA256:
		return sha256.New, nil
	default:
		return nil, fmt.Errorf("cryptoutil: unsupported hash algorithm %q", alg)
	}
}

// SessionKey is the AES key/IV pair generated per connection and sent to
// the miniserver, RSA-encrypted, during key exchange. The encrypted channel
// it would protect (dev/sys/enc/*) is out of scope, so nothing in this
// package ever uses it to encrypt or decrypt a payload — only to perform
// the handshake the miniserver expects.
type SessionKey struct {
	Key []byte // AES-256 key, 32 bytes
	IV  []byte // AES IV, 16 bytes
}

// NewSessionKey generates a fresh random AES-256 key and IV.
func NewSessionKey() (SessionKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return SessionKey{}, fmt.Errorf("cryptoutil: generate session key: %w", err)
	}

	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return SessionKey{}, fmt.Errorf("cryptoutil: generate session iv: %w", err)
	}

	return SessionKey{Key: key, IV: iv}, nil
}

// HexPayload is the "key:iv" plaintext, hex-encoded key and IV, that gets
// RSA-encrypted and sent as the key-exchange command.
func (k SessionKey) HexPayload() string {
	return fmt.Sprintf("%s:%s", hex.EncodeToString(k.Key), hex.EncodeToString(k.IV))
}

// EncryptForKeyExchange RSA-encrypts the session key/IV payload with the
// miniserver's public key and returns the hex-encoded ciphertext, ready to
// be embedded in the "jdev/sys/keyexchange/{hex}" command.
func EncryptForKeyExchange(pub *rsa.PublicKey, key SessionKey) (string, error) {
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(key.HexPayload()))
	if err != nil {
		return "", fmt.Errorf("cryptoutil: rsa encrypt: %w", err)
	}
	return hex.EncodeToString(ciphertext), nil
}

// ParsePublicKey decodes the miniserver's getPublicKey response value. The
// miniserver hands back a self-signed X.509 certificate, PEM-encoded, with
// literal "\r\n" escape sequences rather than real newlines; both that form
// and a bare PEM/DER public key are accepted.
func ParsePublicKey(raw string) (*rsa.PublicKey, error) {
	normalized := strings.ReplaceAll(raw, `\r\n`, "\n")
	normalized = strings.ReplaceAll(normalized, "\r\n", "\n")

	block, _ := pem.Decode([]byte(normalized))
	var der []byte
	if block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(normalized))
		if err != nil {
			return nil, fmt.Errorf("cryptoutil: public key is neither PEM nor base64 DER: %w", err)
		}
		der = decoded
	}

	if cert, err := x509.ParseCertificate(der); err == nil {
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return pub, nil
		}
		return nil, fmt.Errorf("cryptoutil: certificate public key is not RSA")
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		if rsaPub, err2 := x509.ParsePKCS1PublicKey(der); err2 == nil {
			return rsaPub, nil
		}
		return nil, fmt.Errorf("cryptoutil: parse public key: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cryptoutil: public key is not RSA")
	}
	return rsaPub, nil
}

func hmacHex(key, message string, alg HashAlg) (string, error) {
	newHash, err := alg.newHash()
	if err != nil {
		return "", err
	}
	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func digestUpperHex(message string, alg HashAlg) (string, error) {
	newHash, err := alg.newHash()
	if err != nil {
		return "", err
	}
	h := newHash()
	h.Write([]byte(message))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

// HashUser computes the user hash sent with gettoken: HMAC(oneTimeSalt,
// "{user}:{digest(password:salt)}").
func HashUser(user, password, salt, oneTimeSalt string, alg HashAlg) (string, error) {
	pwDigest, err := digestUpperHex(password+":"+salt, alg)
	if err != nil {
		return "", err
	}
	return hmacHex(oneTimeSalt, user+":"+pwDigest, alg)
}

// HashToken computes the token refresh hash sent with authwithtoken:
// HMAC(oneTimeSalt, token).
func HashToken(token, oneTimeSalt string, alg HashAlg) (string, error) {
	return hmacHex(oneTimeSalt, token, alg)
}

// HashVisu computes the visualisation hash sent with authwithvisuhash. It
// uses the same construction as HashUser: the visualisation password may
// differ from the login password but the hashing scheme is identical.
func HashVisu(user, visuPassword, salt, oneTimeSalt string, alg HashAlg) (string, error) {
	return HashUser(user, visuPassword, salt, oneTimeSalt, alg)
}
