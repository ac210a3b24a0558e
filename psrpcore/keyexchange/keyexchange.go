package keyexchange

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/pbkdf2"
)

// keyCheckSalt is a fixed, non-secret salt for the debug-only key-check
// value derived below. It exists purely to give operators a short,
// correlatable fingerprint in logs; it has no bearing on the security of
// the session key itself.
var keyCheckSalt = []byte("psrp-go/keyexchange/key-check")

// keyCheckValue derives a short, deterministic fingerprint of key via
// PBKDF2-HMAC-SHA256, for debug logging only: it lets an operator confirm
// two ends of a connection derived the same session key without ever
// logging the key itself.
func keyCheckValue(key []byte) string {
	derived := pbkdf2.Key(key, keyCheckSalt, 4096, 8, sha256.New)
	return hex.EncodeToString(derived)
}

// minEncryptedSessionKeyBlobLen is the shortest EncryptedSessionKey blob
// this implementation accepts: the 32-byte session key RSA-PKCS1v15
// encrypted under a 2048-bit key occupies bytes [12..12+256) of the
// SIMPLEBLOB the server sends.
const minEncryptedSessionKeyBlobLen = 12 + 256

// sessionKeyOffset is where the RSA-encrypted payload begins within the
// EncryptedSessionKey blob.
const sessionKeyOffset = 12

// sessionKeyCiphertextLen is the RSA ciphertext length for a 2048-bit key.
const sessionKeyCiphertextLen = 256

// State holds one runspace pool's key-exchange material: the client's RSA
// keypair (generated once, lazily, per pool) and the negotiated 32-byte
// AES session key, once established.
type State struct {
	priv       *rsa.PrivateKey
	sessionKey []byte
	pending    bool
	log        *slog.Logger
}

// NewState returns an empty key-exchange State.
func NewState(logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{log: logger}
}

// HasSessionKey reports whether the 32-byte AES session key is established.
func (s *State) HasSessionKey() bool { return len(s.sessionKey) == 32 }

// Pending reports whether a key exchange has been initiated but not yet
// completed. While pending, host calls that involve a SecureString stay
// queued.
func (s *State) Pending() bool { return s.pending }

// SetPending marks a key exchange as in flight; cleared automatically once
// DecryptSessionKey succeeds.
func (s *State) SetPending() { s.pending = true }

// EnsureKeyPair generates a 2048-bit RSA keypair the first time it's
// called for this pool; subsequent calls are no-ops.
func (s *State) EnsureKeyPair() error {
	if s.priv != nil {
		return nil
	}
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("keyexchange: generate RSA key: %w", err)
	}
	s.priv = priv
	return nil
}

// PublicKeyBlob returns the base64 CAPI blob to send in a PublicKey message.
func (s *State) PublicKeyBlob() (string, error) {
	if s.priv == nil {
		return "", fmt.Errorf("keyexchange: no keypair generated yet")
	}
	return EncodeCAPIBlob(&s.priv.PublicKey)
}

// DecryptSessionKey decodes and decrypts an EncryptedSessionKey blob.
// On success the 32-byte session key is stored and the pending flag
// cleared.
func (s *State) DecryptSessionKey(base64Blob string) error {
	if s.priv == nil {
		return fmt.Errorf("keyexchange: no keypair to decrypt with")
	}
	blob, err := base64.StdEncoding.DecodeString(base64Blob)
	if err != nil {
		return fmt.Errorf("keyexchange: invalid base64: %w", err)
	}
	if len(blob) < minEncryptedSessionKeyBlobLen {
		return fmt.Errorf("keyexchange: EncryptedSessionKey too short: %d bytes, need at least %d", len(blob), minEncryptedSessionKeyBlobLen)
	}
	ciphertext := blob[sessionKeyOffset : sessionKeyOffset+sessionKeyCiphertextLen]

	key, err := rsa.DecryptPKCS1v15(rand.Reader, s.priv, ciphertext)
	if err != nil || len(key) != 32 {
		// Fallback: some producers emit the ciphertext byte-reversed.
		reversed := make([]byte, len(ciphertext))
		for i, b := range ciphertext {
			reversed[len(ciphertext)-1-i] = b
		}
		key, err = rsa.DecryptPKCS1v15(rand.Reader, s.priv, reversed)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("keyexchange: failed to decrypt session key (direct and reversed): %w", err)
		}
		s.log.Debug("keyexchange: session key decrypted via byte-reversed ciphertext fallback")
	}

	s.sessionKey = key
	s.pending = false
	s.log.Debug("keyexchange: session key established", "key_check", keyCheckValue(key))
	return nil
}

// SessionKey returns the established 32-byte AES key, or nil if not yet
// established.
func (s *State) SessionKey() []byte {
	if !s.HasSessionKey() {
		return nil
	}
	out := make([]byte, 32)
	copy(out, s.sessionKey)
	return out
}
