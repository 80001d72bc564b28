// Package sshkeys generates, seals and materializes the SSH keypairs
// organizations use to authenticate against both their source
// repositories and their builder fleet. Grounded on
// original_source/backend/core/src/sources.rs
// (generate_ssh_key/write_ssh_key/clear_ssh_key/decrypt_ssh_private_key).
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/ssh"

	"github.com/google/uuid"
)

// secretSize is the size nacl/secretbox requires for its key.
const secretSize = 32

// nonceSize is the size nacl/secretbox requires for its nonce.
const nonceSize = 24

// Generate creates a new Ed25519 keypair, returning the OpenSSH
// public key line and the PEM-encoded private key ready for sealing.
func Generate() (privateKeyPEM []byte, publicKeyLine string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate ed25519 keypair: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, "", fmt.Errorf("marshal private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, "", fmt.Errorf("derive public key: %w", err)
	}

	return pem.EncodeToMemory(block), string(ssh.MarshalAuthorizedKey(sshPub)), nil
}

// Seal encrypts privateKeyPEM with the process secret using
// nacl/secretbox, returning a base64 string safe to persist as the
// Organization.PrivateKey column.
func Seal(secret [secretSize]byte, privateKeyPEM []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], privateKeyPEM, &nonce, &secret)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func Open(secret [secretSize]byte, sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed key: %w", err)
	}

	if len(raw) < nonceSize {
		return nil, fmt.Errorf("sealed key too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	opened, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &secret)
	if !ok {
		return nil, fmt.Errorf("failed to decrypt private key")
	}

	return opened, nil
}

// LoadSecret reads and base64-decodes the process-wide encryption
// secret from the path named by CRYPT_SECRET_FILE (spec §6).
func LoadSecret(path string) ([secretSize]byte, error) {
	var out [secretSize]byte

	raw, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("read secret file: %w", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(trimTrailingNewline(string(raw)))
	if err != nil {
		return out, fmt.Errorf("decode secret file: %w", err)
	}

	if len(decoded) != secretSize {
		return out, fmt.Errorf("secret must decode to %d bytes, got %d", secretSize, len(decoded))
	}

	copy(out[:], decoded)

	return out, nil
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}

	return s
}

// WriteTemp materializes a decrypted private key to a 0600 temp file
// under dir and returns its path, for the single subprocess
// invocation that needs it on disk (git over SSH, or an `ssh`
// ProxyCommand). Callers must call Clear on all exit paths.
func WriteTemp(dir string, privateKeyPEM []byte) (string, error) {
	path := fmt.Sprintf("%s/loaded_credentials_%s.key", dir, uuid.NewString())

	if err := os.WriteFile(path, privateKeyPEM, 0o600); err != nil {
		return "", fmt.Errorf("write temp key: %w", err)
	}

	return path, nil
}

// Clear securely removes a temp key written by WriteTemp: it overwrites
// the file's contents with zeros in place before unlinking it.
func Clear(path string) error {
	if f, err := os.OpenFile(path, os.O_WRONLY, 0); err == nil {
		if info, statErr := f.Stat(); statErr == nil {
			_, _ = f.Write(make([]byte, info.Size()))
			_ = f.Sync()
		}

		f.Close()
	}

	return os.Remove(path)
}

// IdentityString returns the "<algorithm public-key> <organization-id>"
// label used as a deploy-key identity (original sources.rs format_public_key).
func IdentityString(publicKeyLine string, organizationID uuid.UUID) string {
	return publicKeyLine + " " + organizationID.String()
}
