package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

const (
	kekSize = 32
	kekInfo = "secure-image-vault key wrapping v1"
)

var errUnwrap = errors.New("failed to unwrap key")

// deriveKEK expands the deployment secret into a key-encryption key.
func deriveKEK(secret string) ([]byte, error) {
	kek := make([]byte, kekSize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(kekInfo))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("failed to derive KEK: %w", err)
	}
	return kek, nil
}

func newKEKCipher(kek []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// wrapAAD binds a wrapped value to its name and version.
func wrapAAD(name string, version int) []byte {
	return []byte("name:" + name + "|v:" + strconv.Itoa(version))
}

// wrapKey seals value as nonce||ciphertext.
func wrapKey(kek []byte, name string, version int, value []byte) ([]byte, error) {
	gcm, err := newKEKCipher(kek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, value, wrapAAD(name, version)), nil
}

func unwrapKey(kek []byte, name string, version int, wrapped []byte) ([]byte, error) {
	gcm, err := newKEKCipher(kek)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < gcm.NonceSize()+gcm.Overhead() {
		return nil, errUnwrap
	}
	nonce, ct := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	out, err := gcm.Open(nil, nonce, ct, wrapAAD(name, version))
	if err != nil {
		return nil, errUnwrap
	}
	return out, nil
}
