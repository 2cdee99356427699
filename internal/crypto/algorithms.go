package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AlgorithmAES256GCM is the default AES-256-GCM algorithm.
	AlgorithmAES256GCM = "AES256-GCM"
	// AlgorithmXChaCha20Poly1305 is the XChaCha20-Poly1305 algorithm.
	AlgorithmXChaCha20Poly1305 = "XChaCha20-Poly1305"

	// KeySize is the size of every content key (256 bits).
	KeySize = 32
	// NonceSize is the size of the random per-payload nonce (128 bits).
	NonceSize = 16
)

// AlgorithmConfig holds configuration for encryption algorithms.
type AlgorithmConfig struct {
	// PreferredAlgorithm is the algorithm to use for new encryptions.
	PreferredAlgorithm string

	// SupportedAlgorithms is a list of algorithms that can be used for decryption.
	SupportedAlgorithms []string
}

// DefaultAlgorithmConfig returns the default algorithm configuration.
func DefaultAlgorithmConfig() AlgorithmConfig {
	return AlgorithmConfig{
		PreferredAlgorithm: AlgorithmAES256GCM,
		SupportedAlgorithms: []string{
			AlgorithmAES256GCM,
			AlgorithmXChaCha20Poly1305,
		},
	}
}

// AEADCipher is an interface that wraps cipher.AEAD with algorithm name.
type AEADCipher interface {
	cipher.AEAD
	Algorithm() string
}

type aesGCMCipher struct {
	cipher.AEAD
}

func (c *aesGCMCipher) Algorithm() string {
	return AlgorithmAES256GCM
}

type xchachaCipher struct {
	cipher.AEAD
}

func (c *xchachaCipher) Algorithm() string {
	return AlgorithmXChaCha20Poly1305
}

// createAEADCipher creates an AEAD cipher for the given algorithm and key.
func createAEADCipher(algorithm string, key []byte) (AEADCipher, error) {
	switch algorithm {
	case AlgorithmAES256GCM:
		return createAESGCMCipher(key)
	case AlgorithmXChaCha20Poly1305:
		return createXChaChaCipher(key)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}

// createAESGCMCipher creates an AES-GCM cipher that accepts the 16-byte payload nonce directly.
func createAESGCMCipher(key []byte) (AEADCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size for AES-256: expected %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aesGCMCipher{AEAD: gcm}, nil
}

func createXChaChaCipher(key []byte) (AEADCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid key size for XChaCha20: expected %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305 cipher: %w", err)
	}

	return &xchachaCipher{AEAD: aead}, nil
}

// cipherNonce expands the 16-byte payload nonce to the size the algorithm expects.
// XChaCha20 takes 24 bytes: the nonce followed by the first 8 bytes of its SHA-256.
func cipherNonce(algorithm string, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce size: expected %d bytes, got %d", NonceSize, len(nonce))
	}

	switch algorithm {
	case AlgorithmAES256GCM:
		return nonce, nil
	case AlgorithmXChaCha20Poly1305:
		sum := sha256.Sum256(nonce)
		out := make([]byte, 0, chacha20poly1305.NonceSizeX)
		out = append(out, nonce...)
		return append(out, sum[:chacha20poly1305.NonceSizeX-NonceSize]...), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}

// isAlgorithmSupported checks if an algorithm is supported.
func isAlgorithmSupported(algorithm string, supported []string) bool {
	if len(supported) == 0 {
		return algorithm == AlgorithmAES256GCM || algorithm == AlgorithmXChaCha20Poly1305
	}

	for _, alg := range supported {
		if alg == algorithm {
			return true
		}
	}
	return false
}
