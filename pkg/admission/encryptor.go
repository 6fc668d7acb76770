package admission

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// Encryptor protects the persisted admission window.
type Encryptor interface {
	Encrypt(plain []byte) (string, error)
	Decrypt(encrypted string) ([]byte, error)
}

// AESEncryptor seals data with AES-GCM and prefixes the random nonce.
type AESEncryptor struct {
	aead cipher.AEAD
}

var _ Encryptor = &AESEncryptor{}

func NewAESEncryptor(key []byte) (*AESEncryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

func NewAESEncryptorFromHex(key string) (*AESEncryptor, error) {
	if key == "" {
		return nil, errors.New("encryption key is empty")
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not hex encoded: %w", err)
	}
	return NewAESEncryptor(raw)
}

func (e *AESEncryptor) Encrypt(plain []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *AESEncryptor) Decrypt(encrypted string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	if len(sealed) < e.aead.NonceSize() {
		return nil, errors.New("ciphertext is too short")
	}
	nonce, data := sealed[:e.aead.NonceSize()], sealed[e.aead.NonceSize():]
	plain, err := e.aead.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plain, nil
}
