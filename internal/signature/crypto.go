package signature

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Fixed scrypt salt: the derived key's secrecy comes entirely from the
// signing key, the KDF only stretches it into AES key material.
var scryptSalt = []byte("liveframe-state-kdf")

const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	derivedBytes = 32 // AES-256
)

// gzipCompress compresses and base64-encodes a serialized payload.
func gzipCompress(data []byte, level int) (string, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return "", fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("gzip close: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// gzipDecompress reverses gzipCompress.
func gzipDecompress(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}

// deriveKey stretches a signing key into AES-256 key material via scrypt.
func deriveKey(signingKey []byte) ([]byte, error) {
	return scrypt.Key(signingKey, scryptSalt, scryptN, scryptR, scryptP, derivedBytes)
}

// encrypt applies AES-256-GCM and returns "iv:ciphertext" in hex.
func encrypt(plaintext, signingKey []byte) (string, error) {
	key, err := deriveKey(signingKey)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	ct := gcm.Seal(nil, iv, plaintext, nil)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// decrypt reverses encrypt using the key that signed the envelope.
func decrypt(payload string, signingKey []byte) ([]byte, error) {
	parts := strings.SplitN(payload, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed encrypted payload")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	key, err := deriveKey(signingKey)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("bad iv length %d", len(iv))
	}
	pt, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return pt, nil
}
