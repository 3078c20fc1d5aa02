// Package webhook decodes the bank's encrypted status callbacks.
//
// The encrypted body is base64 of IV || AES-CBC(PKCS#7(plaintext)). The
// plaintext is a pipe-delimited record of exactly FieldCount positional
// fields whose last field is the checksum.
package webhook

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/vpagate/vpagate/internal/domain"
)

// Decrypt reverses Encrypt with the merchant's shared key. Bad base64 is a
// format error; anything that fails at the cipher layer is an integrity
// error and the payload must not be trusted.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64: %v", domain.ErrFormat, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIntegrity, err)
	}

	bs := block.BlockSize()
	if len(raw) < 2*bs || len(raw)%bs != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a whole number of blocks", domain.ErrIntegrity, len(raw))
	}

	iv, body := raw[:bs], raw[bs:]
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	plain, err = pkcs7Unpad(plain, bs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIntegrity, err)
	}
	return plain, nil
}

// Encrypt produces the wire form the bank sends. It is used by the
// simulator and by tests.
func Encrypt(plaintext, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	bs := block.BlockSize()
	padded := pkcs7Pad(plaintext, bs)

	out := make([]byte, bs+len(padded))
	if _, err := io.ReadFull(rand.Reader, out[:bs]); err != nil {
		return "", fmt.Errorf("read iv: %w", err)
	}
	cipher.NewCBCEncrypter(block, out[:bs]).CryptBlocks(out[bs:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func pkcs7Pad(b []byte, bs int) []byte {
	n := bs - len(b)%bs
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, bs int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > bs || n > len(b) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
