// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Text encryption helpers shared by Model implementations. The wire
// format is base64(iv || ciphertext); the AES key is derived from the
// per-user secret so two users never share a key stream.

const cryptIterations = 4096

func deriveKey(secret string) []byte {
	// The salt only has to differ between installs sharing a secret;
	// a fixed application salt keeps the scheme deterministic.
	return pbkdf2.Key([]byte(secret), []byte("twister-text-crypt"), cryptIterations, 32, sha256.New)
}

// EncryptText encrypts with AES-CTR under a key derived from secret.
func EncryptText(secret, text string) (string, error) {
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return "", err
	}
	out := make([]byte, aes.BlockSize+len(text))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	cipher.NewCTR(block, iv).XORKeyStream(out[aes.BlockSize:], []byte(text))
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptText reverses EncryptText.
func DecryptText(secret, text string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return "", fmt.Errorf("malformed encrypted text: %s", err)
	}
	if len(raw) < aes.BlockSize {
		return "", fmt.Errorf("malformed encrypted text: too short")
	}
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return "", err
	}
	plain := make([]byte, len(raw)-aes.BlockSize)
	cipher.NewCTR(block, raw[:aes.BlockSize]).XORKeyStream(plain, raw[aes.BlockSize:])
	return string(plain), nil
}
