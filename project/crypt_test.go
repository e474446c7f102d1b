// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	for _, text := range []string{"secret", "", "multi\nline\ntext", strings.Repeat("x", 4096)} {
		enc, err := EncryptText("alice-key", text)
		if err != nil {
			t.Fatal(err)
		}
		dec, err := DecryptText("alice-key", enc)
		if err != nil {
			t.Fatal(err)
		}
		if dec != text {
			t.Errorf("round trip lost %q -> %q", text, dec)
		}
	}
}

func TestEncryptDistinctPerUser(t *testing.T) {
	enc, err := EncryptText("alice-key", "shared plaintext")
	if err != nil {
		t.Fatal(err)
	}
	dec, err := DecryptText("bob-key", enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec == "shared plaintext" {
		t.Error("a different secret decrypted the text")
	}
}

func TestDecryptMalformed(t *testing.T) {
	if _, err := DecryptText("k", "not base64 !!!"); err == nil {
		t.Error("malformed base64 accepted")
	}
	if _, err := DecryptText("k", "c2hvcnQ="); err == nil {
		t.Error("short ciphertext accepted")
	}
}
