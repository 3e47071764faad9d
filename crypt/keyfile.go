// crypt/keyfile.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package crypt

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

var ErrBadPassphrase = errors.New("incorrect passphrase")

// Number of PBKDF2 rounds used to derive a key from a passphrase.
const pbkdf2Rounds = 65536

type encryptedKey struct {
	salt           []byte
	passphraseHash []byte
	encryptedKey   []byte
	encryptedKeyIV []byte
}

// LoadKeyFile returns the master key stored at path, decrypting it with
// the given passphrase. If the file doesn't exist, a new random key is
// generated and stored there, encrypted with the passphrase.
func LoadKeyFile(path, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("no passphrase provided")
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		key, ec, err := generateKey(passphrase)
		if err != nil {
			return nil, err
		}
		// Store them hex-encoded.
		enc := fmt.Sprintf("%s\n", hex.EncodeToString(ec.salt))
		enc += fmt.Sprintf("%s\n", hex.EncodeToString(ec.passphraseHash))
		enc += fmt.Sprintf("%s\n", hex.EncodeToString(ec.encryptedKey))
		enc += fmt.Sprintf("%s\n", hex.EncodeToString(ec.encryptedKeyIV))
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(enc), 0600); err != nil {
			return nil, err
		}
		return key, nil
	} else if err != nil {
		return nil, err
	}
	return getEncryptionKey(string(b), passphrase)
}

// Create a new encryption key and encrypt it using the user-provided
// passphrase.
func generateKey(passphrase string) ([]byte, encryptedKey, error) {
	// Derive a 64-byte hash from the passphrase using PBKDF2 with 65536
	// rounds of SHA256.
	salt, err := getRandomBytes(32)
	if err != nil {
		return nil, encryptedKey{}, err
	}
	hash := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Rounds, 64, sha256.New)

	// We'll store the first 32 bytes of the hash to use to confirm the
	// correct passphrase is given on subsequent runs.
	passHash := hash[:32]
	// And we'll use the remaining 32 bytes as a key to encrypt the actual
	// encryption key. (These bytes are *not* stored).
	keyEncryptKey := hash[32:]

	// Generate a random encryption key and encrypt it using the key
	// derived from the passphrase.
	key, err := getRandomBytes(32)
	if err != nil {
		return nil, encryptedKey{}, err
	}
	iv, err := getRandomBytes(ivLength)
	if err != nil {
		return nil, encryptedKey{}, err
	}
	ek, err := encryptBytes(keyEncryptKey, iv, key)
	if err != nil {
		return nil, encryptedKey{}, err
	}

	return key, encryptedKey{
		salt:           salt,
		passphraseHash: passHash,
		encryptedKey:   ek,
		encryptedKeyIV: iv,
	}, nil
}

func getEncryptionKey(enc string, passphrase string) ([]byte, error) {
	// Parse the various values from the key file text.
	var saltHex, passphraseHashHex, encKeyHex, encryptedKeyIVHex string
	n, err := fmt.Sscanf(enc, "%s\n%s\n%s\n%s", &saltHex, &passphraseHashHex,
		&encKeyHex, &encryptedKeyIVHex)
	if err != nil {
		return nil, fmt.Errorf("key file: %w", err)
	}
	if n != 4 {
		return nil, fmt.Errorf("key file: expected 4 values, got %d", n)
	}

	var vals [4][]byte
	for i, h := range []string{saltHex, passphraseHashHex, encKeyHex, encryptedKeyIVHex} {
		if vals[i], err = hex.DecodeString(h); err != nil {
			return nil, fmt.Errorf("key file: %w", err)
		}
	}
	salt, passphraseHash, encryptedKey, encryptedKeyIV := vals[0], vals[1], vals[2], vals[3]

	// Run the salted passphrase through PBKDF2 to (slowly) generate a
	// 64-byte derived key.
	derivedKey := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Rounds, 64, sha256.New)

	// Make sure the first 32 bytes of the derived key match the bytes stored
	// when we first generated the key; if they don't, the user gave us
	// the wrong passphrase.
	if !bytes.Equal(derivedKey[:32], passphraseHash) {
		return nil, ErrBadPassphrase
	}
	if len(encryptedKeyIV) != ivLength {
		return nil, fmt.Errorf("key file: bad IV length %d", len(encryptedKeyIV))
	}

	// Use the last 32 bytes of the derived key to decrypt the actual
	// encryption key.
	return decryptBytes(derivedKey[32:], encryptedKeyIV, encryptedKey)
}
