// crypt/encrypted.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Portions derived from skicka, (c) 2016 Google, Inc. (BSD licensed).

package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/mmp/bkstore/repo"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// Storage record properties written by AES.
const (
	// Per-block data key, wrapped with the master key.
	PropKey = "key"
	// Keyed hash of the plaintext.
	PropDigest = "digest"
	// Payload format; see below.
	PropVersion = "v"
	// Prefix for per-recipient wraps of the data key.
	PropSharePrefix = "share:"
)

// Payload formats. Records written before per-block keys were introduced
// have no properties at all; their payload is encrypted directly with
// the master key and isn't compressed. Backfilling such a record gives it
// a digest and a wrapped copy of the master key, marked as version 1.
const (
	formatLegacy  = "1"
	formatCurrent = "2"
)

const ivLength = aes.BlockSize

// AES encrypts each block with AES-256 in CFB mode under a fresh random
// data key. The data key is stored with the block, wrapped (XChaCha20-
// Poly1305) under a key derived from the master key, and additionally
// under each recipient's key so that blocks can be shared.
type AES struct {
	master     []byte
	wrapKey    []byte
	digestKey  []byte
	recipients map[string][]byte
}

// NewAES returns an AES encryptor using the given 32-byte master key.
// recipients maps recipient ids to their 32-byte keys; it may be nil.
func NewAES(master []byte, recipients map[string][]byte) (*AES, error) {
	if len(master) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(master))
	}
	a := &AES{master: master, recipients: make(map[string][]byte)}
	var err error
	if a.wrapKey, err = derive(master, "bkstore-key-wrap"); err != nil {
		return nil, err
	}
	if a.digestKey, err = derive(master, "bkstore-digest"); err != nil {
		return nil, err
	}
	for id, k := range recipients {
		if len(k) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("recipient %s: key must be 32 bytes", id)
		}
		a.recipients[id] = k
	}
	return a, nil
}

func (a *AES) ID() string { return "aes256" }

func derive(master []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return key, nil
}

func (a *AES) EncryptBlock(plaintext []byte) ([]byte, map[string]string, error) {
	key, err := getRandomBytes(32)
	if err != nil {
		return nil, nil, err
	}
	// Generate a new random initialization vector and encrypt the data.
	iv, err := getRandomBytes(ivLength)
	if err != nil {
		return nil, nil, err
	}
	enc, err := encryptBytes(key, iv, compress(plaintext))
	if err != nil {
		return nil, nil, err
	}

	props := map[string]string{
		PropVersion: formatCurrent,
		PropDigest:  a.digest(plaintext),
	}
	if err := a.wrapAll(props, key); err != nil {
		return nil, nil, err
	}
	// In the data that's stored, first write out the IV, then the
	// encrypted data.
	return append(iv, enc...), props, nil
}

func (a *AES) DecodeBlock(s repo.Storage, data []byte) ([]byte, error) {
	key, format, err := a.dataKey(s)
	if err != nil {
		return nil, err
	}
	if len(data) < ivLength {
		return nil, fmt.Errorf("%d bytes: %w", len(data), ErrCorrupt)
	}
	dec, err := decryptBytes(key, data[:ivLength], data[ivLength:])
	if err != nil {
		return nil, err
	}
	plain := dec
	if format == formatCurrent {
		if plain, err = decompress(dec); err != nil {
			return nil, err
		}
	}
	if d, ok := s.Properties[PropDigest]; ok && !hmac.Equal([]byte(d), []byte(a.digest(plain))) {
		return nil, fmt.Errorf("digest mismatch: %w", ErrCorrupt)
	}
	return plain, nil
}

func (a *AES) ValidStorage(s repo.Storage) bool {
	if len(s.Properties) == 0 {
		// Legacy record.
		return true
	}
	if _, _, err := a.dataKey(s); err != nil {
		return false
	}
	for k, v := range s.Properties {
		switch {
		case k == PropKey || k == PropVersion:
		case k == PropDigest:
			if b, err := hex.DecodeString(v); err != nil || len(b) != sha3.New256().Size() {
				return false
			}
		case strings.HasPrefix(k, PropSharePrefix):
			if _, err := hex.DecodeString(v); err != nil {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (a *AES) NeedsBackfill(s repo.Storage) bool {
	if s.Properties[PropKey] == "" || s.Properties[PropDigest] == "" {
		return true
	}
	for id := range a.recipients {
		if _, ok := s.Properties[PropSharePrefix+id]; !ok {
			return true
		}
	}
	return false
}

func (a *AES) BackfillEncryption(s repo.Storage, plaintext []byte) (repo.Storage, error) {
	key, format, err := a.dataKey(s)
	if err != nil {
		return s, err
	}
	s = s.Clone()
	if s.Properties == nil {
		s.Properties = make(map[string]string)
	}
	s.Properties[PropVersion] = format
	s.Properties[PropDigest] = a.digest(plaintext)
	if err := a.wrapAll(s.Properties, key); err != nil {
		return s, err
	}
	return s, nil
}

// Recipients returns the ids of the recipients blocks are shared with.
func (a *AES) Recipients() []string {
	var ids []string
	for id := range a.recipients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// dataKey returns the key that s's payload is encrypted with and the
// payload format.
func (a *AES) dataKey(s repo.Storage) ([]byte, string, error) {
	wrapped, ok := s.Properties[PropKey]
	if !ok {
		if len(s.Properties) != 0 {
			return nil, "", fmt.Errorf("properties without a key: %w", ErrCorrupt)
		}
		return a.master, formatLegacy, nil
	}
	format := s.Properties[PropVersion]
	if format != formatLegacy && format != formatCurrent {
		return nil, "", fmt.Errorf("payload format %q: %w", format, ErrCorrupt)
	}
	key, err := unwrap(a.wrapKey, wrapped)
	if err != nil {
		return nil, "", err
	}
	return key, format, nil
}

func (a *AES) digest(plaintext []byte) string {
	m := hmac.New(sha3.New256, a.digestKey)
	m.Write(plaintext)
	return hex.EncodeToString(m.Sum(nil))
}

// wrapAll stores wraps of the data key for the master key and for every
// recipient that doesn't already have one.
func (a *AES) wrapAll(props map[string]string, key []byte) error {
	if _, ok := props[PropKey]; !ok {
		w, err := wrap(a.wrapKey, key)
		if err != nil {
			return err
		}
		props[PropKey] = w
	}
	for id, rk := range a.recipients {
		if _, ok := props[PropSharePrefix+id]; ok {
			continue
		}
		w, err := wrap(rk, key)
		if err != nil {
			return err
		}
		props[PropSharePrefix+id] = w
	}
	return nil
}

// UnwrapShare recovers a block's data key using a recipient's key.
func UnwrapShare(s repo.Storage, recipient string, key []byte) ([]byte, error) {
	w, ok := s.Properties[PropSharePrefix+recipient]
	if !ok {
		return nil, fmt.Errorf("not shared with %s", recipient)
	}
	return unwrap(key, w)
}

///////////////////////////////////////////////////////////////////////////
// Key wrapping

var wrapAD = []byte("bkstore-block-key")

func wrap(kek, key []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return "", err
	}
	nonce, err := getRandomBytes(aead.NonceSize())
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(aead.Seal(nonce, nonce, key, wrapAD)), nil
}

func unwrap(kek []byte, wrapped string) ([]byte, error) {
	b, err := hex.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("wrapped key: %s: %w", err, ErrCorrupt)
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	if len(b) < aead.NonceSize() {
		return nil, fmt.Errorf("wrapped key too short: %w", ErrCorrupt)
	}
	key, err := aead.Open(nil, b[:aead.NonceSize()], b[aead.NonceSize():], wrapAD)
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %s: %w", err, ErrCorrupt)
	}
	return key, nil
}

///////////////////////////////////////////////////////////////////////////

// Encrypt the given plaintext using the given encryption key 'key' and
// initialization vector 'iv'. The initialization vector should be 16 bytes
// (the AES block-size), and should be randomly generated and unique for
// each chunk of data that's encrypted.
func encryptBytes(key []byte, iv []byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(out, plaintext)
	return out, nil
}

// Decrypt the given cyphertext using the given encryption key and
// initialization vector 'iv'.
func decryptBytes(key []byte, iv []byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(out, ciphertext)
	return out, nil
}

// encryptLegacy produces a payload in the format used before per-block
// keys: the IV followed by the plaintext encrypted with the master key.
func (a *AES) encryptLegacy(plaintext []byte) ([]byte, error) {
	iv, err := getRandomBytes(ivLength)
	if err != nil {
		return nil, err
	}
	enc, err := encryptBytes(a.master, iv, plaintext)
	if err != nil {
		return nil, err
	}
	return append(iv, enc...), nil
}

// Return the given number of bytes of random values, using a
// cryptographically-strong random number source.
func getRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}
