package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"
)

// SaltSize is the fixed length of both the in-memory salt and its on-disk
// form.
const SaltSize = 16

// IVSize is the fixed length of the per-slot encryption IV.
const IVSize = 16

// CipherManager owns the store's two secrets: the in-memory salt used to
// derive digested keys and per-entry encryption keys, and its on-disk form
// (optionally wrapped with a master key). Grounded on the teacher's
// getDigestedKey/encryptEntry/decryptEntry on SaltedHashFreenetStore,
// generalized to support an optional master key per spec.md §4.2.
type CipherManager struct {
	salt      []byte // plaintext, 16 bytes
	diskSalt  []byte // persisted form, 16 bytes
	masterKey []byte // optional, 32 bytes (AES-256)
}

// NewCipherManagerFresh generates a new random salt and derives its on-disk
// form. Used when constructing a brand new store.
func NewCipherManagerFresh(rng io.Reader, masterKey []byte) (*CipherManager, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rng, salt); err != nil {
		return nil, fmt.Errorf("saltstore: generating salt: %w", err)
	}
	return newCipherManager(salt, masterKey, false)
}

// NewCipherManagerFromDiskSalt reconstructs a CipherManager from the
// on-disk salt read out of a Configuration record.
func NewCipherManagerFromDiskSalt(diskSalt, masterKey []byte) (*CipherManager, error) {
	return newCipherManager(diskSalt, masterKey, true)
}

func newCipherManager(salt, masterKey []byte, saltIsDiskForm bool) (*CipherManager, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("saltstore: salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	if masterKey != nil && len(masterKey) != 32 {
		return nil, fmt.Errorf("saltstore: master key must be 32 bytes, got %d", len(masterKey))
	}

	cm := &CipherManager{masterKey: masterKey}

	if masterKey == nil {
		cm.salt = append([]byte(nil), salt...)
		cm.diskSalt = cm.salt
		return cm, nil
	}

	if saltIsDiskForm {
		plain, err := aesDecryptBlock(masterKey, salt)
		if err != nil {
			return nil, fmt.Errorf("saltstore: unwrapping disk salt: %w", err)
		}
		cm.salt = plain
		cm.diskSalt = append([]byte(nil), salt...)
		return cm, nil
	}

	wrapped, err := aesEncryptBlock(masterKey, salt)
	if err != nil {
		return nil, fmt.Errorf("saltstore: wrapping disk salt: %w", err)
	}
	cm.salt = append([]byte(nil), salt...)
	cm.diskSalt = wrapped
	return cm, nil
}

// DiskSalt returns the persisted (possibly master-key-wrapped) salt bytes.
func (cm *CipherManager) DiskSalt() []byte { return cm.diskSalt }

// DigestedKey computes SHA-256(salt || routingKey), the value stored on
// disk in place of the plaintext routing key.
func (cm *CipherManager) DigestedKey(routingKey []byte) []byte {
	h := sha256.New()
	h.Write(cm.salt)
	h.Write(routingKey)
	return h.Sum(nil)
}

// deriveEntryKey computes the per-entry AES-256 key from (routingKey, salt).
// The operand order is swapped relative to DigestedKey so that knowledge of
// the digested key alone (without the routing key) cannot be used to derive
// the encryption key, matching the teacher's encryptEntry/getDigestedKey
// byte ordering.
func (cm *CipherManager) deriveEntryKey(routingKey []byte) []byte {
	h := sha256.New()
	h.Write(routingKey)
	h.Write(cm.salt)
	return h.Sum(nil)
}

// Encrypt XORs header||data in place with an AES-CTR stream keyed from
// (routingKey, salt), generating a fresh random IV. It is a no-op if the
// entry is already marked encrypted.
func (cm *CipherManager) Encrypt(entry *Entry, routingKey []byte, rng io.Reader) error {
	if entry.encrypted {
		return nil
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rng, iv); err != nil {
		return fmt.Errorf("saltstore: generating IV: %w", err)
	}

	block, err := aes.NewCipher(cm.deriveEntryKey(routingKey))
	if err != nil {
		return fmt.Errorf("saltstore: building cipher: %w", err)
	}
	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(entry.Header, entry.Header)
	stream.XORKeyStream(entry.Data, entry.Data)

	entry.IV = iv
	entry.encrypted = true
	return nil
}

// Decrypt reverses Encrypt in place, given the routing key and the entry's
// stored IV. AES-CTR decryption is the identical XOR operation as
// encryption, so there is only one keystream routine between the two.
func (cm *CipherManager) Decrypt(entry *Entry, routingKey []byte) error {
	if len(entry.IV) != IVSize {
		return fmt.Errorf("saltstore: entry has no IV to decrypt with")
	}
	block, err := aes.NewCipher(cm.deriveEntryKey(routingKey))
	if err != nil {
		return fmt.Errorf("saltstore: building cipher: %w", err)
	}
	stream := cipher.NewCTR(block, entry.IV)
	stream.XORKeyStream(entry.Header, entry.Header)
	stream.XORKeyStream(entry.Data, entry.Data)
	entry.encrypted = false
	return nil
}

func aesEncryptBlock(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(plaintext) != block.BlockSize() {
		return nil, fmt.Errorf("saltstore: salt length %d does not match AES block size %d", len(plaintext), block.BlockSize())
	}
	out := make([]byte, len(plaintext))
	block.Encrypt(out, plaintext)
	return out, nil
}

func aesDecryptBlock(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) != block.BlockSize() {
		return nil, fmt.Errorf("saltstore: salt length %d does not match AES block size %d", len(ciphertext), block.BlockSize())
	}
	out := make([]byte, len(ciphertext))
	block.Decrypt(out, ciphertext)
	return out, nil
}
