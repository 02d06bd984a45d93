package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"

	"github.com/ipfs-force-community/sophon-keeper/types"
)

// Sealed is the at-rest envelope for any secret material: scrypt-derived
// key, AES-256-GCM payload. The same construction protects the whole store
// file and the per-keyring ciphertexts.
type Sealed struct {
	KDF        string `json:"kdf"`
	Salt       []byte `json:"salt"`
	N          int    `json:"n"`
	R          int    `json:"r"`
	P          int    `json:"p"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

const (
	kdfScrypt = "scrypt"

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Seal encrypts plaintext under a passphrase-derived key.
func Seal(passphrase string, plaintext []byte) (*Sealed, error) {
	return seal(passphrase, plaintext)
}

func seal(passphrase string, plaintext []byte) (*Sealed, error) {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(err, "read salt")
	}

	aead, err := newAEAD(passphrase, salt, scryptN, scryptR, scryptP)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "read nonce")
	}

	return &Sealed{
		KDF:        kdfScrypt,
		Salt:       salt,
		N:          scryptN,
		R:          scryptR,
		P:          scryptP,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// OpenSealed decrypts a sealed envelope. A wrong passphrase surfaces as
// types.ErrDecryptionFailed, never as a raw cipher error.
func OpenSealed(passphrase string, sealed *Sealed) ([]byte, error) {
	return openSealed(passphrase, sealed)
}

func openSealed(passphrase string, sealed *Sealed) ([]byte, error) {
	if sealed.KDF != kdfScrypt {
		return nil, errors.Errorf("unknown kdf %q", sealed.KDF)
	}
	aead, err := newAEAD(passphrase, sealed.Salt, sealed.N, sealed.R, sealed.P)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, types.ErrDecryptionFailed
	}
	return plain, nil
}

func newAEAD(passphrase string, salt []byte, n, r, p int) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, n, r, p, 32)
	if err != nil {
		return nil, errors.Wrap(err, "derive key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "new cipher")
	}
	return cipher.NewGCM(block)
}

// parseSealed reports whether raw is a sealed envelope rather than a plain
// document.
func parseSealed(raw []byte) (*Sealed, bool) {
	var sealed Sealed
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return nil, false
	}
	if sealed.KDF == "" || len(sealed.Ciphertext) == 0 {
		return nil, false
	}
	return &sealed, true
}
