package carelog

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SealNonceSize is the nonce size for AES-GCM
	SealNonceSize = 12
	// SealSaltSize is the salt size for key derivation
	SealSaltSize = 32
	// SealKeySize is the AES-256 key size
	SealKeySize = 32
	// PBKDF2Iterations is the number of iterations for key derivation
	PBKDF2Iterations = 100000
)

// SealedHeaderSize is the size of the header prepended to every sealed blob.
const SealedHeaderSize = 4 + 1 + 1 + SealSaltSize

// MagicSealed is the magic bytes marking a sealed payload blob.
var MagicSealed = [4]byte{'C', 'L', 'G', 'S'}

const (
	sealedVersion = 1

	sealModeKey     = 0 // raw 32-byte key, no derivation
	sealModeDerived = 1 // key derived from the secret and the header salt
)

// SealConfig configures PHI payload sealing.
type SealConfig struct {
	// Key is the sealing key (must be 32 bytes for AES-256).
	// If empty, Secret is used to derive a key.
	Key []byte

	// Secret is the user secret used to derive the sealing key via PBKDF2
	// with a random salt. The salt travels in each sealed blob's header, so
	// any replica holding the same secret can open blobs sealed elsewhere.
	Secret string

	// Salt is the local key-derivation salt. Leave empty on first open; a
	// fresh random salt is generated and persisted alongside the replica.
	Salt []byte
}

// PayloadSealer seals and opens PHI payload blocks with an authenticated
// symmetric cipher (AES-256-GCM). Every sealed blob carries a header with
// the derivation salt used for its key, so records synced from peers that
// sealed under a different salt still open as long as the secret matches.
type PayloadSealer struct {
	gcm    cipher.AEAD
	mode   byte
	salt   []byte
	secret string

	mu      sync.Mutex
	derived map[string]cipher.AEAD // AEADs for peer salts, keyed by raw salt
}

// NewPayloadSealer creates a sealer from a key or a user secret.
func NewPayloadSealer(cfg SealConfig) (*PayloadSealer, error) {
	var key []byte
	var salt []byte
	mode := byte(sealModeKey)

	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != SealKeySize {
			return nil, errors.New("sealing key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	case cfg.Secret != "":
		mode = sealModeDerived
		salt = cfg.Salt
		if len(salt) == 0 {
			salt = make([]byte, SealSaltSize)
			if _, err := rand.Read(salt); err != nil {
				return nil, err
			}
		} else if len(salt) != SealSaltSize {
			return nil, errors.New("invalid salt size")
		}
		key = pbkdf2.Key([]byte(cfg.Secret), salt, PBKDF2Iterations, SealKeySize, sha256.New)
	default:
		return nil, errors.New("sealing enabled but no key or secret provided")
	}

	gcm, err := newSealAEAD(key)
	if err != nil {
		return nil, err
	}

	return &PayloadSealer{
		gcm:     gcm,
		mode:    mode,
		salt:    salt,
		secret:  cfg.Secret,
		derived: make(map[string]cipher.AEAD),
	}, nil
}

func newSealAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Salt returns the salt used for key derivation, nil when a raw key was used.
func (s *PayloadSealer) Salt() []byte {
	return s.salt
}

// Seal encrypts plaintext and returns a blob laid out as
// header || nonce || ciphertext. Nonces must never repeat, so one is drawn
// fresh per call; the header records the derivation salt for the receiver.
func (s *PayloadSealer) Seal(plaintext []byte) ([]byte, error) {
	header := make([]byte, SealedHeaderSize, SealedHeaderSize+SealNonceSize+len(plaintext)+s.gcm.Overhead())
	copy(header[0:4], MagicSealed[:])
	header[4] = sealedVersion
	header[5] = s.mode
	copy(header[6:], s.salt) // zero in raw-key mode

	nonce := make([]byte, SealNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	blob := append(header, nonce...)
	return s.gcm.Seal(blob, nonce, plaintext, nil), nil
}

// Open decrypts a sealed blob and returns plaintext. The key is taken from
// the blob's header salt, re-derived (and cached) when a peer sealed it
// under a different salt. A wrong key or secret, corrupted ciphertext, or
// authentication-tag mismatch all surface as ErrDecryptionFailure;
// corrupted plaintext is never returned.
func (s *PayloadSealer) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < SealedHeaderSize+SealNonceSize {
		return nil, newStoreError(StoreErrorTypeDecryption, "sealed blob too short", "", nil)
	}
	if !bytes.Equal(ciphertext[0:4], MagicSealed[:]) {
		return nil, newStoreError(StoreErrorTypeDecryption, "invalid sealed blob magic", "", nil)
	}
	if ciphertext[4] != sealedVersion {
		return nil, newStoreError(StoreErrorTypeDecryption, "unsupported sealed blob version", "", nil)
	}
	mode := ciphertext[5]
	salt := ciphertext[6:SealedHeaderSize]

	gcm, err := s.aeadFor(mode, salt)
	if err != nil {
		return nil, err
	}

	nonce := ciphertext[SealedHeaderSize : SealedHeaderSize+SealNonceSize]
	plaintext, err := gcm.Open(nil, nonce, ciphertext[SealedHeaderSize+SealNonceSize:], nil)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeDecryption, "authenticated decryption failed", "", err)
	}
	return plaintext, nil
}

// aeadFor picks the AEAD matching a blob header. Raw-key blobs and blobs
// sealed under the local salt use the resident key; foreign derived salts
// get a PBKDF2 re-derivation, cached per salt since sync delivers many
// blobs from the same peer.
func (s *PayloadSealer) aeadFor(mode byte, salt []byte) (cipher.AEAD, error) {
	if mode != sealModeDerived || s.mode != sealModeDerived || bytes.Equal(salt, s.salt) {
		return s.gcm, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gcm, ok := s.derived[string(salt)]; ok {
		return gcm, nil
	}
	key := pbkdf2.Key([]byte(s.secret), salt, PBKDF2Iterations, SealKeySize, sha256.New)
	gcm, err := newSealAEAD(key)
	if err != nil {
		return nil, err
	}
	s.derived[string(salt)] = gcm
	return gcm, nil
}
