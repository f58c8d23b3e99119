package tokenstore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/florianilch/kirodesk/internal/credential"
)

// Sealer encrypts account records at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// aeadSealer seals with XChaCha20-Poly1305 and a random 24 byte nonce prefix.
type aeadSealer struct {
	key []byte
}

// NewSealer creates a Sealer from a base64 (std or url alphabet) encoded 32 byte key.
func NewSealer(encodedKey string) (Sealer, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(encodedKey, "="))
		if err != nil {
			return nil, fmt.Errorf("decoding encryption key: %w", err)
		}
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &aeadSealer{key: key}, nil
}

func (s *aeadSealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *aeadSealer) Open(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed record too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, nil)
}

// encodeAccount marshals the account and seals it when a sealer is configured.
func encodeAccount(account credential.Account, sealer Sealer) ([]byte, error) {
	data, err := json.Marshal(account)
	if err != nil {
		return nil, fmt.Errorf("marshal account: %w", err)
	}
	if sealer == nil {
		return data, nil
	}
	sealed, err := sealer.Seal(data)
	if err != nil {
		return nil, fmt.Errorf("seal account: %w", err)
	}
	return sealed, nil
}

func decodeAccount(data []byte, sealer Sealer) (credential.Account, error) {
	if sealer != nil {
		opened, err := sealer.Open(data)
		if err != nil {
			return credential.Account{}, fmt.Errorf("open sealed account: %w", err)
		}
		data = opened
	}
	var account credential.Account
	if err := json.Unmarshal(data, &account); err != nil {
		return credential.Account{}, fmt.Errorf("unmarshal account: %w", err)
	}
	return account, nil
}

func validateAccount(account credential.Account) error {
	if strings.TrimSpace(account.ID) == "" {
		return errors.New("account id is required")
	}
	if account.Token.AccessToken == "" && account.Token.RefreshToken == "" {
		return fmt.Errorf("account %s has no token", account.ID)
	}
	return nil
}

func sortAccounts(accounts []credential.Account) {
	slices.SortFunc(accounts, func(a, b credential.Account) int {
		return strings.Compare(a.ID, b.ID)
	})
}
