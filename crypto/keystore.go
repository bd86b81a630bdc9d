package crypto

import (
	"errors"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/google/uuid"
)

// Scrypt cost parameters for encrypting key material at rest. Tests pass the
// light parameters to keep key derivation fast.
const (
	StandardScryptN = keystore.StandardScryptN
	StandardScryptP = keystore.StandardScryptP
	LightScryptN    = keystore.LightScryptN
	LightScryptP    = keystore.LightScryptP
)

// EncryptKey serialises the private key into an encrypted Ethereum v3
// keystore blob suitable for storage in the database.
func EncryptKey(key *PrivateKey, passphrase string, scryptN, scryptP int) ([]byte, error) {
	if key == nil {
		return nil, errors.New("crypto: nil private key")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	ksKey := &keystore.Key{
		Id:         id,
		Address:    key.Address(),
		PrivateKey: key.PrivateKey,
	}
	return keystore.EncryptKey(ksKey, passphrase, scryptN, scryptP)
}

// DecryptKey recovers a private key from an encrypted keystore blob.
func DecryptKey(blob []byte, passphrase string) (*PrivateKey, error) {
	if len(blob) == 0 {
		return nil, errors.New("crypto: empty keystore blob")
	}
	decrypted, err := keystore.DecryptKey(blob, passphrase)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// LoadKeystoreFile decrypts a v3 keystore file, used for the admin signing
// identity which lives on disk rather than in the database.
func LoadKeystoreFile(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecryptKey(keyJSON, passphrase)
}

// WriteKeystoreFile encrypts the key and writes it to path with owner-only
// permissions.
func WriteKeystoreFile(path string, key *PrivateKey, passphrase string) error {
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	blob, err := EncryptKey(key, passphrase, StandardScryptN, StandardScryptP)
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}
