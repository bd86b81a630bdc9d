package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"roomnight/crypto"
	"roomnight/models"
)

// ErrKeyUnavailable is returned when a principal has no stored signing key,
// either because it was never registered through the normal flow or because
// the key material was lost.
var ErrKeyUnavailable = errors.New("custody: signing key unavailable")

// Signer holds a decrypted key for the duration of one signing operation.
// It implements ledger.Signer.
type Signer struct {
	key  *crypto.PrivateKey
	addr common.Address
}

// NewSigner wraps a private key into a signer handle.
func NewSigner(key *crypto.PrivateKey) *Signer {
	return &Signer{key: key, addr: key.Address()}
}

// Address returns the ledger identity the signer controls.
func (s *Signer) Address() common.Address { return s.addr }

// SignTx signs the transaction with the EIP-155 signer for the chain.
func (s *Signer) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key.PrivateKey)
}

// Vault resolves signer handles for principals. The admin identity lives in a
// keystore file on disk; every other principal's key is stored encrypted in
// the database. Keys are decrypted per call and never cached in plaintext.
type Vault struct {
	adminKeystorePath string
	adminPassphrase   string
	keyPassphrase     string
	adminAddr         common.Address
	scryptN           int
	scryptP           int
}

// VaultOption customises the vault.
type VaultOption func(*Vault)

// WithScryptParams overrides the cost parameters used when encrypting newly
// generated keys. Tests use the light parameters.
func WithScryptParams(n, p int) VaultOption {
	return func(v *Vault) {
		v.scryptN = n
		v.scryptP = p
	}
}

// NewVault opens the admin keystore file to learn its address, without
// retaining decrypted key material.
func NewVault(adminKeystorePath, adminPassphrase, keyPassphrase string, opts ...VaultOption) (*Vault, error) {
	v := &Vault{
		adminKeystorePath: adminKeystorePath,
		adminPassphrase:   adminPassphrase,
		keyPassphrase:     keyPassphrase,
		scryptN:           crypto.StandardScryptN,
		scryptP:           crypto.StandardScryptP,
	}
	for _, opt := range opts {
		opt(v)
	}
	addr, err := keystoreAddress(adminKeystorePath)
	if err != nil {
		return nil, fmt.Errorf("read admin keystore: %w", err)
	}
	v.adminAddr = addr
	return v, nil
}

// AdminAddress returns the platform custody address without decrypting the
// admin key.
func (v *Vault) AdminAddress() common.Address { return v.adminAddr }

// AdminSigner decrypts the shared backend signing identity for one operation.
func (v *Vault) AdminSigner() (*Signer, error) {
	key, err := crypto.LoadKeystoreFile(v.adminKeystorePath, v.adminPassphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt admin key: %w", err)
	}
	return NewSigner(key), nil
}

// SignerFor returns a signer backed by the principal's stored key. The admin
// role maps to the shared backend identity.
func (v *Vault) SignerFor(ctx context.Context, user *models.User) (*Signer, error) {
	if user == nil {
		return nil, ErrKeyUnavailable
	}
	if user.Role == models.RoleAdmin {
		return v.AdminSigner()
	}
	if len(user.EncryptedKey) == 0 {
		return nil, ErrKeyUnavailable
	}
	key, err := crypto.DecryptKey(user.EncryptedKey, v.keyPassphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt key for %s: %w", user.Email, err)
	}
	return NewSigner(key), nil
}

// GenerateKey creates a fresh custodial identity and returns its address plus
// the encrypted keystore blob for persistence.
func (v *Vault) GenerateKey() (common.Address, []byte, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return common.Address{}, nil, err
	}
	blob, err := crypto.EncryptKey(key, v.keyPassphrase, v.scryptN, v.scryptP)
	if err != nil {
		return common.Address{}, nil, err
	}
	return key.Address(), blob, nil
}

// keystoreAddress reads the plaintext address field of a v3 keystore file.
func keystoreAddress(path string) (common.Address, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return common.Address{}, err
	}
	var header struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return common.Address{}, err
	}
	trimmed := strings.TrimPrefix(strings.TrimSpace(header.Address), "0x")
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("keystore file %s has no valid address", path)
	}
	return common.HexToAddress(trimmed), nil
}
