package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// AddressPrefix defines the human-readable part of a bech32 address.
type AddressPrefix string

const (
	// AccountPrefix tags externally owned settlement accounts.
	AccountPrefix AddressPrefix = "stl"
	// ModulePrefix tags custody accounts owned by protocol modules.
	ModulePrefix AddressPrefix = "stlmod"
)

// AddressLength is the byte length of every address payload.
const AddressLength = 20

var errAddressLength = errors.New("crypto: address must be 20 bytes long")

// Address represents a 20-byte account identifier rendered with a bech32 prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

// NewAddress builds an address, returning an error when the payload length is wrong.
func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, errAddressLength
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}, nil
}

// MustNewAddress is NewAddress for compile-time constants and tests.
func MustNewAddress(prefix AddressPrefix, b []byte) Address {
	addr, err := NewAddress(prefix, b)
	if err != nil {
		panic(err)
	}
	return addr
}

// ModuleAddress derives the deterministic custody address of a protocol module.
func ModuleAddress(name string) Address {
	digest := crypto.Keccak256([]byte("module:" + strings.TrimSpace(name)))
	return MustNewAddress(ModulePrefix, digest[:AddressLength])
}

func (a Address) String() string {
	if len(a.bytes) == 0 {
		return ""
	}
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		return ""
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// IsZero reports whether the address carries no payload or an all-zero payload.
func (a Address) IsZero() bool {
	for _, b := range a.bytes {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equal compares payloads and prefixes.
func (a Address) Equal(other Address) bool {
	if a.prefix != other.prefix || len(a.bytes) != len(other.bytes) {
		return false
	}
	for i := range a.bytes {
		if a.bytes[i] != other.bytes[i] {
			return false
		}
	}
	return true
}

// Key returns a string suitable for map keys.
func (a Address) Key() string {
	return string(a.prefix) + ":" + string(a.bytes)
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(addrStr))
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(AddressPrefix(prefix), conv)
}

// EncodeRLP stores the address as its bech32 string so the prefix survives a round trip.
func (a Address) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, a.String())
}

// DecodeRLP restores an address written by EncodeRLP.
func (a *Address) DecodeRLP(s *rlp.Stream) error {
	var text string
	if err := s.Decode(&text); err != nil {
		return err
	}
	if text == "" {
		*a = Address{}
		return nil
	}
	decoded, err := DecodeAddress(text)
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// MarshalText renders the bech32 form in JSON and TOML.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses the bech32 form.
func (a *Address) UnmarshalText(text []byte) error {
	if len(strings.TrimSpace(string(text))) == 0 {
		*a = Address{}
		return nil
	}
	decoded, err := DecodeAddress(string(text))
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address derives the account address owned by the key.
func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return MustNewAddress(AccountPrefix, addrBytes)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
