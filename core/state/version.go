package state

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"settlecore/storage"
)

// StateVersion identifies the expected on-disk layout of the settlement state.
// Increment it whenever a stored record changes shape.
const StateVersion uint32 = 1

var (
	stateVersionKey = ethcrypto.Keccak256([]byte("state/version"))
	// ErrStateVersionMismatch indicates the stored schema version does not
	// match the version supported by the current binary.
	ErrStateVersionMismatch = errors.New("state: schema version mismatch")
)

// storedVersion returns the recorded schema version and whether one exists.
func storedVersion(db storage.Database) (uint32, bool, error) {
	data, err := db.Get(stateVersionKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var stored uint64
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return 0, false, fmt.Errorf("state: decode version: %w", err)
	}
	return uint32(stored), true, nil
}

// ensureVersion stamps an empty database and rejects one written by a
// different schema.
func ensureVersion(db storage.Database) error {
	version, ok, err := storedVersion(db)
	if err != nil {
		return err
	}
	if !ok {
		encoded, err := rlp.EncodeToBytes(uint64(StateVersion))
		if err != nil {
			return err
		}
		return db.Put(stateVersionKey, encoded)
	}
	if version != StateVersion {
		return fmt.Errorf("%w: stored %d, binary %d", ErrStateVersionMismatch, version, StateVersion)
	}
	return nil
}
