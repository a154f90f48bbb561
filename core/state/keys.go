package state

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"settlecore/crypto"
	"settlecore/native/collateral"
)

var (
	systemKey      = ethcrypto.Keccak256([]byte("cdp/system"))
	orderBookKey   = ethcrypto.Keccak256([]byte("cdp/orderbook"))
	poolKey        = ethcrypto.Keccak256([]byte("cdp/pool"))
	ledgerKey      = ethcrypto.Keccak256([]byte("cdp/ledger"))
	stakingPoolKey = ethcrypto.Keccak256([]byte("cdp/staking"))
	loanPrefix     = []byte("cdp/loan/")
	loanIDPrefix   = []byte("cdp/loan-owner/")
	providerPrefix = []byte("cdp/provider/")
	stakerPrefix   = []byte("cdp/staker/")
	balancePrefix  = []byte("cdp/balance/")
)

func loanKey(id uint64) []byte {
	buf := make([]byte, len(loanPrefix)+8)
	copy(buf, loanPrefix)
	binary.BigEndian.PutUint64(buf[len(loanPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func ownerKey(prefix []byte, owner crypto.Address) []byte {
	tag := owner.Key()
	buf := make([]byte, len(prefix)+len(tag))
	copy(buf, prefix)
	copy(buf[len(prefix):], tag)
	return ethcrypto.Keccak256(buf)
}

func loanIDKey(owner crypto.Address) []byte {
	return ownerKey(loanIDPrefix, owner)
}

func providerKey(owner crypto.Address) []byte {
	return ownerKey(providerPrefix, owner)
}

func stakerKey(owner crypto.Address) []byte {
	return ownerKey(stakerPrefix, owner)
}

// balanceKey mirrors the layout "cdp/balance/<SYMBOL>:<prefix>:<addr>".
func balanceKey(owner crypto.Address, symbol string) []byte {
	symbol = collateral.NormalizeSymbol(symbol)
	tag := owner.Key()
	buf := make([]byte, len(balancePrefix)+len(symbol)+1+len(tag))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], symbol)
	buf[len(balancePrefix)+len(symbol)] = ':'
	copy(buf[len(balancePrefix)+len(symbol)+1:], tag)
	return ethcrypto.Keccak256(buf)
}
