package crypto

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	raw := make([]byte, AddressLength)
	raw[0] = 0x42
	raw[AddressLength-1] = 0x24
	addr := MustNewAddress(AccountPrefix, raw)

	decoded, err := DecodeAddress(addr.String())
	require.NoError(t, err)
	require.True(t, addr.Equal(decoded))
	require.Equal(t, AccountPrefix, decoded.Prefix())

	_, err = NewAddress(AccountPrefix, raw[:19])
	require.Error(t, err)
}

func TestAddressRLP(t *testing.T) {
	type record struct {
		Owner  Address
		Amount uint64
	}
	in := record{Owner: ModuleAddress("redemption"), Amount: 7}
	encoded, err := rlp.EncodeToBytes(in)
	require.NoError(t, err)

	var out record
	require.NoError(t, rlp.DecodeBytes(encoded, &out))
	require.True(t, in.Owner.Equal(out.Owner))
	require.Equal(t, ModulePrefix, out.Owner.Prefix())

	var empty record
	encoded, err = rlp.EncodeToBytes(empty)
	require.NoError(t, err)
	require.NoError(t, rlp.DecodeBytes(encoded, &out))
	require.True(t, out.Owner.IsZero())
}

func TestModuleAddressDeterministic(t *testing.T) {
	require.True(t, ModuleAddress("stability").Equal(ModuleAddress(" stability ")))
	require.False(t, ModuleAddress("stability").Equal(ModuleAddress("redemption")))
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys", "operator.json")
	require.NoError(t, SaveToKeystore(path, key, "pw"))

	loaded, err := LoadFromKeystore(path, "pw")
	require.NoError(t, err)
	require.True(t, key.PubKey().Address().Equal(loaded.PubKey().Address()))

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}
