package authority_test

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/distributor/distributor/internal/authority"
	"github.com/malbeclabs/distributor/distributor/pkg/distribution"
	laketesting "github.com/malbeclabs/distributor/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

var testProgramID = solana.MustPublicKeyFromBase58("GCPNXuyuLqQDwpyJeFctdcYpKadWzj9ipxMNbyb7JyA4")

func TestDistributor_Authority_Derive(t *testing.T) {
	t.Parallel()
	mint := laketesting.PublicKey(0x10)

	a, err := authority.Derive(testProgramID, mint, 0)
	require.NoError(t, err)
	require.False(t, a.IsZero())

	addr, _, err := distribution.Address(testProgramID, mint, 0)
	require.NoError(t, err)
	require.Equal(t, addr, a.Key())

	other, err := authority.Derive(testProgramID, mint, 1)
	require.NoError(t, err)
	require.NotEqual(t, a.Key(), other.Key())

	require.True(t, authority.Authority{}.IsZero())
}
