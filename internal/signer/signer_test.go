package signer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_SignTx(t *testing.T) {
	key, _ := crypto.GenerateKey()
	keyHex := hexutil.Encode(crypto.FromECDSA(key)) // keeps 0x

	signer, err := NewSigner(keyHex, 137)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer.Address())
	assert.Equal(t, int64(137), signer.ChainID().Int64())

	to := common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    7,
		GasPrice: big.NewInt(30_000_000_000),
		Gas:      60_000,
		To:       &to,
		Data:     []byte{0xa9, 0x05, 0x9c, 0xbb},
	})

	signed, err := signer.SignTx(tx)
	require.NoError(t, err)

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(137)), signed)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)
	assert.Equal(t, uint64(7), signed.Nonce())
}

func TestNewSignerRejectsBadInput(t *testing.T) {
	_, err := NewSigner("", 137)
	assert.Error(t, err)

	_, err = NewSigner("zz", 137)
	assert.Error(t, err)

	key, _ := crypto.GenerateKey()
	_, err = NewSigner(hexutil.Encode(crypto.FromECDSA(key))[2:], 0)
	assert.Error(t, err)
}

func BenchmarkSignTx(b *testing.B) {
	key, _ := crypto.GenerateKey()
	signer, _ := NewSigner(hexutil.Encode(crypto.FromECDSA(key))[2:], 137)

	to := common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, GasPrice: big.NewInt(1), Gas: 21000, To: &to})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = signer.SignTx(tx)
	}
}
