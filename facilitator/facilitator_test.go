package facilitator

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/x402x"
	"github.com/mark3labs/x402x/evm"
	"github.com/mark3labs/x402x/fee"
	"github.com/mark3labs/x402x/pool"
)

var testRouter = common.HexToAddress("0x339bC7191E9dAd24c66FA0B576E566c79CBb8577")

// fakeBackend simulates a JSON-RPC node for settlement tests.
type fakeBackend struct {
	gasPrice     *big.Int
	receipt      *types.Receipt
	sendErr      error
	callResult   []byte
	sentTxs      []*types.Transaction
	estimateGas  uint64
	estimateErr  error
	estimateHits int
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(84532), nil }
func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	b.estimateHits++
	return b.estimateGas, b.estimateErr
}
func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	if b.gasPrice == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(b.gasPrice), nil
}
func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(1)}, nil
}
func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}
func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sentTxs = append(b.sentTxs, tx)
	return nil
}
func (b *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if b.receipt == nil {
		return nil, ethereum.NotFound
	}
	return b.receipt, nil
}
func (b *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return b.callResult, nil
}

type testEnv struct {
	fac          *Facilitator
	backend      *fakeBackend
	pool         *pool.AccountPool
	poolNetworks []string
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	signerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	pl, err := pool.New([]*ecdsa.PrivateKey{signerKey}, "base-sepolia")
	require.NoError(t, err)
	t.Cleanup(pl.Close)

	backend := &fakeBackend{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}}

	cfg := Config{
		V2Enabled:       true,
		RouterWhitelist: map[string][]common.Address{"eip155:84532": {testRouter}},
		ReceiptTimeout:  250 * time.Millisecond,
		CodeValidation:  true,
		Fee: fee.Config{
			SafetyMultiplierBips: 15000,
			ToleranceBips:        1000,
			MaxGasLimit:          2_000_000,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{backend: backend, pool: pl}
	resolver := x402x.NewChainResolver(x402x.WithEnv(func(string) string { return "" }))
	manager := pool.NewManager(func(network string) (*pool.AccountPool, error) {
		env.poolNetworks = append(env.poolNetworks, network)
		return pl, nil
	})
	env.fac = New(resolver, manager,
		func(context.Context, x402x.NetworkConfig) (evm.Backend, error) { return backend, nil },
		fee.StaticPriceSource{"ETH": 2000, "POL": 0.5, "AVAX": 20, "USDC": 1},
		cfg)

	return env
}

// signedV2Request builds a fully signed router settlement for base-sepolia
// with no hook and a zero facilitator fee.
func signedV2Request(t *testing.T) (*x402x.FacilitatorRequest, common.Address) {
	t.Helper()

	payerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	token := common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	salt := common.HexToHash("0x0102030405060708091011121314151617181920212223242526272829303132")
	payTo := common.HexToAddress("0x9999999999999999999999999999999999999999")
	value := big.NewInt(1_000_000)
	validAfter := big.NewInt(0)
	validBefore := big.NewInt(time.Now().Add(time.Hour).Unix())

	params := evm.SettleParams{
		Token:          token,
		From:           payer,
		Value:          value,
		ValidAfter:     validAfter,
		ValidBefore:    validBefore,
		Salt:           salt,
		PayTo:          payTo,
		FacilitatorFee: big.NewInt(0),
	}
	nonce := evm.ComputeCommitment(big.NewInt(84532), testRouter, params)

	digest, err := evm.AuthorizationDigest(token, big.NewInt(84532), "USDC", "2", evm.Authorization{
		From:        payer,
		To:          testRouter,
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	})
	require.NoError(t, err)
	sig, err := crypto.Sign(digest, payerKey)
	require.NoError(t, err)

	return &x402x.FacilitatorRequest{
		X402Version: x402x.VersionRouter,
		PaymentPayload: x402x.PaymentPayload{
			Scheme:  "exact",
			Network: "eip155:84532",
			Payload: x402x.RouterPayload{
				Payer:       payer.Hex(),
				Value:       value.String(),
				ValidAfter:  validAfter.String(),
				ValidBefore: validBefore.String(),
				Nonce:       nonce.Hex(),
				Signature:   hexutil.Encode(sig),
			},
		},
		PaymentRequirements: x402x.PaymentRequirement{
			Scheme:            "exact",
			Network:           "eip155:84532",
			MaxAmountRequired: value.String(),
			Asset:             token.Hex(),
			Extra: map[string]interface{}{
				"settlementRouter": testRouter.Hex(),
				"salt":             salt.Hex(),
				"payTo":            payTo.Hex(),
				"facilitatorFee":   "0",
			},
		},
	}, payer
}

func TestSettleV2HappyPath(t *testing.T) {
	env := newTestEnv(t, nil)
	req, payer := signedV2Request(t)

	resp, err := env.fac.Settle(context.Background(), req)
	require.NoError(t, err)
	require.True(t, resp.Success, "reason: %s", resp.ErrorReason)
	require.Equal(t, "eip155:84532", resp.Network)
	require.Equal(t, payer.Hex(), resp.Payer)
	require.NotEmpty(t, resp.Transaction)
	require.Len(t, env.backend.sentTxs, 1)
	require.Equal(t, uint64(1), env.pool.TotalProcessed())
	require.Equal(t, []string{"eip155:84532"}, env.poolNetworks,
		"pools are keyed by canonical network id")
}

func TestSettleRejectsUnwhitelistedRouter(t *testing.T) {
	other := common.HexToAddress("0xdeaDDeADDEaDdeaDdEAddEADDEAdDeadDEADDEaD")
	env := newTestEnv(t, func(c *Config) {
		c.RouterWhitelist = map[string][]common.Address{"eip155:84532": {other}}
	})
	req, _ := signedV2Request(t)

	resp, err := env.fac.Settle(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.ErrorReason, "whitelisted")
	require.Empty(t, env.backend.sentTxs)
	require.Equal(t, uint64(0), env.pool.TotalProcessed())
}

func TestSettleAlreadySettledClassification(t *testing.T) {
	env := newTestEnv(t, nil)
	env.backend.sendErr = rpcDataError{
		msg:  "execution reverted",
		data: hexutil.Encode(crypto.Keccak256([]byte("AlreadySettled()"))[:4]),
	}
	req, _ := signedV2Request(t)

	resp, err := env.fac.Settle(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.ErrorReason, "already executed")
}

func TestSettleReceiptTimeoutReportsPending(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ReceiptTimeout = 20 * time.Millisecond })
	env.backend.receipt = nil
	req, payer := signedV2Request(t)

	resp, err := env.fac.Settle(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "transaction pending", resp.ErrorReason)
	require.NotEmpty(t, resp.Transaction)
	require.Equal(t, payer.Hex(), resp.Payer)
}

func TestSettleInsufficientFeeRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.backend.gasPrice = big.NewInt(2_000_000_000)
	req, _ := signedV2Request(t)

	resp, err := env.fac.Settle(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.ErrorReason, "below required threshold")
	require.Empty(t, env.backend.sentTxs)
}

func TestSettleV2DisabledRejected(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.V2Enabled = false })
	req, _ := signedV2Request(t)

	resp, err := env.fac.Settle(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.ErrorReason, "not enabled")
}

func TestVerifyValidPayment(t *testing.T) {
	env := newTestEnv(t, nil)
	req, payer := signedV2Request(t)

	resp, err := env.fac.Verify(context.Background(), req)
	require.NoError(t, err)
	require.True(t, resp.IsValid, "reason: %s", resp.InvalidReason)
	require.Equal(t, payer.Hex(), resp.Payer)
}

func TestVerifyIsPoolless(t *testing.T) {
	env := newTestEnv(t, nil)
	req, _ := signedV2Request(t)

	for i := 0; i < 5; i++ {
		_, err := env.fac.Verify(context.Background(), req)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(0), env.pool.TotalProcessed())
	require.Empty(t, env.backend.sentTxs)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	env := newTestEnv(t, nil)
	req, _ := signedV2Request(t)
	payload := req.PaymentPayload.Payload.(x402x.RouterPayload)
	sig, _ := hexutil.Decode(payload.Signature)
	sig[3] ^= 0xff
	payload.Signature = hexutil.Encode(sig)
	req.PaymentPayload.Payload = payload

	resp, err := env.fac.Verify(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.NotEmpty(t, resp.InvalidReason)
}

func TestVerifyRejectsCommitmentMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	req, _ := signedV2Request(t)
	// Raising the fee after signing invalidates the commitment.
	req.PaymentRequirements.Extra["facilitatorFee"] = "5"

	resp, err := env.fac.Verify(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Contains(t, resp.InvalidReason, "commitment")
}

func TestVerifyProbesAlreadySettled(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ProbeSettled = true })
	settledWord := make([]byte, 32)
	settledWord[31] = 1
	env.backend.callResult = settledWord
	req, _ := signedV2Request(t)

	resp, err := env.fac.Verify(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Contains(t, resp.InvalidReason, "already settled")
}

func TestVerifyUnknownNetwork(t *testing.T) {
	env := newTestEnv(t, nil)
	req, _ := signedV2Request(t)
	req.PaymentPayload.Network = "eip155:999999"

	resp, err := env.fac.Verify(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Contains(t, resp.InvalidReason, "unknown network")
}

func TestSupportedFiltersByVersion(t *testing.T) {
	env := newTestEnv(t, nil)

	all, err := env.fac.Supported(context.Background(), 0)
	require.NoError(t, err)
	require.NotEmpty(t, all.Kinds)

	v2, err := env.fac.Supported(context.Background(), x402x.VersionRouter)
	require.NoError(t, err)
	for _, k := range v2.Kinds {
		require.Equal(t, x402x.VersionRouter, k.X402Version)
		require.Contains(t, k.Network, "eip155:")
		require.Contains(t, k.Extra, "settlementRouter")
	}
	require.NotEmpty(t, v2.Kinds)

	v1, err := env.fac.Supported(context.Background(), x402x.VersionLegacy)
	require.NoError(t, err)
	for _, k := range v1.Kinds {
		require.Equal(t, x402x.VersionLegacy, k.X402Version)
	}
	require.Greater(t, len(v1.Kinds), len(v2.Kinds))
}

func TestSupportedRejectsUnknownVersion(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.fac.Supported(context.Background(), 7)
	require.ErrorIs(t, err, x402x.ErrUnsupportedVersion)
}

type rpcDataError struct {
	msg  string
	data string
}

func (e rpcDataError) Error() string          { return e.msg }
func (e rpcDataError) ErrorData() interface{} { return e.data }
