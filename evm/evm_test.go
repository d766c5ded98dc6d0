package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/x402x"
)

func sampleParams() SettleParams {
	return SettleParams{
		Token:          common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		From:           common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Value:          big.NewInt(1_000_000),
		ValidAfter:     big.NewInt(0),
		ValidBefore:    big.NewInt(1_900_000_000),
		Nonce:          common.HexToHash("0xdead"),
		Signature:      []byte{0x01, 0x02},
		Salt:           common.HexToHash("0xbeef"),
		PayTo:          common.HexToAddress("0x2222222222222222222222222222222222222222"),
		FacilitatorFee: big.NewInt(100),
		Hook:           common.Address{},
		HookData:       nil,
	}
}

func TestPackSettleAndExecute(t *testing.T) {
	data, err := PackSettleAndExecute(sampleParams())
	require.NoError(t, err)
	require.Equal(t, routerABI.Methods["settleAndExecute"].ID, data[:4])
	require.Greater(t, len(data), 4+12*32)
}

func TestComputeCommitmentBindsEveryField(t *testing.T) {
	chainID := big.NewInt(84532)
	router := common.HexToAddress("0x339bC7191E9dAd24c66FA0B576E566c79CBb8577")
	base := ComputeCommitment(chainID, router, sampleParams())

	mutations := map[string]func(*SettleParams){
		"token":  func(p *SettleParams) { p.Token = common.HexToAddress("0x03") },
		"from":   func(p *SettleParams) { p.From = common.HexToAddress("0x04") },
		"value":  func(p *SettleParams) { p.Value = big.NewInt(2) },
		"salt":   func(p *SettleParams) { p.Salt = common.HexToHash("0x05") },
		"payTo":  func(p *SettleParams) { p.PayTo = common.HexToAddress("0x06") },
		"fee":    func(p *SettleParams) { p.FacilitatorFee = big.NewInt(7) },
		"hook":   func(p *SettleParams) { p.Hook = common.HexToAddress("0x08") },
		"data":   func(p *SettleParams) { p.Hook = common.HexToAddress("0x08"); p.HookData = []byte{0x09} },
		"before": func(p *SettleParams) { p.ValidBefore = big.NewInt(10) },
	}
	for name, mutate := range mutations {
		p := sampleParams()
		mutate(&p)
		require.NotEqual(t, base, ComputeCommitment(chainID, router, p),
			"mutating %s must change the commitment", name)
	}

	require.NotEqual(t, base, ComputeCommitment(big.NewInt(8453), router, sampleParams()),
		"commitment must bind the chain id")
	require.Equal(t, base, ComputeCommitment(chainID, router, sampleParams()),
		"commitment must be deterministic")
}

func TestContextKey(t *testing.T) {
	token := common.HexToAddress("0x01")
	payer := common.HexToAddress("0x02")
	nonce := common.HexToHash("0x03")

	k1 := ContextKey(token, payer, nonce)
	k2 := ContextKey(token, payer, nonce)
	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, ContextKey(token, payer, common.HexToHash("0x04")))
	require.NotEqual(t, k1, ContextKey(token, common.HexToAddress("0x05"), nonce))
}

func TestAuthorizationSignRecoverRoundtrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	payer := crypto.PubkeyToAddress(key.PublicKey)

	auth := Authorization{
		From:        payer,
		To:          common.HexToAddress("0x339bC7191E9dAd24c66FA0B576E566c79CBb8577"),
		Value:       big.NewInt(1_000_000),
		ValidAfter:  big.NewInt(0),
		ValidBefore: big.NewInt(1_900_000_000),
		Nonce:       common.HexToHash("0xabc123"),
	}
	digest, err := AuthorizationDigest(
		common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		big.NewInt(84532), "USDC", "2", auth)
	require.NoError(t, err)

	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)

	// Raw recovery id.
	recovered, err := RecoverAuthorizer(digest, hexutil.Encode(sig))
	require.NoError(t, err)
	require.Equal(t, payer, recovered)

	// Ethereum-style recovery id.
	ethSig := make([]byte, 65)
	copy(ethSig, sig)
	ethSig[64] += 27
	recovered, err = RecoverAuthorizer(digest, hexutil.Encode(ethSig))
	require.NoError(t, err)
	require.Equal(t, payer, recovered)
}

func TestRecoverAuthorizerRejectsMalformed(t *testing.T) {
	digest := crypto.Keccak256([]byte("digest"))
	for _, sig := range []string{"", "0x01", "not-hex"} {
		_, err := RecoverAuthorizer(digest, sig)
		require.ErrorIs(t, err, x402x.ErrInvalidSignature)
	}
}

func TestDecodeRevertErrorString(t *testing.T) {
	// Error(string) with the message "nope": selector, offset, length, data.
	data := append([]byte{}, errorStringSelector[:]...)
	data = append(data, common.LeftPadBytes(big.NewInt(0x20).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(4).Bytes(), 32)...)
	data = append(data, common.RightPadBytes([]byte("nope"), 32)...)

	reason, sentinel := DecodeRevert(data)
	require.NoError(t, sentinel)
	require.Equal(t, "execution reverted: nope", reason)
}

func TestDecodeRevertPanic(t *testing.T) {
	data := append([]byte{}, panicSelector[:]...)
	data = append(data, common.LeftPadBytes(big.NewInt(0x12).Bytes(), 32)...)

	reason, _ := DecodeRevert(data)
	require.Equal(t, "panic: division by zero", reason)
}

func TestDecodeRevertNamedErrors(t *testing.T) {
	already := crypto.Keccak256([]byte("AlreadySettled()"))[:4]
	reason, sentinel := DecodeRevert(already)
	require.ErrorIs(t, sentinel, x402x.ErrAlreadySettled)
	require.Contains(t, reason, "already executed")

	hookFail := crypto.Keccak256([]byte("HookExecutionFailed()"))[:4]
	reason, sentinel = DecodeRevert(hookFail)
	require.NoError(t, sentinel)
	require.Contains(t, reason, "hook")
}

func TestDecodeRevertUnknown(t *testing.T) {
	reason, sentinel := DecodeRevert([]byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, sentinel)
	require.Contains(t, reason, "unknown error 0xdeadbeef")

	reason, _ = DecodeRevert(nil)
	require.Equal(t, "execution reverted without reason", reason)
}

type fakeDataError struct {
	msg  string
	data interface{}
}

func (e *fakeDataError) Error() string          { return e.msg }
func (e *fakeDataError) ErrorData() interface{} { return e.data }

func TestClassifyErrorRevertWithData(t *testing.T) {
	already := crypto.Keccak256([]byte("AlreadySettled()"))[:4]
	err := ClassifyError(&fakeDataError{
		msg:  "execution reverted",
		data: hexutil.Encode(already),
	})
	require.True(t, IsRevert(err))
	require.ErrorIs(t, err, x402x.ErrAlreadySettled)
}

func TestClassifyErrorInfrastructure(t *testing.T) {
	err := ClassifyError(&fakeDataError{msg: "connection refused"})
	require.Equal(t, x402x.ErrCodeInfrastructure, x402x.CodeOf(err))
}
