package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/mark3labs/x402x"
)

// Authorization carries the EIP-3009 transferWithAuthorization parameters in
// their on-chain representation.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       common.Hash
}

// AuthorizationDigest computes the EIP-712 digest a payer signs for an
// EIP-3009 transfer: keccak256("\x19\x01" || domainSeparator || structHash).
// name and version are the token's EIP-712 domain parameters.
func AuthorizationDigest(token common.Address, chainID *big.Int, name, version string, auth Authorization) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: token.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       auth.Nonce.Hex(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeUnexpected, "failed to hash EIP-712 domain", err)
	}
	structHash, err := typedData.HashStruct("TransferWithAuthorization", typedData.Message)
	if err != nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeUnexpected, "failed to hash authorization", err)
	}

	raw := append([]byte{0x19, 0x01}, append(domainSeparator, structHash...)...)
	return crypto.Keccak256(raw), nil
}

// RecoverAuthorizer recovers the signing address from an authorization
// signature over the given digest. Both Ethereum-style (v in {27,28}) and
// raw (v in {0,1}) recovery ids are accepted.
func RecoverAuthorizer(digest []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != 65 {
		return common.Address{}, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"signature must be 65 bytes of hex", x402x.ErrInvalidSignature)
	}

	// crypto.SigToPub wants the recovery id in the low form.
	recSig := make([]byte, 65)
	copy(recSig, sig)
	if recSig[64] >= 27 {
		recSig[64] -= 27
	}
	if recSig[64] > 1 {
		return common.Address{}, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"signature has an invalid recovery id", x402x.ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(digest, recSig)
	if err != nil {
		return common.Address{}, x402x.NewFacilitatorError(x402x.ErrCodeValidation,
			"signature recovery failed", x402x.ErrInvalidSignature)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// erc3009ABIJSON is the bytes-signature variant of EIP-3009 used for v1
// direct settlement.
const erc3009ABIJSON = `[
	{"type":"function","name":"transferWithAuthorization","stateMutability":"nonpayable","inputs":[
		{"name":"from","type":"address"},
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},
		{"name":"validBefore","type":"uint256"},
		{"name":"nonce","type":"bytes32"},
		{"name":"signature","type":"bytes"}],
	 "outputs":[]}
]`

var erc3009ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc3009ABIJSON))
	if err != nil {
		panic("evm: invalid ERC-3009 ABI: " + err.Error())
	}
	erc3009ABI = parsed
}

// PackTransferWithAuthorization encodes the v1 direct-transfer calldata.
func PackTransferWithAuthorization(auth Authorization, signature []byte) ([]byte, error) {
	data, err := erc3009ABI.Pack("transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce, signature)
	if err != nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeUnexpected, "failed to encode transferWithAuthorization", err)
	}
	return data, nil
}
