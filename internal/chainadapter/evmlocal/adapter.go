// Package evmlocal implements the ChainAdapter for EVM networks settled
// directly on-chain by this gateway, without an external facilitator
// (spec §4.5): EIP-712 signature verification against an EIP-3009
// transferWithAuthorization authorization, a fail-open balance check, and
// on-chain settlement via the token's transferWithAuthorization method.
package evmlocal

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"stronghold/internal/usdc"
	"stronghold/internal/x402"
)

// Adapter settles EIP-3009 authorizations directly against the token
// contract. One Adapter is shared across every active EVM-local network;
// RPC clients are created lazily and cached per chainId (spec §5).
type Adapter struct {
	rpcURLs    map[string]string // networkID -> RPC URL
	clients    sync.Map          // chainID (int64) -> *ethclient.Client
	abi        abi.ABI
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// New parses the settlement private key once and returns an Adapter ready
// to dial RPC endpoints on demand.
func New(rpcURLs map[string]string, settlementPrivateKeyHex string) (*Adapter, error) {
	contractABI, err := abi.JSON(strings.NewReader(eip3009ABI))
	if err != nil {
		return nil, fmt.Errorf("parse eip3009 abi: %w", err)
	}

	a := &Adapter{rpcURLs: rpcURLs, abi: contractABI}

	key := strings.TrimPrefix(settlementPrivateKeyHex, "0x")
	if key == "" {
		return a, nil // settlement-less instance: Verify still works, Settle will error
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("invalid settlement private key: %w", err)
	}
	a.privateKey = privateKey
	a.address = crypto.PubkeyToAddress(privateKey.PublicKey)
	return a, nil
}

func (a *Adapter) clientFor(ctx context.Context, network x402.NetworkDescriptor) (*ethclient.Client, error) {
	if cached, ok := a.clients.Load(network.ChainID); ok {
		return cached.(*ethclient.Client), nil
	}

	url := a.rpcURLs[network.NetworkID]
	if url == "" {
		return nil, fmt.Errorf("no RPC URL configured for %s", network.NetworkID)
	}
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial RPC for %s: %w", network.NetworkID, err)
	}

	actual, loaded := a.clients.LoadOrStore(network.ChainID, client)
	if loaded {
		client.Close()
		return actual.(*ethclient.Client), nil
	}
	return client, nil
}

// Verify implements spec §4.5's verify-order: scheme/network, then
// signature presence, payTo match, amount, time window, fail-open
// balance, and finally the EIP-712 signature itself.
func (a *Adapter) Verify(ctx context.Context, payload *x402.PaymentPayload, route x402.RouteDescriptor, network x402.NetworkDescriptor) (x402.VerifyResult, error) {
	auth := payload.Payload.Authorization
	sigHex := payload.Payload.Signature

	if sigHex == "" {
		return x402.VerifyResult{Reason: "missing signature"}, nil
	}

	if !strings.EqualFold(auth.To, route.PayTo) {
		return x402.VerifyResult{Reason: "recipient mismatch", Payer: auth.From}, nil
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return x402.VerifyResult{Reason: "invalid authorization value", Payer: auth.From}, nil
	}
	required := usdc.ScaleAtomic(route.PriceAtomic, network.Token.Decimals)
	if value.Cmp(required) < 0 {
		return x402.VerifyResult{Reason: "amount below required", Payer: auth.From}, nil
	}

	now := time.Now().Unix()
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok || validBefore.Cmp(big.NewInt(now+6)) < 0 {
		return x402.VerifyResult{Reason: "authorization expired or expiring", Payer: auth.From}, nil
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok || validAfter.Cmp(big.NewInt(now)) > 0 {
		return x402.VerifyResult{Reason: "authorization not yet valid", Payer: auth.From}, nil
	}

	// Balance check fails open: a transient RPC error must not manufacture
	// a false 402 (spec Open Question (b)).
	if client, err := a.clientFor(ctx, network); err == nil {
		if balance, err := a.balanceOf(ctx, client, network, auth.From); err == nil {
			if balance.Cmp(value) < 0 {
				return x402.VerifyResult{Reason: "insufficient funds", Payer: auth.From}, nil
			}
		}
	}

	sigBytes, err := hexToBytes(sigHex)
	if err != nil || len(sigBytes) != 65 {
		return x402.VerifyResult{Reason: "invalid signature format", Payer: auth.From}, nil
	}

	digest, err := hashAuthorization(auth, network.ChainID, network.Token.Address, network.Token.DisplayName, network.Token.DomainVersion)
	if err != nil {
		return x402.VerifyResult{}, fmt.Errorf("hash authorization: %w", err)
	}

	recovered, err := recoverSigner(digest, sigBytes)
	if err != nil {
		return x402.VerifyResult{Reason: "signature recovery failed", Payer: auth.From}, nil
	}
	if !strings.EqualFold(recovered.Hex(), auth.From) {
		return x402.VerifyResult{Reason: "signature does not match authorization.from", Payer: auth.From}, nil
	}

	return x402.VerifyResult{Valid: true, Payer: auth.From}, nil
}

func (a *Adapter) balanceOf(ctx context.Context, client *ethclient.Client, network x402.NetworkDescriptor, owner string) (*big.Int, error) {
	data, err := a.abi.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	tokenAddr := common.HexToAddress(network.Token.Address)
	result, err := client.CallContract(ctx, ethereumCallMsg(tokenAddr, data), nil)
	if err != nil {
		return nil, err
	}
	outputs, err := a.abi.Unpack("balanceOf", result)
	if err != nil || len(outputs) == 0 {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf return type")
	}
	return balance, nil
}

// Settle submits transferWithAuthorization to the token contract and
// waits for the transaction to be mined.
func (a *Adapter) Settle(ctx context.Context, payload *x402.PaymentPayload, route x402.RouteDescriptor, network x402.NetworkDescriptor) (x402.SettlementReceipt, error) {
	if a.privateKey == nil {
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: "no settlement key configured for on-chain path"}
	}

	client, err := a.clientFor(ctx, network)
	if err != nil {
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: "rpc unavailable", Err: err}
	}

	auth := payload.Payload.Authorization
	sigBytes, err := hexToBytes(payload.Payload.Signature)
	if err != nil || len(sigBytes) != 65 {
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: "invalid signature format"}
	}
	r := [32]byte(sigBytes[0:32])
	s := [32]byte(sigBytes[32:64])
	v := sigBytes[64]

	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	nonceBytes, err := hexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: "invalid authorization nonce"}
	}

	data, err := a.abi.Pack("transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value, validAfter, validBefore,
		[32]byte(nonceBytes), v, r, s,
	)
	if err != nil {
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: "pack transferWithAuthorization", Err: err}
	}

	txHash, err := a.sendSettlementTx(ctx, client, network, data)
	if err != nil {
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: "transaction submission failed", Err: err}
	}

	receipt, err := waitMined(ctx, client, txHash)
	if err != nil {
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: "transaction confirmation failed", Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: "transaction reverted"}
	}

	blockNumber := receipt.BlockNumber.Uint64()
	return x402.SettlementReceipt{
		TxHash:      receipt.TxHash.Hex(),
		Network:     network.NetworkID,
		BlockNumber: &blockNumber,
		Payer:       auth.From,
	}, nil
}

// DeriveNonceKey uses the authorization's own nonce: EVM-local owns its
// replay protection locally (spec §4.8).
func (a *Adapter) DeriveNonceKey(payload *x402.PaymentPayload) (string, bool) {
	return x402.DeriveKey(payload, x402.VMEVM, false)
}

func (a *Adapter) sendSettlementTx(ctx context.Context, client *ethclient.Client, network x402.NetworkDescriptor, data []byte) (string, error) {
	nonce, err := client.PendingNonceAt(ctx, a.address)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		tip = big.NewInt(100_000_000) // 0.1 gwei fallback
	}
	header, err := client.HeaderByNumber(ctx, nil)
	baseFee := big.NewInt(1_000_000_000)
	if err == nil && header.BaseFee != nil {
		baseFee = header.BaseFee
	}
	maxFee := new(big.Int).Add(new(big.Int).Mul(big.NewInt(2), baseFee), tip)

	tokenAddr := common.HexToAddress(network.Token.Address)
	gasLimit, err := client.EstimateGas(ctx, ethereumCallMsgFrom(a.address, tokenAddr, data))
	if err != nil {
		gasLimit = 150_000
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(network.ChainID),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       gasLimit,
		To:        &tokenAddr,
		Data:      data,
	})

	signer := types.LatestSignerForChainID(big.NewInt(network.ChainID))
	signedTx, err := types.SignTx(tx, signer, a.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}
