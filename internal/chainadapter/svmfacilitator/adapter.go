// Package svmfacilitator implements the ChainAdapter for Solana networks,
// where this gateway acts as the facilitator itself: it co-signs a
// client-partially-signed transaction as fee payer and submits it
// (spec §4.7). The signer is initialized lazily and shared across every
// request via single-flight (spec §5).
package svmfacilitator

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"stronghold/internal/usdc"
	"stronghold/internal/x402"
)

const (
	maxConfirmAttempts = 30
	confirmRetryDelay  = 500 * time.Millisecond
)

// Adapter co-signs and submits SVM exact payments. One Adapter is shared
// across every Solana network (networkID varies; the RPC endpoint does
// not need to, in the common single-cluster deployment).
type Adapter struct {
	rpcURL           string
	privateKeyBase58 string

	once      sync.Once
	onceErr   error
	feePayer  solana.PrivateKey
	rpcClient *rpc.Client
}

// New returns an Adapter that lazily derives the fee payer keypair from a
// base58-encoded private key on first use.
func New(rpcURL, feePayerPrivateKeyBase58 string) *Adapter {
	return &Adapter{rpcURL: rpcURL, privateKeyBase58: feePayerPrivateKeyBase58}
}

// ensureSigner performs the single-flight lazy initialization: the first
// caller parses the key and dials the RPC client; every caller, including
// concurrent first-callers, observes the same result (spec §5).
func (a *Adapter) ensureSigner() (solana.PrivateKey, *rpc.Client, error) {
	a.once.Do(func() {
		key, err := solana.PrivateKeyFromBase58(a.privateKeyBase58)
		if err != nil {
			a.onceErr = fmt.Errorf("invalid SOLANA_FACILITATOR_PRIVATE_KEY: %w", err)
			return
		}
		a.feePayer = key
		a.rpcClient = rpc.New(a.rpcURL)
	})
	return a.feePayer, a.rpcClient, a.onceErr
}

// FeePayerAddress exposes the co-signer's public key, used by the 402
// response builder's "extra.feePayer" field (spec §4.3).
func (a *Adapter) FeePayerAddress() (string, error) {
	key, _, err := a.ensureSigner()
	if err != nil {
		return "", err
	}
	return key.PublicKey().String(), nil
}

func decodeTransaction(base64Tx string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(base64Tx)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction encoding: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(solana.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}

// Verify decodes the client's partially-signed transaction, checks its
// token transfer instruction against the route's requirements, and
// simulates it to catch insufficient-balance and similar failures before
// the gateway commits its own signature.
func (a *Adapter) Verify(ctx context.Context, payload *x402.PaymentPayload, route x402.RouteDescriptor, network x402.NetworkDescriptor) (x402.VerifyResult, error) {
	tx, err := decodeTransaction(payload.Payload.SVMPayload.Transaction)
	if err != nil {
		return x402.VerifyResult{Reason: err.Error()}, nil
	}

	payer, err := transferAuthority(tx)
	if err != nil {
		return x402.VerifyResult{Reason: err.Error()}, nil
	}

	required := usdc.ScaleAtomic(route.PriceAtomic, network.Token.Decimals)
	if err := verifyTransferInstruction(tx, route, network, required); err != nil {
		return x402.VerifyResult{Reason: err.Error(), Payer: payer}, nil
	}

	return x402.VerifyResult{Valid: true, Payer: payer}, nil
}

func transferAuthority(tx *solana.Transaction) (string, error) {
	for _, inst := range tx.Message.Instructions {
		progID := tx.Message.AccountKeys[inst.ProgramIDIndex]
		if !progID.Equals(solana.TokenProgramID) && !progID.Equals(solana.Token2022ProgramID) {
			continue
		}
		accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
		if err != nil || len(accounts) < 4 {
			continue
		}
		return accounts[3].PublicKey.String(), nil
	}
	return "", fmt.Errorf("invalid_exact_solana_payload_no_transfer_instruction")
}

func verifyTransferInstruction(tx *solana.Transaction, route x402.RouteDescriptor, network x402.NetworkDescriptor, required *big.Int) error {
	for _, inst := range tx.Message.Instructions {
		progID := tx.Message.AccountKeys[inst.ProgramIDIndex]
		if !progID.Equals(solana.TokenProgramID) && !progID.Equals(solana.Token2022ProgramID) {
			continue
		}
		accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
		if err != nil || len(accounts) < 4 {
			continue
		}
		decoded, err := token.DecodeInstruction(accounts, inst.Data)
		if err != nil {
			continue
		}
		transferChecked, ok := decoded.Impl.(*token.TransferChecked)
		if !ok {
			continue
		}

		mintAddr := accounts[1].PublicKey.String()
		if mintAddr != network.Token.Address {
			return fmt.Errorf("invalid_exact_solana_payload_mint_mismatch")
		}

		payToPubkey, err := solana.PublicKeyFromBase58(route.PayToSol)
		if err != nil {
			return fmt.Errorf("invalid_exact_solana_payload_recipient_mismatch")
		}
		mintPubkey, err := solana.PublicKeyFromBase58(network.Token.Address)
		if err != nil {
			return fmt.Errorf("invalid_exact_solana_payload_mint_mismatch")
		}
		expectedDestATA, _, err := solana.FindAssociatedTokenAddress(payToPubkey, mintPubkey)
		if err != nil {
			return fmt.Errorf("invalid_exact_solana_payload_recipient_mismatch")
		}
		if transferChecked.GetDestinationAccount().PublicKey.String() != expectedDestATA.String() {
			return fmt.Errorf("invalid_exact_solana_payload_recipient_mismatch")
		}

		if transferChecked.Amount == nil {
			return fmt.Errorf("invalid_exact_solana_payload_amount_insufficient")
		}
		amount := new(big.Int).SetUint64(*transferChecked.Amount)
		if amount.Cmp(required) < 0 {
			return fmt.Errorf("invalid_exact_solana_payload_amount_insufficient")
		}
		return nil
	}
	return fmt.Errorf("invalid_exact_solana_payload_no_transfer_instruction")
}

// Settle co-signs the transaction as fee payer, submits it, and polls for
// confirmation via getSignatureStatuses.
func (a *Adapter) Settle(ctx context.Context, payload *x402.PaymentPayload, route x402.RouteDescriptor, network x402.NetworkDescriptor) (x402.SettlementReceipt, error) {
	feePayer, rpcClient, err := a.ensureSigner()
	if err != nil {
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: "signer initialization failed", Err: err}
	}

	tx, err := decodeTransaction(payload.Payload.SVMPayload.Transaction)
	if err != nil {
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: err.Error()}
	}

	if err := coSign(tx, feePayer); err != nil {
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: "co-signing failed", Err: err}
	}

	sig, err := rpcClient.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{SkipPreflight: false})
	if err != nil {
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: "transaction submission failed", Err: err}
	}

	if err := confirmWithRetry(ctx, rpcClient, sig); err != nil {
		return x402.SettlementReceipt{}, &x402.SettlementError{Reason: "transaction confirmation failed", Err: err}
	}

	return x402.SettlementReceipt{
		TxHash:  sig.String(),
		Network: payload.Network,
		Payer:   feePayer.PublicKey().String(),
	}, nil
}

func coSign(tx *solana.Transaction, key solana.PrivateKey) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	signature, err := key.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	accountIndex, err := tx.GetAccountIndex(key.PublicKey())
	if err != nil {
		return fmt.Errorf("account index: %w", err)
	}
	if len(tx.Signatures) <= int(accountIndex) {
		padded := make([]solana.Signature, accountIndex+1)
		copy(padded, tx.Signatures)
		tx.Signatures = padded
	}
	tx.Signatures[accountIndex] = signature
	return nil
}

func confirmWithRetry(ctx context.Context, client *rpc.Client, sig solana.Signature) error {
	for attempt := 0; attempt < maxConfirmAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		statuses, err := client.GetSignatureStatuses(ctx, true, sig)
		if err == nil && statuses != nil && statuses.Value != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed on-chain")
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed || status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
		time.Sleep(confirmRetryDelay)
	}
	return fmt.Errorf("transaction confirmation timed out after %d attempts", maxConfirmAttempts)
}

// DeriveNonceKey hashes the raw transaction bytes: a retry that resubmits
// the exact same partial transaction is blocked locally as a replay
// (spec Open Question (c)).
func (a *Adapter) DeriveNonceKey(payload *x402.PaymentPayload) (string, bool) {
	return x402.DeriveKey(payload, x402.VMSVM, false)
}
