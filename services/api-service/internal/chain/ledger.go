package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Ledger is the read-only view of the chain the reconciliation engine needs.
// Implementations must distinguish transient unavailability (retryable) from
// a transaction the network simply has not indexed yet.
type Ledger interface {
	RecentSignatures(ctx context.Context, addr solana.PublicKey, limit int) ([]SignatureInfo, error)
	TransactionDetail(ctx context.Context, sig solana.Signature) (TransactionDetail, error)
}

// SignatureInfo is one entry of a most-recent-first signature listing.
type SignatureInfo struct {
	Signature solana.Signature
	Failed    bool
}

// TransactionDetail is the flattened view of an indexed transaction: outcome,
// balance movements, the fee payer (used as the payer identity) and any memo
// bytes carried by a tagging instruction.
type TransactionDetail struct {
	Signature    solana.Signature
	Succeeded    bool
	FeePayer     solana.PublicKey
	Memo         string
	AccountKeys  []solana.PublicKey
	PreBalances  []uint64
	PostBalances []uint64
}

// ReceivedLamports reports the net balance increase of addr in this
// transaction, or zero if addr was not credited.
func (d TransactionDetail) ReceivedLamports(addr solana.PublicKey) uint64 {
	for i, key := range d.AccountKeys {
		if !key.Equals(addr) {
			continue
		}
		if i >= len(d.PreBalances) || i >= len(d.PostBalances) {
			return 0
		}
		if d.PostBalances[i] > d.PreBalances[i] {
			return d.PostBalances[i] - d.PreBalances[i]
		}
		return 0
	}
	return 0
}

// RPCLedger queries a Solana JSON-RPC endpoint.
type RPCLedger struct {
	client *rpc.Client
}

func NewRPCLedger(client *rpc.Client) *RPCLedger {
	return &RPCLedger{client: client}
}

func (l *RPCLedger) RecentSignatures(ctx context.Context, addr solana.PublicKey, limit int) ([]SignatureInfo, error) {
	if limit <= 0 {
		limit = 5
	}
	out, err := l.client.GetSignaturesForAddressWithOpts(ctx, addr, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: signatures for %s: %v", ErrNetworkUnavailable, addr, err)
	}
	infos := make([]SignatureInfo, 0, len(out))
	for _, s := range out {
		if s == nil {
			continue
		}
		infos = append(infos, SignatureInfo{Signature: s.Signature, Failed: s.Err != nil})
	}
	return infos, nil
}

func (l *RPCLedger) TransactionDetail(ctx context.Context, sig solana.Signature) (TransactionDetail, error) {
	maxVersion := uint64(0)
	res, err := l.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return TransactionDetail{}, ErrNotFoundYet
		}
		return TransactionDetail{}, fmt.Errorf("%w: transaction %s: %v", ErrNetworkUnavailable, sig, err)
	}
	if res == nil || res.Meta == nil || res.Transaction == nil {
		return TransactionDetail{}, ErrNotFoundYet
	}

	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return TransactionDetail{}, fmt.Errorf("decode transaction %s: %w", sig, err)
	}

	d := TransactionDetail{
		Signature:    sig,
		Succeeded:    res.Meta.Err == nil,
		AccountKeys:  tx.Message.AccountKeys,
		PreBalances:  res.Meta.PreBalances,
		PostBalances: res.Meta.PostBalances,
		Memo:         memoFromTransaction(tx),
	}
	if len(tx.Message.AccountKeys) > 0 {
		d.FeePayer = tx.Message.AccountKeys[0]
	}
	return d, nil
}

func memoFromTransaction(tx *solana.Transaction) string {
	for _, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(tx.Message.AccountKeys) {
			continue
		}
		if tx.Message.AccountKeys[ix.ProgramIDIndex].Equals(memoProgramID) {
			return string(ix.Data)
		}
	}
	return ""
}
