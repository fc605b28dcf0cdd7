package chain

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// SPL memo v2 program. The correlation tag rides in a memo instruction so the
// reconciliation engine (and indexer webhooks) can tie a transfer back to a
// booking.
var memoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// UnsignedTransfer is the byte-serialized, not-yet-signed transaction handed
// to the client wallet for signing and broadcast.
type UnsignedTransfer struct {
	Base64    string
	Blockhash solana.Hash
	Lamports  uint64
}

// Builder constructs unsigned native transfers. It never signs.
type Builder struct {
	client *rpc.Client
}

func NewBuilder(client *rpc.Client) *Builder {
	return &Builder{client: client}
}

// BuildTransfer builds payer -> receiver for amountSOL, tagged with tag when
// non-empty, bound to a freshly fetched blockhash.
func (b *Builder) BuildTransfer(ctx context.Context, payer, receiver solana.PublicKey, amountSOL decimal.Decimal, tag string) (UnsignedTransfer, error) {
	lamports, err := Lamports(amountSOL)
	if err != nil {
		return UnsignedTransfer{}, err
	}

	recent, err := b.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return UnsignedTransfer{}, fmt.Errorf("%w: fetch blockhash: %v", ErrNetworkUnavailable, err)
	}
	if recent == nil || recent.Value == nil {
		return UnsignedTransfer{}, fmt.Errorf("%w: empty blockhash response", ErrNetworkUnavailable)
	}

	tx, err := buildUnsignedTransfer(payer, receiver, lamports, tag, recent.Value.Blockhash)
	if err != nil {
		return UnsignedTransfer{}, err
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return UnsignedTransfer{}, fmt.Errorf("serialize transaction: %w", err)
	}
	return UnsignedTransfer{
		Base64:    base64.StdEncoding.EncodeToString(raw),
		Blockhash: recent.Value.Blockhash,
		Lamports:  lamports,
	}, nil
}

func buildUnsignedTransfer(payer, receiver solana.PublicKey, lamports uint64, tag string, blockhash solana.Hash) (*solana.Transaction, error) {
	var instructions []solana.Instruction
	if tag != "" {
		instructions = append(instructions, memoInstruction(tag, payer))
	}
	instructions = append(instructions, system.NewTransferInstruction(lamports, payer, receiver).Build())

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("compile transaction: %w", err)
	}
	// Leave empty signature slots so wallets accept the serialized form.
	tx.Signatures = make([]solana.Signature, int(tx.Message.Header.NumRequiredSignatures))
	return tx, nil
}

func memoInstruction(tag string, signer solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{solana.NewAccountMeta(signer, false, true)}
	return solana.NewInstruction(memoProgramID, accounts, []byte(tag))
}
