package settlement

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Provider broadcasts a single native transfer and returns its signature.
type Provider interface {
	// Pay transfers lamports to the recipient wallet. The returned
	// signature is opaque; callers only persist it.
	Pay(ctx context.Context, wallet string, lamports uint64) (string, error)

	// Balance returns a wallet's balance in lamports.
	Balance(ctx context.Context, wallet string) (uint64, error)

	// TreasuryBalance returns the paying wallet's balance in lamports.
	TreasuryBalance(ctx context.Context) (uint64, error)
}

// SimulatedSignature is what dry-run settlements record in place of a real
// chain signature.
const SimulatedSignature = "SIMULATED_TX_SIG_0000"

// SimulatedProvider settles nothing on chain. Used when no treasury keypair
// is configured.
type SimulatedProvider struct{}

func NewSimulatedProvider() *SimulatedProvider {
	return &SimulatedProvider{}
}

func (p *SimulatedProvider) Pay(ctx context.Context, wallet string, lamports uint64) (string, error) {
	log.Ctx(ctx).Info().
		Str("Wallet", wallet).
		Uint64("Lamports", lamports).
		Msg("simulated payout")
	return SimulatedSignature, nil
}

// Balance reports one whole coin for every wallet so staging stake checks
// pass without a live endpoint.
func (p *SimulatedProvider) Balance(ctx context.Context, wallet string) (uint64, error) {
	return 1_000_000_000, nil
}

func (p *SimulatedProvider) TreasuryBalance(ctx context.Context) (uint64, error) {
	return 0, nil
}

// SolanaProvider signs and broadcasts transfers from a treasury keypair.
type SolanaProvider struct {
	client   *rpc.Client
	treasury solana.PrivateKey
}

type SolanaProviderParams struct {
	RPCURL      string
	KeypairPath string
}

func NewSolanaProvider(params SolanaProviderParams) (*SolanaProvider, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(params.KeypairPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading treasury keypair")
	}
	return &SolanaProvider{
		client:   rpc.New(params.RPCURL),
		treasury: key,
	}, nil
}

func (p *SolanaProvider) Pay(ctx context.Context, wallet string, lamports uint64) (string, error) {
	recipient, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return "", NewWalletError(errors.Wrapf(err, "invalid wallet address %s", wallet))
	}

	recent, err := p.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", errors.Wrap(err, "fetching recent blockhash")
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, p.treasury.PublicKey(), recipient).Build(),
		},
		recent.Value.Blockhash,
		solana.TransactionPayer(p.treasury.PublicKey()),
	)
	if err != nil {
		return "", errors.Wrap(err, "building transfer")
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(p.treasury.PublicKey()) {
			return &p.treasury
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "signing transfer")
	}

	sig, err := p.client.SendTransaction(ctx, tx)
	if err != nil {
		return "", errors.Wrap(err, "broadcasting transfer")
	}
	return sig.String(), nil
}

func (p *SolanaProvider) Balance(ctx context.Context, wallet string) (uint64, error) {
	pk, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid wallet address %s", wallet)
	}
	out, err := p.client.GetBalance(ctx, pk, rpc.CommitmentFinalized)
	if err != nil {
		return 0, errors.Wrap(err, "fetching wallet balance")
	}
	return out.Value, nil
}

func (p *SolanaProvider) TreasuryBalance(ctx context.Context) (uint64, error) {
	out, err := p.client.GetBalance(ctx, p.treasury.PublicKey(), rpc.CommitmentFinalized)
	if err != nil {
		return 0, errors.Wrap(err, "fetching treasury balance")
	}
	return out.Value, nil
}

var _ Provider = (*SimulatedProvider)(nil)
var _ Provider = (*SolanaProvider)(nil)
