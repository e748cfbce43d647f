// Package dlc defines the contract transaction construction the maker relies on.
// Implementations are pure functions over their inputs; the maker only sequences them.
package dlc

import (
	"context"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/domain/model"
)

// PartyKeys are the public keys one party contributes to punishment.
type PartyKeys struct {
	IdentityPk   model.PublicKey `json:"identityPk"`
	RevocationPk model.PublicKey `json:"revocationPk"`
	PublishPk    model.PublicKey `json:"publishPk"`
}

// PunishParams are both parties' keys for a commit transaction generation.
type PunishParams struct {
	Maker PartyKeys `json:"maker"`
	Taker PartyKeys `json:"taker"`
}

// Counterparty returns the keys of the party opposite to role.
func (p PunishParams) Counterparty(role model.Role) PartyKeys {
	if role == model.RoleMaker {
		return p.Taker
	}
	return p.Maker
}

// RevocationKeys is what each side reveals in the first handshake round.
type RevocationKeys struct {
	RevocationPk model.PublicKey `json:"revocationPk"`
	PublishPk    model.PublicKey `json:"publishPk"`
}

// BuildPunishParams arranges own and counterparty keys by role.
func BuildPunishParams(role model.Role, identity model.SecretKey, identityCounterparty model.PublicKey, theirs RevocationKeys, revocationPk, publishPk model.PublicKey) PunishParams {
	ours := PartyKeys{IdentityPk: identity.Public(), RevocationPk: revocationPk, PublishPk: publishPk}
	counterparty := PartyKeys{IdentityPk: identityCounterparty, RevocationPk: theirs.RevocationPk, PublishPk: theirs.PublishPk}
	if role == model.RoleMaker {
		return PunishParams{Maker: ours, Taker: counterparty}
	}
	return PunishParams{Maker: counterparty, Taker: ours}
}

// OwnTransactions are the transactions and signatures this party builds for a
// new commit generation.
type OwnTransactions struct {
	Commit       model.Transaction                        `json:"commit"`
	CommitEncSig model.HexBytes                           `json:"commitEncSig"`
	Cets         map[model.BitMexPriceEventID][]model.Cet `json:"cets"`
	Refund       model.Transaction                        `json:"refund"`
	RefundSig    model.HexBytes                           `json:"refundSig"`
}

// CounterpartySignatures are the counterparty's signatures over the shared
// transactions of a commit generation.
type CounterpartySignatures struct {
	CommitEncSig model.HexBytes                                `json:"commit"`
	Cets         map[model.BitMexPriceEventID][]model.HexBytes `json:"cets"`
	RefundSig    model.HexBytes                                `json:"refund"`
}

// Signatures returns the part of own the counterparty needs.
func (o OwnTransactions) Signatures() CounterpartySignatures {
	cets := make(map[model.BitMexPriceEventID][]model.HexBytes, len(o.Cets))
	for id, list := range o.Cets {
		sigs := make([]model.HexBytes, len(list))
		for i, cet := range list {
			sigs[i] = cet.AdaptorSig
		}
		cets[id] = sigs
	}
	return CounterpartySignatures{CommitEncSig: o.CommitEncSig, Cets: cets, RefundSig: o.RefundSig}
}

// OwnTransactionsRequest gathers the inputs for BuildOwnTransactions.
type OwnTransactionsRequest struct {
	Dlc          model.Dlc
	Params       model.RolloverParams
	Announcement model.Announcement
	OraclePk     model.PublicKey
	Position     model.Position
	PayoutCount  int
	CompleteFee  model.CompleteFee
	Punish       PunishParams
}

// VerifyRequest gathers the inputs for BuildAndVerifyCetsAndRefund.
type VerifyRequest struct {
	Dlc              model.Dlc
	Announcement     model.Announcement
	OraclePk         model.PublicKey
	PublishPk        model.PublicKey
	Role             model.Role
	Own              OwnTransactions
	CommitDescriptor string
	Counterparty     CounterpartySignatures
}

// Builder constructs and verifies the transactions of a commit generation.
type Builder interface {
	BuildOwnTransactions(ctx context.Context, req OwnTransactionsRequest) (OwnTransactions, error)
	BuildCommitDescriptor(punish PunishParams) (string, error)
	BuildAndVerifyCetsAndRefund(ctx context.Context, req VerifyRequest) (map[model.BitMexPriceEventID][]model.Cet, model.Refund, error)
	// FinalizeRevokedCommits returns dlc's revoked history extended with the
	// commit being replaced, using the counterparty's revealed secret and its
	// encrypted signature over that commit.
	FinalizeRevokedCommits(dlc model.Dlc, commitEncSig model.HexBytes, revealed model.SecretKey, feeBefore model.CompleteFee) ([]model.RevokedCommit, error)
}

// Unsupported is linked when no transaction builder is available; every call fails.
type Unsupported struct{}

var _ Builder = Unsupported{}

func (Unsupported) BuildOwnTransactions(context.Context, OwnTransactionsRequest) (OwnTransactions, error) {
	return OwnTransactions{}, errs.NotSupported("dlc", "transaction builder not linked")
}

func (Unsupported) BuildCommitDescriptor(PunishParams) (string, error) {
	return "", errs.NotSupported("dlc", "transaction builder not linked")
}

func (Unsupported) BuildAndVerifyCetsAndRefund(context.Context, VerifyRequest) (map[model.BitMexPriceEventID][]model.Cet, model.Refund, error) {
	return nil, model.Refund{}, errs.NotSupported("dlc", "transaction builder not linked")
}

func (Unsupported) FinalizeRevokedCommits(model.Dlc, model.HexBytes, model.SecretKey, model.CompleteFee) ([]model.RevokedCommit, error) {
	return nil, errs.NotSupported("dlc", "transaction builder not linked")
}
