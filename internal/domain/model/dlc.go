package model

import (
	"fmt"

	"github.com/btcsuite/btcutil"
)

// Lock is the jointly funded output both parties commit to.
type Lock struct {
	Tx         Transaction `json:"tx"`
	Descriptor string      `json:"descriptor"`
}

// Commit is this party's commit transaction with the counterparty's
// encrypted signature over it.
type Commit struct {
	Tx                 Transaction `json:"tx"`
	EncSigCounterparty HexBytes    `json:"encSigCounterparty"`
	Descriptor         string      `json:"descriptor"`
}

// Refund spends the commit output back to both parties after the timelock.
type Refund struct {
	Tx              Transaction `json:"tx"`
	SigCounterparty HexBytes    `json:"sigCounterparty"`
}

// Cet is a contract execution transaction covering a range of outcomes.
type Cet struct {
	Tx         Transaction `json:"tx"`
	AdaptorSig HexBytes    `json:"adaptorSig"`
	RangeStart uint64      `json:"rangeStart"`
	RangeEnd   uint64      `json:"rangeEnd"`
}

// RevokedCommit records everything needed to punish publication of a
// superseded commit transaction.
type RevokedCommit struct {
	EncSigOurs         HexBytes           `json:"encSigOurs"`
	RevocationSkTheirs SecretKey          `json:"revocationSkTheirs"`
	RevocationSkOurs   SecretKey          `json:"revocationSkOurs"`
	PublishPkTheirs    PublicKey          `json:"publishPkTheirs"`
	Txid               Txid               `json:"txid"`
	ScriptPubkey       HexBytes           `json:"scriptPubkey"`
	SettlementEventID  BitMexPriceEventID `json:"settlementEventId"`
	CompleteFee        *CompleteFee       `json:"completeFee,omitempty"`
}

// Dlc is the materialised discreet log contract backing a Cfd.
type Dlc struct {
	Identity                 SecretKey                    `json:"identity"`
	IdentityCounterparty     PublicKey                    `json:"identityCounterparty"`
	Revocation               SecretKey                    `json:"revocation"`
	RevocationPkCounterparty PublicKey                    `json:"revocationPkCounterparty"`
	Publish                  SecretKey                    `json:"publish"`
	PublishPkCounterparty    PublicKey                    `json:"publishPkCounterparty"`
	MakerAddress             string                       `json:"makerAddress"`
	TakerAddress             string                       `json:"takerAddress"`
	Lock                     Lock                         `json:"lock"`
	Commit                   Commit                       `json:"commit"`
	Cets                     map[BitMexPriceEventID][]Cet `json:"cets"`
	Refund                   Refund                       `json:"refund"`
	MakerLockAmount          btcutil.Amount               `json:"makerLockAmount"`
	TakerLockAmount          btcutil.Amount               `json:"takerLockAmount"`
	RevokedCommits           []RevokedCommit              `json:"revokedCommits"`
	SettlementEventID        BitMexPriceEventID           `json:"settlementEventId"`
	RefundTimelock           uint32                       `json:"refundTimelock"`
}

// CommitTxid is the id of the current commit transaction.
func (d *Dlc) CommitTxid() Txid {
	return d.Commit.Tx.Txid()
}

// RevokedCommitFor finds a revoked commit by transaction id.
func (d *Dlc) RevokedCommitFor(txid Txid) (RevokedCommit, bool) {
	for _, rc := range d.RevokedCommits {
		if rc.Txid == txid {
			return rc, true
		}
	}
	return RevokedCommit{}, false
}

// Successor builds the Dlc that replaces d after a rollover. Identity,
// addresses, lock and lock amounts carry over; revoked must extend d's
// history by exactly one entry.
func (d *Dlc) Successor(next NegotiatedDlc, revoked []RevokedCommit) (Dlc, error) {
	if err := d.checkRevokedHistory(revoked); err != nil {
		return Dlc{}, err
	}
	return Dlc{
		Identity:                 d.Identity,
		IdentityCounterparty:     d.IdentityCounterparty,
		Revocation:               next.Revocation,
		RevocationPkCounterparty: next.RevocationPkCounterparty,
		Publish:                  next.Publish,
		PublishPkCounterparty:    next.PublishPkCounterparty,
		MakerAddress:             d.MakerAddress,
		TakerAddress:             d.TakerAddress,
		Lock:                     d.Lock,
		Commit:                   next.Commit,
		Cets:                     next.Cets,
		Refund:                   next.Refund,
		MakerLockAmount:          d.MakerLockAmount,
		TakerLockAmount:          d.TakerLockAmount,
		RevokedCommits:           revoked,
		SettlementEventID:        next.SettlementEventID,
		RefundTimelock:           next.RefundTimelock,
	}, nil
}

// Supersedes reports whether d is a valid successor of prev: its revoked
// history is prev's extended by prev's current commit.
func (d *Dlc) Supersedes(prev *Dlc) bool {
	return prev != nil && prev.checkRevokedHistory(d.RevokedCommits) == nil
}

func (d *Dlc) checkRevokedHistory(revoked []RevokedCommit) error {
	if len(revoked) != len(d.RevokedCommits)+1 {
		return fmt.Errorf("revoked commit history must grow by one: had %d, got %d", len(d.RevokedCommits), len(revoked))
	}
	for i, rc := range d.RevokedCommits {
		if revoked[i].Txid != rc.Txid {
			return fmt.Errorf("revoked commit %d rewritten: %s became %s", i, rc.Txid, revoked[i].Txid)
		}
	}
	if last := revoked[len(revoked)-1]; last.Txid != d.CommitTxid() {
		return fmt.Errorf("revoked commit %s is not the superseded commit %s", last.Txid, d.CommitTxid())
	}
	return nil
}

// NegotiatedDlc carries the parts of a Dlc replaced by a rollover.
type NegotiatedDlc struct {
	Revocation               SecretKey
	RevocationPkCounterparty PublicKey
	Publish                  SecretKey
	PublishPkCounterparty    PublicKey
	Commit                   Commit
	Cets                     map[BitMexPriceEventID][]Cet
	Refund                   Refund
	SettlementEventID        BitMexPriceEventID
	RefundTimelock           uint32
}

// PartyParams are a party's contributions to the lock transaction.
type PartyParams struct {
	LockPsbt   HexBytes       `json:"lockPsbt"`
	IdentityPk PublicKey      `json:"identityPk"`
	LockAmount btcutil.Amount `json:"lockAmount"`
	Address    string         `json:"address"`
}

// WalletInfo is the snapshot published on the wallet feed.
type WalletInfo struct {
	Balance     btcutil.Amount `json:"balance"`
	Address     string         `json:"address"`
	LastUpdated int64          `json:"lastUpdated"`
}
