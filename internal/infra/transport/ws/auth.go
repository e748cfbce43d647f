package ws

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/domain/model"
	"github.com/coachpo/cfdmaker/internal/infra/transport"
)

const (
	nonceSize        = 32
	handshakeTimeout = 10 * time.Second
	authDomain       = "cfdmaker/peer-auth/v1"
)

// challenge is the first frame on every substream, sent by the listener.
type challenge struct {
	Nonce model.HexBytes `json:"nonce"`
}

// proof answers a challenge with the dialer's identity key.
type proof struct {
	PublicKey model.PublicKey `json:"publicKey"`
	Signature model.HexBytes  `json:"signature"`
}

// PeerIDFromKey is the peer id a substream authenticated with pk is tagged with.
func PeerIDFromKey(pk model.PublicKey) model.PeerID {
	return model.PeerID(pk.String())
}

// authDigest binds a signature to the protocol and the listener's nonce.
func authDigest(protocol string, nonce []byte) []byte {
	msg := make([]byte, 0, len(authDomain)+len(protocol)+len(nonce)+2)
	msg = append(msg, authDomain...)
	msg = append(msg, 0)
	msg = append(msg, protocol...)
	msg = append(msg, 0)
	msg = append(msg, nonce...)
	return chainhash.HashB(msg)
}

// challengePeer proves the remote side holds the key it claims. It returns
// the peer id derived from that key.
func challengePeer(ctx context.Context, framed *transport.Framed, protocol string) (model.PeerID, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", errs.New("transport/ws", errs.CodeInternal, errs.WithMessage("draw nonce"), errs.WithCause(err))
	}
	if err := framed.Send(ctx, challenge{Nonce: nonce}); err != nil {
		return "", fmt.Errorf("send challenge: %w", err)
	}
	var p proof
	if err := framed.Receive(ctx, &p); err != nil {
		return "", fmt.Errorf("receive proof: %w", err)
	}
	if p.PublicKey.IsZero() {
		return "", errs.New("transport/ws", errs.CodeProtocol, errs.WithMessage("proof without public key"))
	}
	sig, err := btcec.ParseDERSignature(p.Signature, btcec.S256())
	if err != nil {
		return "", errs.New("transport/ws", errs.CodeProtocol, errs.WithMessage("malformed proof signature"), errs.WithCause(err))
	}
	if !sig.Verify(authDigest(protocol, nonce), p.PublicKey.PublicKey) {
		return "", errs.New("transport/ws", errs.CodeProtocol, errs.WithMessage("proof signature does not verify"),
			errs.WithField("public_key", p.PublicKey.String()))
	}
	return PeerIDFromKey(p.PublicKey), nil
}

// answerChallenge signs the listener's challenge with identity.
func answerChallenge(ctx context.Context, framed *transport.Framed, protocol string, identity model.SecretKey) error {
	if identity.IsZero() {
		return errs.New("transport/ws", errs.CodeInvalid, errs.WithMessage("dialer identity key required"))
	}
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var c challenge
	if err := framed.Receive(ctx, &c); err != nil {
		return fmt.Errorf("receive challenge: %w", err)
	}
	if len(c.Nonce) != nonceSize {
		return errs.New("transport/ws", errs.CodeProtocol, errs.WithMessage(fmt.Sprintf("challenge nonce of %d bytes", len(c.Nonce))))
	}
	sig, err := identity.Sign(authDigest(protocol, c.Nonce))
	if err != nil {
		return errs.New("transport/ws", errs.CodeInternal, errs.WithMessage("sign challenge"), errs.WithCause(err))
	}
	return framed.Send(ctx, proof{PublicKey: identity.Public(), Signature: sig.Serialize()})
}
