package model

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// SecretKey is a secp256k1 private key that encodes as hex text.
type SecretKey struct {
	*btcec.PrivateKey
}

// PublicKey is a compressed secp256k1 public key that encodes as hex text.
type PublicKey struct {
	*btcec.PublicKey
}

// NewKeypair draws a fresh secp256k1 keypair from the system randomness source.
func NewKeypair() (SecretKey, PublicKey, error) {
	sk, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return SecretKey{}, PublicKey{}, fmt.Errorf("generate keypair: %w", err)
	}
	return SecretKey{sk}, PublicKey{sk.PubKey()}, nil
}

// Public returns the public half of sk.
func (sk SecretKey) Public() PublicKey {
	if sk.PrivateKey == nil {
		return PublicKey{}
	}
	return PublicKey{sk.PubKey()}
}

// IsZero reports whether no key is set.
func (sk SecretKey) IsZero() bool { return sk.PrivateKey == nil }

func (sk SecretKey) MarshalText() ([]byte, error) {
	if sk.PrivateKey == nil {
		return []byte{}, nil
	}
	return []byte(hex.EncodeToString(sk.Serialize())), nil
}

func (sk *SecretKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		sk.PrivateKey = nil
		return nil
	}
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode secret key: %w", err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return fmt.Errorf("decode secret key: expected %d bytes, got %d", btcec.PrivKeyBytesLen, len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), raw)
	sk.PrivateKey = priv
	return nil
}

// IsZero reports whether no key is set.
func (pk PublicKey) IsZero() bool { return pk.PublicKey == nil }

// Equal reports whether both keys are set and identical.
func (pk PublicKey) Equal(other PublicKey) bool {
	if pk.PublicKey == nil || other.PublicKey == nil {
		return pk.PublicKey == nil && other.PublicKey == nil
	}
	return pk.IsEqual(other.PublicKey)
}

func (pk PublicKey) String() string {
	if pk.PublicKey == nil {
		return ""
	}
	return hex.EncodeToString(pk.SerializeCompressed())
}

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		pk.PublicKey = nil
		return nil
	}
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// ParsePublicKey decodes a hex-encoded compressed or uncompressed public key.
func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode public key: %w", err)
	}
	key, err := btcec.ParsePubKey(raw, btcec.S256())
	if err != nil {
		return PublicKey{}, fmt.Errorf("parse public key: %w", err)
	}
	return PublicKey{key}, nil
}

// Txid identifies a transaction.
type Txid chainhash.Hash

func (id Txid) String() string {
	return chainhash.Hash(id).String()
}

func (id Txid) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *Txid) UnmarshalText(text []byte) error {
	h, err := chainhash.NewHashFromStr(string(text))
	if err != nil {
		return fmt.Errorf("decode txid: %w", err)
	}
	*id = Txid(*h)
	return nil
}

// Transaction wraps a bitcoin transaction and encodes it as consensus-serialized hex.
type Transaction struct {
	*wire.MsgTx
}

// Txid returns the transaction id, or the zero id for an empty wrapper.
func (tx Transaction) Txid() Txid {
	if tx.MsgTx == nil {
		return Txid{}
	}
	return Txid(tx.TxHash())
}

func (tx Transaction) MarshalText() ([]byte, error) {
	if tx.MsgTx == nil {
		return []byte{}, nil
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	return []byte(hex.EncodeToString(buf.Bytes())), nil
}

func (tx *Transaction) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		tx.MsgTx = nil
		return nil
	}
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	msg := new(wire.MsgTx)
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("deserialize transaction: %w", err)
	}
	tx.MsgTx = msg
	return nil
}

// HexBytes is an opaque byte string (signatures, adaptor signatures) encoded as hex.
type HexBytes []byte

func (b HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(b)), nil
}

func (b *HexBytes) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode hex: %w", err)
	}
	*b = raw
	return nil
}
