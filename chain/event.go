// Package chain is the reference business-logic collaborator: a ledger
// that stores opaque, already-serialized event payloads keyed by their
// content hash. The node core consumes it only through the Processor
// interface and never looks inside a payload.
package chain

import "fmt"

// Kind enumerates the known event kinds carried over the mesh. The set
// is closed: converting to or from the wire code is an exhaustive match,
// so an unknown kind is always an explicit error rather than a silent
// fallback classification.
type Kind uint8

const (
	KindTransaction Kind = iota
	KindBlockMined
	KindNFTMint
	KindNFTTransfer
	KindPoolVote
)

// Code converts a kind to its wire-stable code. The values are a
// protocol contract and must never be renumbered.
func (k Kind) Code() (uint8, error) {
	switch k {
	case KindTransaction:
		return 0, nil
	case KindBlockMined:
		return 1, nil
	case KindNFTMint:
		return 2, nil
	case KindNFTTransfer:
		return 3, nil
	case KindPoolVote:
		return 4, nil
	}
	return 0, fmt.Errorf("chain: unknown event kind %d", uint8(k))
}

// KindFromCode converts a wire code back to a kind.
func KindFromCode(code uint8) (Kind, error) {
	switch code {
	case 0:
		return KindTransaction, nil
	case 1:
		return KindBlockMined, nil
	case 2:
		return KindNFTMint, nil
	case 3:
		return KindNFTTransfer, nil
	case 4:
		return KindPoolVote, nil
	}
	return 0, fmt.Errorf("chain: unknown event code %d", code)
}

func (k Kind) String() string {
	switch k {
	case KindTransaction:
		return "Transaction"
	case KindBlockMined:
		return "BlockMined"
	case KindNFTMint:
		return "NFTMint"
	case KindNFTTransfer:
		return "NFTTransfer"
	case KindPoolVote:
		return "PoolVote"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Envelope wraps one serialized event as it travels inside a wire
// payload. Body is opaque to this package beyond its hash; signing and
// verification semantics live with the Verifier.
type Envelope struct {
	Kind      uint8  `cbor:"1,keyasint"`
	Body      []byte `cbor:"2,keyasint,omitempty"`
	Signature []byte `cbor:"3,keyasint,omitempty"`
	PublicKey []byte `cbor:"4,keyasint,omitempty"`
}

// Verifier checks an event's signature. Implementations are supplied
// externally and treated as already correct.
type Verifier interface {
	Verify(eventBytes, signature, publicKey []byte) bool
}
