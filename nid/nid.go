package nid

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// Size is the wire size of a node identifier in bytes.
const Size = 16

var ErrInvalidLength = errors.New("node id must be 16 bytes")

// ID is a 128-bit node identifier, generated once per node at construction
// and stable for the process lifetime. It is informational only: peer
// equality on the network is decided by (ip, port), not by ID.
//
// ID implements MarshalBinary/UnmarshalBinary so it travels through CBOR
// as its raw 16 bytes.
type ID struct {
	u uuid.UUID
}

// New generates a fresh random identifier.
func New() ID {
	return ID{u: uuid.New()}
}

func FromBytes(b []byte) (ID, error) {
	if len(b) != Size {
		return ID{}, ErrInvalidLength
	}
	u, err := uuid.FromBytes(b)
	if err != nil {
		return ID{}, err
	}
	return ID{u: u}, nil
}

func FromString(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID{u: u}, nil
}

// Bytes returns the raw 16-byte representation.
func (id ID) Bytes() []byte {
	b := id.u
	return b[:]
}

func (id ID) String() string {
	return id.u.String()
}

func (id ID) IsZero() bool {
	return id.u == uuid.Nil
}

func (id ID) MarshalBinary() ([]byte, error) {
	return id.Bytes(), nil
}

func (id *ID) UnmarshalBinary(data []byte) error {
	parsed, err := FromBytes(data)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*id = ID{}
		return nil
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
