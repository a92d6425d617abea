package valueobjects

import (
	"errors"

	"github.com/google/uuid"
)

// TurnID is a value object representing a unique turn identifier
// Value objects are immutable and have no identity beyond their value
type TurnID struct {
	value string
}

// NewTurnID creates a new random TurnID
func NewTurnID() TurnID {
	return TurnID{value: uuid.New().String()}
}

// NewTurnIDFromString creates a TurnID from an existing string
func NewTurnIDFromString(id string) (TurnID, error) {
	if id == "" {
		return TurnID{}, errors.New("turn ID cannot be empty")
	}
	if !isValidUUID(id) {
		return TurnID{}, errors.New("turn ID must be a valid UUID")
	}
	return TurnID{value: id}, nil
}

// String returns the string representation of the TurnID
func (id TurnID) String() string {
	return id.value
}

// Equals checks if two TurnIDs are equal
func (id TurnID) Equals(other TurnID) bool {
	return id.value == other.value
}

// IsZero checks if the TurnID is the zero value
func (id TurnID) IsZero() bool {
	return id.value == ""
}

// MarshalJSON implements json.Marshaler
func (id TurnID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.value + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (id *TurnID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("TurnID must be a string")
	}
	id.value = string(data[1 : len(data)-1])
	return nil
}

func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
