package valueobjects

import (
	"errors"
	"strings"
)

// CampaignID identifies the campaign a turn belongs to
type CampaignID struct {
	value string
}

// NewCampaignID creates a CampaignID from a string
func NewCampaignID(id string) (CampaignID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return CampaignID{}, errors.New("campaign ID cannot be empty")
	}
	return CampaignID{value: id}, nil
}

// String returns the string representation of the CampaignID
func (id CampaignID) String() string {
	return id.value
}

// IsZero checks if the CampaignID is the zero value
func (id CampaignID) IsZero() bool {
	return id.value == ""
}

// ParticipantID identifies one character participating in a turn
type ParticipantID struct {
	value string
}

// NewParticipantID creates a ParticipantID from a string
func NewParticipantID(id string) (ParticipantID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return ParticipantID{}, errors.New("participant ID cannot be empty")
	}
	return ParticipantID{value: id}, nil
}

// String returns the string representation of the ParticipantID
func (id ParticipantID) String() string {
	return id.value
}

// Equals checks if two ParticipantIDs are equal
func (id ParticipantID) Equals(other ParticipantID) bool {
	return id.value == other.value
}

// IsZero checks if the ParticipantID is the zero value
func (id ParticipantID) IsZero() bool {
	return id.value == ""
}

// MarshalJSON implements json.Marshaler
func (id ParticipantID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.value + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (id *ParticipantID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("ParticipantID must be a string")
	}
	id.value = string(data[1 : len(data)-1])
	return nil
}

// NewParticipantSet validates a slice of raw participant identifiers,
// rejecting empties and duplicates while preserving order
func NewParticipantSet(raw []string) ([]ParticipantID, error) {
	if len(raw) == 0 {
		return nil, errors.New("participant set cannot be empty")
	}
	seen := make(map[string]struct{}, len(raw))
	participants := make([]ParticipantID, 0, len(raw))
	for _, r := range raw {
		p, err := NewParticipantID(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[p.String()]; dup {
			return nil, errors.New("duplicate participant ID: " + p.String())
		}
		seen[p.String()] = struct{}{}
		participants = append(participants, p)
	}
	return participants, nil
}
