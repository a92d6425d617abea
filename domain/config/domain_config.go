// Package config holds configurable business rules for the turn domain.
package config

// DomainConfig holds all configurable business rules and constraints
type DomainConfig struct {
	// Turn constraints
	MaxParticipantsPerTurn int
	MaxCampaignIDLength    int
	MaxParticipantIDLength int

	// Identifier shape shared by campaigns and participants
	IDPattern string
}

// DefaultDomainConfig returns the default domain configuration
func DefaultDomainConfig() *DomainConfig {
	return &DomainConfig{
		MaxParticipantsPerTurn: 32,
		MaxCampaignIDLength:    128,
		MaxParticipantIDLength: 128,
		IDPattern:              `^[a-zA-Z0-9_\-:.]+$`,
	}
}
