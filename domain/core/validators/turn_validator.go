package validators

import (
	"regexp"

	domainconfig "chronicle-backend/domain/config"
	"chronicle-backend/pkg/errors"
)

// TurnValidator validates turn submission domain rules
type TurnValidator struct {
	maxParticipants  int
	idPattern        *regexp.Regexp
	campaignIDMaxLen int
}

// NewTurnValidator creates a new turn validator with default rules
func NewTurnValidator() *TurnValidator {
	return NewTurnValidatorWithConfig(domainconfig.DefaultDomainConfig())
}

// NewTurnValidatorWithConfig creates a turn validator with explicit rules
func NewTurnValidatorWithConfig(cfg *domainconfig.DomainConfig) *TurnValidator {
	return &TurnValidator{
		maxParticipants:  cfg.MaxParticipantsPerTurn,
		idPattern:        regexp.MustCompile(cfg.IDPattern),
		campaignIDMaxLen: cfg.MaxCampaignIDLength,
	}
}

// ValidateSubmission validates the raw fields of a begin-turn request
func (v *TurnValidator) ValidateSubmission(campaignID string, participantIDs []string) error {
	validationErrors := errors.NewValidationErrors()

	if campaignID == "" {
		validationErrors.Add("campaign_id", "campaign ID is required")
	} else {
		if len(campaignID) > v.campaignIDMaxLen {
			validationErrors.Add("campaign_id", "campaign ID is too long")
		}
		if !v.idPattern.MatchString(campaignID) {
			validationErrors.Add("campaign_id", "campaign ID contains invalid characters")
		}
	}

	if len(participantIDs) == 0 {
		validationErrors.Add("participant_ids", "at least one participant is required")
	}
	if len(participantIDs) > v.maxParticipants {
		validationErrors.Add("participant_ids", "too many participants")
	}

	seen := make(map[string]bool, len(participantIDs))
	for _, id := range participantIDs {
		if id == "" {
			validationErrors.Add("participant_ids", "participant ID cannot be empty")
			continue
		}
		if !v.idPattern.MatchString(id) {
			validationErrors.Add("participant_ids", "participant ID contains invalid characters: "+id)
		}
		if seen[id] {
			validationErrors.Add("participant_ids", "duplicate participant ID: "+id)
		}
		seen[id] = true
	}

	if validationErrors.HasErrors() {
		return validationErrors
	}
	return nil
}
