package validators

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	domainconfig "chronicle-backend/domain/config"
)

func TestValidateSubmission(t *testing.T) {
	validator := NewTurnValidator()

	tests := []struct {
		name         string
		campaignID   string
		participants []string
		wantErr      bool
	}{
		{
			name:         "valid submission",
			campaignID:   "campaign-1",
			participants: []string{"char-1", "char-2"},
			wantErr:      false,
		},
		{
			name:         "allows namespaced identifiers",
			campaignID:   "world:shard-7.alpha",
			participants: []string{"npc:guard_01"},
			wantErr:      false,
		},
		{
			name:         "missing campaign ID",
			campaignID:   "",
			participants: []string{"char-1"},
			wantErr:      true,
		},
		{
			name:         "campaign ID too long",
			campaignID:   strings.Repeat("a", 129),
			participants: []string{"char-1"},
			wantErr:      true,
		},
		{
			name:         "campaign ID with invalid characters",
			campaignID:   "campaign one",
			participants: []string{"char-1"},
			wantErr:      true,
		},
		{
			name:         "no participants",
			campaignID:   "campaign-1",
			participants: nil,
			wantErr:      true,
		},
		{
			name:         "empty participant",
			campaignID:   "campaign-1",
			participants: []string{"char-1", ""},
			wantErr:      true,
		},
		{
			name:         "duplicate participants",
			campaignID:   "campaign-1",
			participants: []string{"char-1", "char-1"},
			wantErr:      true,
		},
		{
			name:         "participant with invalid characters",
			campaignID:   "campaign-1",
			participants: []string{"char 1"},
			wantErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateSubmission(tt.campaignID, tt.participants)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSubmissionParticipantCeiling(t *testing.T) {
	cfg := domainconfig.DefaultDomainConfig()
	validator := NewTurnValidatorWithConfig(cfg)

	atLimit := make([]string, cfg.MaxParticipantsPerTurn)
	for i := range atLimit {
		atLimit[i] = fmt.Sprintf("char-%d", i)
	}

	assert.NoError(t, validator.ValidateSubmission("campaign-1", atLimit))
	assert.Error(t, validator.ValidateSubmission("campaign-1", append(atLimit, "char-overflow")))
}
