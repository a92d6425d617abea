// Package phaseports provides PhasePort adapters. The HTTP adapter fronts a
// phase's owning service over its REST boundary; the local adapter simulates
// a phase in-process for development and smoke testing.
package phaseports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/valueobjects"
	pkgerrors "chronicle-backend/pkg/errors"
)

// executeRequest is the wire form of a phase invocation
type executeRequest struct {
	TurnID         string   `json:"turn_id"`
	CampaignID     string   `json:"campaign_id"`
	SequenceNumber int64    `json:"sequence_number"`
	ParticipantIDs []string `json:"participant_ids"`
	ParticipantID  *string  `json:"participant_id,omitempty"`
	AIEnabled      bool     `json:"ai_enabled"`
}

// executeResponse is what a phase service returns on success
type executeResponse struct {
	OutputRef  string `json:"output_ref"`
	BeforeRef  string `json:"before_ref"`
	CostMicros int64  `json:"cost_micros"`
}

type compensateRequest struct {
	BeforeRef string `json:"before_ref"`
}

// errorResponse mirrors the standard error envelope of the phase services
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPPort calls one phase's owning service over HTTP. The adapter maps
// transport and 5xx failures to retryable errors and 4xx rejections to
// fatal ones so the executor's classification stays a pure taxonomy.
type HTTPPort struct {
	phase   valueobjects.PhaseType
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPPort creates an HTTP adapter for a phase. The client is shared
// across ports so connection pools and tracing wrappers apply uniformly.
func NewHTTPPort(phase valueobjects.PhaseType, baseURL string, client *http.Client, logger *zap.Logger) *HTTPPort {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPPort{
		phase:   phase,
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}
}

// Type implements ports.PhasePort
func (p *HTTPPort) Type() valueobjects.PhaseType {
	return p.phase
}

// Execute implements ports.PhasePort
func (p *HTTPPort) Execute(ctx context.Context, tc ports.TurnContext, participant *valueobjects.ParticipantID) (ports.PhaseOutput, error) {
	req := executeRequest{
		TurnID:         tc.TurnID.String(),
		CampaignID:     tc.CampaignID.String(),
		SequenceNumber: tc.SequenceNumber,
		AIEnabled:      tc.AIEnabled,
	}
	for _, id := range tc.Participants {
		req.ParticipantIDs = append(req.ParticipantIDs, id.String())
	}
	if participant != nil {
		id := participant.String()
		req.ParticipantID = &id
	}

	var resp executeResponse
	if err := p.post(ctx, "/execute", req, &resp); err != nil {
		return ports.PhaseOutput{}, err
	}
	if resp.BeforeRef == "" {
		// A phase response without a before-image cannot be compensated,
		// so it must not count as a success.
		return ports.PhaseOutput{}, pkgerrors.NewFatalFailure(
			fmt.Sprintf("phase %s returned no before-image reference", p.phase), nil)
	}
	return ports.PhaseOutput{
		OutputRef: valueobjects.OutputRef(resp.OutputRef),
		BeforeRef: valueobjects.BeforeRef(resp.BeforeRef),
		Cost:      valueobjects.NewCostFromMicros(resp.CostMicros),
	}, nil
}

// Compensate implements ports.PhasePort
func (p *HTTPPort) Compensate(ctx context.Context, before valueobjects.BeforeRef) error {
	return p.post(ctx, "/compensate", compensateRequest{BeforeRef: before.String()}, nil)
}

func (p *HTTPPort) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return pkgerrors.NewFatalFailure("failed to encode phase request", err)
	}

	url := p.baseURL + "/v1/phases/" + p.phase.String() + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return pkgerrors.NewFatalFailure("failed to build phase request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return pkgerrors.NewRetryableFailure(
			fmt.Sprintf("phase %s service unreachable", p.phase), err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, httpResp.Body)
			return nil
		}
		if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
			return pkgerrors.NewRetryableFailure(
				fmt.Sprintf("phase %s returned a malformed response", p.phase), err)
		}
		return nil
	}

	var envelope errorResponse
	message := http.StatusText(httpResp.StatusCode)
	if decodeErr := json.NewDecoder(io.LimitReader(httpResp.Body, 4096)).Decode(&envelope); decodeErr == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}

	p.logger.Warn("Phase service rejected request",
		zap.String("phase", p.phase.String()),
		zap.String("url", url),
		zap.Int("status_code", httpResp.StatusCode),
		zap.String("message", message),
	)

	switch {
	case httpResp.StatusCode == http.StatusRequestTimeout,
		httpResp.StatusCode == http.StatusTooManyRequests,
		httpResp.StatusCode >= 500:
		return pkgerrors.NewRetryableFailure(
			fmt.Sprintf("phase %s failed with status %d: %s", p.phase, httpResp.StatusCode, message), nil)
	default:
		return pkgerrors.NewFatalFailure(
			fmt.Sprintf("phase %s rejected the request with status %d: %s", p.phase, httpResp.StatusCode, message), nil)
	}
}
