package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sealgate/authgate/pkg/api"
	"github.com/sealgate/authgate/pkg/ledger"
	"github.com/sealgate/authgate/pkg/seal"
)

type markExecutedResponse struct {
	SealID          string `json:"seal_id"`
	MarkedExecuted  bool   `json:"marked_executed"`
	AlreadyExecuted bool   `json:"already_executed"`
	ExecutedAt      string `json:"executed_at"`
}

// handleMarkExecuted transitions a seal to executed. A replayed call is
// not a server error, but it is a conflict: the seal was already
// consumed, so the response is 409 and carries the first call's
// executed_at rather than a fresh one.
func (s *Server) handleMarkExecuted(w http.ResponseWriter, r *http.Request) {
	sealID := r.URL.Query().Get("seal_id")
	if sealID == "" {
		api.WriteBadRequest(w, "seal_id query parameter is required")
		return
	}

	entry, err := s.ledger.GetBySealID(r.Context(), sealID)
	if err != nil {
		if err == ledger.ErrEntryNotFound {
			api.WriteNotFound(w, "seal not found")
			return
		}
		api.WriteInternal(w, err)
		return
	}

	// MarkExecuted only reads SealID off the seal it's given; the full
	// record doesn't need reconstructing for this call.
	outcome, err := s.sealEngine.MarkExecuted(&seal.Seal{SealID: sealID, ManifestID: entry.ManifestID})
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	status := http.StatusOK
	if outcome.AlreadyExecuted {
		status = http.StatusConflict
	}

	writeJSON(w, status, markExecutedResponse{
		SealID:          sealID,
		MarkedExecuted:  outcome.MarkedExecuted,
		AlreadyExecuted: outcome.AlreadyExecuted,
		ExecutedAt:      outcome.ExecutedAt.UTC().Format(timeLayout),
	})
}

type verifyResponse struct {
	SealID          string `json:"seal_id"`
	Valid           bool   `json:"valid"`
	Approved        bool   `json:"approved"`
	Expired         bool   `json:"expired"`
	AlreadyExecuted bool   `json:"already_executed"`
	ManifestID      string `json:"manifest_id"`
	IssuedAt        string `json:"issued_at"`
	ExpiresAt       string `json:"expires_at"`
}

// handleVerifySeal independently re-verifies a seal's signature,
// expiry, and execution state.
func (s *Server) handleVerifySeal(w http.ResponseWriter, r *http.Request) {
	sealID := r.URL.Query().Get("seal_id")
	if sealID == "" {
		api.WriteBadRequest(w, "seal_id query parameter is required")
		return
	}

	entry, err := s.ledger.GetBySealID(r.Context(), sealID)
	if err != nil {
		if err == ledger.ErrEntryNotFound {
			api.WriteNotFound(w, "seal not found")
			return
		}
		api.WriteInternal(w, err)
		return
	}

	sealRecord, err := decodeSealFromEntry(entry)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	result, err := s.sealEngine.Verify(sealRecord)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		SealID:          sealRecord.SealID,
		Valid:           result.Valid,
		Approved:        result.Approved,
		Expired:         result.Expired,
		AlreadyExecuted: result.AlreadyExecuted,
		ManifestID:      sealRecord.ManifestID,
		IssuedAt:        sealRecord.IssuedAt.UTC().Format(timeLayout),
		ExpiresAt:       sealRecord.ExpiresAt.UTC().Format(timeLayout),
	})
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// sealEnvelope unwraps the "seal" key manifestPayload embeds in the
// ledger entry (orchestrator.manifestPayload), the one place the full
// signed seal is stored.
type sealEnvelope struct {
	Seal *seal.Seal `json:"seal"`
}

// decodeSealFromEntry reconstructs the signed seal from a ledger entry's
// payload so it can be independently re-verified without a dedicated
// seals table.
func decodeSealFromEntry(entry *ledger.Entry) (*seal.Seal, error) {
	var envelope sealEnvelope
	if err := json.Unmarshal(entry.Payload, &envelope); err != nil {
		return nil, fmt.Errorf("httpapi: decode seal from ledger entry: %w", err)
	}
	if envelope.Seal == nil {
		return nil, fmt.Errorf("httpapi: ledger entry %s has no embedded seal", entry.EntryID)
	}
	return envelope.Seal, nil
}
