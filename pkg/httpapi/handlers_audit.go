package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sealgate/authgate/pkg/api"
	"github.com/sealgate/authgate/pkg/auth"
	"github.com/sealgate/authgate/pkg/ledger"
)

// auditEntryView is the wire shape for a single ledger entry in a query
// response.
type auditEntryView struct {
	EntryID      string    `json:"entry_id"`
	Sequence     uint64    `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
	EntryType    string    `json:"entry_type"`
	OrgID        string    `json:"org_id,omitempty"`
	Subject      string    `json:"subject"`
	Action       string    `json:"action"`
	ManifestID   string    `json:"manifest_id,omitempty"`
	SealID       string    `json:"seal_id,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Approved     *bool     `json:"approved,omitempty"`
	DenialReason string    `json:"denial_reason,omitempty"`
	EntryHash    string    `json:"entry_hash"`
	PreviousHash string    `json:"previous_hash"`
}

type auditQueryResponse struct {
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
	Records []auditEntryView `json:"records"`
}

// handleAuditQuery serves GET /v1/audit/query: the ledger's read path,
// filtered, paginated, and returned newest first. An authenticated
// caller's org always wins over any org_id query parameter — it is
// never possible to read another tenant's records by passing a
// different org_id on the wire.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := ledger.QueryFilter{
		OrgID:     q.Get("org_id"),
		EntryType: ledger.EntryType(q.Get("entry_type")),
		Subject:   q.Get("subject"),
		AgentID:   q.Get("agent_id"),
		Provider:  q.Get("provider"),
	}

	if principal, err := auth.GetPrincipal(r.Context()); err == nil {
		filter.OrgID = principal.OrgID
	}

	if raw := q.Get("approved"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			api.WriteBadRequest(w, "approved must be a boolean")
			return
		}
		filter.Approved = &v
	}

	if raw := q.Get("start_time"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			api.WriteBadRequest(w, "start_time must be RFC3339")
			return
		}
		filter.StartTime = &t
	}
	if raw := q.Get("end_time"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			api.WriteBadRequest(w, "end_time must be RFC3339")
			return
		}
		filter.EndTime = &t
	}

	filter.MaxResults = defaultAuditPageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			api.WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		if n > maxAuditPageSize {
			n = maxAuditPageSize
		}
		filter.MaxResults = n
	}

	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			api.WriteBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	entries, total, err := s.ledger.Query(r.Context(), filter)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	views := make([]auditEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, auditEntryView{
			EntryID:      e.EntryID,
			Sequence:     e.Sequence,
			Timestamp:    e.Timestamp,
			EntryType:    string(e.EntryType),
			OrgID:        e.OrgID,
			Subject:      e.Subject,
			Action:       e.Action,
			ManifestID:   e.ManifestID,
			SealID:       e.SealID,
			AgentID:      e.AgentID,
			Provider:     e.Provider,
			Approved:     e.Approved,
			DenialReason: e.DenialReason,
			EntryHash:    e.EntryHash,
			PreviousHash: e.PreviousHash,
		})
	}

	writeJSON(w, http.StatusOK, auditQueryResponse{
		Total:   total,
		Limit:   filter.MaxResults,
		Offset:  filter.Offset,
		Records: views,
	})
}

const (
	defaultAuditPageSize = 100
	maxAuditPageSize     = 1000
)

// handleAuditStats serves GET /v1/audit/stats. An empty org_id returns
// fleet-wide aggregates for an unauthenticated caller; for an
// authenticated caller the org_id is always its own org. The org scopes
// the manifest decision aggregates only (see ledger.Ledger.Stats).
func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if principal, err := auth.GetPrincipal(r.Context()); err == nil {
		orgID = principal.OrgID
	}

	stats, err := s.ledger.Stats(r.Context(), orgID)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
