package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
)

// Redacted replaces sensitive values in a redacted export.
const Redacted = "[REDACTED]"

// ExportOptions controls SIEM export.
type ExportOptions struct {
	Redact bool
}

// siemRecord is one exported line. Every field is always present so that a
// false approval is distinguishable from an absent one. Details shadows the
// embedded map so that redaction can replace it with a string.
type siemRecord struct {
	domain.AuditEntry
	Details  any  `json:"details"`
	Redacted bool `json:"redacted"`
}

// ExportForSIEM writes entries matching f to w as line-delimited JSON and
// returns the number of lines written. Redaction masks operator identity and
// free text but never hashes, so an exported chain stays verifiable.
func (l *Ledger) ExportForSIEM(ctx context.Context, w io.Writer, f Filter, opts ExportOptions) (int, error) {
	entries, err := l.Find(ctx, f)
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	n := 0
	for _, e := range entries {
		rec := siemRecord{AuditEntry: e, Details: map[string]any{}}
		if len(e.Details) > 0 {
			rec.Details = e.Details
		}
		if opts.Redact {
			redact(&rec)
		}
		if err := enc.Encode(rec); err != nil {
			return n, fmt.Errorf("write entry %d: %w", e.SequenceNumber, err)
		}
		n++
	}
	return n, nil
}

func redact(rec *siemRecord) {
	rec.Redacted = true
	if rec.OperatorID != "" {
		rec.OperatorID = Redacted
	}
	if rec.ApproverID != "" {
		rec.ApproverID = Redacted
	}
	if rec.Target != "" {
		rec.Target = Redacted
	}
	if rec.AttestationText != "" {
		rec.AttestationText = Redacted
	}
	if rec.Reasoning != "" {
		rec.Reasoning = Redacted
	}
	if len(rec.AuditEntry.Details) > 0 {
		rec.Details = Redacted
	}
}
