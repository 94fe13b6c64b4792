package landscape

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/elspeth-io/elspeth/internal/secrets"
)

// AuditExport is the signed summary produced by ExportAuditTrail: enough to
// detect tampering with the recorded nodes/edges of a completed run without
// re-shipping the entire audit trail.
type AuditExport struct {
	RunID       string
	NodeCount   int
	EdgeCount   int
	Fingerprint string
}

// ExportAuditTrail computes a keyed fingerprint over runID's registered
// nodes and edges and, on success, marks the run exported. A missing or
// failing fingerprint key is fatal (secrets.ErrFingerprintKeyUnavailable)
// rather than silently treated as an empty key; the run's export_status is
// stamped "failed" either way so a reconciliation pass can tell an export
// was attempted and did not complete.
func ExportAuditTrail(ctx context.Context, rec Recorder, runID string, keys secrets.Provider) (*AuditExport, error) {
	key, err := secrets.FingerprintKey(keys)
	if err != nil {
		_ = rec.UpdateExportStatus(ctx, runID, ExportStatusFailed)

		return nil, err
	}

	nodes, err := rec.GetNodes(ctx, runID)
	if err != nil {
		_ = rec.UpdateExportStatus(ctx, runID, ExportStatusFailed)

		return nil, err
	}

	edges, err := rec.GetEdges(ctx, runID)
	if err != nil {
		_ = rec.UpdateExportStatus(ctx, runID, ExportStatusFailed)

		return nil, err
	}

	mac := hmac.New(sha256.New, []byte(key))

	for _, n := range nodes {
		fmt.Fprintf(mac, "%s|%s|%s|%s\n", n.NodeID, n.PluginName, n.ConfigHash, n.Determinism)
	}

	for _, e := range edges {
		fmt.Fprintf(mac, "%s|%s|%s\n", e.FromNodeID, e.ToNodeID, e.Label)
	}

	export := &AuditExport{
		RunID:       runID,
		NodeCount:   len(nodes),
		EdgeCount:   len(edges),
		Fingerprint: hex.EncodeToString(mac.Sum(nil)),
	}

	if err := rec.UpdateExportStatus(ctx, runID, ExportStatusExported); err != nil {
		return nil, err
	}

	return export, nil
}
