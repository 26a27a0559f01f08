package landscape

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/canonical"
)

// ErrSigningKeyMissing is raised when a signed export is requested without a
// key. There is no unsigned fallback.
var ErrSigningKeyMissing = errors.New("landscape: signed export requested without a signing key")

// ExportRecord is one signed line of an export stream.
type ExportRecord struct {
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`
	Signature string         `json:"signature"`
}

// ExportManifest closes an export stream. FinalHash chains every record
// signature in emitted order, so dropping, reordering, or altering any
// record is detectable from the manifest alone.
type ExportManifest struct {
	RecordCount int    `json:"record_count"`
	FinalHash   string `json:"final_hash"`
	Signature   string `json:"signature"`
}

// Exporter produces tamper-evident dumps of a run's audit rows.
type Exporter struct {
	reader *Reader
	key    []byte
}

func NewExporter(reader *Reader, key []byte) (*Exporter, error) {
	if len(key) == 0 {
		return nil, ErrSigningKeyMissing
	}
	return &Exporter{reader: reader, key: key}, nil
}

func (e *Exporter) sign(payload map[string]any) (string, error) {
	b, err := canonical.Bytes(payload)
	if err != nil {
		return "", fmt.Errorf("export payload not canonicalizable: %w", err)
	}
	mac := hmac.New(sha256.New, e.key)
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// ExportRun emits one signed record per source row of the run, in row_index
// order, followed by the signed manifest.
func (e *Exporter) ExportRun(ctx context.Context, runID string) ([]ExportRecord, *ExportManifest, error) {
	rows, err := e.reader.RowsForRun(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("export run %s: %w", runID, err)
	}
	records := make([]ExportRecord, 0, len(rows))
	hash := sha256.New()
	for _, row := range rows {
		payload := map[string]any{
			"row_id":           row.RowID,
			"run_id":           row.RunID,
			"row_index":        row.RowIndex,
			"source_node_id":   row.SourceNodeID,
			"source_data_hash": row.SourceDataHash,
			"created_at":       row.CreatedAt,
		}
		outcomes, err := e.rowOutcomes(ctx, row.RowID)
		if err != nil {
			return nil, nil, err
		}
		payload["token_outcomes"] = outcomes
		sig, err := e.sign(payload)
		if err != nil {
			return nil, nil, err
		}
		hash.Write([]byte(sig))
		records = append(records, ExportRecord{Kind: "row", Payload: payload, Signature: sig})
	}
	manifest := &ExportManifest{
		RecordCount: len(records),
		FinalHash:   hex.EncodeToString(hash.Sum(nil)),
	}
	manifestSig, err := e.sign(map[string]any{
		"record_count": manifest.RecordCount,
		"final_hash":   manifest.FinalHash,
	})
	if err != nil {
		return nil, nil, err
	}
	manifest.Signature = manifestSig
	return records, manifest, nil
}

func (e *Exporter) rowOutcomes(ctx context.Context, rowID string) ([]any, error) {
	tokens, err := e.reader.TokensForRow(ctx, rowID)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(tokens))
	for _, tok := range tokens {
		terminal, err := e.reader.TerminalOutcome(ctx, tok.TokenID)
		if err != nil {
			return nil, err
		}
		entry := map[string]any{"token_id": tok.TokenID}
		if terminal != nil {
			entry["outcome"] = string(terminal.Outcome)
			if terminal.SinkName != "" {
				entry["sink_name"] = terminal.SinkName
			}
			if terminal.ErrorHash != "" {
				entry["error_hash"] = terminal.ErrorHash
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// Verify re-signs every record and recomputes the chained hash. It returns
// an error naming the first record that fails.
func (e *Exporter) Verify(records []ExportRecord, manifest *ExportManifest) error {
	if manifest.RecordCount != len(records) {
		return fmt.Errorf("manifest record_count %d != %d records", manifest.RecordCount, len(records))
	}
	hash := sha256.New()
	for i, rec := range records {
		want, err := e.sign(rec.Payload)
		if err != nil {
			return err
		}
		if !hmac.Equal([]byte(want), []byte(rec.Signature)) {
			return fmt.Errorf("record %d: signature mismatch", i)
		}
		hash.Write([]byte(rec.Signature))
	}
	if got := hex.EncodeToString(hash.Sum(nil)); got != manifest.FinalHash {
		return fmt.Errorf("manifest final_hash mismatch")
	}
	want, err := e.sign(map[string]any{
		"record_count": manifest.RecordCount,
		"final_hash":   manifest.FinalHash,
	})
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(manifest.Signature)) {
		return fmt.Errorf("manifest signature mismatch")
	}
	return nil
}
