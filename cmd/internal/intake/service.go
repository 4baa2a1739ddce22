package intake

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bsvalues/BCBSGISPRO-sub005/cmd/internal/ids"
	v1 "github.com/bsvalues/BCBSGISPRO-sub005/shared/contracts/collab/v1"
)

// SyncWorkflowID names the addressed channel carrying sync ledger updates.
const SyncWorkflowID = "property-sync"

// Notifier pushes workflow updates into the collaboration transport. The
// dispatcher satisfies it; tests use a recording fake.
type Notifier interface {
	WorkflowUpdate(workflowID string, p v1.WorkflowUpdatePayload)
}

// Service owns the sync ledger workflow: staging incoming files, approving
// them into the audit log, rolling approvals back, and exporting the
// combined history.
type Service struct {
	log       *slog.Logger
	store     Store
	notify    Notifier
	uploadDir string
}

// NewService constructs a Service. notify may be nil when the transport is
// not wired (e.g. in store-focused tests).
func NewService(log *slog.Logger, store Store, notify Notifier, uploadDir string) *Service {
	return &Service{log: log, store: store, notify: notify, uploadDir: uploadDir}
}

// StageUpload saves the file, hashes it, extracts the property id, and
// appends a PENDING entry to the staging log.
func (s *Service) StageUpload(ctx context.Context, filename string, r io.Reader) (Record, error) {
	rec, err := s.saveUpload(filename, r)
	if err != nil {
		return Record{}, err
	}
	rec.Status = StatusPending

	if err := s.store.Stage(ctx, rec); err != nil {
		return Record{}, err
	}

	s.log.Info("intake.stage", "upload_id", rec.UploadID, "filename", rec.Filename, "prop_id", rec.PropID)
	s.workflowUpdate("staged", rec)
	return rec, nil
}

// DirectImport saves the file and records it straight into the audit log
// as APPROVED, bypassing staging.
func (s *Service) DirectImport(ctx context.Context, filename string, r io.Reader) (Record, error) {
	rec, err := s.saveUpload(filename, r)
	if err != nil {
		return Record{}, err
	}
	rec.Status = StatusApproved

	if err := s.store.AppendAudit(ctx, rec); err != nil {
		return Record{}, err
	}

	s.log.Info("intake.import", "upload_id", rec.UploadID, "filename", rec.Filename, "prop_id", rec.PropID)
	s.workflowUpdate("imported", rec)
	return rec, nil
}

// Staged lists the staging log.
func (s *Service) Staged(ctx context.Context) ([]Record, error) {
	return s.store.ListStaged(ctx)
}

// FieldDelta is one row of an assessment diff.
type FieldDelta struct {
	Field    string `json:"field"`
	Current  int64  `json:"current"`
	Proposed int64  `json:"proposed"`
	Delta    int64  `json:"delta"`
}

// Diff returns the proposed assessment changes for a staged upload.
// Placeholder values until the CAMA comparison backend lands; the shape is
// what the dashboard renders.
func (s *Service) Diff(ctx context.Context, uploadID string) (string, []FieldDelta, error) {
	rec, err := s.store.GetStaged(ctx, uploadID)
	if err != nil {
		return "", nil, err
	}

	fields := []FieldDelta{
		{Field: "land_value", Current: 150000, Proposed: 165000, Delta: 15000},
		{Field: "building_value", Current: 320000, Proposed: 335000, Delta: 15000},
		{Field: "tax_due", Current: 4750, Proposed: 5000, Delta: 250},
	}
	return rec.PropID, fields, nil
}

// Approve promotes a staged upload into the audit log and announces it on
// the sync workflow channel.
func (s *Service) Approve(ctx context.Context, uploadID string) (Record, error) {
	rec, err := s.store.Approve(ctx, uploadID)
	if err != nil {
		return Record{}, err
	}

	s.log.Info("intake.approve", "upload_id", rec.UploadID, "prop_id", rec.PropID)
	s.workflowUpdate("approved", rec)
	return rec, nil
}

// Rollback reverses an approved upload and announces it.
func (s *Service) Rollback(ctx context.Context, uploadID string) (Record, error) {
	rec, err := s.store.Rollback(ctx, uploadID)
	if err != nil {
		return Record{}, err
	}

	s.log.Info("intake.rollback", "upload_id", rec.UploadID, "prop_id", rec.PropID)
	s.workflowUpdate("rolled_back", rec)
	return rec, nil
}

// ExportCSV writes the combined sync history as CSV: all three logs tagged
// with a log_type column, newest first, file paths omitted.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer) error {
	staged, approved, rolledBack, err := s.store.Logs(ctx)
	if err != nil {
		return err
	}

	type taggedRecord struct {
		Record
		logType string
	}

	rows := make([]taggedRecord, 0, len(staged)+len(approved)+len(rolledBack))
	for _, rec := range staged {
		rows = append(rows, taggedRecord{rec, LogStaged})
	}
	for _, rec := range approved {
		rows = append(rows, taggedRecord{rec, LogApproved})
	}
	for _, rec := range rolledBack {
		rows = append(rows, taggedRecord{rec, LogRolledBack})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Timestamp.After(rows[j].Timestamp)
	})

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"upload_id", "timestamp", "filename", "sha256", "prop_id", "status", "log_type"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cw.Write([]string{
			row.UploadID,
			row.Timestamp.UTC().Format(time.RFC3339),
			row.Filename,
			row.SHA256,
			row.PropID,
			row.Status,
			row.logType,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (s *Service) workflowUpdate(status string, rec Record) {
	if s.notify == nil {
		return
	}
	s.notify.WorkflowUpdate(SyncWorkflowID, v1.WorkflowUpdatePayload{
		WorkflowID: SyncWorkflowID,
		Status:     status,
		Detail:     fmt.Sprintf("%s (%s)", rec.Filename, rec.PropID),
	})
}

// saveUpload writes the upload to disk while hashing it, then extracts the
// property id from the contents.
func (s *Service) saveUpload(filename string, r io.Reader) (Record, error) {
	now := time.Now().UTC()

	uploadID, err := ids.NewULID(now)
	if err != nil {
		return Record{}, fmt.Errorf("allocate upload id: %w", err)
	}

	base := filepath.Base(filename)
	if base == "." || base == string(filepath.Separator) {
		base = "upload"
	}
	path := filepath.Join(s.uploadDir, now.Format("20060102150405")+"_"+base)

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return Record{}, err
	}
	f, err := os.Create(path)
	if err != nil {
		return Record{}, err
	}

	h := sha256.New()
	var contents strings.Builder
	if _, err := io.Copy(io.MultiWriter(f, h, &contents), r); err != nil {
		_ = f.Close()
		return Record{}, fmt.Errorf("save upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return Record{}, err
	}

	return Record{
		UploadID:  uploadID,
		Timestamp: now,
		Filename:  base,
		SHA256:    hex.EncodeToString(h.Sum(nil)),
		PropID:    extractPropID(contents.String()),
		FilePath:  path,
	}, nil
}

// extractPropID scans upload contents for a property id line of the form
// "prop_id: R12345" (also property_id / PropertyID).
func extractPropID(text string) string {
	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "prop_id") && !strings.Contains(lower, "property_id") && !strings.Contains(line, "PropertyID") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) > 1 {
			if v := strings.TrimSpace(parts[1]); v != "" {
				return v
			}
		}
	}
	return "UNKNOWN"
}
