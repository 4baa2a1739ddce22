package intake

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	v1 "github.com/bsvalues/BCBSGISPRO-sub005/shared/contracts/collab/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	mu      sync.Mutex
	updates []v1.WorkflowUpdatePayload
}

func (n *recordingNotifier) WorkflowUpdate(_ string, p v1.WorkflowUpdatePayload) {
	n.mu.Lock()
	n.updates = append(n.updates, p)
	n.mu.Unlock()
}

func (n *recordingNotifier) statuses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.updates))
	for _, u := range n.updates {
		out = append(out, u.Status)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	return NewService(testLogger(), NewInMemoryStore(), n, t.TempDir()), n
}

func TestService_StageUpload_HashesAndExtractsPropID(t *testing.T) {
	t.Parallel()

	svc, notify := newTestService(t)
	contents := "header\nprop_id: R12345\nland_value: 150000\n"

	rec, err := svc.StageUpload(context.Background(), "parcel.txt", strings.NewReader(contents))
	if err != nil {
		t.Fatalf("StageUpload: %v", err)
	}

	if rec.Status != StatusPending {
		t.Fatalf("status = %q, want PENDING", rec.Status)
	}
	if rec.PropID != "R12345" {
		t.Fatalf("prop_id = %q, want R12345", rec.PropID)
	}

	sum := sha256.Sum256([]byte(contents))
	if rec.SHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("sha256 mismatch: %s", rec.SHA256)
	}
	if rec.UploadID == "" || rec.FilePath == "" {
		t.Fatalf("incomplete record: %+v", rec)
	}

	staged, err := svc.Staged(context.Background())
	if err != nil || len(staged) != 1 {
		t.Fatalf("staged log = %v (%v), want 1 entry", staged, err)
	}
	if got := notify.statuses(); len(got) != 1 || got[0] != "staged" {
		t.Fatalf("workflow updates = %v, want [staged]", got)
	}
}

func TestService_StageUpload_UnknownPropID(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	rec, err := svc.StageUpload(context.Background(), "noise.txt", strings.NewReader("no identifiers here\n"))
	if err != nil {
		t.Fatalf("StageUpload: %v", err)
	}
	if rec.PropID != "UNKNOWN" {
		t.Fatalf("prop_id = %q, want UNKNOWN", rec.PropID)
	}
}

func TestService_ApproveThenRollback(t *testing.T) {
	t.Parallel()

	svc, notify := newTestService(t)
	staged, err := svc.StageUpload(context.Background(), "parcel.txt", strings.NewReader("prop_id: R777\n"))
	if err != nil {
		t.Fatalf("StageUpload: %v", err)
	}

	approved, err := svc.Approve(context.Background(), staged.UploadID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != StatusApproved {
		t.Fatalf("status = %q, want APPROVED", approved.Status)
	}

	rolled, err := svc.Rollback(context.Background(), staged.UploadID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rolled.UploadID != staged.UploadID {
		t.Fatalf("rollback id = %q, want %q", rolled.UploadID, staged.UploadID)
	}

	// Rolling back again must miss: the row left the audit log.
	if _, err := svc.Rollback(context.Background(), staged.UploadID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second rollback err = %v, want ErrNotFound", err)
	}

	want := []string{"staged", "approved", "rolled_back"}
	got := notify.statuses()
	if len(got) != len(want) {
		t.Fatalf("workflow updates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("workflow updates = %v, want %v", got, want)
		}
	}
}

func TestService_Approve_UnknownUpload(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	if _, err := svc.Approve(context.Background(), "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestService_Diff_ReturnsFieldDeltas(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	staged, err := svc.StageUpload(context.Background(), "parcel.txt", strings.NewReader("prop_id: R42\n"))
	if err != nil {
		t.Fatalf("StageUpload: %v", err)
	}

	propID, fields, err := svc.Diff(context.Background(), staged.UploadID)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if propID != "R42" {
		t.Fatalf("prop_id = %q, want R42", propID)
	}
	if len(fields) == 0 {
		t.Fatalf("expected field deltas")
	}
	for _, f := range fields {
		if f.Delta != f.Proposed-f.Current {
			t.Fatalf("inconsistent delta: %+v", f)
		}
	}
}

func TestService_ExportCSV_CombinedNewestFirst(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	svc := NewService(testLogger(), NewInMemoryStore(), nil, dir)
	ctx := context.Background()

	first, err := svc.StageUpload(ctx, "a.txt", strings.NewReader("prop_id: R1\n"))
	if err != nil {
		t.Fatalf("stage a: %v", err)
	}
	if _, err := svc.Approve(ctx, first.UploadID); err != nil {
		t.Fatalf("approve a: %v", err)
	}
	if _, err := svc.DirectImport(ctx, "b.txt", strings.NewReader("prop_id: R2\n")); err != nil {
		t.Fatalf("import b: %v", err)
	}

	var buf bytes.Buffer
	if err := svc.ExportCSV(ctx, &buf); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) < 3 {
		t.Fatalf("rows = %d, want header + entries", len(rows))
	}

	header := strings.Join(rows[0], ",")
	if header != "upload_id,timestamp,filename,sha256,prop_id,status,log_type" {
		t.Fatalf("header = %q", header)
	}
	for _, row := range rows[1:] {
		if len(row) != 7 {
			t.Fatalf("row width = %d: %v", len(row), row)
		}
		switch row[6] {
		case LogStaged, LogApproved, LogRolledBack:
		default:
			t.Fatalf("unknown log_type %q", row[6])
		}
	}

	// No file paths in the export.
	if strings.Contains(buf.String(), dir) {
		t.Fatalf("export leaks file paths")
	}
}
