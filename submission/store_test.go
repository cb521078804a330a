package submission

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/gridscope/asbuilt/dbopen"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return NewStore(db)
}

func TestNextNumberFormatAndSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	pattern := regexp.MustCompile(`^ASB-\d{6}-\d{5}$`)
	first, err := store.NextNumber(ctx, now)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !pattern.MatchString(first) {
		t.Fatalf("number %q does not match format", first)
	}
	if first != "ASB-202608-00001" {
		t.Fatalf("first = %s", first)
	}

	second, err := store.NextNumber(ctx, now)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if second != "ASB-202608-00002" {
		t.Fatalf("second = %s", second)
	}

	// A new month restarts the counter.
	other, err := store.NextNumber(ctx, now.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if other != "ASB-202609-00001" {
		t.Fatalf("next month = %s", other)
	}
}

func TestStoreCreateGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub := &Submission{
		ID:          "sub1",
		Number:      "ASB-202608-00001",
		CompanyID:   "acme",
		JobNumber:   "JN-1",
		UtilityCode: "PGE",
		Metadata:    map[string]string{"work_type": "emergency"},
		File:        FileRef{BlobKey: "packages/PGE/sub1.pdf", SHA256: "ab", Size: 4},
	}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "sub1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("not found")
	}
	if got.Status != StatusUploaded {
		t.Fatalf("status = %s", got.Status)
	}
	if got.File.BlobKey != "packages/PGE/sub1.pdf" {
		t.Fatalf("file = %+v", got.File)
	}
	if got.Metadata["work_type"] != "emergency" {
		t.Fatalf("metadata = %v", got.Metadata)
	}

	missing, err := store.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Fatal("missing should be nil")
	}
}

func TestStoreSectionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub := &Submission{ID: "sub1", Number: "N1", CompanyID: "c", UtilityCode: "PGE",
		File: FileRef{BlobKey: "k"}}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}
	sections := []*Section{
		{ID: "sec1", SubmissionID: "sub1", Position: 0, SectionType: "face_sheet",
			PageStart: 1, PageEnd: 1, Destination: "sharepoint", MaxRetries: 3,
			RetryDelayMS: 5000, Metadata: map[string]string{"job_number": "JN-1"}},
		{ID: "sec2", SubmissionID: "sub1", Position: 1, SectionType: "billing_form",
			PageStart: 2, PageEnd: 3, Destination: "oracle_payables", MaxRetries: 3},
	}
	if err := store.InsertSections(ctx, sections); err != nil {
		t.Fatalf("insert sections: %v", err)
	}

	if err := store.MarkSectionDelivered(ctx, "sec1", "DOC-1"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := store.MarkSectionFailed(ctx, "sec2", "portal 503"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := store.Sections(ctx, "sub1")
	if err != nil {
		t.Fatalf("sections: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("count = %d", len(got))
	}
	if got[0].Status != SectionDelivered || got[0].ExternalRef != "DOC-1" || got[0].DeliveredAt == nil {
		t.Fatalf("sec1 = %+v", got[0])
	}
	if got[0].Metadata["job_number"] != "JN-1" {
		t.Fatal("metadata lost")
	}
	if got[0].RetryDelayMS != 5000 {
		t.Fatalf("retry delay = %dms", got[0].RetryDelayMS)
	}
	if got[1].Status != SectionFailed || got[1].Attempts != 1 || got[1].LastError != "portal 503" {
		t.Fatalf("sec2 = %+v", got[1])
	}

	// A redelivery must not overwrite the recorded external reference.
	if err := store.MarkSectionDelivered(ctx, "sec1", "DOC-OTHER"); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	got, _ = store.Sections(ctx, "sub1")
	if got[0].ExternalRef != "DOC-1" {
		t.Fatalf("external ref overwritten: %s", got[0].ExternalRef)
	}
}

func TestInsertSectionsRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub := &Submission{ID: "sub1", Number: "N1", CompanyID: "c", UtilityCode: "PGE",
		File: FileRef{BlobKey: "k"}}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Duplicate section ID fails the second insert; the first must not
	// survive on its own.
	sections := []*Section{
		{ID: "sec1", SubmissionID: "sub1", Position: 0, SectionType: "face_sheet",
			PageStart: 1, PageEnd: 1, Destination: "sharepoint", MaxRetries: 3},
		{ID: "sec1", SubmissionID: "sub1", Position: 1, SectionType: "billing_form",
			PageStart: 2, PageEnd: 3, Destination: "oracle_payables", MaxRetries: 3},
	}
	if err := store.InsertSections(ctx, sections); err == nil {
		t.Fatal("want duplicate id error")
	}
	got, err := store.Sections(ctx, "sub1")
	if err != nil {
		t.Fatalf("sections: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("partial insert survived: %d sections", len(got))
	}
}

func TestStoreSoftDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub := &Submission{ID: "sub1", Number: "N1", CompanyID: "c", UtilityCode: "PGE",
		File: FileRef{BlobKey: "k"}}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.SoftDelete(ctx, "sub1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := store.Get(ctx, "sub1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("soft-deleted submission should not be readable")
	}
	if err := store.SoftDelete(ctx, "sub1"); err == nil {
		t.Fatal("double delete should error")
	}
}

func TestStoreRollup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, status := range []string{StatusDelivered, StatusDelivered, StatusFailed} {
		sub := &Submission{ID: fmt.Sprintf("sub%d", i), Number: fmt.Sprintf("N%d", i),
			CompanyID: "c", UtilityCode: "PGE", File: FileRef{BlobKey: "k"}, Status: status}
		if err := store.Create(ctx, sub); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	sections := []*Section{
		{ID: "s1", SubmissionID: "sub0", Position: 0, SectionType: "photos",
			PageStart: 1, PageEnd: 1, Destination: "gis_esri"},
		{ID: "s2", SubmissionID: "sub1", Position: 0, SectionType: "photos",
			PageStart: 1, PageEnd: 1, Destination: "gis_esri"},
		{ID: "s3", SubmissionID: "sub1", Position: 1, SectionType: "billing_form",
			PageStart: 2, PageEnd: 2, Destination: "oracle_payables"},
	}
	if err := store.InsertSections(ctx, sections); err != nil {
		t.Fatalf("insert: %v", err)
	}

	now := time.Now()
	got, err := store.Rollup(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if got.ByStatus[StatusDelivered] != 2 || got.ByStatus[StatusFailed] != 1 {
		t.Fatalf("by status = %v", got.ByStatus)
	}
	if got.ByDestination["gis_esri"] != 2 || got.ByDestination["oracle_payables"] != 1 {
		t.Fatalf("by destination = %v", got.ByDestination)
	}

	// Outside the window nothing shows.
	empty, err := store.Rollup(ctx, now.Add(-2*time.Hour), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if len(empty.ByStatus) != 0 {
		t.Fatalf("expected empty window, got %v", empty.ByStatus)
	}
}
