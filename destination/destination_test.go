package destination

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func testDelivery() Delivery {
	return Delivery{
		SubmissionID: "ASB-202604-00012",
		SectionID:    "sec_01",
		SectionType:  "billing_form",
		UtilityCode:  "PGE",
		CompanyID:    "acme",
		JobNumber:    "JN-20260412",
		PageStart:    5,
		PageEnd:      6,
		Filename:     "billing_form.pdf",
		ContentType:  "application/pdf",
		Content:      strings.NewReader("%PDF-1.7 fake"),
	}
}

// memBlobs is an in-memory BlobPutter for tests.
type memBlobs struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{keys: make(map[string][]byte)} }

func (m *memBlobs) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.keys[key] = data
	m.mu.Unlock()
	return nil
}

func TestOracleDeliver(t *testing.T) {
	var gotIdem, gotAuth string
	var gotBody oracleAttachment
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdem = r.Header.Get("X-Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/ppm/attachments" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"document_id":"DOC-9931"}`)
	}))
	defer srv.Close()

	cfg, _ := json.Marshal(OracleConfig{BaseURL: srv.URL, APIKey: "k1"})
	ad, err := OracleFactory("ppm")(cfg)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if ad.Key() != "oracle_ppm" {
		t.Fatalf("key = %s", ad.Key())
	}

	rcpt, err := ad.Deliver(context.Background(), testDelivery())
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if rcpt.ExternalRef != "DOC-9931" {
		t.Fatalf("external ref = %s", rcpt.ExternalRef)
	}
	if gotIdem != "sec_01" {
		t.Fatalf("idempotency key = %q, want section id", gotIdem)
	}
	if gotAuth != "Bearer k1" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if gotBody.JobNumber != "JN-20260412" || gotBody.SectionType != "billing_form" {
		t.Fatalf("body = %+v", gotBody)
	}
}

func TestOracleDeliverErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"throttled", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			cfg, _ := json.Marshal(OracleConfig{BaseURL: srv.URL})
			ad, err := OracleFactory("payables")(cfg)
			if err != nil {
				t.Fatalf("factory: %v", err)
			}
			_, err = ad.Deliver(context.Background(), testDelivery())
			if err == nil {
				t.Fatal("expected error")
			}
			if Retryable(err) != tt.retryable {
				t.Fatalf("Retryable = %v, want %v (err %v)", Retryable(err), tt.retryable, err)
			}
		})
	}
}

func TestOracleDeliverUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	cfg, _ := json.Marshal(OracleConfig{BaseURL: srv.URL})
	ad, err := OracleFactory("ppm")(cfg)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	_, err = ad.Deliver(context.Background(), testDelivery())
	if err == nil {
		t.Fatal("expected error")
	}
	if !Retryable(err) {
		t.Fatal("transport failure should be retryable")
	}
}

func TestRegulatoryDeliverSigns(t *testing.T) {
	const secret = "filing-secret"
	var gotIdem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdem = r.Header.Get("X-Idempotency-Key")
		body, _ := io.ReadAll(r.Body)
		sig := strings.TrimPrefix(r.Header.Get("X-Signature-256"), "sha256=")
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			t.Errorf("bad signature encoding: %v", err)
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		if !hmac.Equal(mac.Sum(nil), decoded) {
			t.Error("signature does not verify")
		}
		var filing regulatoryFiling
		if err := json.Unmarshal(body, &filing); err != nil {
			t.Errorf("decode filing: %v", err)
		}
		if filing.UtilityCode != "PGE" || filing.JobNumber != "JN-20260412" {
			t.Errorf("filing = %+v", filing)
		}
		fmt.Fprint(w, `{"filing_number":"CPUC-2026-0412"}`)
	}))
	defer srv.Close()

	cfg, _ := json.Marshal(RegulatoryConfig{PortalURL: srv.URL, Secret: secret})
	ad, err := RegulatoryFactory()(cfg)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	rcpt, err := ad.Deliver(context.Background(), testDelivery())
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if rcpt.ExternalRef != "CPUC-2026-0412" {
		t.Fatalf("external ref = %s", rcpt.ExternalRef)
	}
	if gotIdem != "sec_01" {
		t.Fatalf("idempotency key = %q, want section id", gotIdem)
	}
}

func TestSharePointDeliverPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"id":"item_44","webUrl":"https://sp/x"}`)
	}))
	defer srv.Close()

	cfg, _ := json.Marshal(SharePointConfig{SiteURL: srv.URL, Folder: "AsBuilt"})
	ad, err := SharePointFactory()(cfg)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	rcpt, err := ad.Deliver(context.Background(), testDelivery())
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if rcpt.ExternalRef != "item_44" {
		t.Fatalf("external ref = %s", rcpt.ExternalRef)
	}
	for _, part := range []string{"AsBuilt", "JN-20260412", "billing_form.pdf"} {
		if !strings.Contains(gotPath, part) {
			t.Fatalf("upload path %q missing %q", gotPath, part)
		}
	}
}

func TestGISDeliver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("jobNumber"); got != "JN-20260412" {
			t.Errorf("jobNumber = %q", got)
		}
		fmt.Fprint(w, `{"addAttachmentResult":{"objectId":817,"success":true}}`)
	}))
	defer srv.Close()

	cfg, _ := json.Marshal(GISConfig{ServiceURL: srv.URL})
	ad, err := GISFactory()(cfg)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	rcpt, err := ad.Deliver(context.Background(), testDelivery())
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if rcpt.ExternalRef != "attachment:817" {
		t.Fatalf("external ref = %s", rcpt.ExternalRef)
	}
}

func TestGISDeliverInBodyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":{"code":498,"message":"invalid token"}}`)
	}))
	defer srv.Close()

	cfg, _ := json.Marshal(GISConfig{ServiceURL: srv.URL})
	ad, err := GISFactory()(cfg)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	_, err = ad.Deliver(context.Background(), testDelivery())
	if err == nil {
		t.Fatal("expected error")
	}
	if Retryable(err) {
		t.Fatal("bad token should not be retryable")
	}
}

func TestEmailDeliverRecipientOverride(t *testing.T) {
	var gotMsg emailMessage
	var gotIdem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdem = r.Header.Get("X-Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotMsg); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"message_id":"msg_7"}`)
	}))
	defer srv.Close()

	cfg, _ := json.Marshal(EmailConfig{RelayURL: srv.URL, From: "ops@example.com", To: []string{"default@example.com"}})
	ad, err := EmailFactory()(cfg)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	d := testDelivery()
	d.Metadata = map[string]string{"email_to": "inspector@example.com"}
	rcpt, err := ad.Deliver(context.Background(), d)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if rcpt.ExternalRef != "msg_7" {
		t.Fatalf("external ref = %s", rcpt.ExternalRef)
	}
	if len(gotMsg.To) != 1 || gotMsg.To[0] != "inspector@example.com" {
		t.Fatalf("to = %v, want metadata override", gotMsg.To)
	}
	if gotMsg.Attachment.Filename != "billing_form.pdf" {
		t.Fatalf("attachment = %+v", gotMsg.Attachment)
	}
	if gotIdem != "sec_01" {
		t.Fatalf("idempotency key = %q, want section id", gotIdem)
	}
}

func TestArchiveDeliverDeterministic(t *testing.T) {
	blobs := newMemBlobs()
	ad, err := ArchiveFactory(blobs)(nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	r1, err := ad.Deliver(context.Background(), testDelivery())
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	r2, err := ad.Deliver(context.Background(), testDelivery())
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if r1.ExternalRef != r2.ExternalRef {
		t.Fatalf("refs differ: %s vs %s", r1.ExternalRef, r2.ExternalRef)
	}
	if len(blobs.keys) != 1 {
		t.Fatalf("blob count = %d, want 1", len(blobs.keys))
	}
	if !strings.Contains(r1.ExternalRef, "ASB-202604-00012") {
		t.Fatalf("ref %q should carry submission id", r1.ExternalRef)
	}
}

func TestRegistryLazyAndCached(t *testing.T) {
	reg := NewRegistry()
	built := 0
	reg.Register("archive", func(json.RawMessage) (Adapter, error) {
		built++
		return ArchiveFactory(newMemBlobs())(nil)
	})

	a1, err := reg.Get("archive")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	a2, err := reg.Get("archive")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if a1 != a2 {
		t.Fatal("adapter should be cached")
	}
	if built != 1 {
		t.Fatalf("factory called %d times", built)
	}
}

func TestRegistryUnknownKeyFallsBackToArchive(t *testing.T) {
	reg := NewRegistry()
	reg.Register("archive", ArchiveFactory(newMemBlobs()))

	ad, err := reg.Get("telepathy")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ad.Key() != "archive" {
		t.Fatalf("fallback key = %s", ad.Key())
	}
}

func TestRegistryNoFactoryNoFallback(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("telepathy")
	var nf *ErrNoFactory
	if err == nil || !errors.As(err, &nf) {
		t.Fatalf("expected ErrNoFactory, got %v", err)
	}
	if nf.Dest != "telepathy" {
		t.Fatalf("dest = %s", nf.Dest)
	}
}
