package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/tophelanke/api/internal/domain"
	pstorage "github.com/tophelanke/api/internal/platform/storage"
)

type stubSigner struct {
	err error
}

func (s *stubSigner) Email() string { return "api@tophelanke-prod.iam.gserviceaccount.com" }

func (s *stubSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte("signed"), nil
}

func newInvoiceServiceForTest(t *testing.T, signer *stubSigner, orders *fakeOrderRepo, now time.Time) InvoiceService {
	t.Helper()
	client, err := pstorage.NewClient(signer, pstorage.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	svc, err := NewInvoiceService(InvoiceServiceDeps{
		Storage: client,
		Orders:  orders,
		Bucket:  "tophelanke-invoices",
	})
	if err != nil {
		t.Fatalf("NewInvoiceService returned error: %v", err)
	}
	return svc
}

func invoiceOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{orders: map[string]domain.Order{
		"ord-1": {ID: "ord-1", Number: "TH-2026-000042", Status: domain.OrderStatusProcessing},
	}}
}

func TestInvoiceUploadURL(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	svc := newInvoiceServiceForTest(t, &stubSigner{}, invoiceOrderRepo(), now)

	signed, err := svc.IssueUploadURL(context.Background(), InvoiceUploadCommand{OrderID: "ord-1"})
	if err != nil {
		t.Fatalf("IssueUploadURL returned error: %v", err)
	}

	if signed.Method != "PUT" {
		t.Fatalf("expected PUT, got %q", signed.Method)
	}
	if !signed.ExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", signed.ExpiresAt)
	}
	if !strings.Contains(signed.URL, "orders/ord-1/invoices/TH-2026-000042.pdf") {
		t.Fatalf("expected invoice object path in url, got %q", signed.URL)
	}
}

func TestInvoiceUploadURLRejectsContentType(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	svc := newInvoiceServiceForTest(t, &stubSigner{}, invoiceOrderRepo(), now)

	_, err := svc.IssueUploadURL(context.Background(), InvoiceUploadCommand{OrderID: "ord-1", ContentType: "image/png"})
	if !errors.Is(err, ErrInvoiceInvalidInput) {
		t.Fatalf("expected ErrInvoiceInvalidInput, got %v", err)
	}
}

func TestInvoiceDownloadURL(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	svc := newInvoiceServiceForTest(t, &stubSigner{}, invoiceOrderRepo(), now)

	signed, err := svc.IssueDownloadURL(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("IssueDownloadURL returned error: %v", err)
	}

	if signed.Method != "GET" {
		t.Fatalf("expected GET, got %q", signed.Method)
	}
	if !signed.ExpiresAt.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", signed.ExpiresAt)
	}
	if !strings.Contains(signed.URL, "response-content-disposition=attachment") {
		t.Fatalf("expected attachment disposition, got %q", signed.URL)
	}
}

func TestInvoiceURLUnknownOrder(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	svc := newInvoiceServiceForTest(t, &stubSigner{}, invoiceOrderRepo(), now)

	if _, err := svc.IssueDownloadURL(context.Background(), "nema"); !errors.Is(err, ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}
	if _, err := svc.IssueUploadURL(context.Background(), InvoiceUploadCommand{OrderID: " "}); !errors.Is(err, ErrInvoiceInvalidInput) {
		t.Fatalf("expected ErrInvoiceInvalidInput, got %v", err)
	}
}

func TestInvoiceURLSignerFailure(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	svc := newInvoiceServiceForTest(t, &stubSigner{err: errors.New("iam unavailable")}, invoiceOrderRepo(), now)

	if _, err := svc.IssueDownloadURL(context.Background(), "ord-1"); !errors.Is(err, ErrInvoiceUnavailable) {
		t.Fatalf("expected ErrInvoiceUnavailable, got %v", err)
	}
}
