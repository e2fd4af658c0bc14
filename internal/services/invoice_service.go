package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pstorage "github.com/tophelanke/api/internal/platform/storage"
	"github.com/tophelanke/api/internal/repositories"
)

const (
	maxInvoiceSizeBytes  = int64(10 * 1024 * 1024) // 10 MiB
	invoiceUploadExpiry  = 15 * time.Minute
	invoiceDownloadTTL   = 5 * time.Minute
	invoiceContentType   = "application/pdf"
	invoiceEventUpload   = "invoice.upload.issued"
	invoiceEventDownload = "invoice.download.issued"
)

var (
	// ErrInvoiceInvalidInput indicates the caller provided an invalid argument.
	ErrInvoiceInvalidInput = errors.New("invoice: invalid input")
	// ErrInvoiceNotFound indicates no order exists for the requested invoice.
	ErrInvoiceNotFound = errors.New("invoice: order not found")
	// ErrInvoiceUnavailable indicates the signing backend is unavailable.
	ErrInvoiceUnavailable = errors.New("invoice: unavailable")
)

// InvoiceServiceDeps wires dependencies for the invoice service implementation.
type InvoiceServiceDeps struct {
	Storage *pstorage.Client
	Orders  repositories.OrderRepository
	Bucket  string
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type invoiceService struct {
	storage *pstorage.Client
	orders  repositories.OrderRepository
	bucket  string
	logger  func(context.Context, string, map[string]any)
}

var _ InvoiceService = (*invoiceService)(nil)

// NewInvoiceService constructs an InvoiceService issuing signed URLs against
// the invoice bucket. The mail worker uploads the rendered PDF through the
// upload URL; admins fetch it back through the download URL.
func NewInvoiceService(deps InvoiceServiceDeps) (InvoiceService, error) {
	if deps.Storage == nil {
		return nil, errors.New("invoice service: storage client is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("invoice service: order repository is required")
	}
	if strings.TrimSpace(deps.Bucket) == "" {
		return nil, errors.New("invoice service: bucket is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &invoiceService{
		storage: deps.Storage,
		orders:  deps.Orders,
		bucket:  strings.TrimSpace(deps.Bucket),
		logger:  logger,
	}, nil
}

func (s *invoiceService) IssueUploadURL(ctx context.Context, cmd InvoiceUploadCommand) (SignedInvoiceURL, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return SignedInvoiceURL{}, fmt.Errorf("%w: order id is required", ErrInvoiceInvalidInput)
	}
	contentType := strings.ToLower(strings.TrimSpace(cmd.ContentType))
	if contentType == "" {
		contentType = invoiceContentType
	}
	if contentType != invoiceContentType {
		return SignedInvoiceURL{}, fmt.Errorf("%w: content type %q not allowed", ErrInvoiceInvalidInput, cmd.ContentType)
	}

	object, err := s.objectPath(ctx, orderID)
	if err != nil {
		return SignedInvoiceURL{}, err
	}

	result, err := s.storage.SignedURL(ctx, s.bucket, object, pstorage.SignedURLOptions{
		Upload: &pstorage.UploadOptions{
			Method:              "PUT",
			ContentType:         contentType,
			AllowedContentTypes: []string{invoiceContentType},
			MaxSize:             maxInvoiceSizeBytes,
			ExpiresIn:           invoiceUploadExpiry,
		},
	})
	if err != nil {
		return SignedInvoiceURL{}, fmt.Errorf("%w: %v", ErrInvoiceUnavailable, err)
	}

	s.logger(ctx, invoiceEventUpload, map[string]any{
		"orderId":   orderID,
		"expiresAt": result.ExpiresAt,
	})

	return SignedInvoiceURL{
		OrderID:   orderID,
		URL:       result.URL,
		Method:    result.Method,
		ExpiresAt: result.ExpiresAt,
	}, nil
}

func (s *invoiceService) IssueDownloadURL(ctx context.Context, orderID string) (SignedInvoiceURL, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return SignedInvoiceURL{}, fmt.Errorf("%w: order id is required", ErrInvoiceInvalidInput)
	}

	object, err := s.objectPath(ctx, orderID)
	if err != nil {
		return SignedInvoiceURL{}, err
	}

	result, err := s.storage.SignedURL(ctx, s.bucket, object, pstorage.SignedURLOptions{
		Download: &pstorage.DownloadOptions{
			Method:         "GET",
			ExpiresIn:      invoiceDownloadTTL,
			Disposition:    "attachment",
			ResponseType:   invoiceContentType,
			AllowAnonymous: true,
		},
	})
	if err != nil {
		return SignedInvoiceURL{}, fmt.Errorf("%w: %v", ErrInvoiceUnavailable, err)
	}

	s.logger(ctx, invoiceEventDownload, map[string]any{
		"orderId":   orderID,
		"expiresAt": result.ExpiresAt,
	})

	return SignedInvoiceURL{
		OrderID:   orderID,
		URL:       result.URL,
		Method:    result.Method,
		ExpiresAt: result.ExpiresAt,
	}, nil
}

// objectPath derives the canonical invoice object from the order number so
// the PDF keeps a stable, human readable name.
func (s *invoiceService) objectPath(ctx context.Context, orderID string) (string, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrInvoiceNotFound, orderID)
		}
		return "", err
	}

	object, err := pstorage.BuildObjectPath(pstorage.PurposeInvoice, pstorage.PathParams{
		OrderID:     order.ID,
		OrderNumber: order.Number,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvoiceInvalidInput, err)
	}
	return object, nil
}
