package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/tophelanke/api/internal/domain"
	"github.com/tophelanke/api/internal/repositories"
)

// ErrAuditInvalidInput indicates the caller supplied invalid audit query parameters.
var ErrAuditInvalidInput = errors.New("audit: invalid input")

// AuditLogServiceDeps bundles constructor inputs for the audit writer service.
type AuditLogServiceDeps struct {
	Repository  repositories.AuditLogRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type auditLogService struct {
	repo   repositories.AuditLogRepository
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

var _ AuditLogService = (*auditLogService)(nil)

// NewAuditLogService creates an audit log writer backed by the supplied repository.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, errors.New("audit log service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &auditLogService{
		repo: deps.Repository,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Record persists one status-change entry. Append failures are logged but do
// not bubble up, so a trail hiccup never rolls back the order mutation that
// already committed.
func (s *auditLogService) Record(ctx context.Context, record AuditRecord) {
	occurred := record.OccurredAt
	if occurred.IsZero() {
		occurred = s.clock()
	} else {
		occurred = occurred.UTC()
	}

	subject := strings.TrimSpace(record.Subject)
	if subject == "" {
		subject = "system"
	}

	entry := domain.AuditEntry{
		ID:         s.newID(),
		OrderID:    strings.TrimSpace(record.OrderID),
		Subject:    subject,
		FromStatus: record.FromStatus,
		ToStatus:   record.ToStatus,
		OccurredAt: occurred,
	}
	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger(ctx, "audit.append_failed", map[string]any{
			"orderId": entry.OrderID,
			"from":    string(entry.FromStatus),
			"to":      string(entry.ToStatus),
			"error":   err.Error(),
		})
	}
}

// ListByOrder returns the trail for one order, newest first.
func (s *auditLogService) ListByOrder(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[AuditEntry], error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CursorPage[AuditEntry]{}, fmt.Errorf("%w: order id is required", ErrAuditInvalidInput)
	}
	return s.repo.ListByOrder(ctx, orderID, pager)
}
