package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/tophelanke/api/internal/domain"
	pfirestore "github.com/tophelanke/api/internal/platform/firestore"
)

const auditLogCollection = "auditLog"

// AuditLogRepository persists immutable records of admin actions on orders.
type AuditLogRepository struct {
	provider *pfirestore.Provider
	entries  *pfirestore.BaseRepository[auditEntryDocument]
}

// NewAuditLogRepository constructs a Firestore-backed audit log repository.
func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository requires firestore provider")
	}
	entries := pfirestore.NewBaseRepository[auditEntryDocument](provider, auditLogCollection, nil, nil)
	return &AuditLogRepository{provider: provider, entries: entries}, nil
}

func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditEntry) error {
	if r == nil || r.entries == nil {
		return errors.New("audit log repository not initialised")
	}
	if strings.TrimSpace(entry.ID) == "" || strings.TrimSpace(entry.OrderID) == "" {
		return errors.New("audit append: id and order id are required")
	}
	ref, err := r.entries.DocumentRef(ctx, entry.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newAuditEntryDocument(entry)); err != nil {
		return pfirestore.WrapError("auditLog.append", err)
	}
	return nil
}

func (r *AuditLogRepository) ListByOrder(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.AuditEntry], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.AuditEntry]{}, errors.New("audit log repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CursorPage[domain.AuditEntry]{}, errors.New("audit list: order id is required")
	}

	pageSize := pager.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.AuditEntry]{}, pfirestore.WrapError("auditLog.list", err)
	}

	query := client.Collection(auditLogCollection).
		Where("orderId", "==", orderID).
		OrderBy("occurredAt", firestore.Desc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(pager.PageToken); token != "" {
		decoded, err := decodeListPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.AuditEntry]{}, pfirestore.WrapError("auditLog.list", err)
		}
		cursor, err := time.Parse(time.RFC3339Nano, decoded.Cursor)
		if err != nil {
			return domain.CursorPage[domain.AuditEntry]{}, pfirestore.WrapError("auditLog.list", fmt.Errorf("invalid page token cursor: %w", err))
		}
		query = query.StartAfter(cursor)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var entries []domain.AuditEntry
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.AuditEntry]{}, pfirestore.WrapError("auditLog.list", err)
		}
		var doc auditEntryDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.AuditEntry]{}, fmt.Errorf("decode audit entry %s: %w", snap.Ref.ID, err)
		}
		entries = append(entries, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(entries) > pageSize
	if hasMore {
		entries = entries[:pageSize]
	}
	var nextToken string
	if hasMore && len(entries) > 0 {
		cursor := entries[len(entries)-1].OccurredAt.UTC().Format(time.RFC3339Nano)
		encoded, err := encodeListPageToken(listPageToken{Cursor: cursor})
		if err != nil {
			return domain.CursorPage[domain.AuditEntry]{}, pfirestore.WrapError("auditLog.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.AuditEntry]{Items: entries, NextPageToken: nextToken}, nil
}

// Helper structures ---------------------------------------------------------

type auditEntryDocument struct {
	OrderID    string    `firestore:"orderId"`
	Subject    string    `firestore:"subject"`
	FromStatus string    `firestore:"fromStatus"`
	ToStatus   string    `firestore:"toStatus"`
	OccurredAt time.Time `firestore:"occurredAt"`
}

func newAuditEntryDocument(entry domain.AuditEntry) auditEntryDocument {
	return auditEntryDocument{
		OrderID:    strings.TrimSpace(entry.OrderID),
		Subject:    strings.TrimSpace(entry.Subject),
		FromStatus: string(entry.FromStatus),
		ToStatus:   string(entry.ToStatus),
		OccurredAt: entry.OccurredAt.UTC(),
	}
}

func (d auditEntryDocument) toDomain(id string) domain.AuditEntry {
	return domain.AuditEntry{
		ID:         id,
		OrderID:    d.OrderID,
		Subject:    d.Subject,
		FromStatus: domain.OrderStatus(d.FromStatus),
		ToStatus:   domain.OrderStatus(d.ToStatus),
		OccurredAt: d.OccurredAt,
	}
}
