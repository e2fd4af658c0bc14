package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	mailKindVerification = "order-verification"
	mailKindConfirmation = "order-confirmation"
	mailKindStatus       = "order-status"
)

var (
	// ErrMailInvalidInput indicates required fields were missing from the job.
	ErrMailInvalidInput = errors.New("mail: invalid input")
	// ErrAlertInvalidInput indicates the stock alert payload was incomplete.
	ErrAlertInvalidInput = errors.New("stock alert: invalid input")
)

// MailJobPublisher delivers mail job messages to the outbound queue.
type MailJobPublisher interface {
	PublishMailJob(ctx context.Context, message MailJobMessage) (string, error)
}

// StockEventPublisher delivers stock alert messages to the events queue.
type StockEventPublisher interface {
	PublishStockEvent(ctx context.Context, message StockAlertMessage) (string, error)
}

// MailJobMessage is the payload delivered to the mailer worker via Pub/Sub.
type MailJobMessage struct {
	Kind             string            `json:"kind"`
	Recipient        string            `json:"recipient"`
	Token            string            `json:"token,omitempty"`
	ConfirmURL       string            `json:"confirmUrl,omitempty"`
	OrderID          string            `json:"orderId,omitempty"`
	OrderNumber      string            `json:"orderNumber,omitempty"`
	Status           string            `json:"status,omitempty"`
	Lines            []MailLinePayload `json:"lines"`
	Totals           MailTotalsPayload `json:"totals"`
	InvoiceUploadURL string            `json:"invoiceUploadUrl,omitempty"`
	QueuedAt         time.Time         `json:"queuedAt"`
}

// MailLinePayload is one order row rendered into the outbound e-mail.
type MailLinePayload struct {
	Name      string `json:"name"`
	Size      string `json:"size"`
	Color     string `json:"color"`
	Quantity  int    `json:"qty"`
	UnitPrice int64  `json:"unitPrice"`
}

// MailTotalsPayload carries the checkout arithmetic for the e-mail template.
type MailTotalsPayload struct {
	Subtotal   int64  `json:"subtotal"`
	Shipping   int64  `json:"shipping"`
	Discount   int64  `json:"discount"`
	GrandTotal int64  `json:"grandTotal"`
	Currency   string `json:"currency"`
}

// StockAlertMessage is the payload delivered to the events topic.
type StockAlertMessage struct {
	Kind        string    `json:"kind"`
	ItemID      string    `json:"itemId"`
	VariationID string    `json:"variationId,omitempty"`
	Size        string    `json:"size,omitempty"`
	Color       string    `json:"color,omitempty"`
	Remaining   int       `json:"remaining"`
	Shortfall   int       `json:"shortfall,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// MailDispatcherDeps enumerates collaborators required to construct the dispatcher.
type MailDispatcherDeps struct {
	Publisher MailJobPublisher
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type mailDispatcher struct {
	publisher MailJobPublisher
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

var _ MailDispatcher = (*mailDispatcher)(nil)

// NewMailDispatcher wires dependencies into a MailDispatcher implementation.
func NewMailDispatcher(deps MailDispatcherDeps) (MailDispatcher, error) {
	if deps.Publisher == nil {
		return nil, errors.New("mail dispatcher: publisher is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &mailDispatcher{
		publisher: deps.Publisher,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (d *mailDispatcher) EnqueueVerification(ctx context.Context, job VerificationMailJob) error {
	recipient := strings.TrimSpace(job.Recipient)
	if recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrMailInvalidInput)
	}
	if strings.TrimSpace(job.Token) == "" {
		return fmt.Errorf("%w: token is required", ErrMailInvalidInput)
	}
	if strings.TrimSpace(job.ConfirmURL) == "" {
		return fmt.Errorf("%w: confirm url is required", ErrMailInvalidInput)
	}

	queuedAt := job.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = d.clock()
	}

	msg := MailJobMessage{
		Kind:       mailKindVerification,
		Recipient:  recipient,
		Token:      strings.TrimSpace(job.Token),
		ConfirmURL: strings.TrimSpace(job.ConfirmURL),
		Lines:      mailLines(job.OrderLines),
		Totals:     mailTotals(job.Totals),
		QueuedAt:   queuedAt,
	}

	id, err := d.publisher.PublishMailJob(ctx, msg)
	if err != nil {
		return fmt.Errorf("publish verification mail: %w", err)
	}

	d.logger(ctx, "mail.verification_queued", map[string]any{
		"messageId": id,
	})
	return nil
}

func (d *mailDispatcher) EnqueueConfirmation(ctx context.Context, job ConfirmationMailJob) error {
	recipient := strings.TrimSpace(job.Recipient)
	if recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrMailInvalidInput)
	}
	if strings.TrimSpace(job.OrderID) == "" {
		return fmt.Errorf("%w: order id is required", ErrMailInvalidInput)
	}

	queuedAt := job.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = d.clock()
	}

	msg := MailJobMessage{
		Kind:             mailKindConfirmation,
		Recipient:        recipient,
		OrderID:          strings.TrimSpace(job.OrderID),
		OrderNumber:      strings.TrimSpace(job.OrderNumber),
		Lines:            mailLines(job.OrderLines),
		Totals:           mailTotals(job.Totals),
		InvoiceUploadURL: strings.TrimSpace(job.InvoiceUploadURL),
		QueuedAt:         queuedAt,
	}

	id, err := d.publisher.PublishMailJob(ctx, msg)
	if err != nil {
		return fmt.Errorf("publish confirmation mail: %w", err)
	}

	d.logger(ctx, "mail.confirmation_queued", map[string]any{
		"messageId": id,
		"orderId":   msg.OrderID,
	})
	return nil
}

func (d *mailDispatcher) EnqueueStatusNotification(ctx context.Context, job StatusMailJob) error {
	recipient := strings.TrimSpace(job.Recipient)
	if recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrMailInvalidInput)
	}
	if strings.TrimSpace(job.OrderID) == "" {
		return fmt.Errorf("%w: order id is required", ErrMailInvalidInput)
	}
	if job.Status == "" {
		return fmt.Errorf("%w: status is required", ErrMailInvalidInput)
	}

	queuedAt := job.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = d.clock()
	}

	msg := MailJobMessage{
		Kind:        mailKindStatus,
		Recipient:   recipient,
		OrderID:     strings.TrimSpace(job.OrderID),
		OrderNumber: strings.TrimSpace(job.OrderNumber),
		Status:      string(job.Status),
		QueuedAt:    queuedAt,
	}

	id, err := d.publisher.PublishMailJob(ctx, msg)
	if err != nil {
		return fmt.Errorf("publish status mail: %w", err)
	}

	d.logger(ctx, "mail.status_queued", map[string]any{
		"messageId": id,
		"orderId":   msg.OrderID,
		"status":    msg.Status,
	})
	return nil
}

func mailLines(lines []OrderLine) []MailLinePayload {
	out := make([]MailLinePayload, 0, len(lines))
	for _, line := range lines {
		out = append(out, MailLinePayload{
			Name:      line.Name,
			Size:      line.Size,
			Color:     line.Color,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	return out
}

func mailTotals(totals OrderTotals) MailTotalsPayload {
	return MailTotalsPayload{
		Subtotal:   totals.Subtotal,
		Shipping:   totals.Shipping,
		Discount:   totals.Discount,
		GrandTotal: totals.GrandTotal,
		Currency:   totals.Currency,
	}
}

// StockAlertPublisherDeps enumerates collaborators for the alert publisher.
type StockAlertPublisherDeps struct {
	Publisher StockEventPublisher
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type stockAlertPublisher struct {
	publisher StockEventPublisher
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

var _ StockAlertPublisher = (*stockAlertPublisher)(nil)

// NewStockAlertPublisher wires the events topic publisher behind the
// StockAlertPublisher contract used by the inventory and order services.
func NewStockAlertPublisher(deps StockAlertPublisherDeps) (StockAlertPublisher, error) {
	if deps.Publisher == nil {
		return nil, errors.New("stock alert publisher: publisher is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &stockAlertPublisher{
		publisher: deps.Publisher,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (p *stockAlertPublisher) PublishStockAlert(ctx context.Context, alert StockAlertEvent) error {
	if strings.TrimSpace(alert.ItemID) == "" {
		return fmt.Errorf("%w: item id is required", ErrAlertInvalidInput)
	}
	if alert.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrAlertInvalidInput)
	}

	occurred := alert.OccurredAt
	if occurred.IsZero() {
		occurred = p.clock()
	}

	msg := StockAlertMessage{
		Kind:        string(alert.Kind),
		ItemID:      strings.TrimSpace(alert.ItemID),
		VariationID: strings.TrimSpace(alert.VariationID),
		Size:        alert.Size,
		Color:       alert.Color,
		Remaining:   alert.Remaining,
		Shortfall:   alert.Shortfall,
		OccurredAt:  occurred,
	}

	id, err := p.publisher.PublishStockEvent(ctx, msg)
	if err != nil {
		return fmt.Errorf("publish stock alert: %w", err)
	}

	p.logger(ctx, "stock.alert_published", map[string]any{
		"messageId": id,
		"kind":      msg.Kind,
		"itemId":    msg.ItemID,
	})
	return nil
}
