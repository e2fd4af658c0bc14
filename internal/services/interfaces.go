package services

import (
	"context"
	"time"

	domain "github.com/tophelanke/api/internal/domain"
	"github.com/tophelanke/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	Item               = domain.Item
	Variation          = domain.Variation
	Backorder          = domain.Backorder
	Coupon             = domain.Coupon
	ContactDetails     = domain.ContactDetails
	OrderLine          = domain.OrderLine
	OrderTotals        = domain.OrderTotals
	TemporaryOrder     = domain.TemporaryOrder
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	BuyerRef           = domain.BuyerRef
	Customer           = domain.Customer
	CartLine           = domain.CartLine
	User               = domain.User
	AuditEntry         = domain.AuditEntry
	SystemHealthReport = domain.SystemHealthReport
	StockAlertKind     = domain.StockAlertKind
)

// CouponService evaluates and administers discount coupons. Check never
// mutates coupon state; redemption happens inside the order confirmation.
type CouponService interface {
	Check(ctx context.Context, cmd CouponCheckCommand) (CouponCheckResult, error)
	Create(ctx context.Context, cmd CreateCouponCommand) (Coupon, error)
	Delete(ctx context.Context, couponID string) error
	List(ctx context.Context, filter CouponListFilter) (domain.CursorPage[Coupon], error)
}

// InventoryService centralises stock adjustments and the resulting alerts.
type InventoryService interface {
	Decrement(ctx context.Context, cmd StockDecrementCommand) (StockLevel, error)
	Restock(ctx context.Context, cmd RestockCommand) (StockLevel, error)
	RecordSold(ctx context.Context, itemID string, delta int) (int, error)
	RecordReturned(ctx context.Context, itemID string, delta int) (int, error)
	GetItem(ctx context.Context, itemID string) (Item, error)
	ListItems(ctx context.Context, filter ItemListFilter) (domain.CursorPage[Item], error)
}

// CheckoutService stages pending orders awaiting e-mail verification.
type CheckoutService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (TemporaryOrder, error)
	SweepExpired(ctx context.Context) (int, error)
}

// OrderService owns the confirmation workflow and the status state machine.
type OrderService interface {
	Confirm(ctx context.Context, cmd ConfirmOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	// MarkEmailSent records the mailer delivery outcome on the order.
	MarkEmailSent(ctx context.Context, orderID string, delivered bool) (Order, error)
}

// InvoiceService issues signed URLs for order invoice documents.
type InvoiceService interface {
	IssueUploadURL(ctx context.Context, cmd InvoiceUploadCommand) (SignedInvoiceURL, error)
	IssueDownloadURL(ctx context.Context, orderID string) (SignedInvoiceURL, error)
}

// MailDispatcher queues outbound e-mail jobs for the mailer worker.
type MailDispatcher interface {
	EnqueueVerification(ctx context.Context, job VerificationMailJob) error
	EnqueueConfirmation(ctx context.Context, job ConfirmationMailJob) error
	EnqueueStatusNotification(ctx context.Context, job StatusMailJob) error
}

// StockAlertPublisher accepts low-stock, out-of-stock and backorder
// notifications for downstream processing.
type StockAlertPublisher interface {
	PublishStockAlert(ctx context.Context, alert StockAlertEvent) error
}

// SystemService aggregates utility endpoints (health checks, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// CounterService issues formatted sequence values on top of the counter repository.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextOrderNumber(ctx context.Context) (string, error)
}

// CounterGenerationOptions controls how counter values are incremented and formatted.
type CounterGenerationOptions struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
	Prefix       string
	Suffix       string
	PadLength    int
	Formatter    func(now time.Time, seq int64) string
}

// CounterValue is a generated sequence value with its formatted representation.
type CounterValue struct {
	Value     int64
	Formatted string
}

// AuditLogService records admin actions against orders.
type AuditLogService interface {
	Record(ctx context.Context, record AuditRecord)
	ListByOrder(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[AuditEntry], error)
}

// Command and DTO definitions ------------------------------------------------

type CouponCheckCommand struct {
	Code   string
	UserID string
}

// CouponCheckResult reports the verdict without touching the coupon. Reason
// carries a machine readable cause when Valid is false.
type CouponCheckResult struct {
	Valid           bool
	Reason          string
	DiscountPercent int
	Coupon          Coupon
}

type CreateCouponCommand struct {
	Code            string
	DiscountPercent int
	Active          bool
	SingleUse       bool
	MultipleUse     bool
	TimeSensitive   bool
	AmountSensitive bool
	Amount          int64
	ExpiresAt       *time.Time
}

type CouponListFilter struct {
	ActiveOnly bool
	Pagination Pagination
}

type StockDecrementCommand struct {
	ItemID      string
	VariationID string
	Quantity    int
}

type RestockCommand struct {
	ItemID   string
	Size     string
	Color    string
	Quantity int
}

// StockLevel reports the state of a variation after an adjustment.
type StockLevel struct {
	ItemID      string
	VariationID string
	Size        string
	Color       string
	Previous    int
	Remaining   int
	Shortfall   int
}

type ItemListFilter struct {
	Category   string
	Pagination Pagination
}

type CheckoutLine struct {
	ItemID      string
	VariationID string
	Quantity    int
}

type PlaceOrderCommand struct {
	Contact          ContactDetails
	Lines            []CheckoutLine
	CouponCode       string
	Note             string
	SessionUserID    string
	CreateNewAccount bool
}

type ConfirmOrderCommand struct {
	Token         string
	SessionUserID string
}

type OrderListFilter = repositories.OrderListFilter

type OrderStatusTransitionCommand struct {
	OrderID          string
	TargetStatus     OrderStatus
	ExchangedOrderID string
	ActorID          string
}

type InvoiceUploadCommand struct {
	OrderID     string
	ContentType string
}

// SignedInvoiceURL carries a time-limited URL for one invoice object.
type SignedInvoiceURL struct {
	OrderID   string
	URL       string
	Method    string
	ExpiresAt time.Time
}

// VerificationMailJob asks the mailer to send the confirm-order e-mail.
type VerificationMailJob struct {
	Recipient  string
	Token      string
	ConfirmURL string
	OrderLines []OrderLine
	Totals     OrderTotals
	QueuedAt   time.Time
}

// ConfirmationMailJob asks the mailer to send the order receipt. The mail
// worker renders the invoice PDF and uploads it to InvoiceUploadURL.
type ConfirmationMailJob struct {
	Recipient        string
	OrderID          string
	OrderNumber      string
	OrderLines       []OrderLine
	Totals           OrderTotals
	InvoiceUploadURL string
	QueuedAt         time.Time
}

// StatusMailJob tells the buyer about an order status change (shipped,
// returned, cancelled).
type StatusMailJob struct {
	Recipient   string
	OrderID     string
	OrderNumber string
	Status      OrderStatus
	QueuedAt    time.Time
}

// StockAlertEvent is published when stock crosses a reporting threshold.
type StockAlertEvent struct {
	Kind        StockAlertKind
	ItemID      string
	VariationID string
	Size        string
	Color       string
	Remaining   int
	Shortfall   int
	OccurredAt  time.Time
}

type CounterCommand struct {
	CounterID string
	Step      int64
}

// AuditRecord is the payload accepted by the audit writer service.
type AuditRecord struct {
	OrderID    string
	Subject    string
	FromStatus OrderStatus
	ToStatus   OrderStatus
	OccurredAt time.Time
}
