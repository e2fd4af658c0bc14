package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage wraps a page of results together with the continuation token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Variation is a sellable configuration of an item, addressed either by its
// ID (sales path) or by the (size, color) pair (restock path).
type Variation struct {
	ID     string
	Size   string
	Color  string
	Amount int
}

// Backorder records demand that could not be served from stock.
type Backorder struct {
	Size       string
	Color      string
	Quantity   int
	RecordedAt time.Time
}

// Item is a catalogue entry with its stock-keeping variations and the
// lifetime sold/returned tallies used by merchandising reports.
type Item struct {
	ID            string
	Name          string
	Category      string
	Description   string
	Price         int64
	Currency      string
	Variations    []Variation
	SoldCount     int
	ReturnedCount int
	Backorders    []Backorder
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Coupon carries the discount flags evaluated at checkout. The flags are not
// mutually exclusive; single-use takes precedence over multiple-use when both
// are set.
type Coupon struct {
	ID              string
	Code            string
	DiscountPercent int
	Active          bool
	SingleUse       bool
	MultipleUse     bool
	TimeSensitive   bool
	AmountSensitive bool
	// Amount is the remaining use balance; amount-sensitive coupons reject
	// when it drops below one and multiple-use redemptions decrement it.
	Amount    int64
	ExpiresAt *time.Time
	// Users lists the IDs that already redeemed a single-use coupon.
	Users []string
	// UsedNumber counts redemptions across all flag combinations.
	UsedNumber int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ContactDetails is the buyer-identifying block stored encrypted at rest.
type ContactDetails struct {
	FullName string
	Email    string
	Phone    string
	Address  string
	City     string
	PostCode string
	Country  string
}

// OrderLine snapshots one cart row at the moment of checkout so later price
// or catalogue edits cannot change what the buyer agreed to.
type OrderLine struct {
	ItemID      string
	VariationID string
	Name        string
	Size        string
	Color       string
	Quantity    int
	UnitPrice   int64
}

// OrderTotals captures the checkout arithmetic.
type OrderTotals struct {
	Subtotal   int64
	Shipping   int64
	Discount   int64
	GrandTotal int64
	Currency   string
}

// TemporaryOrder is a pending checkout awaiting e-mail verification. It holds
// no inventory and is deleted the moment it is consumed or expires.
type TemporaryOrder struct {
	ID               string
	Token            string
	Contact          ContactDetails
	Lines            []OrderLine
	Totals           OrderTotals
	CouponCode       string
	Note             string
	SessionUserID    string
	CreateNewAccount bool
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// BuyerKind distinguishes the owner reference stored on an order.
type BuyerKind string

const (
	// BuyerKindUser links the order to a registered account.
	BuyerKindUser BuyerKind = "user"
	// BuyerKindCustomer links the order to a guest customer record.
	BuyerKindCustomer BuyerKind = "customer"
)

// BuyerRef points at the user or customer the order belongs to.
type BuyerRef struct {
	Kind BuyerKind
	ID   string
}

// OrderStatus enumerates the order lifecycle states.
type OrderStatus string

const (
	// OrderStatusProcessing is the state every confirmed order starts in.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusPendingPayment marks orders awaiting an offline payment.
	OrderStatusPendingPayment OrderStatus = "pending-payment"
	// OrderStatusRefundPeriod marks delivered orders inside the refund window.
	OrderStatusRefundPeriod OrderStatus = "refund-period"
	// OrderStatusFulfilled marks orders handed over to the buyer.
	OrderStatusFulfilled OrderStatus = "fulfilled"
	// OrderStatusSentExchange marks orders shipped out as an exchange.
	OrderStatusSentExchange OrderStatus = "sent-exchange"
	// OrderStatusReturned marks orders sent back by the buyer. Terminal.
	OrderStatusReturned OrderStatus = "returned"
	// OrderStatusCancelled marks orders cancelled before fulfilment. Terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusFailed marks orders that could not be delivered. Terminal.
	OrderStatusFailed OrderStatus = "failed"
)

// Order is a confirmed purchase.
type Order struct {
	ID               string
	Number           string
	Buyer            BuyerRef
	Contact          ContactDetails
	Lines            []OrderLine
	Totals           OrderTotals
	CouponCode       string
	Note             string
	Status           OrderStatus
	ExchangedOrderID string
	EmailSent        bool
	ConfirmedAt      time.Time
	FulfilledAt      *time.Time
	ReturnedAt       *time.Time
	CancelledAt      *time.Time
	RefundDate       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Customer is a guest buyer deduplicated by e-mail plus phone or address.
type Customer struct {
	ID        string
	Contact   ContactDetails
	OrderIDs  []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartLine is a row in a registered user's saved cart.
type CartLine struct {
	ItemID      string
	VariationID string
	Quantity    int
	AddedAt     time.Time
}

// User is a registered storefront account. Accounts auto-created during order
// confirmation stay pending activation until the owner sets a password.
type User struct {
	ID                string
	Email             string
	PasswordHash      string
	PendingActivation bool
	Contact           ContactDetails
	Cart              []CartLine
	OrderIDs          []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AuditEntry records an administrative action against an order.
type AuditEntry struct {
	ID         string
	OrderID    string
	Subject    string
	FromStatus OrderStatus
	ToStatus   OrderStatus
	OccurredAt time.Time
}

// Health status values reported by dependency probes.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck reports one dependency probe result.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// StockAlertKind distinguishes the inventory notifications.
type StockAlertKind string

const (
	// StockAlertLow fires when a variation drops into the low band (0, 3].
	StockAlertLow StockAlertKind = "stock.low"
	// StockAlertOut fires when a variation hits zero.
	StockAlertOut StockAlertKind = "stock.out"
	// StockAlertBackorder fires when demand exceeded available stock.
	StockAlertBackorder StockAlertKind = "stock.backorder"
)
