package repositories

import (
	"context"
	"time"

	domain "github.com/tophelanke/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ItemRepository persists catalogue items together with their variation stock
// and the sold/returned tallies.
type ItemRepository interface {
	Insert(ctx context.Context, item domain.Item) error
	Update(ctx context.Context, item domain.Item) error
	FindByID(ctx context.Context, itemID string) (domain.Item, error)
	List(ctx context.Context, filter ItemListFilter) (domain.CursorPage[domain.Item], error)

	// DecrementVariation removes qty units from the variation addressed by ID.
	// The amount floors at zero; the shortfall, if any, is returned so the
	// caller can record a backorder.
	DecrementVariation(ctx context.Context, req VariationAdjustRequest) (VariationAdjustResult, error)
	// IncrementVariationBySizeColor restocks the variation addressed by its
	// (size, color) pair.
	IncrementVariationBySizeColor(ctx context.Context, req RestockRequest) (VariationAdjustResult, error)
	AppendBackorder(ctx context.Context, itemID string, backorder domain.Backorder) error
	AdjustSoldCount(ctx context.Context, itemID string, delta int) (int, error)
	AdjustReturnedCount(ctx context.Context, itemID string, delta int) (int, error)
}

// VariationAdjustRequest addresses a stock mutation on a single variation.
type VariationAdjustRequest struct {
	ItemID      string
	VariationID string
	Quantity    int
	Now         time.Time
}

// RestockRequest addresses a restock by the size and color pair.
type RestockRequest struct {
	ItemID   string
	Size     string
	Color    string
	Quantity int
	Now      time.Time
}

// VariationAdjustResult reports the stock level after a mutation.
type VariationAdjustResult struct {
	ItemID      string
	VariationID string
	Size        string
	Color       string
	Previous    int
	Remaining   int
	Shortfall   int
}

// CouponRepository maintains coupon definitions and transactional redemption.
type CouponRepository interface {
	Insert(ctx context.Context, coupon domain.Coupon) error
	Delete(ctx context.Context, couponID string) error
	FindByID(ctx context.Context, couponID string) (domain.Coupon, error)
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	List(ctx context.Context, filter CouponListFilter) (domain.CursorPage[domain.Coupon], error)

	// MarkUsedBy appends userID to the coupon's redeemer list; conflict when
	// the user is already present.
	MarkUsedBy(ctx context.Context, couponID string, userID string, now time.Time) error
	// DecrementAmount consumes one redemption of a multiple-use coupon;
	// conflict when the balance is exhausted.
	DecrementAmount(ctx context.Context, couponID string, now time.Time) error
}

// TemporaryOrderRepository stores pending checkouts until they are confirmed
// or expire.
type TemporaryOrderRepository interface {
	Insert(ctx context.Context, order domain.TemporaryOrder) error
	FindByToken(ctx context.Context, token string) (domain.TemporaryOrder, error)
	// Delete removes the document. Inside a unit of work the delete commits
	// atomically with the surrounding writes, which is what makes a
	// verification token single-spend.
	Delete(ctx context.Context, temporaryOrderID string) error
	// DeleteExpired removes at most limit documents whose expiry precedes now
	// and reports how many went away.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// OrderRepository persists confirmed orders. The two composite operations run
// multi-document transactions because a half-applied confirmation or
// transition would corrupt stock levels.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)

	// ConfirmFromTemporary atomically creates the order, decrements stock,
	// redeems the coupon, links the buyer, clears the session user's cart and
	// deletes the temporary order. The temporary order is re-read inside the
	// transaction so a verification token can only ever be spent once.
	ConfirmFromTemporary(ctx context.Context, req ConfirmationRequest) (ConfirmationResult, error)
	// ApplyTransition moves the order to a new status and applies the stock
	// side effects in the same transaction. Conflict when the stored status no
	// longer matches ExpectedStatus.
	ApplyTransition(ctx context.Context, req TransitionRequest) (domain.Order, error)
}

// CouponRedemption selects how the confirm transaction consumes the coupon.
type CouponRedemption string

const (
	// CouponRedemptionNone means no coupon was applied.
	CouponRedemptionNone CouponRedemption = ""
	// CouponRedemptionMarkUsed appends the buyer to a single-use coupon.
	CouponRedemptionMarkUsed CouponRedemption = "mark_used"
	// CouponRedemptionDecrement consumes one redemption of a multiple-use coupon.
	CouponRedemptionDecrement CouponRedemption = "decrement"
)

// ConfirmationRequest carries every write of the confirm transaction. The
// service resolves the buyer and computes the order before calling; the
// repository only applies the writes atomically.
type ConfirmationRequest struct {
	TemporaryOrderID string
	Order            domain.Order
	// NewUser / NewCustomer is created inside the transaction when the buyer
	// does not exist yet; exactly one may be set, and its ID must match
	// Order.Buyer.ID. When both are nil the existing buyer document referenced
	// by Order.Buyer gets the order appended.
	NewUser     *domain.User
	NewCustomer *domain.Customer
	// ClearCartUserID empties that user's saved cart alongside the order.
	ClearCartUserID  string
	CouponID         string
	CouponUserID     string
	CouponRedemption CouponRedemption
	Now              time.Time
}

// ConfirmationResult reports stock levels after the decrements so the caller
// can raise low-stock and backorder alerts once the transaction committed.
type ConfirmationResult struct {
	Order domain.Order
	Stock []VariationAdjustResult
}

// StockEffect is one item-level side effect of a status transition.
type StockEffect struct {
	ItemID string
	// Size and Color address the variation to restock; RestockQty of zero
	// means no restock for this item.
	Size          string
	Color         string
	RestockQty    int
	SoldDelta     int
	ReturnedDelta int
}

// TransitionRequest applies a status change plus its stock side effects.
// Order carries the fully updated document the service computed from the
// transition table.
type TransitionRequest struct {
	Order          domain.Order
	ExpectedStatus domain.OrderStatus
	Effects        []StockEffect
	Now            time.Time
}

// CustomerRepository stores guest buyers with encrypted contact fields.
type CustomerRepository interface {
	Insert(ctx context.Context, customer domain.Customer) error
	Update(ctx context.Context, customer domain.Customer) error
	FindByID(ctx context.Context, customerID string) (domain.Customer, error)
	// FindByEmailKey locates customers by the deterministic encrypted e-mail.
	FindByEmailKey(ctx context.Context, emailKey string) ([]domain.Customer, error)
	AppendOrder(ctx context.Context, customerID string, orderID string, now time.Time) error
}

// UserRepository stores registered accounts and their saved carts.
type UserRepository interface {
	Insert(ctx context.Context, user domain.User) error
	Update(ctx context.Context, user domain.User) error
	FindByID(ctx context.Context, userID string) (domain.User, error)
	FindByEmailKey(ctx context.Context, emailKey string) (domain.User, error)
	ReplaceCart(ctx context.Context, userID string, lines []domain.CartLine, now time.Time) error
	AppendOrder(ctx context.Context, userID string, orderID string, now time.Time) error
}

// AuditLogRepository persists immutable admin action entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
	ListByOrder(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.AuditEntry], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type ItemListFilter struct {
	Category   string
	Pagination domain.Pagination
}

type CouponListFilter struct {
	ActiveOnly bool
	Pagination domain.Pagination
}

type OrderListFilter struct {
	Status     []string
	BuyerID    string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
