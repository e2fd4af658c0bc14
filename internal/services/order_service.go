package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	domain "github.com/tophelanke/api/internal/domain"
	"github.com/tophelanke/api/internal/platform/crypto"
	"github.com/tophelanke/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderTokenNotFound indicates no pending checkout matches the token.
	ErrOrderTokenNotFound = errors.New("order: verification token not found")
	// ErrOrderTokenExpired indicates the pending checkout already lapsed.
	ErrOrderTokenExpired = errors.New("order: verification token expired")
	// ErrOrderCouponRejected indicates the staged coupon no longer validates.
	ErrOrderCouponRejected = errors.New("order: coupon rejected")
	// ErrOrderConflict indicates a concurrent confirmation or status change won.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderInvalidTransition indicates the requested status change is not in the table.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
)

// orderStateTransitions is the full lifecycle table. A target absent from the
// source's list is rejected, whatever the caller's intent.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusProcessing: {
		domain.OrderStatusPendingPayment,
		domain.OrderStatusRefundPeriod,
		domain.OrderStatusFulfilled,
		domain.OrderStatusSentExchange,
		domain.OrderStatusReturned,
		domain.OrderStatusCancelled,
		domain.OrderStatusFailed,
	},
	domain.OrderStatusPendingPayment: {
		domain.OrderStatusRefundPeriod,
		domain.OrderStatusFulfilled,
		domain.OrderStatusCancelled,
		domain.OrderStatusFailed,
	},
	domain.OrderStatusRefundPeriod: {
		domain.OrderStatusFulfilled,
		domain.OrderStatusReturned,
		domain.OrderStatusCancelled,
	},
	domain.OrderStatusFulfilled: {
		domain.OrderStatusRefundPeriod,
		domain.OrderStatusReturned,
		domain.OrderStatusSentExchange,
	},
	domain.OrderStatusSentExchange: {
		domain.OrderStatusFulfilled,
		domain.OrderStatusReturned,
		domain.OrderStatusCancelled,
	},
	domain.OrderStatusReturned:  {},
	domain.OrderStatusCancelled: {},
	domain.OrderStatusFailed:    {},
}

// OrderSettings carries the tunables of the order lifecycle.
type OrderSettings struct {
	DefaultPassword string
	RefundPeriod    time.Duration
}

// OrderServiceDeps bundles the collaborators required to construct an order service.
type OrderServiceDeps struct {
	Orders          repositories.OrderRepository
	TemporaryOrders repositories.TemporaryOrderRepository
	Users           repositories.UserRepository
	Customers       repositories.CustomerRepository
	Coupons         repositories.CouponRepository
	Counters        CounterService
	PII             *crypto.PIICodec
	Mail            MailDispatcher
	Alerts          StockAlertPublisher
	Audit           AuditLogService
	Invoices        InvoiceService
	Settings        OrderSettings
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders    repositories.OrderRepository
	temporary repositories.TemporaryOrderRepository
	users     repositories.UserRepository
	customers repositories.CustomerRepository
	coupons   repositories.CouponRepository
	counters  CounterService
	pii       *crypto.PIICodec
	mail      MailDispatcher
	alerts    StockAlertPublisher
	audit     AuditLogService
	invoices  InvoiceService
	settings  OrderSettings
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.TemporaryOrders == nil {
		return nil, errors.New("order service: temporary order repository is required")
	}
	if deps.Users == nil {
		return nil, errors.New("order service: user repository is required")
	}
	if deps.Customers == nil {
		return nil, errors.New("order service: customer repository is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("order service: coupon repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter service is required")
	}
	if deps.PII == nil {
		return nil, errors.New("order service: pii codec is required")
	}

	settings := deps.Settings
	if settings.RefundPeriod <= 0 {
		settings.RefundPeriod = 14 * 24 * time.Hour
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

	return &orderService{
		orders:    deps.Orders,
		temporary: deps.TemporaryOrders,
		users:     deps.Users,
		customers: deps.Customers,
		coupons:   deps.Coupons,
		counters:  deps.Counters,
		pii:       deps.PII,
		mail:      deps.Mail,
		alerts:    deps.Alerts,
		audit:     deps.Audit,
		invoices:  deps.Invoices,
		settings:  settings,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Confirm turns the pending checkout identified by the token into a confirmed
// order. Everything that must not half-apply — order create, stock decrement,
// coupon redemption, buyer link, cart clear, token spend — commits in one
// repository transaction.
func (s *orderService) Confirm(ctx context.Context, cmd ConfirmOrderCommand) (Order, error) {
	token := strings.TrimSpace(cmd.Token)
	if token == "" {
		return Order{}, fmt.Errorf("%w: token is required", ErrOrderInvalidInput)
	}

	temp, err := s.temporary.FindByToken(ctx, token)
	if err != nil {
		if isNotFound(err) {
			return Order{}, fmt.Errorf("%w: %v", ErrOrderTokenNotFound, err)
		}
		return Order{}, err
	}

	now := s.clock()
	if now.After(temp.ExpiresAt) {
		if delErr := s.temporary.Delete(ctx, temp.ID); delErr != nil && !isNotFound(delErr) {
			s.logger(ctx, "order.expired_cleanup_failed", map[string]any{
				"temporaryOrderId": temp.ID,
				"error":            delErr.Error(),
			})
		}
		return Order{}, ErrOrderTokenExpired
	}

	orderID := s.newID()
	buyer, err := s.resolveBuyer(ctx, cmd, temp, orderID, now)
	if err != nil {
		return Order{}, err
	}

	number, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: next order number: %w", err)
	}

	req := repositories.ConfirmationRequest{
		TemporaryOrderID: temp.ID,
		Order: Order{
			ID:          orderID,
			Number:      number,
			Buyer:       buyer.ref,
			Contact:     temp.Contact,
			Lines:       temp.Lines,
			Totals:      temp.Totals,
			CouponCode:  temp.CouponCode,
			Note:        temp.Note,
			Status:      domain.OrderStatusProcessing,
			ConfirmedAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		NewUser:         buyer.newUser,
		NewCustomer:     buyer.newCustomer,
		ClearCartUserID: buyer.clearCartUserID,
		Now:             now,
	}

	if temp.CouponCode != "" {
		coupon, err := s.coupons.FindByCode(ctx, temp.CouponCode)
		if err != nil {
			if isNotFound(err) {
				return Order{}, fmt.Errorf("%w: %s", ErrOrderCouponRejected, temp.CouponCode)
			}
			return Order{}, err
		}
		verdict := evaluateCoupon(coupon, buyer.couponKey, now)
		if !verdict.Valid {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderCouponRejected, verdict.Reason)
		}
		req.CouponID = coupon.ID
		req.CouponUserID = buyer.couponKey
		switch {
		case coupon.SingleUse:
			req.CouponRedemption = repositories.CouponRedemptionMarkUsed
		case coupon.MultipleUse:
			req.CouponRedemption = repositories.CouponRedemptionDecrement
		}
	}

	result, err := s.orders.ConfirmFromTemporary(ctx, req)
	if err != nil {
		return Order{}, s.mapConfirmError(err)
	}

	publishStockAlerts(ctx, s.alerts, s.logger, result.Stock, now)
	order := s.sendConfirmationMail(ctx, result.Order)

	s.logger(ctx, "order.confirmed", map[string]any{
		"orderId":   order.ID,
		"number":    order.Number,
		"buyerKind": string(order.Buyer.Kind),
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, err
	}
	return page, nil
}

// TransitionStatus moves an order through the lifecycle table. The repository
// re-checks the current status inside the transaction, so a stale admin view
// cannot overwrite a newer change.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := cmd.TargetStatus
	if _, known := orderStateTransitions[target]; !known {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, target)
	}

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}

	allowed := orderStateTransitions[order.Status]
	if !slices.Contains(allowed, target) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, order.Status, target)
	}
	if target == domain.OrderStatusSentExchange && strings.TrimSpace(cmd.ExchangedOrderID) == "" {
		return Order{}, fmt.Errorf("%w: exchanged order id is required for %s", ErrOrderInvalidInput, target)
	}

	now := s.clock()
	from := order.Status
	updated, effects := applyTransition(order, target, cmd.ExchangedOrderID, now, s.settings.RefundPeriod)

	persisted, err := s.orders.ApplyTransition(ctx, repositories.TransitionRequest{
		Order:          updated,
		ExpectedStatus: from,
		Effects:        effects,
		Now:            now,
	})
	if err != nil {
		return Order{}, s.mapTransitionError(err)
	}

	if s.audit != nil {
		s.audit.Record(ctx, AuditRecord{
			OrderID:    persisted.ID,
			Subject:    strings.TrimSpace(cmd.ActorID),
			FromStatus: from,
			ToStatus:   target,
			OccurredAt: now,
		})
	}

	s.sendStatusMail(ctx, persisted)

	s.logger(ctx, "order.status_changed", map[string]any{
		"orderId": persisted.ID,
		"from":    string(from),
		"to":      string(target),
	})
	return persisted, nil
}

// MarkEmailSent records the mailer delivery callback outcome.
func (s *orderService) MarkEmailSent(ctx context.Context, orderID string, delivered bool) (Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if order.EmailSent == delivered {
		return order, nil
	}

	order.EmailSent = delivered
	order.UpdatedAt = s.clock()
	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, err
	}

	s.logger(ctx, "order.mail_delivery_recorded", map[string]any{
		"orderId":   order.ID,
		"delivered": delivered,
	})
	return order, nil
}

// applyTransition computes the updated order and the item side effects for
// one accepted transition. Side effects restock by (size, color) because the
// warehouse relabels returned parcels that way.
func applyTransition(order Order, target domain.OrderStatus, exchangedOrderID string, now time.Time, refundPeriod time.Duration) (Order, []repositories.StockEffect) {
	updated := order
	updated.Status = target
	updated.UpdatedAt = now
	// Only the refund window carries a refund date; any other move clears it.
	updated.RefundDate = nil

	var effects []repositories.StockEffect
	switch target {
	case domain.OrderStatusFulfilled:
		ts := now
		updated.FulfilledAt = &ts
		for _, line := range order.Lines {
			effects = append(effects, repositories.StockEffect{
				ItemID:    line.ItemID,
				SoldDelta: line.Quantity,
			})
		}
	case domain.OrderStatusReturned:
		ts := now
		updated.ReturnedAt = &ts
		for _, line := range order.Lines {
			effects = append(effects, repositories.StockEffect{
				ItemID:        line.ItemID,
				Size:          line.Size,
				Color:         line.Color,
				RestockQty:    line.Quantity,
				SoldDelta:     -line.Quantity,
				ReturnedDelta: line.Quantity,
			})
		}
	case domain.OrderStatusCancelled, domain.OrderStatusFailed:
		ts := now
		updated.CancelledAt = &ts
		for _, line := range order.Lines {
			effects = append(effects, repositories.StockEffect{
				ItemID:     line.ItemID,
				Size:       line.Size,
				Color:      line.Color,
				RestockQty: line.Quantity,
			})
		}
	case domain.OrderStatusSentExchange:
		updated.ExchangedOrderID = strings.TrimSpace(exchangedOrderID)
	case domain.OrderStatusRefundPeriod:
		refund := now.Add(refundPeriod)
		updated.RefundDate = &refund
	}
	return updated, effects
}

// resolvedBuyer carries the outcome of buyer resolution ahead of the confirm
// transaction.
type resolvedBuyer struct {
	ref             domain.BuyerRef
	newUser         *domain.User
	newCustomer     *domain.Customer
	clearCartUserID string
	// couponKey identifies the buyer in coupon bookkeeping: the user ID for
	// accounts, the deterministic e-mail ciphertext for guests.
	couponKey string
}

func (s *orderService) resolveBuyer(ctx context.Context, cmd ConfirmOrderCommand, temp TemporaryOrder, orderID string, now time.Time) (resolvedBuyer, error) {
	sessionUserID := strings.TrimSpace(cmd.SessionUserID)
	if sessionUserID == "" {
		sessionUserID = strings.TrimSpace(temp.SessionUserID)
	}

	if sessionUserID != "" {
		user, err := s.users.FindByID(ctx, sessionUserID)
		if err == nil {
			return resolvedBuyer{
				ref:             domain.BuyerRef{Kind: domain.BuyerKindUser, ID: user.ID},
				clearCartUserID: user.ID,
				couponKey:       user.ID,
			}, nil
		}
		if !isNotFound(err) {
			return resolvedBuyer{}, err
		}
		// Stale session; resolve as guest below.
	}

	emailKey := temp.Contact.Email

	if temp.CreateNewAccount {
		existing, err := s.users.FindByEmailKey(ctx, emailKey)
		switch {
		case err == nil:
			return resolvedBuyer{
				ref:             domain.BuyerRef{Kind: domain.BuyerKindUser, ID: existing.ID},
				clearCartUserID: existing.ID,
				couponKey:       existing.ID,
			}, nil
		case !isNotFound(err):
			return resolvedBuyer{}, err
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(s.settings.DefaultPassword), bcrypt.DefaultCost)
		if err != nil {
			return resolvedBuyer{}, fmt.Errorf("order: hash default password: %w", err)
		}
		user := domain.User{
			ID:                s.newID(),
			Email:             emailKey,
			PasswordHash:      string(hash),
			PendingActivation: true,
			Contact:           temp.Contact,
			Cart:              []CartLine{},
			OrderIDs:          []string{orderID},
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		return resolvedBuyer{
			ref:       domain.BuyerRef{Kind: domain.BuyerKindUser, ID: user.ID},
			newUser:   &user,
			couponKey: user.ID,
		}, nil
	}

	user, err := s.users.FindByEmailKey(ctx, emailKey)
	switch {
	case err == nil:
		return resolvedBuyer{
			ref:             domain.BuyerRef{Kind: domain.BuyerKindUser, ID: user.ID},
			clearCartUserID: user.ID,
			couponKey:       user.ID,
		}, nil
	case !isNotFound(err):
		return resolvedBuyer{}, err
	}

	candidates, err := s.customers.FindByEmailKey(ctx, emailKey)
	if err != nil {
		return resolvedBuyer{}, err
	}
	for _, candidate := range candidates {
		// Ciphertexts are deterministic, so dedup compares them directly.
		if candidate.Contact.Phone == temp.Contact.Phone || candidate.Contact.Address == temp.Contact.Address {
			return resolvedBuyer{
				ref:       domain.BuyerRef{Kind: domain.BuyerKindCustomer, ID: candidate.ID},
				couponKey: emailKey,
			}, nil
		}
	}

	customer := domain.Customer{
		ID:        s.newID(),
		Contact:   temp.Contact,
		OrderIDs:  []string{orderID},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return resolvedBuyer{
		ref:         domain.BuyerRef{Kind: domain.BuyerKindCustomer, ID: customer.ID},
		newCustomer: &customer,
		couponKey:   emailKey,
	}, nil
}

// statusMailTargets lists the statuses the buyer is told about. Shipped,
// returned and cancelled matter to the buyer; failed is an internal state.
var statusMailTargets = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPendingPayment: {},
	domain.OrderStatusReturned:       {},
	domain.OrderStatusCancelled:      {},
}

// sendStatusMail queues the buyer notification after the transition commits.
// The status change stands even when the mail cannot be queued.
func (s *orderService) sendStatusMail(ctx context.Context, order Order) {
	if s.mail == nil {
		return
	}
	if _, notify := statusMailTargets[order.Status]; !notify {
		return
	}

	contact, err := decryptContact(s.pii, order.Contact)
	if err != nil {
		s.logger(ctx, "order.mail_decrypt_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return
	}

	job := StatusMailJob{
		Recipient:   contact.Email,
		OrderID:     order.ID,
		OrderNumber: order.Number,
		Status:      order.Status,
		QueuedAt:    s.clock(),
	}
	if err := s.mail.EnqueueStatusNotification(ctx, job); err != nil {
		s.logger(ctx, "order.mail_enqueue_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

// sendConfirmationMail queues the receipt and records the outcome on the
// order. The order stands either way.
func (s *orderService) sendConfirmationMail(ctx context.Context, order Order) Order {
	if s.mail == nil {
		return order
	}

	contact, err := decryptContact(s.pii, order.Contact)
	if err != nil {
		s.logger(ctx, "order.mail_decrypt_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return order
	}

	job := ConfirmationMailJob{
		Recipient:   contact.Email,
		OrderID:     order.ID,
		OrderNumber: order.Number,
		OrderLines:  order.Lines,
		Totals:      order.Totals,
		QueuedAt:    s.clock(),
	}
	if s.invoices != nil {
		signed, err := s.invoices.IssueUploadURL(ctx, InvoiceUploadCommand{OrderID: order.ID, ContentType: "application/pdf"})
		if err != nil {
			s.logger(ctx, "order.invoice_url_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		} else {
			job.InvoiceUploadURL = signed.URL
		}
	}

	if err := s.mail.EnqueueConfirmation(ctx, job); err != nil {
		s.logger(ctx, "order.mail_enqueue_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return order
	}

	order.EmailSent = true
	order.UpdatedAt = s.clock()
	if err := s.orders.Update(ctx, order); err != nil {
		s.logger(ctx, "order.mail_flag_update_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
	return order
}

func (s *orderService) mapConfirmError(err error) error {
	if err == nil {
		return nil
	}
	mapped := mapStockError(err)
	if !errors.Is(mapped, err) {
		return mapped
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			// The temporary order vanished between lookup and transaction.
			return fmt.Errorf("%w: %v", ErrOrderTokenNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		}
	}
	return err
}

func (s *orderService) mapTransitionError(err error) error {
	if err == nil {
		return nil
	}
	mapped := mapStockError(err)
	if !errors.Is(mapped, err) {
		return mapped
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		}
	}
	return err
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
