package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	"github.com/tophelanke/api/internal/platform/crypto"
	"github.com/tophelanke/api/internal/platform/textutil"
	"github.com/tophelanke/api/internal/repositories"
)

var (
	// ErrCheckoutInvalidInput signals the caller provided invalid arguments.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutCouponRejected indicates the supplied coupon failed validation.
	ErrCheckoutCouponRejected = errors.New("checkout: coupon rejected")
)

// CheckoutSettings carries the tunables the checkout flow needs.
type CheckoutSettings struct {
	Currency       string
	ShippingPrice  int64
	TempOrderTTL   time.Duration
	SweepBatchSize int
	ConfirmBaseURL string
}

// CheckoutServiceDeps bundles the collaborators required to construct a checkout service.
type CheckoutServiceDeps struct {
	Items           repositories.ItemRepository
	Coupons         repositories.CouponRepository
	TemporaryOrders repositories.TemporaryOrderRepository
	PII             *crypto.PIICodec
	Mail            MailDispatcher
	Settings        CheckoutSettings
	Clock           func() time.Time
	IDGenerator     func() string
	TokenGenerator  func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	items     repositories.ItemRepository
	coupons   repositories.CouponRepository
	temporary repositories.TemporaryOrderRepository
	pii       *crypto.PIICodec
	mail      MailDispatcher
	settings  CheckoutSettings
	sanitizer *bluemonday.Policy
	clock     func() time.Time
	newID     func() string
	newToken  func() string
	logger    func(context.Context, string, map[string]any)
}

// NewCheckoutService wires dependencies into a concrete CheckoutService implementation.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Items == nil {
		return nil, errors.New("checkout service: item repository is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("checkout service: coupon repository is required")
	}
	if deps.TemporaryOrders == nil {
		return nil, errors.New("checkout service: temporary order repository is required")
	}
	if deps.PII == nil {
		return nil, errors.New("checkout service: pii codec is required")
	}

	settings := deps.Settings
	if settings.TempOrderTTL <= 0 {
		settings.TempOrderTTL = 48 * time.Hour
	}
	if settings.SweepBatchSize <= 0 {
		settings.SweepBatchSize = 100
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
	tokenGen := deps.TokenGenerator
	if tokenGen == nil {
		tokenGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		items:     deps.Items,
		coupons:   deps.Coupons,
		temporary: deps.TemporaryOrders,
		pii:       deps.PII,
		mail:      deps.Mail,
		settings:  settings,
		sanitizer: bluemonday.StrictPolicy(),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		newToken: tokenGen,
		logger:   logger,
	}, nil
}

// PlaceOrder stages a pending checkout. Stock is not touched here: inventory
// only moves when the buyer confirms through the e-mailed token.
func (s *checkoutService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (TemporaryOrder, error) {
	if err := validateCheckoutInput(cmd); err != nil {
		return TemporaryOrder{}, err
	}

	now := s.clock()

	lines, subtotal, err := s.snapshotLines(ctx, cmd.Lines)
	if err != nil {
		return TemporaryOrder{}, err
	}

	couponCode := textutil.FoldCode(cmd.CouponCode)
	var discount int64
	if couponCode != "" {
		coupon, err := s.coupons.FindByCode(ctx, couponCode)
		if err != nil {
			return TemporaryOrder{}, s.mapCouponError(err)
		}
		verdict := evaluateCoupon(coupon, s.couponUserKey(cmd), now)
		if !verdict.Valid {
			return TemporaryOrder{}, fmt.Errorf("%w: %s", ErrCheckoutCouponRejected, verdict.Reason)
		}
		discount = subtotal * int64(verdict.DiscountPercent) / 100
	}

	totals := OrderTotals{
		Subtotal:   subtotal,
		Shipping:   s.settings.ShippingPrice,
		Discount:   discount,
		GrandTotal: subtotal + s.settings.ShippingPrice - discount,
		Currency:   s.settings.Currency,
	}

	contact, err := encryptContact(s.pii, cmd.Contact)
	if err != nil {
		return TemporaryOrder{}, fmt.Errorf("checkout: encrypt contact: %w", err)
	}

	order := TemporaryOrder{
		ID:               s.newID(),
		Token:            s.newToken(),
		Contact:          contact,
		Lines:            lines,
		Totals:           totals,
		CouponCode:       couponCode,
		Note:             s.sanitizer.Sanitize(strings.TrimSpace(cmd.Note)),
		SessionUserID:    strings.TrimSpace(cmd.SessionUserID),
		CreateNewAccount: cmd.CreateNewAccount,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.settings.TempOrderTTL),
	}

	if err := s.temporary.Insert(ctx, order); err != nil {
		return TemporaryOrder{}, err
	}

	s.enqueueVerificationMail(ctx, cmd.Contact.Email, order)

	s.logger(ctx, "checkout.placed", map[string]any{
		"temporaryOrderId": order.ID,
		"lines":            len(order.Lines),
		"grandTotal":       totals.GrandTotal,
	})
	return order, nil
}

// SweepExpired removes stale pending checkouts in one bounded batch.
func (s *checkoutService) SweepExpired(ctx context.Context) (int, error) {
	deleted, err := s.temporary.DeleteExpired(ctx, s.clock(), s.settings.SweepBatchSize)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger(ctx, "checkout.sweep", map[string]any{"deleted": deleted})
	}
	return deleted, nil
}

func (s *checkoutService) snapshotLines(ctx context.Context, input []CheckoutLine) ([]OrderLine, int64, error) {
	lines := make([]OrderLine, 0, len(input))
	var subtotal int64
	for _, line := range input {
		item, err := s.items.FindByID(ctx, line.ItemID)
		if err != nil {
			return nil, 0, mapStockError(err)
		}
		var variation *Variation
		for i := range item.Variations {
			if item.Variations[i].ID == strings.TrimSpace(line.VariationID) {
				variation = &item.Variations[i]
				break
			}
		}
		if variation == nil {
			return nil, 0, fmt.Errorf("%w: variation %s on item %s", ErrVariationNotFound, line.VariationID, line.ItemID)
		}
		lines = append(lines, OrderLine{
			ItemID:      item.ID,
			VariationID: variation.ID,
			Name:        item.Name,
			Size:        variation.Size,
			Color:       variation.Color,
			Quantity:    line.Quantity,
			UnitPrice:   item.Price,
		})
		subtotal += int64(line.Quantity) * item.Price
	}
	return lines, subtotal, nil
}

// couponUserKey identifies the buyer for single-use bookkeeping: the session
// user when signed in, otherwise the deterministic e-mail ciphertext.
func (s *checkoutService) couponUserKey(cmd PlaceOrderCommand) string {
	if userID := strings.TrimSpace(cmd.SessionUserID); userID != "" {
		return userID
	}
	key, err := s.pii.Encrypt(textutil.FoldEmail(cmd.Contact.Email))
	if err != nil {
		return ""
	}
	return key
}

func (s *checkoutService) enqueueVerificationMail(ctx context.Context, recipient string, order TemporaryOrder) {
	if s.mail == nil {
		return
	}
	confirmURL := order.Token
	if base := strings.TrimRight(s.settings.ConfirmBaseURL, "/"); base != "" {
		confirmURL = fmt.Sprintf("%s/prodavnica/potvrdite-porudzbinu?token=%s", base, order.Token)
	}
	err := s.mail.EnqueueVerification(ctx, VerificationMailJob{
		Recipient:  strings.TrimSpace(recipient),
		Token:      order.Token,
		ConfirmURL: confirmURL,
		OrderLines: order.Lines,
		Totals:     order.Totals,
		QueuedAt:   order.CreatedAt,
	})
	if err != nil {
		s.logger(ctx, "checkout.mail_enqueue_failed", map[string]any{
			"temporaryOrderId": order.ID,
			"error":            err.Error(),
		})
	}
}

func (s *checkoutService) mapCouponError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrCouponNotFound, err)
	}
	return err
}

func validateCheckoutInput(cmd PlaceOrderCommand) error {
	if strings.TrimSpace(cmd.Contact.FullName) == "" {
		return fmt.Errorf("%w: full name is required", ErrCheckoutInvalidInput)
	}
	if textutil.FoldEmail(cmd.Contact.Email) == "" {
		return fmt.Errorf("%w: email is required", ErrCheckoutInvalidInput)
	}
	if strings.TrimSpace(cmd.Contact.Address) == "" || strings.TrimSpace(cmd.Contact.City) == "" {
		return fmt.Errorf("%w: delivery address is required", ErrCheckoutInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrCheckoutInvalidInput)
	}
	for _, line := range cmd.Lines {
		if strings.TrimSpace(line.ItemID) == "" || strings.TrimSpace(line.VariationID) == "" {
			return fmt.Errorf("%w: line item and variation ids are required", ErrCheckoutInvalidInput)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: line quantity must be positive", ErrCheckoutInvalidInput)
		}
	}
	return nil
}

// encryptContact encrypts every buyer-identifying field. E-mail and phone are
// folded first so their ciphertexts double as deduplication keys.
func encryptContact(codec *crypto.PIICodec, contact ContactDetails) (ContactDetails, error) {
	out := ContactDetails{}
	var err error
	if out.FullName, err = codec.Encrypt(strings.TrimSpace(contact.FullName)); err != nil {
		return ContactDetails{}, err
	}
	if out.Email, err = codec.Encrypt(textutil.FoldEmail(contact.Email)); err != nil {
		return ContactDetails{}, err
	}
	if out.Phone, err = codec.Encrypt(textutil.FoldPhone(contact.Phone)); err != nil {
		return ContactDetails{}, err
	}
	if out.Address, err = codec.Encrypt(strings.TrimSpace(contact.Address)); err != nil {
		return ContactDetails{}, err
	}
	if out.City, err = codec.Encrypt(strings.TrimSpace(contact.City)); err != nil {
		return ContactDetails{}, err
	}
	if out.PostCode, err = codec.Encrypt(strings.TrimSpace(contact.PostCode)); err != nil {
		return ContactDetails{}, err
	}
	if out.Country, err = codec.Encrypt(strings.TrimSpace(contact.Country)); err != nil {
		return ContactDetails{}, err
	}
	return out, nil
}

// decryptContact reverses encryptContact for outbound surfaces such as e-mail.
func decryptContact(codec *crypto.PIICodec, contact ContactDetails) (ContactDetails, error) {
	out := ContactDetails{}
	var err error
	if out.FullName, err = codec.Decrypt(contact.FullName); err != nil {
		return ContactDetails{}, err
	}
	if out.Email, err = codec.Decrypt(contact.Email); err != nil {
		return ContactDetails{}, err
	}
	if out.Phone, err = codec.Decrypt(contact.Phone); err != nil {
		return ContactDetails{}, err
	}
	if out.Address, err = codec.Decrypt(contact.Address); err != nil {
		return ContactDetails{}, err
	}
	if out.City, err = codec.Decrypt(contact.City); err != nil {
		return ContactDetails{}, err
	}
	if out.PostCode, err = codec.Decrypt(contact.PostCode); err != nil {
		return ContactDetails{}, err
	}
	if out.Country, err = codec.Decrypt(contact.Country); err != nil {
		return ContactDetails{}, err
	}
	return out, nil
}
