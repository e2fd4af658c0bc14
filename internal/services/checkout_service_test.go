package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/tophelanke/api/internal/domain"
	"github.com/tophelanke/api/internal/platform/crypto"
	"github.com/tophelanke/api/internal/repositories"
)

type fakeTempOrderRepo struct {
	inserted []domain.TemporaryOrder
	byToken  map[string]domain.TemporaryOrder

	insertErr error
	deleteFn  func(context.Context, string) error
	expiredFn func(context.Context, time.Time, int) (int, error)
}

func (f *fakeTempOrderRepo) Insert(ctx context.Context, order domain.TemporaryOrder) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, order)
	if f.byToken == nil {
		f.byToken = map[string]domain.TemporaryOrder{}
	}
	f.byToken[order.Token] = order
	return nil
}

func (f *fakeTempOrderRepo) FindByToken(ctx context.Context, token string) (domain.TemporaryOrder, error) {
	order, ok := f.byToken[token]
	if !ok {
		return domain.TemporaryOrder{}, errRepoNotFound
	}
	return order, nil
}

func (f *fakeTempOrderRepo) Delete(ctx context.Context, temporaryOrderID string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, temporaryOrderID)
	}
	for token, order := range f.byToken {
		if order.ID == temporaryOrderID {
			delete(f.byToken, token)
		}
	}
	return nil
}

func (f *fakeTempOrderRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if f.expiredFn != nil {
		return f.expiredFn(ctx, now, limit)
	}
	return 0, nil
}

type fakeMailDispatcher struct {
	verifications []VerificationMailJob
	confirmations []ConfirmationMailJob
	statuses      []StatusMailJob

	verifyErr  error
	confirmErr error
	statusErr  error
}

func (f *fakeMailDispatcher) EnqueueVerification(ctx context.Context, job VerificationMailJob) error {
	if f.verifyErr != nil {
		return f.verifyErr
	}
	f.verifications = append(f.verifications, job)
	return nil
}

func (f *fakeMailDispatcher) EnqueueConfirmation(ctx context.Context, job ConfirmationMailJob) error {
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmations = append(f.confirmations, job)
	return nil
}

func (f *fakeMailDispatcher) EnqueueStatusNotification(ctx context.Context, job StatusMailJob) error {
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statuses = append(f.statuses, job)
	return nil
}

func testPIICodec(t *testing.T) *crypto.PIICodec {
	t.Helper()
	codec, err := crypto.NewPIICodec("0123456789abcdef0123456789abcdef", "abcdef9876543210")
	if err != nil {
		t.Fatalf("NewPIICodec returned error: %v", err)
	}
	return codec
}

func catalogueWithShirt() map[string]domain.Item {
	return map[string]domain.Item{
		"item-1": {
			ID:       "item-1",
			Name:     "Majica",
			Price:    2500,
			Currency: "RSD",
			Variations: []domain.Variation{
				{ID: "var-1", Size: "M", Color: "crna", Amount: 10},
				{ID: "var-2", Size: "L", Color: "bela", Amount: 4},
			},
		},
	}
}

func placeOrderCmd() PlaceOrderCommand {
	return PlaceOrderCommand{
		Contact: ContactDetails{
			FullName: "Mila Petrović",
			Email:    "Mila@Example.rs",
			Phone:    "+381 60 123-4567",
			Address:  "Bulevar oslobođenja 1",
			City:     "Beograd",
			PostCode: "11000",
			Country:  "RS",
		},
		Lines: []CheckoutLine{{ItemID: "item-1", VariationID: "var-1", Quantity: 2}},
	}
}

type checkoutFixture struct {
	svc     CheckoutService
	items   *fakeItemRepo
	coupons *fakeCouponRepo
	temp    *fakeTempOrderRepo
	mail    *fakeMailDispatcher
	codec   *crypto.PIICodec
}

func newCheckoutFixture(t *testing.T, now time.Time, settings CheckoutSettings) checkoutFixture {
	t.Helper()

	fixture := checkoutFixture{
		items:   &fakeItemRepo{items: catalogueWithShirt()},
		coupons: &fakeCouponRepo{},
		temp:    &fakeTempOrderRepo{},
		mail:    &fakeMailDispatcher{},
		codec:   testPIICodec(t),
	}

	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Items:           fixture.items,
		Coupons:         fixture.coupons,
		TemporaryOrders: fixture.temp,
		PII:             fixture.codec,
		Mail:            fixture.mail,
		Settings:        settings,
		Clock:           func() time.Time { return now },
		IDGenerator:     func() string { return "tmp-test" },
		TokenGenerator: func() string { return "tok-test" },
	})
	if err != nil {
		t.Fatalf("NewCheckoutService returned error: %v", err)
	}
	fixture.svc = svc
	return fixture
}

func TestPlaceOrderTotals(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	fixture := newCheckoutFixture(t, now, CheckoutSettings{
		Currency:      "RSD",
		ShippingPrice: 400,
		TempOrderTTL:  48 * time.Hour,
	})
	fixture.coupons.coupons = map[string]domain.Coupon{
		"leto10": {ID: "cpn-1", Code: "leto10", Active: true, DiscountPercent: 10},
	}

	cmd := placeOrderCmd()
	cmd.CouponCode = "LETO10"

	order, err := fixture.svc.PlaceOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}

	if order.Totals.Subtotal != 5000 {
		t.Fatalf("expected subtotal 5000, got %d", order.Totals.Subtotal)
	}
	if order.Totals.Shipping != 400 {
		t.Fatalf("expected shipping 400, got %d", order.Totals.Shipping)
	}
	if order.Totals.Discount != 500 {
		t.Fatalf("expected discount 500, got %d", order.Totals.Discount)
	}
	if order.Totals.GrandTotal != 4900 {
		t.Fatalf("expected grand total 4900, got %d", order.Totals.GrandTotal)
	}
	if order.Totals.Currency != "RSD" {
		t.Fatalf("expected RSD, got %q", order.Totals.Currency)
	}
	if order.CouponCode != "leto10" {
		t.Fatalf("expected folded coupon code, got %q", order.CouponCode)
	}
	if !order.ExpiresAt.Equal(now.Add(48 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", order.ExpiresAt)
	}

	if len(order.Lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(order.Lines))
	}
	line := order.Lines[0]
	if line.Name != "Majica" || line.Size != "M" || line.Color != "crna" || line.UnitPrice != 2500 {
		t.Fatalf("unexpected line snapshot: %#v", line)
	}
}

func TestPlaceOrderEncryptsContact(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	fixture := newCheckoutFixture(t, now, CheckoutSettings{Currency: "RSD"})

	order, err := fixture.svc.PlaceOrder(context.Background(), placeOrderCmd())
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}

	if len(fixture.temp.inserted) != 1 {
		t.Fatalf("expected 1 insert, got %d", len(fixture.temp.inserted))
	}
	stored := fixture.temp.inserted[0]

	if stored.Contact.Email == "mila@example.rs" || strings.Contains(stored.Contact.Email, "@") {
		t.Fatalf("expected encrypted email at rest, got %q", stored.Contact.Email)
	}
	if stored.Contact.FullName == "Mila Petrović" {
		t.Fatal("expected encrypted full name at rest")
	}

	email, err := fixture.codec.Decrypt(stored.Contact.Email)
	if err != nil {
		t.Fatalf("decrypt email: %v", err)
	}
	if email != "mila@example.rs" {
		t.Fatalf("expected folded email after decrypt, got %q", email)
	}
	phone, err := fixture.codec.Decrypt(stored.Contact.Phone)
	if err != nil {
		t.Fatalf("decrypt phone: %v", err)
	}
	if phone != "+381601234567" {
		t.Fatalf("expected folded phone after decrypt, got %q", phone)
	}

	if order.ID != "tmp-test" {
		t.Fatalf("expected generated id, got %q", order.ID)
	}
}

func TestPlaceOrderSanitizesNote(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	fixture := newCheckoutFixture(t, now, CheckoutSettings{Currency: "RSD"})

	cmd := placeOrderCmd()
	cmd.Note = `  pozvati <script>alert("x")</script>pre isporuke `

	order, err := fixture.svc.PlaceOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if strings.Contains(order.Note, "<script>") || strings.Contains(order.Note, "alert") {
		t.Fatalf("expected sanitized note, got %q", order.Note)
	}
	if !strings.Contains(order.Note, "pozvati") {
		t.Fatalf("expected note text preserved, got %q", order.Note)
	}
}

func TestPlaceOrderDoesNotTouchStock(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	fixture := newCheckoutFixture(t, now, CheckoutSettings{Currency: "RSD"})
	fixture.items.decrementFn = func(ctx context.Context, req repositories.VariationAdjustRequest) (repositories.VariationAdjustResult, error) {
		t.Fatal("stock must not move before confirmation")
		return repositories.VariationAdjustResult{}, nil
	}

	if _, err := fixture.svc.PlaceOrder(context.Background(), placeOrderCmd()); err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	fixture := newCheckoutFixture(t, now, CheckoutSettings{Currency: "RSD"})

	mutations := []func(*PlaceOrderCommand){
		func(cmd *PlaceOrderCommand) { cmd.Contact.FullName = " " },
		func(cmd *PlaceOrderCommand) { cmd.Contact.Email = "" },
		func(cmd *PlaceOrderCommand) { cmd.Contact.Address = "" },
		func(cmd *PlaceOrderCommand) { cmd.Contact.City = "" },
		func(cmd *PlaceOrderCommand) { cmd.Lines = nil },
		func(cmd *PlaceOrderCommand) { cmd.Lines[0].ItemID = "" },
		func(cmd *PlaceOrderCommand) { cmd.Lines[0].Quantity = 0 },
	}

	for i, mutate := range mutations {
		cmd := placeOrderCmd()
		mutate(&cmd)
		if _, err := fixture.svc.PlaceOrder(context.Background(), cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
			t.Fatalf("case %d: expected ErrCheckoutInvalidInput, got %v", i, err)
		}
	}
}

func TestPlaceOrderUnknownVariation(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	fixture := newCheckoutFixture(t, now, CheckoutSettings{Currency: "RSD"})

	cmd := placeOrderCmd()
	cmd.Lines[0].VariationID = "var-x"

	if _, err := fixture.svc.PlaceOrder(context.Background(), cmd); !errors.Is(err, ErrVariationNotFound) {
		t.Fatalf("expected ErrVariationNotFound, got %v", err)
	}
}

func TestPlaceOrderCouponRejected(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	fixture := newCheckoutFixture(t, now, CheckoutSettings{Currency: "RSD"})
	fixture.coupons.coupons = map[string]domain.Coupon{
		"mrtav": {Code: "mrtav", Active: false, DiscountPercent: 10},
	}

	cmd := placeOrderCmd()
	cmd.CouponCode = "mrtav"

	_, err := fixture.svc.PlaceOrder(context.Background(), cmd)
	if !errors.Is(err, ErrCheckoutCouponRejected) {
		t.Fatalf("expected ErrCheckoutCouponRejected, got %v", err)
	}
	if len(fixture.temp.inserted) != 0 {
		t.Fatal("expected no temporary order on coupon rejection")
	}

	cmd.CouponCode = "nepostoji"
	if _, err := fixture.svc.PlaceOrder(context.Background(), cmd); !errors.Is(err, ErrCouponNotFound) {
		t.Fatalf("expected ErrCouponNotFound, got %v", err)
	}
}

func TestPlaceOrderQueuesVerificationMail(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	fixture := newCheckoutFixture(t, now, CheckoutSettings{
		Currency:       "RSD",
		ConfirmBaseURL: "https://tophelanke.rs/",
	})

	if _, err := fixture.svc.PlaceOrder(context.Background(), placeOrderCmd()); err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}

	if len(fixture.mail.verifications) != 1 {
		t.Fatalf("expected 1 verification mail, got %d", len(fixture.mail.verifications))
	}
	job := fixture.mail.verifications[0]
	if job.Recipient != "Mila@Example.rs" {
		t.Fatalf("unexpected recipient %q", job.Recipient)
	}
	if job.Token != "tok-test" {
		t.Fatalf("unexpected token %q", job.Token)
	}
	want := "https://tophelanke.rs/prodavnica/potvrdite-porudzbinu?token=tok-test"
	if job.ConfirmURL != want {
		t.Fatalf("expected confirm url %q, got %q", want, job.ConfirmURL)
	}
}

func TestPlaceOrderMailFailureDoesNotFail(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	fixture := newCheckoutFixture(t, now, CheckoutSettings{Currency: "RSD"})
	fixture.mail.verifyErr = errors.New("topic unavailable")

	order, err := fixture.svc.PlaceOrder(context.Background(), placeOrderCmd())
	if err != nil {
		t.Fatalf("expected mail failure to be swallowed, got %v", err)
	}
	if order.Token == "" {
		t.Fatal("expected staged order despite mail failure")
	}
}

func TestSweepExpired(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	fixture := newCheckoutFixture(t, now, CheckoutSettings{Currency: "RSD", SweepBatchSize: 25})

	var capturedLimit int
	var capturedNow time.Time
	fixture.temp.expiredFn = func(ctx context.Context, cutoff time.Time, limit int) (int, error) {
		capturedNow = cutoff
		capturedLimit = limit
		return 7, nil
	}

	deleted, err := fixture.svc.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("SweepExpired returned error: %v", err)
	}
	if deleted != 7 {
		t.Fatalf("expected 7 deleted, got %d", deleted)
	}
	if capturedLimit != 25 {
		t.Fatalf("expected batch size 25, got %d", capturedLimit)
	}
	if !capturedNow.Equal(now) {
		t.Fatalf("expected cutoff %v, got %v", now, capturedNow)
	}
}
