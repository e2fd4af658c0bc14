package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tophelanke/api/internal/platform/config"
	"github.com/tophelanke/api/internal/platform/crypto"
	pfirestore "github.com/tophelanke/api/internal/platform/firestore"
	pstorage "github.com/tophelanke/api/internal/platform/storage"
	"github.com/tophelanke/api/internal/repositories"
	firestoreRepo "github.com/tophelanke/api/internal/repositories/firestore"
	"github.com/tophelanke/api/internal/services"
)

// Repositories bundles the Firestore-backed persistence layer.
type Repositories struct {
	Items           repositories.ItemRepository
	Coupons         repositories.CouponRepository
	TemporaryOrders repositories.TemporaryOrderRepository
	Orders          repositories.OrderRepository
	Customers       repositories.CustomerRepository
	Users           repositories.UserRepository
	AuditLogs       repositories.AuditLogRepository
	Counters        repositories.CounterRepository
}

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Coupons   services.CouponService
	Inventory services.InventoryService
	Checkout  services.CheckoutService
	Orders    services.OrderService
	Invoices  services.InvoiceService
	Mail      services.MailDispatcher
	Alerts    services.StockAlertPublisher
	Counters  services.CounterService
	Audit     services.AuditLogService
	System    services.SystemService
}

// ContainerDeps carries the external clients the container wires into services.
type ContainerDeps struct {
	Provider *pfirestore.Provider
	// Storage signs invoice upload and download URLs. Optional; when nil the
	// invoice service is not built and receipt links are unavailable.
	Storage       *pstorage.Client
	InvoiceBucket string
	// MailPublisher and StockPublisher push jobs onto Pub/Sub topics. Optional;
	// when nil the corresponding dispatcher is not built.
	MailPublisher  services.MailJobPublisher
	StockPublisher services.StockEventPublisher
	// Health feeds the readiness report. Optional.
	Health repositories.HealthRepository
	Build  services.BuildInfo
	Logger *zap.Logger
	Clock  func() time.Time
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories Repositories
	Services     Services
}

// NewContainer constructs the runtime dependency graph. Tests typically bypass
// this and assemble services with stub repositories directly.
func NewContainer(ctx context.Context, cfg config.Config, deps ContainerDeps) (*Container, error) {
	if deps.Provider == nil {
		return nil, errors.New("di: firestore provider is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	repos, err := buildRepositories(deps.Provider)
	if err != nil {
		return nil, err
	}

	svc, err := buildServices(ctx, cfg, repos, deps, clock, logger)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: repos,
		Services:     svc,
	}, nil
}

func buildRepositories(provider *pfirestore.Provider) (Repositories, error) {
	items, err := firestoreRepo.NewItemRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build item repository: %w", err)
	}
	coupons, err := firestoreRepo.NewCouponRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build coupon repository: %w", err)
	}
	tempOrders, err := firestoreRepo.NewTemporaryOrderRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build temporary order repository: %w", err)
	}
	orders, err := firestoreRepo.NewOrderRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build order repository: %w", err)
	}
	customers, err := firestoreRepo.NewCustomerRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build customer repository: %w", err)
	}
	users, err := firestoreRepo.NewUserRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build user repository: %w", err)
	}
	auditLogs, err := firestoreRepo.NewAuditLogRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build audit log repository: %w", err)
	}
	counters, err := firestoreRepo.NewCounterRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build counter repository: %w", err)
	}

	return Repositories{
		Items:           items,
		Coupons:         coupons,
		TemporaryOrders: tempOrders,
		Orders:          orders,
		Customers:       customers,
		Users:           users,
		AuditLogs:       auditLogs,
		Counters:        counters,
	}, nil
}

func buildServices(ctx context.Context, cfg config.Config, repos Repositories, deps ContainerDeps, clock func() time.Time, logger *zap.Logger) (Services, error) {
	var svc Services

	piiCodec, err := crypto.NewPIICodec(cfg.PII.Key, cfg.PII.IV)
	if err != nil {
		return Services{}, fmt.Errorf("build pii codec: %w", err)
	}

	if deps.MailPublisher != nil {
		mail, err := services.NewMailDispatcher(services.MailDispatcherDeps{
			Publisher: deps.MailPublisher,
			Clock:     clock,
			Logger:    zapEventLogger(logger.Named("mail")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build mail dispatcher: %w", err)
		}
		svc.Mail = mail
	}

	if deps.StockPublisher != nil {
		alerts, err := services.NewStockAlertPublisher(services.StockAlertPublisherDeps{
			Publisher: deps.StockPublisher,
			Clock:     clock,
			Logger:    zapEventLogger(logger.Named("stock")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build stock alert publisher: %w", err)
		}
		svc.Alerts = alerts
	}

	audit, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository: repos.AuditLogs,
		Clock:      clock,
		Logger:     zapEventLogger(logger.Named("audit")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build audit log service: %w", err)
	}
	svc.Audit = audit

	counters, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: repos.Counters,
		Clock:      clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build counter service: %w", err)
	}
	svc.Counters = counters

	coupons, err := services.NewCouponService(services.CouponServiceDeps{
		Coupons: repos.Coupons,
		Clock:   clock,
		Logger:  zapEventLogger(logger.Named("coupon")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build coupon service: %w", err)
	}
	svc.Coupons = coupons

	inventory, err := services.NewInventoryService(services.InventoryServiceDeps{
		Items:  repos.Items,
		Alerts: svc.Alerts,
		Clock:  clock,
		Logger: zapEventLogger(logger.Named("inventory")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}
	svc.Inventory = inventory

	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Items:           repos.Items,
		Coupons:         repos.Coupons,
		TemporaryOrders: repos.TemporaryOrders,
		PII:             piiCodec,
		Mail:            svc.Mail,
		Settings: services.CheckoutSettings{
			Currency:       cfg.Checkout.Currency,
			ShippingPrice:  cfg.Checkout.ShippingPrice,
			TempOrderTTL:   cfg.Checkout.TempOrderTTL,
			SweepBatchSize: cfg.Checkout.SweepBatchSize,
			ConfirmBaseURL: cfg.Checkout.ConfirmBaseURL,
		},
		Clock:  clock,
		Logger: zapEventLogger(logger.Named("checkout")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkout

	if deps.Storage != nil && deps.InvoiceBucket != "" {
		invoices, err := services.NewInvoiceService(services.InvoiceServiceDeps{
			Storage: deps.Storage,
			Orders:  repos.Orders,
			Bucket:  deps.InvoiceBucket,
			Logger:  zapEventLogger(logger.Named("invoice")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build invoice service: %w", err)
		}
		svc.Invoices = invoices
	}

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:          repos.Orders,
		TemporaryOrders: repos.TemporaryOrders,
		Users:           repos.Users,
		Customers:       repos.Customers,
		Coupons:         repos.Coupons,
		Counters:        svc.Counters,
		PII:             piiCodec,
		Mail:            svc.Mail,
		Alerts:          svc.Alerts,
		Audit:           svc.Audit,
		Invoices:        svc.Invoices,
		Settings: services.OrderSettings{
			DefaultPassword: cfg.Checkout.DefaultPassword,
			RefundPeriod:    cfg.Checkout.RefundPeriod,
		},
		Clock:  clock,
		Logger: zapEventLogger(logger.Named("order")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	if deps.Health != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: deps.Health,
			Clock:            clock,
			Build:            deps.Build,
			Counters:         svc.Counters,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}

func zapEventLogger(logger *zap.Logger) func(context.Context, string, map[string]any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("service event", zFields...)
	}
}
