package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/phenrril/ecomcore/internal/adapters/cache/rediscache"
	"github.com/phenrril/ecomcore/internal/adapters/events/kafka"
	"github.com/phenrril/ecomcore/internal/adapters/httpserver"
	"github.com/phenrril/ecomcore/internal/adapters/payments/bkash"
	"github.com/phenrril/ecomcore/internal/adapters/payments/stripe"
	"github.com/phenrril/ecomcore/internal/adapters/repo/postgres"
	"github.com/phenrril/ecomcore/internal/config"
	"github.com/phenrril/ecomcore/internal/domain"
	"github.com/phenrril/ecomcore/internal/usecase"
)

type App struct {
	DB         *gorm.DB
	Config     config.Config
	CategoryUC *usecase.CategoryUC
	ProductUC  *usecase.ProductUC
	OrderUC    *usecase.OrderUC
	PaymentUC  *usecase.PaymentUC
	Auth       *httpserver.Authenticator

	closers []func() error
}

func NewApp(ctx context.Context, db *gorm.DB, cfg config.Config) (*App, error) {
	a := &App{DB: db, Config: cfg}

	var cache domain.Cache
	if cfg.RedisURL != "" {
		c, err := rediscache.Open(ctx, cfg.RedisURL, "ecom:")
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		cache = c
		a.closers = append(a.closers, c.Close)
	} else {
		log.Warn().Msg("REDIS_URL not set, catalog caching disabled")
	}

	var events domain.EventPublisher = kafka.Discard{}
	if len(cfg.KafkaBrokers) > 0 {
		if err := kafka.EnsureTopics(cfg.KafkaBrokers[0], 3); err != nil {
			log.Warn().Err(err).Msg("kafka topic setup failed, relying on auto creation")
		}
		p := kafka.NewPublisher(cfg.KafkaBrokers)
		events = p
		a.closers = append(a.closers, p.Close)
	}

	providers := map[domain.Provider]domain.PaymentProvider{}
	if cfg.Stripe.SecretKey != "" {
		if cfg.Stripe.WebhookSecret == "" {
			log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, stripe webhooks will be rejected")
		}
		providers[domain.ProviderStripe] = stripe.New(stripe.Config{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			BaseURL:       cfg.Stripe.BaseURL,
			Timeout:       cfg.PaymentTimeout,
		})
	}
	if cfg.Bkash.AppKey != "" {
		providers[domain.ProviderBkash] = bkash.New(bkash.Config{
			BaseURL:   cfg.Bkash.BaseURL,
			AppKey:    cfg.Bkash.AppKey,
			AppSecret: cfg.Bkash.AppSecret,
			Username:  cfg.Bkash.Username,
			Password:  cfg.Bkash.Password,
			Timeout:   cfg.PaymentTimeout,
		})
	}
	if len(providers) == 0 {
		log.Warn().Msg("no payment provider configured")
	}

	tx := postgres.NewTransactor(db)
	categoryRepo := postgres.NewCategoryRepo(db)
	productRepo := postgres.NewProductRepo(db)
	orderRepo := postgres.NewOrderRepo(db)
	paymentRepo := postgres.NewPaymentRepo(db)

	a.CategoryUC = &usecase.CategoryUC{Categories: categoryRepo, Products: productRepo, Tx: tx, Cache: cache, CacheTTL: cfg.CacheTTL}
	a.ProductUC = &usecase.ProductUC{
		Products:          productRepo,
		Categories:        categoryRepo,
		Orders:            orderRepo,
		Tx:                tx,
		Cache:             cache,
		Events:            events,
		CacheTTL:          cfg.CacheTTL,
		LowStockThreshold: cfg.LowStockThreshold,
	}
	a.OrderUC = &usecase.OrderUC{
		Orders:    orderRepo,
		History:   postgres.NewHistoryRepo(db),
		Customers: postgres.NewCustomerRepo(db),
		Payments:  paymentRepo,
		Catalog:   a.ProductUC,
		Tx:        tx,
		Events:    events,
	}
	a.PaymentUC = &usecase.PaymentUC{
		Payments:        paymentRepo,
		Orders:          a.OrderUC,
		Providers:       providers,
		Tx:              tx,
		Events:          events,
		Timeout:         cfg.PaymentTimeout,
		DefaultCurrency: cfg.DefaultCurrency,
	}
	a.Auth = httpserver.NewAuthenticator(cfg.JWTSecret)
	return a, nil
}

func (a *App) HTTPHandler() http.Handler {
	return httpserver.New(a.CategoryUC, a.ProductUC, a.OrderUC, a.PaymentUC, a.Auth)
}

func (a *App) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}
}

func (a *App) MigrateAndSeed(ctx context.Context) error {
	db := a.DB.WithContext(ctx)
	if err := db.AutoMigrate(
		&domain.Category{}, &domain.Product{}, &domain.Customer{}, &domain.Order{}, &domain.OrderItem{},
		&domain.OrderStatusHistory{}, &domain.Payment{}, &domain.PaymentLog{}, &postgres.OrderSequence{},
	); err != nil {
		return err
	}

	if err := ensureSchemaExtras(db); err != nil {
		return err
	}

	var count int64
	if err := db.Model(&domain.Category{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	start := time.Now()
	if err := seedCatalog(ctx, db); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	log.Info().Dur("took", time.Since(start)).Msg("catalog seeded")
	return nil
}

// schemaExtras are constraints AutoMigrate does not create from the models.
// Each statement is idempotent.
var schemaExtras = []string{
	"CREATE INDEX IF NOT EXISTS idx_order_status_history_order_created ON order_status_history(order_id, created_at DESC)",
	"CREATE INDEX IF NOT EXISTS idx_products_status_stock ON products(status, stock)",
	`DO $$ BEGIN
		ALTER TABLE products ADD CONSTRAINT chk_products_stock_non_negative CHECK (stock >= 0);
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`DO $$ BEGIN
		ALTER TABLE categories ADD CONSTRAINT fk_categories_parent FOREIGN KEY (parent_id) REFERENCES categories(id) ON DELETE CASCADE;
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`DO $$ BEGIN
		ALTER TABLE products ADD CONSTRAINT fk_products_category FOREIGN KEY (category_id) REFERENCES categories(id) ON DELETE SET NULL;
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
}

func ensureSchemaExtras(db *gorm.DB) error {
	for i, stmt := range schemaExtras {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("schema extra %d: %w", i, err)
		}
	}
	return nil
}
