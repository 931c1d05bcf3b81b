package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/acme/session-dispatch/internal/config"
	"github.com/acme/session-dispatch/internal/dispatch"
	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/identity"
	"github.com/acme/session-dispatch/internal/infra/db"
	"github.com/acme/session-dispatch/internal/infra/redis"
	"github.com/acme/session-dispatch/internal/protocol"
	protocolmock "github.com/acme/session-dispatch/internal/protocol/mock"
	"github.com/acme/session-dispatch/internal/queue"
	"github.com/acme/session-dispatch/internal/report"
	"github.com/acme/session-dispatch/internal/repository"
	dynamorepo "github.com/acme/session-dispatch/internal/repository/dynamo"
	mysqlrepo "github.com/acme/session-dispatch/internal/repository/mysql"
	pgrepo "github.com/acme/session-dispatch/internal/repository/postgres"
	scyllarepo "github.com/acme/session-dispatch/internal/repository/scylla"
	"github.com/acme/session-dispatch/internal/service/checkout"
	"github.com/acme/session-dispatch/internal/service/proxy"
	"github.com/acme/session-dispatch/internal/service/render"
	"github.com/acme/session-dispatch/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Identities *identity.FileStore

	// Exactly one contact backend is connected, chosen by storage.driver.
	Postgres *db.Postgres
	MySQL    *db.MySQL
	Dynamo   *dynamodb.Client

	// Optional infrastructure; nil when not configured.
	Scylla *db.Scylla
	Redis  *redis.Client
	Kafka  *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		publishers   *publishers
	}
}

type repositories struct {
	Contacts repository.ContactStore
	Outcomes repository.OutcomeStore
}

type services struct {
	Registry    checkout.Registry
	Client      protocol.Client
	Proxies     *proxy.Selector
	Renderer    *render.TemplateRenderer
	Provisioner *identity.Provisioner
}

type publishers struct {
	Outcomes *queue.OutcomePublisher
	Report   *report.Writer
}

type buildOptions struct {
	skipContacts bool
}

// Option tunes which infrastructure Build connects.
type Option func(*buildOptions)

// WithoutContactStore skips the contact database for commands that never
// touch it.
func WithoutContactStore() Option {
	return func(o *buildOptions) { o.skipContacts = true }
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string, opts ...Option) (*Container, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	c := &Container{Config: cfg, Logger: lg}

	c.Identities, err = identity.NewFileStore(cfg.Identities.WorkDir, cfg.Identities.BadDir)
	if err != nil {
		return nil, fmt.Errorf("bootstrap identities: %w", err)
	}

	if !bo.skipContacts {
		if err := c.connectContacts(ctx); err != nil {
			_ = c.Close(ctx)
			return nil, err
		}
	}

	if len(cfg.Scylla.Hosts) > 0 {
		c.Scylla, err = db.NewScylla(cfg.Scylla)
		if err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
	}

	if cfg.Redis.Address != "" {
		c.Redis, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		c.Kafka, err = queue.NewKafka(cfg.Kafka)
		if err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
	}

	return c, nil
}

func (c *Container) connectContacts(ctx context.Context) error {
	cfg := c.Config
	var err error
	switch cfg.Storage.Driver {
	case "postgres":
		c.Postgres, err = db.NewPostgres(ctx, cfg.Postgres, cfg.Storage.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("bootstrap postgres: %w", err)
		}
		if err := pgrepo.EnsureSchema(ctx, c.Postgres.DB()); err != nil {
			return fmt.Errorf("bootstrap postgres: %w", err)
		}
	case "mysql":
		c.MySQL, err = db.NewMySQL(ctx, cfg.MySQL, cfg.Storage.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("bootstrap mysql: %w", err)
		}
		if err := mysqlrepo.NewContactRepository(c.MySQL.DB()).Migrate(ctx); err != nil {
			return fmt.Errorf("bootstrap mysql: %w", err)
		}
	case "dynamodb":
		c.Dynamo, err = db.NewDynamo(ctx, cfg.Dynamo)
		if err != nil {
			return fmt.Errorf("bootstrap dynamodb: %w", err)
		}
	default:
		return fmt.Errorf("bootstrap: unknown storage driver %q", cfg.Storage.Driver)
	}
	return nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config

		repos := &repositories{}
		switch {
		case c.Postgres != nil:
			repos.Contacts = pgrepo.NewContactRepository(c.Postgres.DB())
		case c.MySQL != nil:
			repos.Contacts = mysqlrepo.NewContactRepository(c.MySQL.DB())
		case c.Dynamo != nil:
			repos.Contacts = dynamorepo.NewContactRepository(c.Dynamo, dynamorepo.Tables{
				Contacts:   cfg.Dynamo.ContactsTable,
				Rejected:   cfg.Dynamo.RejectedTable,
				PromoIndex: cfg.Dynamo.PromoIndex,
			})
		}
		if c.Scylla != nil {
			repos.Outcomes = scyllarepo.NewOutcomeStore(c.Scylla.Session())
		}

		svcs := &services{
			Client:      protocolmock.NewClient(cfg.Protocol),
			Proxies:     proxy.NewSelector(cfg.Proxy),
			Renderer:    render.NewTemplateRenderer(cfg.Templates.Dir, time.Now),
			Provisioner: identity.NewProvisioner(c.Identities, cfg.Identities.PollInterval, c.Logger),
		}
		if c.Redis != nil {
			svcs.Registry = checkout.NewRedisRegistry(c.Redis.Inner(), cfg.Dispatch.LeaseKeyPrefix, cfg.Dispatch.LeaseTTL)
		} else {
			svcs.Registry = checkout.NewMemoryRegistry()
		}

		pubs := &publishers{Report: report.NewWriter(cfg.Report.Dir)}
		if c.Kafka != nil {
			pubs.Outcomes = queue.NewOutcomePublisher(c.Kafka)
		}

		c.components.repositories = repos
		c.components.services = svcs
		c.components.publishers = pubs
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Publishers exposes the run outcome sinks.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Recorder assembles the outcome sinks of a run: the YAML report always,
// Kafka when brokers are configured, otherwise Scylla directly when present.
func (c *Container) Recorder() dispatch.Recorder {
	pubs := c.Publishers()
	recs := dispatch.Recorders{pubs.Report}
	switch {
	case pubs.Outcomes != nil:
		recs = append(recs, pubs.Outcomes)
	case c.Repositories().Outcomes != nil:
		recs = append(recs, storeRecorder{store: c.Repositories().Outcomes})
	}
	return recs
}

// NewDispatcher assembles a dispatcher for one run over queue.
func (c *Container) NewDispatcher(mode domain.Mode, promoID string, cfg config.DispatchConfig, q *dispatch.Queue) *dispatch.Dispatcher {
	svcs := c.Services()
	return dispatch.New(dispatch.Options{
		Mode:        mode,
		PromoID:     promoID,
		Config:      cfg,
		Store:       c.Identities,
		Registry:    svcs.Registry,
		Client:      svcs.Client,
		Proxies:     svcs.Proxies,
		Contacts:    c.Repositories().Contacts,
		Renderer:    svcs.Renderer,
		Provisioner: svcs.Provisioner,
		Recorder:    c.Recorder(),
		Logger:      c.Logger,
	}, q)
}

// HealthChecks returns a ping per connected backend.
func (c *Container) HealthChecks() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if c.Postgres != nil {
		checks["postgres"] = c.Postgres.DB().PingContext
	}
	if c.MySQL != nil {
		checks["mysql"] = func(ctx context.Context) error {
			sqlDB, err := c.MySQL.DB().DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}
	if c.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return c.Redis.Inner().Ping(ctx).Err()
		}
	}
	if c.Scylla != nil {
		checks["scylla"] = func(ctx context.Context) error {
			return c.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
		}
	}
	return checks
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil && p.Outcomes != nil {
		if err := p.Outcomes.Close(); err != nil {
			errs = append(errs, fmt.Errorf("outcome publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.MySQL != nil {
		if err := c.MySQL.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mysql close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	kc := c.Config.Kafka
	return c.Kafka.EnsureTopics(ctx, []string{kc.OutcomeTopic, kc.SummaryTopic}, kc.Partitions, 1)
}

// storeRecorder writes outcomes straight into the outcome store.
type storeRecorder struct {
	store repository.OutcomeStore
}

func (r storeRecorder) RecordOutcome(ctx context.Context, o domain.Outcome) error {
	return r.store.AppendOutcome(ctx, o)
}

func (r storeRecorder) RecordSummary(ctx context.Context, s domain.RunSummary) error {
	return r.store.SaveSummary(ctx, s)
}
