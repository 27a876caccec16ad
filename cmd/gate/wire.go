package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-gate/pkg/audit"
	"github.com/Mindburn-Labs/helm-gate/pkg/config"
	"github.com/Mindburn-Labs/helm-gate/pkg/crypto"
	"github.com/Mindburn-Labs/helm-gate/pkg/database"
	"github.com/Mindburn-Labs/helm-gate/pkg/engine"
	"github.com/Mindburn-Labs/helm-gate/pkg/escalation"
	"github.com/Mindburn-Labs/helm-gate/pkg/health"
	"github.com/Mindburn-Labs/helm-gate/pkg/observability"
	"github.com/Mindburn-Labs/helm-gate/pkg/registry"
	"github.com/Mindburn-Labs/helm-gate/pkg/semantic"
)

// gate is the fully wired runtime shared by serve and evaluate.
type gate struct {
	cfg         *config.Config
	logger      *slog.Logger
	backend     semantic.Backend
	memory      *semantic.MemoryClient // nil unless the ontology is in memory
	engine      *engine.Engine
	signer      *crypto.Ed25519Signer
	monitor     *health.Monitor
	sink        audit.Sink
	metrics     *audit.Metrics // nil unless the ledger is SQL
	chain       *audit.ChainStore
	escalations *escalation.Manager
	telemetry   *observability.Provider

	dbs     map[string]*sql.DB
	closers []func(context.Context) error
}

// buildGate wires every component named by cfg. auditOut receives JSONL
// audit lines.
func buildGate(ctx context.Context, cfg *config.Config, logger *slog.Logger, auditOut io.Writer) (_ *gate, err error) {
	g := &gate{cfg: cfg, logger: logger, dbs: map[string]*sql.DB{}}
	defer func() {
		if err != nil {
			_ = g.Close(context.Background())
		}
	}()

	if err := g.initTelemetry(ctx); err != nil {
		return nil, err
	}
	if err := g.initOntology(ctx); err != nil {
		return nil, err
	}
	if err := g.initSigner(); err != nil {
		return nil, err
	}
	if err := g.initAudit(ctx, auditOut); err != nil {
		return nil, err
	}

	schemas, err := g.schemas()
	if err != nil {
		return nil, err
	}
	reg, err := registry.Default(registry.Options{Constraints: g.backend, Schemas: schemas})
	if err != nil {
		return nil, fmt.Errorf("validator registry: %w", err)
	}

	slo := observability.NewSLOTracker(observability.CertificationSLO())
	recorder, err := observability.NewGateMetrics(g.telemetry.Meter(), slo)
	if err != nil {
		return nil, fmt.Errorf("gate metrics: %w", err)
	}

	g.monitor = health.NewMonitor(g.backend)
	g.escalations = escalation.NewManager(cfg.EscalationTimeout())
	g.engine = engine.New(g.backend, reg, g.signer,
		engine.WithConfig(engine.Config{
			ValidationTimeout: cfg.ValidationTimeout(),
			ValidatorTimeout:  cfg.ValidatorTimeout(),
			SemanticTimeout:   cfg.SemanticTimeout(),
		}),
		engine.WithHealthChecker(g.monitor),
		engine.WithRecorder(recorder),
		engine.WithTracer(g.telemetry.Tracer()),
		engine.WithLogger(logger),
	)
	return g, nil
}

func (g *gate) initTelemetry(ctx context.Context) error {
	oc := observability.DefaultConfig()
	oc.ServiceVersion = version
	oc.Environment = g.cfg.Environment
	if g.cfg.OTLPEndpoint != "" {
		oc.Enabled = true
		oc.OTLPEndpoint = g.cfg.OTLPEndpoint
	}
	p, err := observability.New(ctx, oc)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	g.telemetry = p
	g.closers = append(g.closers, p.Shutdown)
	return nil
}

// db returns a shared connection per dialect and DSN.
func (g *gate) db(ctx context.Context, d database.Dialect, dsn string) (*sql.DB, error) {
	key := d.String() + "|" + dsn
	if db, ok := g.dbs[key]; ok {
		return db, nil
	}
	db, err := database.Open(ctx, d, dsn)
	if err != nil {
		return nil, err
	}
	g.dbs[key] = db
	g.closers = append(g.closers, func(context.Context) error { return db.Close() })
	return db, nil
}

func (g *gate) sqlTarget(backend string) (database.Dialect, string) {
	if backend == "postgres" {
		return database.Postgres, g.cfg.DatabaseURL
	}
	return database.SQLite, g.cfg.SQLitePath
}

func (g *gate) initOntology(ctx context.Context) error {
	var origin semantic.Backend
	switch g.cfg.OntologyBackend {
	case "memory":
		mem, err := g.loadMemory()
		if err != nil {
			return err
		}
		g.memory = mem
		origin = mem
	case "postgres", "sqlite":
		d, dsn := g.sqlTarget(g.cfg.OntologyBackend)
		db, err := g.db(ctx, d, dsn)
		if err != nil {
			return fmt.Errorf("ontology database: %w", err)
		}
		origin = semantic.NewSQLClient(db, d)
	case "neo4j":
		nc, err := semantic.NewNeo4jClient(ctx, semantic.Neo4jConfig{
			URI:      g.cfg.Neo4jURI,
			User:     g.cfg.Neo4jUser,
			Password: g.cfg.Neo4jPassword,
		})
		if err != nil {
			return err
		}
		g.closers = append(g.closers, nc.Close)
		origin = nc
	default:
		return fmt.Errorf("unknown ontology backend %q", g.cfg.OntologyBackend)
	}

	if g.cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: g.cfg.RedisAddr})
		g.closers = append(g.closers, func(context.Context) error { return rdb.Close() })
		cached := semantic.NewCachedClient(origin, rdb, 0)
		if g.memory != nil {
			cached.Follow(g.memory)
		}
		g.backend = cached
		g.logger.Info("ontology cache enabled", "redis", g.cfg.RedisAddr)
	} else {
		g.backend = origin
	}
	g.logger.Info("ontology backend ready", "backend", g.cfg.OntologyBackend)
	return nil
}

func (g *gate) loadMemory() (*semantic.MemoryClient, error) {
	if g.cfg.OntologyFile != "" {
		return semantic.LoadFile(g.cfg.OntologyFile)
	}
	cat, err := semantic.DefaultCatalog()
	if err != nil {
		return nil, err
	}
	return semantic.NewMemoryClient(cat), nil
}

// schemas returns the parameter schemas for the schema validator. They come
// from the YAML catalog whatever the ontology backend.
func (g *gate) schemas() (map[string]string, error) {
	if g.memory != nil {
		return g.memory.Catalog().Schemas(), nil
	}
	mem, err := g.loadMemory()
	if err != nil {
		return nil, fmt.Errorf("schema catalog: %w", err)
	}
	return mem.Catalog().Schemas(), nil
}

func (g *gate) initSigner() error {
	var err error
	if g.cfg.SigningKeySeed != "" {
		g.signer, err = crypto.NewEd25519SignerFromSeed(g.cfg.SigningKeyID, []byte(g.cfg.SigningKeySeed))
	} else {
		g.signer, err = crypto.NewEd25519Signer(g.cfg.SigningKeyID)
		if err == nil {
			g.logger.Warn("SIGNING_KEY_SEED not set; using an ephemeral signing key")
		}
	}
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	g.logger.Info("signing key ready", "key_id", g.signer.KeyID(), "public_key", g.signer.PublicKeyHex())
	return nil
}

func (g *gate) initAudit(ctx context.Context, out io.Writer) error {
	var sinks audit.MultiSink
	switch g.cfg.AuditBackend {
	case "postgres", "sqlite":
		d, dsn := g.sqlTarget(g.cfg.AuditBackend)
		db, err := g.db(ctx, d, dsn)
		if err != nil {
			return fmt.Errorf("audit database: %w", err)
		}
		sinks = append(sinks, audit.NewSQLLedger(db, d))
		g.metrics = audit.NewMetrics(db, d)
	case "memory":
		g.chain = audit.NewChainStore()
		sinks = append(sinks, g.chain)
	case "jsonl":
		sinks = append(sinks, audit.NewJSONLSink(out))
	default:
		return fmt.Errorf("unknown audit backend %q", g.cfg.AuditBackend)
	}

	if g.cfg.AuditArchiveBucket != "" {
		archive, err := audit.NewArchive(ctx, audit.ArchiveConfig{
			Bucket:   g.cfg.AuditArchiveBucket,
			Region:   g.cfg.AWSRegion,
			Endpoint: g.cfg.S3Endpoint,
		})
		if err != nil {
			return fmt.Errorf("audit archive: %w", err)
		}
		if c, ok := archive.(interface{ Close() error }); ok {
			g.closers = append(g.closers, func(context.Context) error { return c.Close() })
		}
		sinks = append(sinks, archive)
	}
	if len(g.cfg.KafkaBrokers) > 0 {
		pub, err := audit.NewKafkaPublisher(audit.KafkaConfig{Brokers: g.cfg.KafkaBrokers, Topic: g.cfg.KafkaTopic})
		if err != nil {
			return fmt.Errorf("audit stream: %w", err)
		}
		g.closers = append(g.closers, func(context.Context) error { return pub.Close() })
		sinks = append(sinks, pub)
	}

	if len(sinks) == 1 {
		g.sink = sinks[0]
	} else {
		g.sink = sinks
	}
	g.logger.Info("audit sinks ready", "backend", g.cfg.AuditBackend, "sinks", len(sinks))
	return nil
}

// migrate creates the ontology and audit tables on the configured SQL
// backends. It reports which stores it touched.
func (g *gate) migrate(ctx context.Context) ([]string, error) {
	var done []string
	if c, ok := g.sqlOntology(); ok {
		if err := c.Migrate(ctx); err != nil {
			return done, err
		}
		done = append(done, "ontology:"+g.cfg.OntologyBackend)
	}
	if l, ok := g.ledger(); ok {
		if err := l.Migrate(ctx); err != nil {
			return done, err
		}
		done = append(done, "audit:"+g.cfg.AuditBackend)
	}
	return done, nil
}

func (g *gate) sqlOntology() (*semantic.SQLClient, bool) {
	switch g.cfg.OntologyBackend {
	case "postgres", "sqlite":
	default:
		return nil, false
	}
	d, dsn := g.sqlTarget(g.cfg.OntologyBackend)
	db, ok := g.dbs[d.String()+"|"+dsn]
	if !ok {
		return nil, false
	}
	return semantic.NewSQLClient(db, d), true
}

func (g *gate) ledger() (*audit.SQLLedger, bool) {
	switch g.cfg.AuditBackend {
	case "postgres", "sqlite":
	default:
		return nil, false
	}
	d, dsn := g.sqlTarget(g.cfg.AuditBackend)
	db, ok := g.dbs[d.String()+"|"+dsn]
	if !ok {
		return nil, false
	}
	return audit.NewSQLLedger(db, d), true
}

// Close releases resources in reverse order of acquisition.
func (g *gate) Close(ctx context.Context) error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}
