package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/oarkflow/squealx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/profileauthz"
	"github.com/oarkflow/profileauthz/jobs"
	"github.com/oarkflow/profileauthz/logger"
	"github.com/oarkflow/profileauthz/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	env, err := loadEnv()
	if err != nil {
		fmt.Printf("Invalid environment: %v\n", err)
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		err = handleConvert(os.Args[2:])
	case "validate":
		err = handleValidate(os.Args[2:])
	case "stats":
		err = handleStats(os.Args[2:])
	case "evaluate":
		err = handleEvaluate(env, os.Args[2:])
	case "audit":
		err = handleAudit(env, os.Args[2:])
	case "worker":
		err = handleWorker(env, os.Args[2:])
	case "serve":
		err = handleServe(env, os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("profileauthz - profile access-control decision engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  profileauthz convert <input> <output>                      - Convert between YAML and JSON")
	fmt.Println("  profileauthz validate <file>                               - Validate configuration")
	fmt.Println("  profileauthz stats <file>                                  - Show configuration statistics")
	fmt.Println("  profileauthz evaluate <file> <user> <resource> <permission> - Evaluate one request")
	fmt.Println("  profileauthz audit [user] [limit]                          - Query the audit table in PROFILEAUTHZ_DB")
	fmt.Println("  profileauthz worker <file>                                 - Run anomaly/flush tasks (needs PROFILEAUTHZ_REDIS_ADDR)")
	fmt.Println("  profileauthz serve <file>                                  - Serve the admin API on PROFILEAUTHZ_ADDR")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleConvert(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: profileauthz convert <input> <output>")
	}
	cfg, err := profileauthz.NewConfigLoader().LoadFile(args[0])
	if err != nil {
		return err
	}
	var out []byte
	switch strings.ToLower(filepath.Ext(args[1])) {
	case ".json":
		out, err = cfg.ToJSON()
	case ".yaml", ".yml":
		out, err = cfg.ToYAML()
	default:
		return fmt.Errorf("unsupported output format %q", filepath.Ext(args[1]))
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[1], out, 0o644); err != nil {
		return err
	}
	fmt.Printf("Converted %s -> %s\n", args[0], args[1])
	return nil
}

func handleValidate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: profileauthz validate <file>")
	}
	cfg, err := profileauthz.NewConfigLoader().LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if errs := profileauthz.ValidateConfig(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Printf("  - %v\n", e)
		}
		return fmt.Errorf("%d configuration errors", len(errs))
	}
	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Roles: %d\n", len(cfg.Roles))
	fmt.Printf("  Policies: %d\n", len(cfg.Policies))
	fmt.Printf("  Memberships: %d\n", len(cfg.Memberships))
	fmt.Printf("  Relationships: %d\n", len(cfg.Relationships))
	return nil
}

func handleStats(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: profileauthz stats <file>")
	}
	cfg, err := profileauthz.NewConfigLoader().LoadFile(args[0])
	if err != nil {
		return err
	}
	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	byType := map[profileauthz.PolicyType]int{}
	active := 0
	for _, p := range cfg.Policies {
		byType[p.Type]++
		if p.Active {
			active++
		}
	}
	fmt.Println("Policies:")
	fmt.Printf("  Total:  %d\n", len(cfg.Policies))
	fmt.Printf("  Active: %d\n", active)
	for _, t := range []profileauthz.PolicyType{profileauthz.PolicyAccess, profileauthz.PolicyDataProtection,
		profileauthz.PolicyCompliance, profileauthz.PolicySecurity, profileauthz.PolicyDelegation, profileauthz.PolicyEmergency} {
		if n := byType[t]; n > 0 {
			fmt.Printf("  %-16s %d\n", string(t)+":", n)
		}
	}
	fmt.Println()

	if len(cfg.Roles) > 0 {
		totalPerms, fields := 0, 0
		for _, r := range cfg.Roles {
			totalPerms += len(r.Permissions)
			fields += len(r.Fields)
		}
		fmt.Println("Roles:")
		fmt.Printf("  Total:             %d\n", len(cfg.Roles))
		fmt.Printf("  Avg permissions:   %.1f\n", float64(totalPerms)/float64(len(cfg.Roles)))
		fmt.Printf("  Field rules:       %d\n", fields)
	}
	return nil
}

// buildEngine applies the config file on top of the environment overrides.
func buildEngine(ctx context.Context, env *Env, path string, reg prometheus.Registerer, opts ...profileauthz.EngineOption) (*profileauthz.Engine, profileauthz.IdentityProvider, error) {
	cfg, err := profileauthz.NewConfigLoader().LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if env.RiskCeiling > 0 {
		cfg.Engine.RiskCeiling = env.RiskCeiling
	}
	masker, err := profileauthz.NewMasker(env.encryptionKey())
	if err != nil {
		return nil, nil, err
	}
	var identity interface {
		profileauthz.IdentityProvider
		profileauthz.IdentitySeeder
	}
	if env.RedisAddr != "" {
		identity = stores.NewRedisIdentityProvider(redis.NewClient(&redis.Options{Addr: env.RedisAddr}), env.RedisPrefix)
	} else {
		identity = stores.NewMemoryIdentityProvider()
	}
	log := logger.NewPhusluLogger().Named(env.LogComponent)
	opts = append([]profileauthz.EngineOption{
		profileauthz.WithLogger(log),
		profileauthz.WithMasker(masker),
		profileauthz.WithIdentityProvider(identity),
		profileauthz.WithMetrics(profileauthz.NewMetrics(reg)),
	}, opts...)
	e, err := profileauthz.NewEngine(opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := e.ApplyConfig(ctx, cfg); err != nil {
		e.Close()
		return nil, nil, err
	}
	return e, identity, nil
}

func openDB(ctx context.Context, path string) (*squealx.DB, func(), error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, err
	}
	db := squealx.NewDb(sqlDB, "sqlite", "profileauthz")
	if err := stores.Migrate(ctx, db); err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return db, func() { sqlDB.Close() }, nil
}

// auditSink combines the configured sinks; nil when none is configured.
func auditSink(ctx context.Context, env *Env) (profileauthz.AuditSink, func(), error) {
	var sinks stores.FanoutAuditSink
	var closers []func()
	if env.DBPath != "" {
		db, closeDB, err := openDB(ctx, env.DBPath)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, stores.NewSQLAuditSink(db))
		closers = append(closers, closeDB)
	}
	if len(env.KafkaBrokers) > 0 {
		k, err := stores.NewKafkaAuditSink(stores.KafkaConfig{Brokers: env.KafkaBrokers, Topic: env.KafkaTopic})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, k)
		closers = append(closers, func() { k.Close() })
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(sinks) == 0 {
		return nil, closeAll, nil
	}
	return sinks, closeAll, nil
}

func handleEvaluate(env *Env, args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: profileauthz evaluate <file> <user> <resource> <permission>")
	}
	ctx := context.Background()
	sink, closeSinks, err := auditSink(ctx, env)
	if err != nil {
		return err
	}
	defer closeSinks()
	var opts []profileauthz.EngineOption
	if sink != nil {
		opts = append(opts, profileauthz.WithAuditSink(sink))
	}
	e, identity, err := buildEngine(ctx, env, args[0], prometheus.NewRegistry(), opts...)
	if err != nil {
		return err
	}
	defer e.Close()

	ac, err := profileauthz.NewContextBuilder(identity, nil).Build(ctx, profileauthz.Request{
		UserID:     args[1],
		Resource:   args[2],
		Permission: profileauthz.Permission(args[3]),
	})
	if err != nil {
		return err
	}
	d, evalErr := e.Evaluate(ac)
	out, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if _, err := e.FlushAudit(ctx); err != nil {
		return err
	}
	return evalErr
}

func handleAudit(env *Env, args []string) error {
	if env.DBPath == "" {
		return fmt.Errorf("PROFILEAUTHZ_DB is not set")
	}
	ctx := context.Background()
	db, closeDB, err := openDB(ctx, env.DBPath)
	if err != nil {
		return err
	}
	defer closeDB()
	filter := profileauthz.AuditFilter{Limit: 50}
	if len(args) > 0 {
		filter.UserID = args[0]
	}
	if len(args) > 1 {
		if _, err := fmt.Sscanf(args[1], "%d", &filter.Limit); err != nil {
			return fmt.Errorf("invalid limit %q", args[1])
		}
	}
	entries, err := stores.NewSQLAuditSink(db).Query(ctx, filter)
	if err != nil {
		return err
	}
	for _, en := range entries {
		fmt.Printf("%6d %s %-10s %-8s %-30s %-11s risk=%d\n", en.Seq, en.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			en.Context.UserID, en.Context.Permission, en.Context.Resource(), en.Decision.Outcome, en.RiskScore)
	}
	return nil
}

func handleWorker(env *Env, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: profileauthz worker <file>")
	}
	if env.RedisAddr == "" {
		return fmt.Errorf("PROFILEAUTHZ_REDIS_ADDR is not set")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, closeSinks, err := auditSink(ctx, env)
	if err != nil {
		return err
	}
	defer closeSinks()
	var opts []profileauthz.EngineOption
	if sink != nil {
		opts = append(opts, profileauthz.WithAuditSink(sink))
	}
	e, _, err := buildEngine(ctx, env, args[0], prometheus.DefaultRegisterer, opts...)
	if err != nil {
		return err
	}
	defer e.Close()

	w, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: env.RedisAddr},
		Handlers:    jobs.NewHandlers(e, logger.NewPhusluLogger().Named("jobs")),
		Concurrency: env.Concurrency,
		DetectCron:  env.DetectCron,
		FlushCron:   env.FlushCron,
	})
	if err != nil {
		return err
	}
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func handleServe(env *Env, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: profileauthz serve <file>")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, closeSinks, err := auditSink(ctx, env)
	if err != nil {
		return err
	}
	defer closeSinks()
	var opts []profileauthz.EngineOption
	if sink != nil {
		opts = append(opts, profileauthz.WithAuditSink(sink))
	}
	reg := prometheus.NewRegistry()
	e, identity, err := buildEngine(ctx, env, args[0], reg, opts...)
	if err != nil {
		return err
	}
	defer e.Close()

	srv := &http.Server{
		Addr:              env.Addr,
		Handler:           profileauthz.NewAdminServer(e, identity, profileauthz.AdminOptions{Gatherer: reg, EvaluateLimit: env.EvaluateLimit}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	fmt.Printf("Admin API listening on %s\n", env.Addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	_, err = e.FlushAudit(shutdownCtx)
	return err
}
