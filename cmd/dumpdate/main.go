package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dumpdate/wastecal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

const usage = `usage: dumpdate [flags]                run the refresh and delivery daemon
       dumpdate subscribe -chat ID -address ADDR [-time morning|evening] [-name NAME]
       dumpdate unsubscribe -id ID
       dumpdate list -chat ID
       dumpdate next -chat ID
       dumpdate logs [-limit N]
       dumpdate import-addresses -file FILE
`

// run dispatches to a subcommand or the daemon and returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return runDaemon(args, stderr)
	}
	commands := map[string]func([]string, io.Writer) error{
		"subscribe":        runSubscribe,
		"unsubscribe":      runUnsubscribe,
		"list":             runList,
		"next":             runNext,
		"logs":             runLogs,
		"import-addresses": runImportAddresses,
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n%s", args[0], usage)
		return 2
	}
	if err := cmd(args[1:], stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// commonFlags are shared by the daemon and every subcommand.
type commonFlags struct {
	configPath string
	envFile    string
	dbPath     string
	debug      bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML config file path.")
	fs.StringVar(&c.envFile, "env-file", ".env", "Optional .env file.")
	fs.StringVar(&c.dbPath, "db", "waste_schedule.db", "SQLite database path.")
	fs.BoolVar(&c.debug, "debug", false, "Enable debug logs.")
}

// loadConfig merges defaults < config file < environment < explicitly set flags.
func loadConfig(fs *flag.FlagSet, c commonFlags) (*wastecal.FileConfig, *time.Location, error) {
	visited := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	cfg := wastecal.DefaultConfig()
	if c.configPath != "" {
		fileCfg, err := wastecal.LoadConfig(c.configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		cfg = *fileCfg
	}
	env, err := wastecal.LoadEnv(c.envFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ApplyEnv(env); err != nil {
		return nil, nil, fmt.Errorf("environment: %w", err)
	}
	if visited["db"] {
		cfg.DB = c.dbPath
	}
	if visited["debug"] {
		cfg.Debug = c.debug
	}
	loc, err := cfg.Validate()
	if err != nil {
		return nil, nil, err
	}
	return &cfg, loc, nil
}

type app struct {
	cfg       *wastecal.FileConfig
	log       *zap.Logger
	store     *wastecal.Store
	registry  *prometheus.Registry
	refresher *wastecal.Refresher
	deliverer *wastecal.Deliverer
	subs      *wastecal.SubscriptionService
	addresses *wastecal.TableAddressDirectory
	redis     *redis.Client
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", zap.Error(err))
	}
	_ = a.log.Sync()
}

// buildApp wires every component explicitly. The deliverer is only built when
// withTransport is set, because it needs a valid bot token.
func buildApp(cfg *wastecal.FileConfig, loc *time.Location, withTransport bool) (*app, error) {
	log, err := wastecal.NewLogger(cfg.LogLevel, cfg.Debug)
	if err != nil {
		return nil, err
	}

	db, err := wastecal.OpenDB(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &app{
		cfg:       cfg,
		log:       log,
		store:     wastecal.NewStore(db),
		registry:  prometheus.NewRegistry(),
		addresses: wastecal.NewTableAddressDirectory(db),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := wastecal.NewMetrics(a.registry)
	if err != nil {
		a.Close()
		return nil, err
	}

	holidays, err := wastecal.NewGermanHolidays(cfg.HolidayRegion)
	if err != nil {
		a.Close()
		return nil, err
	}

	var lock wastecal.RefreshLock
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		lock = wastecal.NewRedisRefreshLock(a.redis)
	}

	synchronizer := wastecal.NewSynchronizer(
		wastecal.NewHTTPFetcher(cfg.Feed.URL, cfg.Feed.Timeout, cfg.Feed.UserAgent),
		wastecal.NewFeedParser(log),
		wastecal.SynchronizerConfig{MaxRetries: cfg.Feed.MaxRetries, RetryDelay: cfg.Feed.RetryDelay},
		log,
	)
	a.refresher, err = wastecal.NewRefresher(wastecal.RefresherParams{
		Store:    a.store,
		Sync:     synchronizer,
		Holidays: holidays,
		Clock:    wastecal.SystemClock,
		Lock:     lock,
		Metrics:  metrics,
		Log:      log,
		Config: wastecal.RefresherConfig{
			Interval: cfg.Feed.RefreshInterval,
			Weeks:    cfg.Feed.Weeks,
			Location: loc,
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.subs = wastecal.NewSubscriptionService(a.store, a.refresher, wastecal.SystemClock, loc, log)

	if !withTransport {
		return a, nil
	}
	bot, err := wastecal.NewTelegramTransport(cfg.Telegram.Token)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}
	log.Info("telegram bot ready", zap.String("username", bot.Username()))
	evaluator := wastecal.NewEvaluator(a.store, wastecal.SystemClock, wastecal.EvaluatorConfig{
		Evening:  cfg.Notify.Evening,
		Morning:  cfg.Notify.Morning,
		Location: loc,
	}, log)
	a.deliverer, err = wastecal.NewDeliverer(wastecal.DelivererParams{
		Store:     a.store,
		Evaluator: evaluator,
		Transport: wastecal.NewRateLimitedTransport(bot, wastecal.RateLimitConfig{
			Overall: cfg.Telegram.RateOverall,
			PerChat: cfg.Telegram.RatePerChat,
		}),
		Metrics: metrics,
		Log:     log,
		Config: wastecal.DelivererConfig{
			Interval:   cfg.Notify.Interval,
			ChunkSize:  cfg.Notify.ChunkSize,
			ChunkPause: cfg.Notify.ChunkPause,
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func runDaemon(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("dumpdate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	var once, refreshOnly, deliverOnly bool
	var metricsAddr string
	common.register(fs)
	fs.BoolVar(&once, "once", false, "Run one refresh and one delivery pass, then exit.")
	fs.BoolVar(&refreshOnly, "refresh-only", false, "Only run the schedule refresh.")
	fs.BoolVar(&deliverOnly, "deliver-only", false, "Only run notification delivery.")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "Listen address for /metrics (overrides config).")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected argument %q\n%s", fs.Arg(0), usage)
		return 2
	}

	if refreshOnly && deliverOnly {
		fmt.Fprintln(stderr, "-refresh-only and -deliver-only are mutually exclusive")
		return 2
	}

	cfg, loc, err := loadConfig(fs, common)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "metrics-addr" {
			cfg.MetricsAddr = metricsAddr
		}
	})

	a, err := buildApp(cfg, loc, !refreshOnly)
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if once {
		if err := runOnce(ctx, a, !deliverOnly, !refreshOnly); err != nil {
			a.log.Error("run once", zap.Error(err))
			return 1
		}
		return 0
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			a.log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server", zap.Error(err))
			}
		}()
	}

	var wg sync.WaitGroup
	if !deliverOnly {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.refresher.Run(ctx)
		}()
	}
	if !refreshOnly {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.deliverer.Run(ctx)
		}()
	}

	<-ctx.Done()
	a.log.Info("shutdown requested")
	wg.Wait()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return 0
}

func runOnce(ctx context.Context, a *app, refresh, deliver bool) error {
	var errs []error
	if refresh {
		if _, err := a.refresher.RefreshAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("refresh: %w", err))
		}
	}
	if deliver {
		if _, err := a.deliverer.DeliverOnce(ctx); err != nil {
			errs = append(errs, fmt.Errorf("deliver: %w", err))
		}
	}
	return errors.Join(errs...)
}

func runSubscribe(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("subscribe", flag.ContinueOnError)
	var common commonFlags
	var chatID int64
	var address, when, name string
	common.register(fs)
	fs.Int64Var(&chatID, "chat", 0, "Chat id to notify.")
	fs.StringVar(&address, "address", "", "Street address or numeric location key.")
	fs.StringVar(&when, "time", "evening", "Notification slot: morning or evening.")
	fs.StringVar(&name, "name", "", "Display name shown in messages (defaults to the address).")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if chatID == 0 || strings.TrimSpace(address) == "" {
		return errors.New("subscribe needs -chat and -address")
	}
	slot, err := wastecal.ParseNotificationTime(when)
	if err != nil {
		return err
	}

	cfg, loc, err := loadConfig(fs, common)
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, loc, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	key, err := resolveAddress(ctx, a.addresses, address)
	if err != nil {
		return err
	}
	if name == "" {
		name = address
		if label, err := a.addresses.Label(ctx, key); err == nil {
			name = label
		}
	}
	sub, err := a.subs.Subscribe(ctx, chatID, key, name, slot)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "subscription %d: chat %d, address %q (key %d), %s\n", sub.ID, sub.ChatID, sub.DisplayName, sub.AddressKey, sub.NotificationTime)
	return nil
}

// resolveAddress accepts a numeric location key directly.
func resolveAddress(ctx context.Context, dir wastecal.AddressDirectory, address string) (int64, error) {
	if key, err := strconv.ParseInt(strings.TrimSpace(address), 10, 64); err == nil {
		return key, nil
	}
	return dir.Resolve(ctx, address)
}

func runUnsubscribe(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("unsubscribe", flag.ContinueOnError)
	var common commonFlags
	var id uint
	common.register(fs)
	fs.UintVar(&id, "id", 0, "Subscription id.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if id == 0 {
		return errors.New("unsubscribe needs -id")
	}
	cfg, loc, err := loadConfig(fs, common)
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, loc, false)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.subs.Unsubscribe(context.Background(), id); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "subscription %d deactivated\n", id)
	return nil
}

func runImportAddresses(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("import-addresses", flag.ContinueOnError)
	var common commonFlags
	var file string
	common.register(fs)
	fs.StringVar(&file, "file", "", "YAML file mapping address to location key.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if file == "" {
		return errors.New("import-addresses needs -file")
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	rows := map[string]int64{}
	if err := yaml.Unmarshal(b, &rows); err != nil {
		return fmt.Errorf("parse %s: %w", file, err)
	}

	cfg, loc, err := loadConfig(fs, common)
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, loc, false)
	if err != nil {
		return err
	}
	defer a.Close()
	n, err := a.addresses.Import(context.Background(), rows)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "imported %d addresses\n", n)
	return nil
}

// openForCommand loads the configuration and builds the app without a transport.
func openForCommand(fs *flag.FlagSet, common commonFlags) (*app, error) {
	cfg, loc, err := loadConfig(fs, common)
	if err != nil {
		return nil, err
	}
	return buildApp(cfg, loc, false)
}

func runList(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	var common commonFlags
	var chatID int64
	common.register(fs)
	fs.Int64Var(&chatID, "chat", 0, "Chat id.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if chatID == 0 {
		return errors.New("list needs -chat")
	}
	a, err := openForCommand(fs, common)
	if err != nil {
		return err
	}
	defer a.Close()
	subs, err := a.subs.List(context.Background(), chatID)
	if err != nil {
		return err
	}
	writeSubscriptions(stdout, subs)
	return nil
}

func runNext(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("next", flag.ContinueOnError)
	var common commonFlags
	var chatID int64
	common.register(fs)
	fs.Int64Var(&chatID, "chat", 0, "Chat id.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if chatID == 0 {
		return errors.New("next needs -chat")
	}
	a, err := openForCommand(fs, common)
	if err != nil {
		return err
	}
	defer a.Close()
	pickups, err := a.subs.NextPickups(context.Background(), chatID)
	if err != nil {
		return err
	}
	writeNextPickups(stdout, pickups)
	return nil
}

func runLogs(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	var common commonFlags
	var limit int
	common.register(fs)
	fs.IntVar(&limit, "limit", 20, "Number of log rows, newest first.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if limit <= 0 {
		return errors.New("logs needs a positive -limit")
	}
	a, err := openForCommand(fs, common)
	if err != nil {
		return err
	}
	defer a.Close()
	logs, err := a.store.RecentNotificationLogs(context.Background(), limit)
	if err != nil {
		return err
	}
	writeLogs(stdout, logs)
	return nil
}

func writeSubscriptions(w io.Writer, subs []wastecal.Subscription) {
	if len(subs) == 0 {
		fmt.Fprintln(w, "no active subscriptions")
		return
	}
	for _, sub := range subs {
		last := "-"
		if sub.LastNotified != nil {
			last = *sub.LastNotified
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\tlast %s\n", sub.ID, sub.DisplayName, sub.AddressKey, sub.NotificationTime, last)
	}
}

func writeNextPickups(w io.Writer, pickups []wastecal.NextPickup) {
	if len(pickups) == 0 {
		fmt.Fprintln(w, "no active subscriptions")
		return
	}
	for _, p := range pickups {
		if len(p.Events) == 0 {
			fmt.Fprintf(w, "%s: no collection scheduled\n", p.Subscription.DisplayName)
			continue
		}
		types := make([]string, 0, len(p.Events))
		for _, ev := range p.Events {
			types = append(types, wastecal.WasteTypeEmoji(ev.WasteType)+" "+ev.WasteType)
		}
		fmt.Fprintf(w, "%s: %s %s\n", p.Subscription.DisplayName, p.Events[0].Date, strings.Join(types, ", "))
	}
}

func writeLogs(w io.Writer, logs []wastecal.NotificationLog) {
	for _, l := range logs {
		sent := "-"
		if l.SentAt != nil {
			sent = l.SentAt.Format(time.RFC3339)
		}
		line := fmt.Sprintf("%d\tsub %d\t%s\t%s", l.ID, l.SubscriptionID, l.Status, sent)
		if l.ErrorMessage != nil {
			line += "\t" + *l.ErrorMessage
		}
		fmt.Fprintln(w, line)
	}
}
