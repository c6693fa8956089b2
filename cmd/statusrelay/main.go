// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"go.astrophena.name/statusrelay/internal/cli"
	"go.astrophena.name/statusrelay/internal/cli/envflag"
	"go.astrophena.name/statusrelay/internal/feed"
	"go.astrophena.name/statusrelay/internal/filelock"
	"go.astrophena.name/statusrelay/internal/format"
	"go.astrophena.name/statusrelay/internal/httplogger"
	"go.astrophena.name/statusrelay/internal/logger"
	"go.astrophena.name/statusrelay/internal/poller"
	"go.astrophena.name/statusrelay/internal/reconcile"
	"go.astrophena.name/statusrelay/internal/request"
	"go.astrophena.name/statusrelay/internal/rules"
	"go.astrophena.name/statusrelay/internal/slack"
	"go.astrophena.name/statusrelay/internal/store"
	"go.astrophena.name/statusrelay/internal/systemd"
	"go.astrophena.name/statusrelay/internal/telegram"
	"go.astrophena.name/statusrelay/internal/web"
)

// Errors that stop statusrelay before it starts polling.
var (
	errAlreadyRunning = errors.New("already running")
	errNoCredentials  = errors.New("missing channel credentials")
)

func main() {
	if err := loadEnvFile(os.Getenv("ENV_FILE")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cli.Main(new(relay))
}

// loadEnvFile adds the variables from a dotenv file to the process
// environment without overriding the ones already set. A missing default
// .env file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

type relay struct {
	// configuration
	feedURL     *string
	interval    *int
	onlyActive  *bool
	initialDays *int
	storeDSN    *string
	channel     *string
	rulesFile   *string
	adminAddr   *string
	logLevel    *string
	dry         bool
	verbose     bool
	json        bool
	stateDir    string

	// used in tests
	httpc     *http.Client
	rateLimit rate.Limit
}

func (r *relay) Flags(fs *flag.FlagSet) {
	fs.BoolVar(&r.dry, "dry", false, "Enable dry-run mode: log decisions, but don't send messages or write the store.")
	fs.BoolVar(&r.verbose, "verbose", false, "Enable debug logging.")
	fs.BoolVar(&r.json, "json", false, "Output in JSON format (honored by incidents and once commands).")
}

func (r *relay) EnvFlags(s *envflag.Set) {
	r.feedURL = envflag.Value(s, "feed", "RSS_FEED_URL", feed.DefaultURL, "Status page RSS feed `URL`.")
	r.interval = envflag.Value(s, "interval", "CHECK_INTERVAL_MINUTES", 5, "Polling interval in `minutes`.")
	r.onlyActive = envflag.Value(s, "only-active", "ONLY_ACTIVE_INCIDENTS", true, "Skip incidents that are already resolved when first seen.")
	r.initialDays = envflag.Value(s, "initial-days", "INITIAL_LOAD_DAYS", 7, "Skip incidents older than this many `days` when first seen; 0 disables.")
	r.storeDSN = envflag.Value(s, "store", "DATABASE_PATH", "", "Incident store `DSN` (default statusrelay.json in the state directory).")
	r.channel = envflag.Value(s, "channel", "CHANNEL", "telegram", "Messaging `channel`: telegram or slack.")
	r.rulesFile = envflag.Value(s, "rules", "RULES_FILE", "", "Starlark `file` with a block_rule function.")
	r.adminAddr = envflag.Value(s, "admin-addr", "ADMIN_ADDR", "", "Serve the admin API on this `address`.")
	r.logLevel = envflag.Value(s, "log-level", "LOG_LEVEL", "info", "Log `level`.")
}

func (r *relay) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	if len(env.Args) == 0 {
		return fmt.Errorf("%w: command is required, see -help for usage", cli.ErrInvalidArgs)
	}
	if err := r.configure(ctx); err != nil {
		return err
	}

	switch command := env.Args[0]; command {
	case "run":
		return r.run(ctx)
	case "once":
		return r.once(ctx, env.Stdout)
	case "check":
		return r.check(ctx, env.Stdout)
	case "incidents":
		return r.listIncidents(ctx, env.Stdout)
	default:
		return fmt.Errorf("%w: no such command %q", cli.ErrInvalidArgs, command)
	}
}

// configure validates the configuration and resolves the defaults that
// depend on the environment.
func (r *relay) configure(ctx context.Context) error {
	env := cli.GetEnv(ctx)
	l := logger.Get(ctx)

	level, err := logger.ParseLevel(*r.logLevel)
	if err != nil {
		return fmt.Errorf("%w: %w", cli.ErrInvalidArgs, err)
	}
	// Enable debug logging in verbose and dry-run modes.
	if r.verbose || r.dry {
		level = slog.LevelDebug
	}
	l.Level.Set(level)

	if *r.interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %d", cli.ErrInvalidArgs, *r.interval)
	}
	if *r.initialDays < 0 {
		return fmt.Errorf("%w: initial-days must not be negative, got %d", cli.ErrInvalidArgs, *r.initialDays)
	}
	if *r.channel != "telegram" && *r.channel != "slack" {
		return fmt.Errorf("%w: unknown channel %q", cli.ErrInvalidArgs, *r.channel)
	}

	r.stateDir = env.Getenv("STATE_DIRECTORY")
	if r.stateDir == "" {
		xdgStateHome := env.Getenv("XDG_STATE_HOME")
		if xdgStateHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			xdgStateHome = filepath.Join(home, ".local", "state")
		}
		r.stateDir = filepath.Join(xdgStateHome, "statusrelay")
	}
	if err := os.MkdirAll(r.stateDir, 0o700); err != nil {
		return err
	}
	if *r.storeDSN == "" {
		*r.storeDSN = filepath.Join(r.stateDir, "statusrelay.json")
	}

	if r.httpc == nil {
		r.httpc = request.DefaultClient
	}
	if level <= slog.LevelDebug {
		r.httpc = &http.Client{
			Transport: httplogger.New(r.httpc.Transport, l.Logger, secretScrubber(env.Getenv)),
			Timeout:   r.httpc.Timeout,
		}
	}
	return nil
}

// secretScrubber hides the bot tokens found in the environment.
func secretScrubber(getenv func(string) string) *strings.Replacer {
	var oldnew []string
	for _, name := range []string{"TELEGRAM_BOT_TOKEN", "SLACK_BOT_TOKEN"} {
		if v := getenv(name); v != "" {
			oldnew = append(oldnew, v, "[EXPUNGED]")
		}
	}
	return strings.NewReplacer(oldnew...)
}

// channel is a messaging channel statusrelay can post to.
type channel interface {
	reconcile.Channel
	// describe verifies credentials and returns a line describing the
	// destination.
	describe(context.Context) (string, error)
}

type telegramChannel struct{ *telegram.Channel }

func (c telegramChannel) describe(ctx context.Context) (string, error) {
	id, err := c.Check(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("telegram: bot @%s can post to %s %q", id.BotUsername, id.ChatType, id.ChatTitle), nil
}

type slackChannel struct{ *slack.Channel }

func (c slackChannel) describe(ctx context.Context) (string, error) {
	id, err := c.Check(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("slack: %s in %s can post to #%s", id.BotUser, id.Team, id.ChannelName), nil
}

// newChannel builds the configured channel. Missing credentials are a
// configuration error.
func (r *relay) newChannel(ctx context.Context) (channel, format.Style, error) {
	env := cli.GetEnv(ctx)
	switch *r.channel {
	case "slack":
		token, channelID := env.Getenv("SLACK_BOT_TOKEN"), env.Getenv("SLACK_CHANNEL_ID")
		if token == "" || channelID == "" {
			return nil, 0, fmt.Errorf("%w: SLACK_BOT_TOKEN and SLACK_CHANNEL_ID are required", errNoCredentials)
		}
		return slackChannel{slack.New(slack.Config{
			Token:      token,
			ChannelID:  channelID,
			APIURL:     env.Getenv("SLACK_API_URL"),
			HTTPClient: r.httpc,
			Limiter:    r.newLimiter(),
		})}, format.Mrkdwn, nil
	default:
		token, chatID := env.Getenv("TELEGRAM_BOT_TOKEN"), env.Getenv("TELEGRAM_CHANNEL_ID")
		if token == "" || chatID == "" {
			return nil, 0, fmt.Errorf("%w: TELEGRAM_BOT_TOKEN and TELEGRAM_CHANNEL_ID are required", errNoCredentials)
		}
		return telegramChannel{telegram.New(telegram.Config{
			Token:      token,
			ChatID:     chatID,
			APIURL:     env.Getenv("TELEGRAM_API_URL"),
			HTTPClient: r.httpc,
			Limiter:    r.newLimiter(),
		})}, format.Markdown, nil
	}
}

// newLimiter returns nil, which leaves the pace to the channel, unless
// rateLimit is set.
func (r *relay) newLimiter() *rate.Limiter {
	if r.rateLimit == 0 {
		return nil
	}
	return rate.NewLimiter(r.rateLimit, 1)
}

// service is everything a poll pass needs.
type service struct {
	store    store.Store
	engine   *reconcile.Engine
	poller   *poller.Poller
	registry *prometheus.Registry
}

func (s *service) Close() error { return s.store.Close() }

func (r *relay) newService(ctx context.Context) (*service, error) {
	log := logger.Get(ctx)

	ch, style, err := r.newChannel(ctx)
	if err != nil {
		return nil, err
	}

	cfg := reconcile.Config{
		SkipResolved: *r.onlyActive,
		MaxAge:       time.Duration(*r.initialDays) * 24 * time.Hour,
		DryRun:       r.dry,
	}
	if *r.rulesFile != "" {
		rule, err := rules.Load(*r.rulesFile)
		if err != nil {
			return nil, err
		}
		cfg.Rule = rule
		log.Info("loaded block rule", "file", rule.Name())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	cfg.Metrics = reconcile.NewMetrics(reg)

	st, err := store.Open(ctx, *r.storeDSN)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", store.Redact(*r.storeDSN), err)
	}
	log.Debug("opened store", "dsn", store.Redact(*r.storeDSN))

	engine := reconcile.New(st, ch, &format.Formatter{Style: style}, cfg)
	src := feed.NewSource(*r.feedURL, r.httpc)
	return &service{
		store:  st,
		engine: engine,
		poller: poller.New(src, engine, poller.Config{
			Interval: time.Duration(*r.interval) * time.Minute,
			Metrics:  poller.NewMetrics(reg),
		}),
		registry: reg,
	}, nil
}

func (r *relay) lock() (*filelock.Lock, error) {
	l, err := filelock.Acquire(filepath.Join(r.stateDir, "statusrelay.lock"), "pid "+strconv.Itoa(os.Getpid()))
	if errors.Is(err, filelock.ErrAlreadyLocked) {
		return nil, fmt.Errorf("%w: %w", errAlreadyRunning, err)
	}
	return l, err
}

func (r *relay) run(ctx context.Context) error {
	env := cli.GetEnv(ctx)
	log := logger.Get(ctx)

	lock, err := r.lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	svc, err := r.newService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		adminErr error
	)
	if *r.adminAddr != "" {
		wg.Go(func() {
			adminErr = web.ListenAndServe(ctx, &web.ListenAndServeConfig{
				Addr: *r.adminAddr,
				Mux:  r.adminMux(svc),
			})
			if adminErr != nil {
				log.Error("admin server failed", "error", adminErr)
				cancel()
			}
		})
	}

	notifier := systemd.New(env.Getenv)
	wg.Go(func() { notifier.WatchdogLoop(ctx) })
	notifier.Notify(ctx, systemd.Ready)

	err = svc.poller.Run(ctx)
	notifier.Notify(ctx, systemd.Stopping)
	cancel()
	wg.Wait()
	log.Info("stopped")
	return cmp.Or(err, adminErr)
}

func (r *relay) once(ctx context.Context, w io.Writer) error {
	lock, err := r.lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	svc, err := r.newService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.poller.Poll(ctx)
	if err != nil {
		return err
	}

	if r.json {
		type outcome struct {
			ID       string             `json:"id"`
			Title    string             `json:"title"`
			Decision reconcile.Decision `json:"decision"`
			Handle   string             `json:"handle,omitempty"`
			Error    string             `json:"error,omitempty"`
		}
		outcomes := make([]outcome, 0, len(res.Outcomes))
		for _, o := range res.Outcomes {
			oj := outcome{ID: o.ID, Title: o.Title, Decision: o.Decision, Handle: o.Handle}
			if o.Err != nil {
				oj.Error = o.Err.Error()
			}
			outcomes = append(outcomes, oj)
		}
		return writeJSON(w, outcomes)
	}
	_, err = fmt.Fprintln(w, res.Summary())
	return err
}

func (r *relay) check(ctx context.Context, w io.Writer) error {
	ch, _, err := r.newChannel(ctx)
	if err != nil {
		return err
	}
	desc, err := ch.describe(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, desc)
	return err
}

func (r *relay) listIncidents(ctx context.Context, w io.Writer) error {
	st, err := store.Open(ctx, *r.storeDSN)
	if err != nil {
		return fmt.Errorf("opening store %s: %w", store.Redact(*r.storeDSN), err)
	}
	defer st.Close()

	incidents, err := st.All(ctx)
	if err != nil {
		return err
	}
	if r.json {
		return writeJSON(w, incidents)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tMESSAGE\tUPDATED\tTITLE")
	for _, inc := range incidents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", inc.ID, inc.Status, cmp.Or(inc.MessageHandle, "-"), cmp.Or(inc.LastUpdated, "-"), inc.Title)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
