package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	retry "github.com/appleboy/go-httpretry"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-authgate/marketplace-cli/session"
	"github.com/go-authgate/marketplace-cli/tui"
)

var (
	serverURL         string
	storeKind         string
	storeFile         string
	redisURL          string
	redisPrefix       string
	metricsAddr       string
	logLevel          string
	requestTimeout    time.Duration
	flagServerURL     *string
	flagStore         *string
	flagStoreFile     *string
	flagRedisURL      *string
	flagRedisPrefix   *string
	flagMetricsAddr   *string
	flagTimeout       *string
	flagVerbose       *bool
	configInitialized bool
	retryClient       *retry.Client
)

const defaultRequestTimeout = 30 * time.Second

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagServerURL = flag.String("server-url", "", "Marketplace API base URL (required, or set SERVER_URL env)")
	flagStore = flag.String(
		"store",
		"",
		"Session store: file, redis or memory (default: file or SESSION_STORE env)",
	)
	flagStoreFile = flag.String(
		"store-file",
		"",
		"Session file (default: .marketplace-session.json or SESSION_FILE env)",
	)
	flagRedisURL = flag.String("redis-url", "", "Redis URL for -store=redis (or REDIS_URL env)")
	flagRedisPrefix = flag.String(
		"redis-prefix",
		"",
		"Redis key prefix (default: marketplace:session or REDIS_PREFIX env)",
	)
	flagMetricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (or METRICS_ADDR env)")
	flagTimeout = flag.String("timeout", "", "Per-request timeout (default: 30s or REQUEST_TIMEOUT env)")
	flagVerbose = flag.Bool("verbose", false, "Enable debug logging")

	flag.Usage = usage
}

// initConfig parses flags and initializes configuration.
// Separated from init() to avoid conflicts with test flag parsing.
func initConfig() error {
	if configInitialized {
		return nil
	}
	configInitialized = true

	flag.Parse()

	// Priority: flag > env > default
	serverURL = strings.TrimRight(getConfig(*flagServerURL, "SERVER_URL", ""), "/")
	storeKind = getConfig(*flagStore, "SESSION_STORE", storeKindFile)
	storeFile = getConfig(*flagStoreFile, "SESSION_FILE", ".marketplace-session.json")
	redisURL = getConfig(*flagRedisURL, "REDIS_URL", "")
	redisPrefix = getConfig(*flagRedisPrefix, "REDIS_PREFIX", "marketplace:session")
	metricsAddr = getConfig(*flagMetricsAddr, "METRICS_ADDR", "")
	logLevel = getEnv("LOG_LEVEL", "warn")
	if *flagVerbose {
		logLevel = "debug"
	}

	timeout, err := parseDuration(getConfig(*flagTimeout, "REQUEST_TIMEOUT", ""), defaultRequestTimeout)
	if err != nil {
		return fmt.Errorf("invalid REQUEST_TIMEOUT: %w", err)
	}
	requestTimeout = timeout

	if serverURL == "" {
		return session.ErrMissingBaseURL
	}
	if err := validateServerURL(serverURL); err != nil {
		return fmt.Errorf("invalid SERVER_URL: %w", err)
	}

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(serverURL), "http://") {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}

	// Login, register and logout go through the retrying client; API calls
	// and token refreshes never do.
	retryClient, err = retry.NewBackgroundClient(
		retry.WithHTTPClient(session.NewHTTPClient()),
	)
	if err != nil {
		return fmt.Errorf("failed to create retry client: %w", err)
	}
	return nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration accepts Go durations ("45s") and bare seconds ("45").
func parseDuration(raw string, defaultValue time.Duration) (time.Duration, error) {
	if raw == "" {
		return defaultValue, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("duration must not be negative, got: %s", raw)
		}
		return d, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("not a duration: %q", raw)
	}
	return time.Duration(secs) * time.Second, nil
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// newLogger builds the console logger on stderr. While the TUI owns the
// terminal only debug runs log.
func newLogger(level string, tty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.WarnLevel
	}
	if tty && lvl > zerolog.DebugLevel {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// serveMetrics exposes reg on addr until ctx ends.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags] <command> [args]\n\n", os.Args[0])
	fmt.Fprintln(out, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(out, "  %-16s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(out, "\nFlags:")
	flag.PrintDefaults()
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	if err := initConfig(); err != nil {
		if errors.Is(err, session.ErrMissingBaseURL) {
			fmt.Fprintln(os.Stderr, "Error: SERVER_URL not set. Please provide it via:")
			fmt.Fprintln(os.Stderr, "  1. Command line flag: -server-url=<api-base-url>")
			fmt.Fprintln(os.Stderr, "  2. Environment variable: SERVER_URL=<api-base-url>")
			fmt.Fprintln(os.Stderr, "  3. .env file: SERVER_URL=<api-base-url>")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	tty := isTTY()
	log.Logger = newLogger(logLevel, tty)

	if tty {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner(serverURL)
		runErr := run(d, args)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner(serverURL)
		if err := run(d, args); err != nil {
			os.Exit(1)
		}
	}
}

func run(d tui.Displayer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if metricsAddr != "" {
		serveMetrics(ctx, metricsAddr, reg)
	}

	a, err := newApp(ctx, appConfig{
		serverURL:      serverURL,
		storeKind:      storeKind,
		storeFile:      storeFile,
		redisURL:       redisURL,
		redisPrefix:    redisPrefix,
		requestTimeout: requestTimeout,
		retryClient:    retryClient,
		registry:       reg,
		log:            log.Logger,
	}, d, os.Stdout)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer a.Close()

	if err := a.runCommand(ctx, args); err != nil {
		d.Fatal(err)
		return err
	}
	return nil
}
