// Package main is the chatsearch CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/chatsearch/internal/cli"
	"github.com/hyperjump/chatsearch/internal/config"
	"github.com/hyperjump/chatsearch/internal/models"
	"github.com/hyperjump/chatsearch/internal/search"
	"github.com/hyperjump/chatsearch/internal/server"
	"github.com/hyperjump/chatsearch/internal/storage"
	"github.com/hyperjump/chatsearch/internal/watcher"
	"github.com/hyperjump/chatsearch/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/chatsearch/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, config.yaml in the current
// directory takes precedence if it exists. Returns the config and the path actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "search":
		runSearch()
	case "similar":
		runSimilar()
	case "index":
		runIndex()
	case "rebuild":
		runRebuild()
	case "import":
		runImport()
	case "delete":
		runDelete()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("chatsearch version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// openComponents loads config, builds a one-shot logger, and initializes every component.
func openComponents(ctx context.Context, configPath string) (*config.Config, *Components, *zap.Logger) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	logger, err := utils.NewCLILogger(cfg.Debug)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	return cfg, components, logger
}

func parseFormat(s string) cli.OutputFormat {
	format, err := cli.ParseOutputFormat(s)
	if err != nil {
		fatalf("%v", err)
	}
	return format
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	go components.runMaintenance(ctx, logger)
	go func() {
		if _, err := components.Engine.IndexAll(ctx); err != nil {
			logger.Warn("startup index run failed", zap.Error(err))
		}
	}()

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithDiskPaths(cfg.Storage.DatabasePath, cfg.Storage.BleveIndexPath),
	}
	var watch *watcher.Watcher
	if len(cfg.Watch.Directories) > 0 {
		watch = watcher.NewWatcher(cfg.Watch.Directories, cfg.Watch.Extensions, components.Indexer,
			watcher.WithLogger(logger))
		if err := watch.Start(ctx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		opts = append(opts, server.WithWatcher(watch))
	}

	srv := server.NewServer(components.Engine, components.Indexer, components.Storage, cfg.Server, opts...)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
	if watch != nil {
		watch.Stop()
	}
	cancel()
}

// printSearchUsage prints search subcommand usage.
func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: chatsearch search [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces. Multi-word queries work with or without quotes.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  chatsearch search refund policy
  chatsearch search --mode semantic "how do I get my money back"
  chatsearch search --chat support --role assistant --from 2024-01-01 refunds
  chatsearch search --output json refunds
`)
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchArgsReorder moves any flags (and their values) that appear after the query
// to the front of the slice so that flag.Parse() sees them. Go's flag package
// stops at the first non-flag argument, so `chatsearch search refunds -limit 5`
// would otherwise leave -limit unparsed.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// splitList splits a comma separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDate accepts YYYY-MM-DD (UTC midnight) or RFC 3339. Empty yields nil.
func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return &t, nil
}

// buildFilters returns nil when no filter flag is set.
func buildFilters(chats, roles, categories, from, to string) (*models.SearchFilters, error) {
	f := &models.SearchFilters{
		ChatIDs:    splitList(chats),
		Roles:      splitList(roles),
		Categories: splitList(categories),
	}
	var err error
	if f.From, err = parseDate(from); err != nil {
		return nil, err
	}
	if f.To, err = parseDate(to); err != nil {
		return nil, err
	}
	if f.IsEmpty() {
		return nil, nil
	}
	return f, nil
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open storage directly)")
	limit := fs.Int("limit", 0, "number of results (0 = configured default)")
	mode := fs.String("mode", models.ModeHybrid, "search mode: hybrid, semantic, or lexical")
	chats := fs.String("chat", "", "comma separated chat IDs to search in")
	roles := fs.String("role", "", "comma separated roles")
	categories := fs.String("category", "", "comma separated categories")
	from := fs.String("from", "", "only messages created at or after this date")
	to := fs.String("to", "", "only messages created before this date")
	noCache := fs.Bool("no-cache", false, "bypass the result cache")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	queryStr := buildSearchQuery(fs.Args())
	if queryStr == "" {
		printSearchUsage(fs)
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)
	filters, err := buildFilters(*chats, *roles, *categories, *from, *to)
	if err != nil {
		fatalf("%v", err)
	}
	query := &models.SearchQuery{
		Query:   queryStr,
		Mode:    *mode,
		Limit:   *limit,
		Filters: filters,
		NoCache: *noCache,
	}

	var response models.SearchResponse
	if *serverURL != "" {
		// The server holds the keyword index lock, so go through its API.
		if err := callAPI(http.MethodPost, *serverURL+"/api/v1/search", query, &response); err != nil {
			fatalf("Search failed: %v", err)
		}
	} else {
		ctx := context.Background()
		_, components, logger := openComponents(ctx, *configPath)
		defer logger.Sync()
		defer components.Close()
		res, err := components.Engine.Search(ctx, query)
		if err != nil {
			fatalf("Search failed: %v", err)
		}
		response = *res
	}
	if err := cli.WriteSearchResults(os.Stdout, &response, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runSimilar() {
	fs := flag.NewFlagSet("similar", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open storage directly)")
	limit := fs.Int("limit", 0, "number of results (0 = configured default)")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	if fs.NArg() != 1 {
		fmt.Println("Usage: chatsearch similar [flags] <message-id>")
		os.Exit(1)
	}
	id := fs.Arg(0)
	format := parseFormat(*outputFormat)

	var results []*models.SearchResult
	if *serverURL != "" {
		var out struct {
			Results []*models.SearchResult `json:"results"`
		}
		u := fmt.Sprintf("%s/api/v1/messages/%s/similar?limit=%d", *serverURL, url.PathEscape(id), *limit)
		if err := callAPI(http.MethodGet, u, nil, &out); err != nil {
			fatalf("Similar failed: %v", err)
		}
		results = out.Results
	} else {
		ctx := context.Background()
		_, components, logger := openComponents(ctx, *configPath)
		defer logger.Sync()
		defer components.Close()
		var err error
		results, err = components.Engine.FindSimilar(ctx, id, *limit)
		if err != nil {
			fatalf("Similar failed: %v", err)
		}
	}
	if err := cli.WriteSimilar(os.Stdout, id, results, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", "", "server URL (empty = open storage directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	var report models.IndexReport
	if *serverURL != "" {
		if err := callAPI(http.MethodPost, *serverURL+"/api/v1/index", nil, &report); err != nil {
			fatalf("Index failed: %v", err)
		}
	} else {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		_, components, logger := openComponents(ctx, *configPath)
		defer logger.Sync()
		defer components.Close()
		res, err := components.Engine.IndexAll(ctx)
		if err != nil {
			fatalf("Index failed: %v", err)
		}
		report = *res
	}
	if err := cli.WriteIndexReport(os.Stdout, &report, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runRebuild() {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", "", "server URL (empty = open storage directly)")
	lexical := fs.Bool("lexical", false, "also rebuild the keyword index from stored messages")
	_ = fs.Parse(os.Args[2:])

	if *serverURL != "" {
		if *lexical {
			fatalf("--lexical needs direct mode (--server \"\")")
		}
		if err := callAPI(http.MethodPost, *serverURL+"/api/v1/index/rebuild", nil, nil); err != nil {
			fatalf("Rebuild failed: %v", err)
		}
		fmt.Println("Buckets rebuilt")
		return
	}
	ctx := context.Background()
	_, components, logger := openComponents(ctx, *configPath)
	defer logger.Sync()
	defer components.Close()
	if err := components.Engine.RebuildBuckets(ctx); err != nil {
		fatalf("Rebuild failed: %v", err)
	}
	fmt.Println("Buckets rebuilt")
	if *lexical {
		n, err := components.Indexer.ReindexLexical(ctx)
		if err != nil {
			fatalf("Keyword rebuild failed: %v", err)
		}
		fmt.Printf("Keyword index rebuilt: %d message(s)\n", n)
	}
}

func runImport() {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", "", "server URL (empty = open storage directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: chatsearch import [flags] <file-or-directory>...")
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)

	if *serverURL != "" {
		for _, path := range fs.Args() {
			report, err := importViaHTTP(*serverURL, path)
			if err != nil {
				fatalf("Import of %s failed: %v", path, err)
			}
			_ = cli.WriteImportReport(os.Stdout, path, report, format)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	_, components, logger := openComponents(ctx, *configPath)
	defer logger.Sync()
	defer components.Close()

	failed := false
	for _, path := range fs.Args() {
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to stat %s: %v\n", path, err)
			failed = true
			continue
		}
		if info.IsDir() {
			n, err := components.Indexer.ImportDirectory(ctx, path)
			fmt.Printf("Imported %d file(s) from %s\n", n, path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Import of %s incomplete: %v\n", path, err)
				failed = true
			}
			continue
		}
		report, err := components.Indexer.ImportFile(ctx, path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Import of %s failed: %v\n", path, err)
			failed = true
			continue
		}
		_ = cli.WriteImportReport(os.Stdout, path, report, format)
	}
	if failed {
		os.Exit(1)
	}
}

func importViaHTTP(serverURL, path string) (*models.ImportReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var report models.ImportReport
	if err := doRequest(http.MethodPost, serverURL+"/api/v1/import", f, "application/x-ndjson", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", "", "server URL (empty = open storage directly)")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: chatsearch delete [flags] <message-id>")
		os.Exit(1)
	}
	id := fs.Arg(0)
	if *serverURL != "" {
		if err := callAPI(http.MethodDelete, *serverURL+"/api/v1/messages/"+url.PathEscape(id), nil, nil); err != nil {
			fatalf("Deletion failed: %v", err)
		}
	} else {
		ctx := context.Background()
		_, components, logger := openComponents(ctx, *configPath)
		defer logger.Sync()
		defer components.Close()
		if err := components.Indexer.DeleteMessage(ctx, id); err != nil {
			fatalf("Deletion failed: %v", err)
		}
	}
	fmt.Printf("Message deleted: %s\n", id)
}

// statusResponse is the shape of GET /api/v1/status.
type statusResponse struct {
	Engine         *search.Status `json:"engine"`
	DiskUsageBytes *int64         `json:"disk_usage_bytes,omitempty"`
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open storage directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	var status statusResponse
	if *serverURL != "" {
		if err := callAPI(http.MethodGet, *serverURL+"/api/v1/status", nil, &status); err != nil {
			fatalf("Status failed: %v", err)
		}
	} else {
		ctx := context.Background()
		cfg, components, logger := openComponents(ctx, *configPath)
		defer logger.Sync()
		defer components.Close()
		st, err := components.Engine.Status(ctx)
		if err != nil {
			fatalf("Status failed: %v", err)
		}
		status.Engine = st
		if n, err := storage.DiskUsageBytes(cfg.Storage.DatabasePath, cfg.Storage.BleveIndexPath); err == nil {
			status.DiskUsageBytes = &n
		}
	}
	if status.Engine == nil {
		fatalf("Status failed: empty response")
	}
	if err := cli.WriteStatus(os.Stdout, status.Engine, status.DiskUsageBytes, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

// callAPI sends body as JSON and decodes the response into out when out is non-nil.
func callAPI(method, u string, body interface{}, out interface{}) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	return doRequest(method, u, r, "application/json", out)
}

func doRequest(method, u string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
}

func printUsage() {
	fmt.Println(`chatsearch - hybrid semantic and keyword search over a chat archive

Usage:
  chatsearch server [flags]                 Start the HTTP server
  chatsearch search [flags] <query>         Search messages
  chatsearch similar [flags] <message-id>   Find messages similar to a message
  chatsearch import [flags] <path>...       Import JSONL chat exports (files or directories)
  chatsearch index [flags]                  Embed messages that are new or changed
  chatsearch rebuild [flags]                Rebuild the vector index buckets
  chatsearch delete [flags] <message-id>    Delete a message
  chatsearch status [flags]                 Show engine, index, and cache status
  chatsearch version                        Show version
  chatsearch help                           Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/chatsearch/config.yaml)
  --server string    Server URL. search, similar, and status default to http://localhost:8080;
                     the other commands open storage directly unless it is set.
                     Use --server "" for direct storage when the server is not running.
  --output string    Output format: text, compact (search only), or json

Search Flags:
  --limit int        Number of results (default from config)
  --mode string      hybrid (default), semantic, or lexical
  --chat, --role, --category string   Comma separated filters
  --from, --to string                 Date range, YYYY-MM-DD or RFC 3339 (to is exclusive)
  --no-cache         Bypass the result cache

Examples:
  chatsearch server --debug
  chatsearch import ~/exports/support.jsonl
  chatsearch search "refund policy"
  chatsearch search --mode semantic --chat support how do I get my money back
  chatsearch similar 3f9c2d1e-8a4b-4c55-9d1e-2b7f0a6c9e11
  chatsearch status --output json`)
}
