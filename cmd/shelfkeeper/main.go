// Package main provides the entry point for the Shelfkeeper CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shelfkeeper/shelfkeeper/internal/access"
	"github.com/shelfkeeper/shelfkeeper/internal/backup"
	"github.com/shelfkeeper/shelfkeeper/internal/catalog"
	"github.com/shelfkeeper/shelfkeeper/internal/config"
	"github.com/shelfkeeper/shelfkeeper/internal/logger"
	"github.com/shelfkeeper/shelfkeeper/internal/media"
	"github.com/shelfkeeper/shelfkeeper/internal/scanner"
	"github.com/shelfkeeper/shelfkeeper/internal/search"
	"github.com/shelfkeeper/shelfkeeper/internal/watcher"
)

const usage = `Usage: shelfkeeper <command> [flags]

Commands:
  scan              Reconcile the catalog with the library folder
  watch             Scan, then rescan whenever the folder settles after changes
  list              Print every cataloged book
  search <query>    Full-text search over titles, authors, and genres
  export [file]     Write a progress backup document (stdout if no file)
  import <file>     Merge a progress backup document into the catalog

Flags (after the command):
  -library <path>   Designate the library folder
  -data <path>      Data directory (default ~/Shelfkeeper)
  -log-level <lvl>  debug, info, warn, error
  -scan-workers <n> Parallel extraction workers
  -watch <bool>     Make scan behave like watch
  -settle-delay <d> Watch mode settle delay (default 2s)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "shelfkeeper: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}
	command := args[0]
	args = args[1:]

	// Positional arguments come before flags: "import backup.json -data ...".
	var positional []string
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		positional = append(positional, args[0])
		args = args[1:]
	}

	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Writer:      os.Stderr,
		Environment: cfg.App.Environment,
		Level:       logger.ParseLevel(cfg.Logger.Level),
	})

	app, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "scan":
		if cfg.Watch.Enabled {
			return app.runWatch(ctx)
		}
		return app.runScan(ctx)
	case "watch":
		return app.runWatch(ctx)
	case "list":
		return app.runList(ctx)
	case "search":
		if len(positional) == 0 {
			return fmt.Errorf("search requires a query")
		}
		return app.runSearch(ctx, strings.Join(positional, " "))
	case "export":
		target := ""
		if len(positional) > 0 {
			target = positional[0]
		}
		return app.runExport(ctx, target)
	case "import":
		if len(positional) == 0 {
			return fmt.Errorf("import requires a file")
		}
		return app.runImport(ctx, positional[0])
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// app bundles the wired components behind each command.
type app struct {
	cfg     *config.Config
	logger  *logger.Logger
	catalog *catalog.Catalog
	index   *search.Index
	access  *access.Manager
	scanner *scanner.Scanner
	backup  *backup.Service
}

func newApp(cfg *config.Config, log *logger.Logger) (*app, error) {
	cat, err := catalog.Open(filepath.Join(cfg.Data.BasePath, "catalog"), log.Logger)
	if err != nil {
		return nil, err
	}

	idx, err := search.Open(cfg.Data.BasePath, log.Logger)
	if err != nil {
		_ = cat.Close()
		return nil, err
	}
	cat.SetSearchIndexer(idx)

	if idx.NeedsRebuild {
		books, err := cat.FindAll(context.Background())
		if err == nil {
			if err := idx.Rebuild(context.Background(), books); err != nil {
				log.Warn("search index rebuild failed", "error", err)
			}
		}
	}

	mgr, err := access.NewManager(cfg.Data.BasePath, log.Logger)
	if err != nil {
		_ = idx.Close()
		_ = cat.Close()
		return nil, err
	}

	// A -library flag designates (or re-designates) the folder.
	if cfg.Library.Path != "" {
		current := mgr.Current()
		if current == nil || current.Path != cfg.Library.Path {
			if _, err := mgr.Designate(cfg.Library.Path); err != nil {
				_ = idx.Close()
				_ = cat.Close()
				return nil, err
			}
		}
	}

	extractor := media.NewFileExtractor(log.Logger)

	return &app{
		cfg:     cfg,
		logger:  log,
		catalog: cat,
		index:   idx,
		access:  mgr,
		scanner: scanner.New(cat, extractor, mgr, log.Logger),
		backup:  backup.NewService(cat, log.Logger),
	}, nil
}

func (a *app) close() {
	if err := a.index.Close(); err != nil {
		a.logger.Error("failed to close search index", "error", err)
	}
	if err := a.catalog.Close(); err != nil {
		a.logger.Error("failed to close catalog", "error", err)
	}
}

func (a *app) runScan(ctx context.Context) error {
	result, err := a.scanner.Scan(ctx, scanner.ScanOptions{Workers: a.cfg.Scan.Workers})
	if err != nil {
		return err
	}
	fmt.Println(result.Summary())
	return nil
}

func (a *app) runWatch(ctx context.Context) error {
	if err := a.runScan(ctx); err != nil {
		return err
	}

	grant, err := a.access.Acquire()
	if err != nil {
		return err
	}
	defer grant.Release()

	w, err := watcher.New(a.logger.Logger, watcher.Options{SettleDelay: a.cfg.Watch.SettleDelay})
	if err != nil {
		return err
	}
	defer w.Stop()

	if err := w.Watch(grant.Path()); err != nil {
		return err
	}
	go func() { _ = w.Start(ctx) }()

	a.logger.Info("watching library folder", "path", grant.Path())
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-w.Errors():
			a.logger.Warn("watcher error", "error", err)
		case <-w.Changes():
			if err := a.runScan(ctx); err != nil {
				a.logger.Error("rescan failed", "error", err)
			}
		}
	}
}

func (a *app) runList(ctx context.Context) error {
	books, err := a.catalog.FindAll(ctx)
	if err != nil {
		return err
	}
	for _, b := range books {
		status := fmt.Sprintf("%.0fs", b.PlaybackPosition)
		if b.IsCompleted {
			status = "done"
		}
		fmt.Printf("%-40s %-25s %s\n", b.Title, b.Author, status)
	}
	return nil
}

func (a *app) runSearch(ctx context.Context, query string) error {
	hits, err := a.index.Search(ctx, query, 20)
	if err != nil {
		return err
	}
	for _, h := range hits {
		fmt.Printf("%-40s %-25s %s\n", h.Title, h.Author, h.Path)
	}
	return nil
}

func (a *app) runExport(ctx context.Context, target string) error {
	out := os.Stdout
	if target != "" && target != "-" {
		f, err := os.Create(target)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return a.backup.Export(ctx, out)
}

func (a *app) runImport(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	result, err := a.backup.Import(ctx, f)
	if err != nil {
		return err
	}
	fmt.Println(result.Summary())
	return nil
}
