package cli

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/frappemcp/config"
	"github.com/petal-labs/frappemcp/docstore"
	"github.com/petal-labs/frappemcp/session"
	"github.com/petal-labs/frappemcp/tool"
)

// loadConfig discovers and loads the config file, falling back to defaults
// when none exists.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path, found, err := config.Discover(explicit)
	if err != nil {
		return config.Config{}, exitError(exitFileNotFound, "%v", err)
	}
	if !found {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, exitError(exitValidation, "%v", err)
	}
	return cfg, nil
}

// newLogger builds the process logger; --verbose and --quiet override log.level.
func newLogger(cmd *cobra.Command, cfg config.LogConfig, w io.Writer) *slog.Logger {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadSchema returns the built-in DocTypes plus any configured definition files.
func loadSchema(cfg config.Config) (*docstore.Schema, error) {
	schema, err := docstore.BuiltinSchema()
	if err != nil {
		return nil, exitError(exitRuntime, "loading built-in doctypes: %v", err)
	}
	for _, path := range cfg.DocTypeFiles() {
		if err := schema.LoadFile(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, exitError(exitFileNotFound, "doctype file not found: %s", path)
			}
			return nil, exitError(exitValidation, "%v", err)
		}
	}
	return schema, nil
}

// openStore opens the configured document store backend.
func openStore(cfg config.StoreConfig, schema *docstore.Schema) (docstore.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return docstore.NewMemoryStore(schema), nil
	case config.BackendFrappe:
		store, err := docstore.NewFrappeStore(docstore.FrappeStoreConfig{
			URL:       cfg.Frappe.URL,
			APIKey:    cfg.Frappe.APIKey,
			APISecret: cfg.Frappe.APISecret,
			Timeout:   cfg.Frappe.Timeout,
		})
		if err != nil {
			return nil, exitError(exitValidation, "%v", err)
		}
		return store, nil
	case config.BackendSQLite, "":
		dsn := strings.TrimSpace(cfg.SQLite.Path)
		if dsn == "" {
			defaultPath, err := docstore.DefaultSQLitePath()
			if err != nil {
				return nil, exitError(exitRuntime, "resolving default sqlite path: %v", err)
			}
			dsn = defaultPath
		}
		if !strings.HasPrefix(strings.ToLower(dsn), "file:") && dsn != ":memory:" {
			dsn = filepath.Clean(dsn)
		}
		store, err := docstore.NewSQLiteStore(docstore.SQLiteStoreConfig{DSN: dsn, Schema: schema})
		if err != nil {
			return nil, exitError(exitRuntime, "opening sqlite store: %v", err)
		}
		return store, nil
	default:
		return nil, exitError(exitValidation, "unknown store backend %q", cfg.Backend)
	}
}

// buildRegistry opens the store and registers the built-in tools on it. The
// caller closes the returned store.
func buildRegistry(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) (*tool.Registry, docstore.Store, error) {
	schema, err := loadSchema(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cfg.Store, schema)
	if err != nil {
		return nil, nil, err
	}
	registry, err := tool.NewBuiltinRegistry(tool.Deps{
		Store:   store,
		Site:    cfg.Site.Name,
		Version: cmd.Root().Version,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, exitError(exitRuntime, "building tool registry: %v", err)
	}
	registry.SetLogger(logger)
	return registry, store, nil
}

// resolveUser returns the user named by --as, or the configured default user.
func resolveUser(cmd *cobra.Command, cfg config.Config) session.User {
	name, _ := cmd.Flags().GetString("as")
	name = strings.TrimSpace(name)
	if name == "" {
		return cfg.DefaultSessionUser()
	}
	lookup := cfg
	lookup.Auth.DefaultUser = name
	return lookup.DefaultSessionUser()
}
