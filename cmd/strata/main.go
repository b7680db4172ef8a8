package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sancovp/gnosys-strata/catalog"
	"github.com/sancovp/gnosys-strata/config"
	"github.com/sancovp/gnosys-strata/manager"
	"github.com/sancovp/gnosys-strata/router"
)

const version = "0.3.0"

var (
	configPath   string
	catalogPath  string
	listenAddr   string
	logLevel     string
	idleTimeout  time.Duration
	maxConnected int
	searchLimit  int
)

var rootCmd = &cobra.Command{
	Use:          "strata",
	Short:        "Just-in-time broker for MCP tool servers",
	Long:         "strata fronts any number of MCP tool servers behind one stable interface,\nstarting each server on demand and keeping a persistent, searchable catalog\nof every tool it has ever seen.",
	Version:      version,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker (stdio by default, HTTP with --listen)",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, store, err := buildRouter(true)
		if err != nil {
			return err
		}
		defer func() {
			_ = r.Close()
			_ = store.Close()
		}()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if listenAddr == "" {
			return router.ServeStdio(ctx, r)
		}

		mux := http.NewServeMux()
		mux.Handle("/", router.ServeHTTP(r))
		mux.Handle("/sse", router.ServeSSE(r))
		srv := &http.Server{Addr: listenAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
		fmt.Fprintf(os.Stderr, "listening on %s\n", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

var populateCmd = &cobra.Command{
	Use:   "populate",
	Short: "Connect every enabled server once to fill the catalog, then disconnect",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, store, err := buildRouter(false)
		if err != nil {
			return err
		}
		defer func() {
			_ = r.Close()
			_ = store.Close()
		}()

		if err := r.Populate(cmd.Context()); err != nil {
			return err
		}
		for _, status := range r.List() {
			fmt.Printf("%s\tcataloged\n", status.Name)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the catalog without connecting anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, store, err := buildRouter(false)
		if err != nil {
			return err
		}
		defer func() {
			_ = r.Close()
			_ = store.Close()
		}()

		hits, err := r.SearchCatalog(args[0], searchLimit)
		if err != nil {
			return err
		}
		for _, hit := range hits {
			switch hit.Type {
			case "set":
				fmt.Printf("set\t%s\t%s\n", hit.Set, hit.Description)
			default:
				fmt.Printf("tool\t%s/%s\t%s\n", hit.Server, hit.Action, hit.Description)
			}
		}
		return nil
	},
}

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List configured servers and their cached catalog state",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, store, err := buildRouter(false)
		if err != nil {
			return err
		}
		defer func() {
			_ = r.Close()
			_ = store.Close()
		}()

		type row struct {
			Name      string `json:"name"`
			State     string `json:"state"`
			Tools     int    `json:"tools"`
			Refreshed string `json:"refreshed,omitempty"`
		}
		rows := make([]row, 0)
		for _, status := range r.List() {
			entry := row{Name: status.Name, State: status.StateName}
			if cached, found, err := store.Get(status.Name); err == nil && found {
				entry.Tools = len(cached.Tools)
				entry.Refreshed = cached.RefreshedAt.Format(time.RFC3339)
			}
			rows = append(rows, entry)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	},
}

func buildRouter(connectOnDemand bool) (*router.Router, *catalog.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := catalog.Open(catalogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open catalog: %w", err)
	}

	r := router.New(router.Options{
		Config: cfg,
		Store:  store,
		Manager: manager.Options{
			IdleTimeout:     idleTimeout,
			MaxConnected:    maxConnected,
			ConnectOnDemand: connectOnDemand,
		},
		ServerInfo: router.ServerInfo{Name: "strata", Version: version},
		Logger:     newLogger(),
	})
	return r, store, nil
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	// Logs go to stderr; stdout belongs to the stdio binding.
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "servers.json"
	}
	return filepath.Join(dir, "strata", "servers.json")
}

func defaultCatalogPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "catalog.db"
	}
	return filepath.Join(dir, "strata", "catalog.db")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "server config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&catalogPath, "catalog", defaultCatalogPath(), "catalog database file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address; empty serves stdio")
	serveCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "disconnect servers idle for this long (0 disables)")
	serveCmd.Flags().IntVar(&maxConnected, "max-connected", 0, "cap on concurrently connected servers (0 is unbounded)")

	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "maximum results")

	rootCmd.AddCommand(serveCmd, populateCmd, searchCmd, serversCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
