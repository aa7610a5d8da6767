package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/HighEncryption/Blueshift/internal/config"
	"github.com/HighEncryption/Blueshift/internal/sync"
	"github.com/HighEncryption/Blueshift/internal/tokenstore"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// httpClientTimeout bounds each HTTP request so a hung connection cannot
// stall a sync run indefinitely. Ranged downloads issue one request per
// fragment, so large files are not affected by the per-request timeout.
const httpClientTimeout = 5 * time.Minute

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "blueshift",
		Short:   "One-way cloud drive mirror",
		Long:    "Blueshift mirrors a OneDrive account into a local directory tree, one way, with durable resumable state.",
		Version: version,
		// Silence Cobra's default error/usage printing; errors are reported
		// once by main.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newRefreshTokensCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// newManager loads configuration and assembles the sync manager with its
// token store.
func newManager() (*sync.Manager, *config.Config, *slog.Logger, error) {
	path := flagConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.EnsureStateDirs(); err != nil {
		return nil, nil, nil, err
	}

	logger := buildLogger()

	protector, err := tokenstore.NewAESProtector(cfg.KeyPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing token protection: %w", err)
	}

	tokens := tokenstore.NewFileStore(protector, logger)

	manager := sync.NewManager(cfg, tokens, logger)
	manager.SetHTTPClient(&http.Client{Timeout: httpClientTimeout})

	return manager, cfg, logger, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
