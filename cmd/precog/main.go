package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	buildinfo "runtime/debug"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/precog-cx/connector-harness/internal/browseropen"
	"github.com/precog-cx/connector-harness/internal/credentials"
	"github.com/precog-cx/connector-harness/internal/engerr"
	"github.com/precog-cx/connector-harness/internal/executor"
	"github.com/precog-cx/connector-harness/internal/httpclient"
	"github.com/precog-cx/connector-harness/internal/manifest"
	"github.com/precog-cx/connector-harness/internal/oauth2coordinator"
	"github.com/precog-cx/connector-harness/internal/resolver"
	"github.com/precog-cx/connector-harness/internal/tokenstore"
	"github.com/precog-cx/connector-harness/internal/transformer"
)

var (
	debug        bool
	redirectPort int
	redirectURI  string
	forceReauth  bool
	showVersion  bool

	rootCmd = &cobra.Command{
		Use:   "precog <manifest-file> <output-dir>",
		Short: "Run a declarative API-extraction manifest end to end",
		Long: `precog loads a manifest describing a set of HTTP requests, their
dependencies, and the datasets they compose, then drives the full
request graph — handling interactive OAuth2 authorization, retries,
pagination, and dataset aggregation — and writes the resulting
datasets to the given output directory.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			if len(args) != 2 {
				return errMissingArgs
			}
			return nil
		},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Println(buildVersion())
				return nil
			}
			return run(args[0], args[1])
		},
	}
)

var errMissingArgs = errors.New("usage: precog <manifest-file> <output-dir>")

func init() {
	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env.local: %v\n", err)
	}

	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable verbose request/response logging")
	rootCmd.Flags().IntVar(&redirectPort, "redirect-port", oauth2coordinator.DefaultPort, "local port for the OAuth2 callback listener")
	rootCmd.Flags().StringVar(&redirectURI, "redirect-uri", "", "override the OAuth2 redirect URI instead of deriving it from --redirect-port")
	rootCmd.Flags().BoolVar(&forceReauth, "force-reauth", false, "discard any persisted auth state before running")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print the build version and exit")

	_ = viper.BindPFlag("debug", rootCmd.Flags().Lookup("debug"))
	_ = viper.BindPFlag("redirect-port", rootCmd.Flags().Lookup("redirect-port"))
	_ = viper.BindPFlag("redirect-uri", rootCmd.Flags().Lookup("redirect-uri"))
	_ = viper.BindPFlag("force-reauth", rootCmd.Flags().Lookup("force-reauth"))
	viper.AutomaticEnv()
}

// buildVersion reports the module version embedded at build time by
// the Go toolchain, falling back to "dev" outside a versioned build
// (a `go run`/`go build` without module version info attached).
func buildVersion() string {
	info, ok := buildinfo.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "precog dev"
	}
	return "precog " + info.Main.Version
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func run(manifestPath, outputDir string) error {
	log := newLogger()

	m, err := manifest.Load(manifestPath)
	if err != nil {
		return err
	}

	creds, err := credentials.Load(m.ConfigSchema)
	if err != nil {
		if credErr, ok := err.(*engerr.CredentialError); ok {
			fmt.Fprintln(os.Stderr, "missing required credentials; set the following environment variables:")
			for _, f := range credErr.Fields {
				fmt.Fprintf(os.Stderr, "  - %s\n", f)
			}
			os.Exit(1)
		}
		return err
	}

	store := tokenstore.New("", m.ID)
	pipeline := transformer.New(m, log)
	client := httpclient.New(pipeline, log)
	res := resolver.New(store)

	opener := browseropen.System{}
	coordinator := oauth2coordinator.New(redirectPort, redirectURI, opener, log)

	exec := executor.New(m, store, client, res, coordinator, creds, outputDir, forceReauth, log)

	summary, err := exec.Run(context.Background())
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		os.Exit(1)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errMissingArgs) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
