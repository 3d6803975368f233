// pupquery runs a PQL query against PuppetDB and prints the result as JSON.
//
// Usage:
//
//	pupquery 'nodes[certname] { facts { name = "osfamily" and value = "RedHat" } }'
//	pupquery -h puppetdb.example.com -l 10 -s certname 'nodes'
//	pupquery -A 'nodes { expired is not null }'
//
// PuppetDB is contacted directly on port 8080 when reachable. Otherwise an SSH
// tunnel to the same host is opened and PuppetDB is reached through it.
//
// Unless -A is given, deactivated and expired nodes are filtered out.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/simplepup/pupquery/internal/config"
	"github.com/simplepup/pupquery/internal/logging"
	"github.com/simplepup/pupquery/internal/puppetdb"
	"github.com/simplepup/pupquery/internal/version"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

// runConfig holds parsed command-line options.
type runConfig struct {
	Query      string
	Host       string
	Limit      int
	Sort       string
	All        bool
	Verbose    bool
	Debug      bool
	ConfigPath string
}

// querier is the part of *puppetdb.Connection the command uses.
type querier interface {
	Query(ctx context.Context, req puppetdb.QueryRequest) (any, error)
	Close() error
}

// opener opens a connection to PuppetDB on host.
type opener func(ctx context.Context, host string, opts puppetdb.Options) (querier, error)

func openPuppetDB(ctx context.Context, host string, opts puppetdb.Options) (querier, error) {
	conn, err := puppetdb.Open(ctx, host, opts)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// runError marks failures that happened after argument parsing.
type runError struct {
	err error
}

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

func main() {
	rootCmd := newRootCmd(openPuppetDB)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorMessage(err))
		os.Exit(exitCode(err))
	}
}

func newRootCmd(open opener) *cobra.Command {
	cfg := runConfig{}

	cmd := &cobra.Command{
		Use:   "pupquery [flags] QUERY",
		Short: "Query PuppetDB with PQL",
		Long: `pupquery sends a PQL query to PuppetDB and prints the result as JSON.

PuppetDB is contacted directly when reachable, otherwise through an SSH
tunnel to the same host. Deactivated and expired nodes are excluded
unless --all is given.`,
		Version:       version.String(),
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Query = args[0]

			logger := logging.Setup(logging.Level(cfg.Verbose, cfg.Debug))
			defer func() { _ = logger.Sync() }()

			if err := run(cmd.Context(), cfg, logger, open, cmd.OutOrStdout()); err != nil {
				return &runError{err: err}
			}
			return nil
		},
	}
	cmd.SetVersionTemplate("pupquery {{.Version}}\n")

	flags := cmd.Flags()
	flags.StringVarP(&cfg.Host, "host", "h", "localhost", "PuppetDB host to query")
	flags.IntVarP(&cfg.Limit, "limit", "l", 0, "Maximum number of results to return")
	flags.StringVarP(&cfg.Sort, "sort", "s", "", "Attribute to sort by (prefix with - for descending)")
	flags.BoolVarP(&cfg.All, "all", "A", false, "Include expired and deactivated nodes")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Log informational messages")
	flags.BoolVarP(&cfg.Debug, "debug", "d", false, "Log debugging messages")
	flags.StringVar(&cfg.ConfigPath, "config", "", "Config file (default $"+config.EnvConfigPath+" or ~/.config/pupquery/config.yaml)")

	return cmd
}

// run contains the query logic, separated from the command for testability.
func run(ctx context.Context, cfg runConfig, logger *zap.Logger, open opener, stdout io.Writer) error {
	path, required := config.Resolve(cfg.ConfigPath)
	fileCfg, err := config.Load(path, required)
	if err != nil {
		return err
	}

	filter := puppetdb.NewQueryFilter()
	if !cfg.All {
		filter.Add(puppetdb.DefaultNodeFilter)
	}
	query := filter.Apply(cfg.Query)

	logger.Debug("composed query",
		zap.String("input", cfg.Query),
		zap.String("query", query),
		zap.Strings("filters", filter.Clauses()))

	conn, err := open(ctx, cfg.Host, fileCfg.ConnectionOptions(logger, logging.Subsystem(logger, "ssh")))
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn("failed to close PuppetDB connection", zap.Error(err))
		}
	}()

	results, err := conn.Query(ctx, puppetdb.QueryRequest{
		Query:   query,
		Limit:   cfg.Limit,
		OrderBy: cfg.Sort,
	})
	if err != nil {
		return err
	}

	return writeJSON(stdout, results)
}

// writeJSON prints v indented by two spaces. Map keys come out sorted and
// non-ASCII characters are written as \uXXXX escapes.
func writeJSON(w io.Writer, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	if _, err := w.Write(escapeNonASCII(buf.Bytes())); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}

// escapeNonASCII rewrites every non-ASCII rune in encoded JSON as a \u
// escape, using surrogate pairs outside the basic multilingual plane.
// Encoded JSON only carries such runes inside strings.
func escapeNonASCII(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for len(data) > 0 {
		if data[0] < utf8.RuneSelf {
			out = append(out, data[0])
			data = data[1:]
			continue
		}
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
			out = fmt.Appendf(out, "\\u%04x\\u%04x", r1, r2)
		} else {
			out = fmt.Appendf(out, "\\u%04x", r)
		}
	}
	return out
}

// errorMessage renders err as the single line printed before exiting.
func errorMessage(err error) string {
	var re *runError
	if !errors.As(err, &re) {
		return "Error: " + err.Error()
	}
	switch puppetdb.KindOf(err) {
	case puppetdb.KindResolve:
		return "PuppetDB connection (Socket): " + re.Error()
	case puppetdb.KindTunnel:
		return "PuppetDB connection (SSH): " + re.Error()
	default:
		return re.Error()
	}
}

func exitCode(err error) int {
	var re *runError
	if errors.As(err, &re) {
		return exitFailure
	}
	return exitUsage
}
