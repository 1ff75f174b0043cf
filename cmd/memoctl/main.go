// Command memoctl operates on the memo catalog without the daemon: it records
// from WAV files, runs transcriptions, searches, exports and decrypts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/loqalabs/loqa-memo/internal/config"
	"github.com/loqalabs/loqa-memo/internal/runtime"
)

var version = "0.1.0-dev"

const usage = `usage: memoctl [-config file] [-env-file file] [-json] <command> [flags]

commands:
  validate      check the configuration, keystore and engines
  record        record a WAV file into the catalog
  transcribe    transcribe one recording, or every pending job
  list          list recordings, newest first
  search        full-text search over transcripts and summaries
  show          print one recording as markdown or json
  export        write a json document or a markdown zip
  decrypt       decrypt an export or a recording
  import-model  install a speech model
  version       print the version`

// errUsage marks command line mistakes; they exit with status 2.
var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("memoctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprintln(stderr, usage) }
	configPath := global.String("config", "memo.yaml", "Path to configuration file")
	envFile := global.String("env-file", ".env", "Optional dotenv file")
	asJSON := global.Bool("json", false, "Print JSON even on a terminal")
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	name, rest := global.Arg(0), global.Args()[1:]
	if name == "version" {
		fmt.Fprintln(stdout, version)
		return 0
	}

	if err := loadEnv(*envFile); err != nil {
		fmt.Fprintf(stderr, "load %s: %v\n", *envFile, err)
		return 1
	}
	explicit := false
	global.Visit(func(f *flag.Flag) { explicit = explicit || f.Name == "config" })
	cfg, err := loadConfig(*configPath, explicit)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	a := &app{
		cfg: cfg,
		log: quietLogger(cfg, stderr),
		out: newPrinter(stdout, *asJSON || !isTerminal(stdout)),
	}
	defer a.close()

	cmd, ok := a.commands()[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s\n", name, usage)
		return 2
	}
	if err := cmd(ctx, rest); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			return 2
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// loadConfig falls back to defaults plus environment when the default
// config file is absent.
func loadConfig(path string, explicit bool) (config.Config, error) {
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// quietLogger logs to stderr and hides info chatter unless debug logging is
// configured.
func quietLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level := runtime.ParseLevel(cfg.Telemetry.LogLevel)
	if level > slog.LevelDebug && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
