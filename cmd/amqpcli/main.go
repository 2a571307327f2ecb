// Command amqpcli talks AMQP 0-9-1 to a broker from the shell: it declares
// topology, publishes stdin line by line, and consumes or fetches messages
// to stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cenkalti/backoff/v4"

	"github.com/grasevski/amqpcli"
	"github.com/grasevski/amqpcli/config"
)

// dialRetries is how many times a failed dial is retried before giving up.
const dialRetries = 3

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	global := flag.NewFlagSet("amqpcli", flag.ContinueOnError)
	addr := global.String("addr", "", "broker address as an amqp:// URI")
	configPath := global.String("config", "", "path to a YAML config file")
	quiet := global.Bool("quiet", false, "suppress client logging")
	global.Usage = func() {
		fmt.Fprintf(global.Output(), `Usage: amqpcli [global flags] COMMAND [command flags]

Commands:
  consume QUEUE   subscribe and print message bodies, one per line
  publish         read lines from stdin and publish each as a message
  get QUEUE       fetch and print up to -count messages
  declare         declare an exchange, a queue, or a binding

Global flags:
`)
		global.PrintDefaults()
	}

	if err := global.Parse(args); err != nil {
		return 2
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return 2
	}

	cfg, err := resolveConfig(*addr, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command, commandArgs := rest[0], rest[1:]
	switch command {
	case "consume":
		err = cmdConsume(ctx, cfg, *quiet, commandArgs)
	case "publish":
		err = cmdPublish(ctx, cfg, *quiet, commandArgs)
	case "get":
		err = cmdGet(ctx, cfg, *quiet, commandArgs)
	case "declare":
		err = cmdDeclare(ctx, cfg, *quiet, commandArgs)
	default:
		fmt.Fprintf(os.Stderr, "amqpcli: unknown command %q\n", command)
		global.Usage()
		return 2
	}
	if err != nil {
		if ctx.Err() != nil && err == ctx.Err() {
			return 130
		}
		fmt.Fprintf(os.Stderr, "amqpcli %s: %v\n", command, err)
		return 1
	}
	return 0
}

// resolveConfig layers the configuration sources: built-in defaults, then
// the config file, then the -addr flag.
func resolveConfig(addr, path string) (config.Config, error) {
	var cfg config.Config

	if path != "" {
		fileCfg, err := config.LoadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = fileCfg
	}

	if addr != "" {
		flagCfg, err := config.ParseURI(addr)
		if err != nil {
			return cfg, err
		}
		cfg = cfg.Merge(flagCfg)
	}

	return cfg, nil
}

// dial connects with exponential-backoff retries, giving up when the
// context is cancelled.
func dial(ctx context.Context, cfg config.Config, quiet bool) (*amqpcli.Connection, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []amqpcli.Option
	if quiet {
		opts = append(opts, amqpcli.WithLoggingConfig(config.LoggingConfig{DisableLogging: true}))
	}

	var conn *amqpcli.Connection
	err := backoff.Retry(func() error {
		var err error
		conn, err = amqpcli.DialConfig(cfg, opts...)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dialRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Addr(), err)
	}
	return conn, nil
}

// stdinIsTerminal reports whether stdin is attached to an interactive
// terminal rather than a pipe or a file.
func stdinIsTerminal() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
