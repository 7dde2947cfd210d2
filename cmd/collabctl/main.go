package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/collabdocs/collabdocs/internal/client"
	"github.com/collabdocs/collabdocs/internal/domain/text"
)

const CollabCtlVersion = "0.1.0"

const usage = `Collaborative document control.

The server url defaults to $COLLAB_SERVER, then http://localhost:8080.

Usage:
    collabctl list [--server=<url>]
    collabctl show [--server=<url>] <doc>
    collabctl watch [--server=<url>] <doc>
    collabctl append [--server=<url>] [--timeout=<duration>] <doc> <text>
    collabctl edit [--server=<url>] [--timeout=<duration>] <doc>

Options:
    -h --help               Show this screen.
    --version               Show version.
    --server=<url>          Document server base url.
    --timeout=<duration>    How long to wait for edits to be confirmed [default: 30s].`

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if list_, _ := opts.Bool("list"); list_ {
		err = list(ctx, opts)
	} else if show_, _ := opts.Bool("show"); show_ {
		err = show(ctx, opts, logger)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(ctx, opts, logger)
	} else if append_, _ := opts.Bool("append"); append_ {
		err = appendText(ctx, opts, logger)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		err = edit(ctx, opts, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("collabctl failed")
		stop()
		os.Exit(1)
	}
}

func serverURL(opts docopt.Opts) string {
	if u, _ := opts.String("--server"); u != "" {
		return u
	}
	if u := os.Getenv("COLLAB_SERVER"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func timeout(opts docopt.Opts) time.Duration {
	raw, _ := opts.String("--timeout")
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

func list(ctx context.Context, opts docopt.Opts) error {
	docs, err := client.NewHTTPTransport(serverURL(opts), nil).ListDocs(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tUSERS\tWAITING")
	for _, d := range docs {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", d.ID, d.Version, d.Users, d.Waiting)
	}
	return w.Flush()
}

// connect starts a synced connection and waits until the document is loaded.
func connect(ctx context.Context, opts docopt.Opts, logger zerolog.Logger, onChange func(client.State)) (*client.Connection, error) {
	docID, _ := opts.String("<doc>")
	conn := client.NewConnection(docID, client.NewHTTPTransport(serverURL(opts), nil), text.Model{}, client.Options{
		Logger:   logger,
		OnChange: onChange,
		OnNotice: func(n client.Notice) {
			switch n.Kind {
			case client.NoticeError:
				logger.Error().Msg(n.Message)
			default:
				logger.Warn().Msg(n.Message)
			}
		},
	})
	conn.Start()
	loadCtx, cancel := context.WithTimeout(ctx, timeout(opts))
	defer cancel()
	if _, err := conn.WaitUntil(loadCtx, func(s client.State) bool { return s.Edit != nil }); err != nil {
		conn.Close()
		return nil, fmt.Errorf("load %s: %w", docID, err)
	}
	return conn, nil
}

func docText(s client.State) string {
	if s.Edit == nil {
		return ""
	}
	return s.Edit.Doc().(text.Doc).Text
}

func show(ctx context.Context, opts docopt.Opts, logger zerolog.Logger) error {
	conn, err := connect(ctx, opts, logger, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	s := conn.State()
	logger.Info().Int("version", s.Edit.Version()).Int("users", s.Users).Msg("loaded")
	fmt.Println(docText(s))
	return nil
}

func watch(ctx context.Context, opts docopt.Opts, logger zerolog.Logger) error {
	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	changes := make(chan client.State, 1)
	conn, err := connect(ctx, opts, logger, func(s client.State) {
		select {
		case <-changes:
		default:
		}
		changes <- s
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	lastVersion := -1
	render := func(s client.State) {
		if s.Edit == nil || s.Edit.Version() == lastVersion {
			return
		}
		lastVersion = s.Edit.Version()
		if interactive {
			fmt.Print("\033[H\033[2J")
			fmt.Printf("-- %s  version %d  users %d --\n", conn.State().Mode, lastVersion, s.Users)
		}
		fmt.Println(docText(s))
	}
	render(conn.State())
	for {
		select {
		case s := <-changes:
			render(s)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// push applies an insert at the end of the document and waits for the
// server to confirm it. A connection that is reloading the document is
// waited for first.
func push(ctx context.Context, conn *client.Connection, insert string, wait time.Duration) (client.State, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	s, err := conn.WaitUntil(waitCtx, func(s client.State) bool {
		return s.Mode == client.ModeDetached || s.Edit != nil
	})
	if err != nil {
		return s, fmt.Errorf("waiting for document: %w", err)
	}
	if s.Mode == client.ModeDetached {
		return s, errDetached
	}
	conn.Edit(text.Insert{Pos: s.Edit.Doc().Size(), Text: insert})

	s, err = conn.WaitUntil(waitCtx, func(s client.State) bool {
		return s.Mode == client.ModeDetached || (s.Edit != nil && len(s.Edit.Unconfirmed()) == 0)
	})
	if err != nil {
		return s, fmt.Errorf("waiting for confirmation: %w", err)
	}
	if s.Mode == client.ModeDetached {
		return s, errDetached
	}
	return s, nil
}

var errDetached = errors.New("connection detached; edits were not saved")

func docVersion(s client.State) int {
	if s.Edit == nil {
		return -1
	}
	return s.Edit.Version()
}

func appendText(ctx context.Context, opts docopt.Opts, logger zerolog.Logger) error {
	conn, err := connect(ctx, opts, logger, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	insert, _ := opts.String("<text>")
	s, err := push(ctx, conn, insert, timeout(opts))
	if err != nil {
		return err
	}
	logger.Info().Int("version", docVersion(s)).Msg("appended")
	return nil
}

// edit appends every line read from stdin until EOF.
func edit(ctx context.Context, opts docopt.Opts, logger zerolog.Logger) error {
	conn, err := connect(ctx, opts, logger, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Fprintf(os.Stderr, "editing %s at version %d; each line is appended, Ctrl-D to finish\n",
			mustString(opts, "<doc>"), docVersion(conn.State()))
	}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			fmt.Fprint(os.Stderr, "> ")
		}
		if !scanner.Scan() {
			break
		}
		if _, err := push(ctx, conn, scanner.Text()+"\n", timeout(opts)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	logger.Info().Int("version", docVersion(conn.State())).Msg("done")
	return nil
}

func mustString(opts docopt.Opts, key string) string {
	s, _ := opts.String(key)
	return s
}
