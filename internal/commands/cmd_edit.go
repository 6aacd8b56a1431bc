package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"blocksync/internal/channel"
	"blocksync/internal/editor"
	"blocksync/internal/logging"
	"blocksync/internal/surface"
)

type EditCmd struct {
	flags *Flags

	// flags
	url     string
	origin  string
	trusted []string
}

// NewEditCmd creates a new edit command
func NewEditCmd(flags *Flags) *EditCmd {
	return &EditCmd{flags: flags}
}

// Register adds the edit command to the application
func (cmd *EditCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "edit",
		Usage:     "Attach a headless editor to a host",
		UsageText: "blocksync edit --url ws://localhost:8787/ws/documents/<id> [--origin URL] [--trusted URL]...",
		Description: `Runs an editor session against a host document and reads commands from stdin.

Commands:
  :load <file>   replace the workspace with the script in file
  :show          print the workspace
  :save          save now
  :compile       ask the host to compile the document
  :mine          show your side of a merge
  :theirs        show the host's side of a merge
  :base          show the common base of a merge
  :finish        accept the shown content and save it
  :status        print the session state
  :quit          save and leave`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "url",
				Usage:       "websocket URL of the host document",
				Required:    true,
				Destination: &cmd.url,
			},
			&cli.StringFlag{
				Name:        "origin",
				Usage:       "origin announced to the host",
				Value:       "http://localhost:4242",
				Destination: &cmd.origin,
			},
			&cli.StringSliceFlag{
				Name:        "trusted",
				Usage:       "host origins to trust (defaults to the URL's origin plus BLOCKSYNC_TRUSTED_HOSTS)",
				Destination: &cmd.trusted,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *EditCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	logger := logging.Component("editor")

	conn, err := channel.Dial(ctx, cmd.url, http.Header{"Origin": {cmd.origin}}, channel.DefaultSettings(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	trusted := cmd.trusted
	if len(trusted) == 0 {
		trusted = append([]string{conn.Origin()}, cfg.TrustedHosts...)
	}

	ws := surface.NewWorkspace()
	con := &console{out: c.Root().Writer, ws: ws}
	session := editor.New(ws, con, editor.Options{
		TrustedOrigins:   trusted,
		AutosaveInterval: cfg.AutosaveInterval,
		View:             con,
		Logger:           &logger,
	})
	ws.OnChange(session.NotifyChange)
	con.session = session

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := session.Run(runCtx); err != nil {
			log.Error().Err(err).Msg("session failed")
		}
	}()
	hostGone := make(chan struct{})
	go func() {
		defer close(hostGone)
		if err := conn.Serve(runCtx, session.Deliver); err != nil {
			log.Debug().Err(err).Msg("host connection closed")
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go readLines(c.Root().Reader, lines)

	con.loop(runCtx, sigCtx.Done(), hostGone, lines)

	// a quit leaves its Save and Quit frames queued on the connection
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := conn.Shutdown(shutdownCtx); err != nil {
		log.Debug().Err(err).Msg("close host connection")
	}
	return nil
}

const shutdownTimeout = 5 * time.Second

// loop runs stdin commands until the user quits, stdin ends, the process is
// interrupted or the host goes away.
func (c *console) loop(ctx context.Context, interrupted, hostGone <-chan struct{}, lines <-chan string) {
	for {
		select {
		case <-interrupted:
			c.confirmClose(ctx)
			return
		case <-hostGone:
			c.printf("host disconnected\n")
			return
		case <-c.session.Done():
			return
		case line, ok := <-lines:
			if !ok {
				c.confirmClose(ctx)
				return
			}
			if err := c.exec(ctx, line); err != nil {
				c.printf("error: %v\n", err)
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	if r == nil {
		r = os.Stdin
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

var errUnknownCommand = errors.New("unknown command")

// console prints the session's status log and merge views and runs the
// commands typed on stdin.
type console struct {
	session *editor.Session
	ws      *surface.Workspace

	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.out
	if out == nil {
		out = os.Stdout
	}
	_, _ = fmt.Fprintf(out, format, args...)
}

func (c *console) ReportStatus(msg string, isError bool) {
	if isError {
		c.printf("! %s\n", msg)
		return
	}
	c.printf("%s\n", msg)
}

func (c *console) ShowMerge(n editor.Negotiation) {
	c.printf("merge required: base %s, theirs %s\n", short(n.Base.BaseSnapshot), short(n.Theirs.BaseSnapshot))
	c.printf("  :mine, :theirs or :base to inspect, :finish to accept what is shown\n")
}

// ClearMerge has nothing to take down: prompts stay in the scrollback.
func (c *console) ClearMerge() {}

func (c *console) exec(ctx context.Context, line string) error {
	name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "":
		return nil
	case ":load":
		if arg == "" {
			return errors.New(":load needs a file")
		}
		data, err := os.ReadFile(arg)
		if err != nil {
			return err
		}
		return c.session.Edit(ctx, func() error { return c.ws.Load(string(data)) })
	case ":show":
		text, err := c.session.Script(ctx)
		if err != nil {
			return err
		}
		c.printf("%s\n", text)
		return nil
	case ":save":
		return c.session.Save(ctx)
	case ":compile":
		return c.session.Compile(ctx)
	case ":mine":
		return c.session.ViewMine(ctx)
	case ":theirs":
		return c.session.ViewTheirs(ctx)
	case ":base":
		return c.session.ViewBase(ctx)
	case ":finish":
		if err := c.session.FinishMerge(ctx); err != nil {
			return err
		}
		c.printf("merge finished\n")
		return nil
	case ":status":
		state, err := c.session.State(ctx)
		if err != nil {
			return err
		}
		c.printf("version %s dirty=%t merging=%t host=%s\n", short(state.CurrentVersion), state.Dirty, state.Merging, state.Peer)
		return nil
	case ":quit":
		return c.session.Quit(ctx)
	default:
		return fmt.Errorf("%w %q", errUnknownCommand, name)
	}
}

// confirmClose warns about edits the host has not received.
func (c *console) confirmClose(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, veto, err := c.session.ConfirmClose(ctx)
	if err != nil || !veto {
		return
	}
	c.printf("%s\n", msg)
}

func short(revision string) string {
	if len(revision) > 7 {
		return revision[:7]
	}
	return revision
}
