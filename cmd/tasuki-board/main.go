// tasuki-board is a terminal view of a running board. It mirrors the board
// over the websocket API, redraws on every change, and reads commands from
// stdin:
//
//	add <name>           start a runner warming
//	next                 send the longest-warming runner to the queue
//	move <id> <status>   move a runner (warming, queue, done)
//	rm <id> [pin]        remove a runner
//	clear [status] [pin] remove every runner in status (done by default)
//	quit
//
// Usage:
//
//	go run ./cmd/tasuki-board -addr localhost:8080
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ashita-ai/tasuki/internal/mirror"
	"github.com/ashita-ai/tasuki/internal/model"
)

func main() {
	if err := run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "127.0.0.1:8080", "board server host:port")
	secure := flag.Bool("tls", false, "connect with wss")
	flag.Parse()

	scheme := "ws"
	if *secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: *addr, Path: "/ws"}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var outMu sync.Mutex
	redraw := func(m *mirror.Mirror) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprint(os.Stdout, "\033[H\033[2J")
		render(os.Stdout, m.Board(), time.Now())
		fmt.Fprint(os.Stdout, "> ")
	}
	client := mirror.NewClient(u.String(),
		mirror.WithLogger(logger),
		mirror.WithOnChange(redraw),
		mirror.WithOnError(func(p model.ErrorPayload) {
			outMu.Lock()
			defer outMu.Unlock()
			fmt.Fprintf(os.Stdout, "\nerror: %s\n> ", p.Message)
		}),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-done
			return nil
		case line, ok := <-lines:
			if !ok {
				cancel()
				continue
			}
			err := execute(client, line)
			switch {
			case errors.Is(err, errQuit):
				cancel()
			case err != nil:
				outMu.Lock()
				fmt.Fprintf(os.Stdout, "%v\n> ", err)
				outMu.Unlock()
			}
		}
	}
}

var errQuit = errors.New("quit")

// board is the part of mirror.Client the command loop drives.
type board interface {
	Add(name string) error
	Move(id string, to model.Status) error
	PickNext() (model.Runner, error)
	Remove(id, pin string) error
	RemoveAll(status model.Status, pin string) error
}

func execute(b board, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	args := fields[1:]
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch fields[0] {
	case "add":
		if len(args) == 0 {
			return errors.New("usage: add <name>")
		}
		return b.Add(strings.Join(args, " "))
	case "next":
		_, err := b.PickNext()
		return err
	case "move":
		if len(args) != 2 {
			return errors.New("usage: move <id> <status>")
		}
		return b.Move(args[0], model.Status(args[1]))
	case "rm":
		if len(args) == 0 {
			return errors.New("usage: rm <id> [pin]")
		}
		return b.Remove(args[0], arg(1))
	case "clear":
		status, pin := model.Status(arg(0)), arg(1)
		if len(args) == 1 && !status.Valid() {
			status, pin = "", args[0]
		}
		return b.RemoveAll(status, pin)
	case "quit", "exit", "q":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func render(w io.Writer, cols model.Columns, now time.Time) {
	fmt.Fprintf(w, "board v%d\n\n", cols.Version)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	section := func(title string, rs []model.Runner, since func(model.Runner) int64) {
		fmt.Fprintf(tw, "%s (%d)\t\t\t\n", strings.ToUpper(title), len(rs))
		for _, r := range rs {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t\n", shortID(r.ID), r.Name, ago(now, since(r)))
		}
		fmt.Fprintln(tw, "\t\t\t")
	}
	section("warming", cols.Warming, func(r model.Runner) int64 { return r.StartTS })
	section("queue", cols.Queue, func(r model.Runner) int64 { return deref(r.QueueTS) })
	section("done", cols.Done, func(r model.Runner) int64 { return deref(r.EndTS) })
	_ = tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func ago(now time.Time, ms int64) string {
	if ms == 0 {
		return "-"
	}
	d := now.Sub(time.UnixMilli(ms)).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
