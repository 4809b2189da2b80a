package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"regexp"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/WFrankish/Context-The-Game/netsync"
	"github.com/WFrankish/Context-The-Game/netsync/chat"
	"github.com/WFrankish/Context-The-Game/netsync/counter"
)

const SynctlVersion = "0.0.1"

const CounterChannelId = "counter"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Channel sync control.

Usage:
    synctl serve [--addr=<addr>] [--path=<path>]
        [--broadcast_interval=<ms>]
        [--v=<level>]
    synctl chat --name=<name> [--url=<url>]
        [--flush_interval=<ms>]
        [--v=<level>]
    synctl count [--url=<url>] [--increments=<n>]
        [--flush_interval=<ms>]
        [--v=<level>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --addr=<addr>                Listen address [default: :8000].
    --path=<path>                Websocket path [default: /websocket].
    --url=<url>                  Server websocket url [default: ws://localhost:8000/websocket].
    --name=<name>                Your chat name.
    --increments=<n>             Number of +1 updates to send [default: 1].
    --broadcast_interval=<ms>    Server broadcast interval in milliseconds [default: 50].
    --flush_interval=<ms>        Client flush interval in milliseconds [default: 1000].
    --v=<level>                  Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SynctlVersion)
	if err != nil {
		panic(err)
	}

	setLogLevel(opts)

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if chat_, _ := opts.Bool("chat"); chat_ {
		chatClient(opts)
	} else if count_, _ := opts.Bool("count"); count_ {
		count(opts)
	}
}

func setLogLevel(opts docopt.Opts) {
	level, _ := opts.String("--v")
	flag.Set("logtostderr", "true")
	flag.Set("v", level)
}

func signalCtx() context.Context {
	event := netsync.NewEvent()
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	return event.Ctx()
}

func millisOpt(opts docopt.Opts, name string) time.Duration {
	millis, err := opts.Int(name)
	if err != nil || millis <= 0 {
		Err.Fatalf("%s must be a positive number of milliseconds", name)
	}
	return time.Duration(millis) * time.Millisecond
}

func serve(opts docopt.Opts) {
	addr, _ := opts.String("--addr")
	path, _ := opts.String("--path")

	ctx := signalCtx()

	settings := netsync.DefaultRegistrySettings()
	settings.BroadcastInterval = millisOpt(opts, "--broadcast_interval")
	registry := netsync.NewRegistry(ctx, settings)
	defer registry.Close()

	netsync.RequireCreateChannel[*chat.Log](registry, chat.ChannelId, chat.NewServerHandler())
	netsync.RequireCreateChannel[*counter.Count](registry, CounterChannelId, counter.NewHandler())

	mux := http.NewServeMux()
	mux.Handle(path, registry)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
				return
			case <-ticker.C:
				Out.Printf("%d connections", registry.ConnectionCount())
				printMetrics(registry.Metrics())
			}
		}
	}()

	Out.Printf("Server running on %s%s", addr, path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		Err.Fatal(err)
	}
}

func dial(ctx context.Context, opts docopt.Opts) *netsync.Manager {
	url, _ := opts.String("--url")

	settings := netsync.DefaultManagerSettings()
	settings.FlushInterval = millisOpt(opts, "--flush_interval")
	manager, err := netsync.DialManager(ctx, url, settings)
	if err != nil {
		Err.Fatalf("connect %s: %s", url, err)
	}
	Out.Printf("Connected.")
	return manager
}

func chatClient(opts docopt.Opts) {
	name, _ := opts.String("--name")

	ctx := signalCtx()
	manager := dial(ctx, opts)
	defer manager.Close()

	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	lastLine := ""
	handler := chat.NewHandler(func(messages []string) {
		if interactive {
			// redraw the whole log, like a view box scrolled to the bottom
			fmt.Print("\033[H\033[2J")
			fmt.Println(strings.Join(messages, "\n"))
			fmt.Print("> ")
			return
		}
		if 0 < len(messages) && messages[len(messages)-1] != lastLine {
			lastLine = messages[len(messages)-1]
			Out.Println(lastLine)
		}
	})

	channel, err := netsync.Subscribe[*chat.Log](ctx, manager, chat.ChannelId, handler)
	if err != nil {
		Err.Fatalf("subscribe %s: %s", chat.ChannelId, err)
	}
	channel.RequireUpdate(chat.Message(name + " has connected."))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			manager.Flush()
			return
		case <-manager.Done():
			Err.Printf("disconnected: %s", manager.Err())
			return
		case line, ok := <-lines:
			if !ok {
				manager.Flush()
				return
			}
			switch line {
			case "":
			case "/stats":
				printMetrics(manager.Metrics())
			default:
				if err := channel.Update(chat.Message(name + ": " + line)); err != nil {
					Err.Printf("send: %s", err)
				}
			}
		}
	}
}

func count(opts docopt.Opts) {
	increments, err := opts.Int("--increments")
	if err != nil || increments < 0 {
		Err.Fatalf("--increments must be a non-negative number")
	}

	ctx := signalCtx()
	manager := dial(ctx, opts)
	defer manager.Close()

	channel, err := netsync.Subscribe[*counter.Count](ctx, manager, CounterChannelId, counter.NewHandler())
	if err != nil {
		Err.Fatalf("subscribe %s: %s", CounterChannelId, err)
	}
	for i := 0; i < increments; i += 1 {
		channel.RequireUpdate(counter.Increment())
	}
	Out.Printf("predicted: %d", channel.RequireState().Value)

	if err := manager.Flush(); err != nil {
		Err.Fatalf("flush: %s", err)
	}
	// wait for the round trip to acknowledge every local update
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(10 * time.Second)
	for 0 < channel.Stats().NumPendingUpdates {
		select {
		case <-ctx.Done():
			return
		case <-manager.Done():
			Err.Fatalf("disconnected: %s", manager.Err())
		case <-timeout:
			Err.Fatalf("timeout waiting for acknowledgement")
		case <-ticker.C:
		}
	}
	channel.View(func(state *counter.Count, committedState *counter.Count, version int64) {
		Out.Printf("committed: %d (v%d)", committedState.Value, version)
	})
}

func printMetrics(metrics *netsync.Metrics) {
	for _, summary := range metrics.Summary(regexp.MustCompile(".*")) {
		Out.Printf("%-20s %12.0f %10.1f/s", summary.Name, summary.Value, summary.ChangePerSecond)
	}
}
