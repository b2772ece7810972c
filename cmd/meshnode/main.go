package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bitchatmesh/internal/config"
	"bitchatmesh/internal/logging"
	"bitchatmesh/internal/mesh"
	"bitchatmesh/internal/metrics"
	"bitchatmesh/internal/network"
	"bitchatmesh/internal/node"
	"bitchatmesh/internal/pprofutil"
	"bitchatmesh/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" || args[0] == "help" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdin, stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshnode <run|id|help> [flags]")
	fmt.Fprintln(w, "  run  [--env .env] [--nick name] [--listen ip:port] [--peer ip:port]... [--log-level lvl]")
	fmt.Fprintln(w, "  id   [--env .env]")
	fmt.Fprintln(w, "settings come from MESH_* environment variables; flags override them")
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func loadConfig(fs *flag.FlagSet, args []string, stderr io.Writer) (config.Config, bool) {
	envFile := fs.String("env", ".env", "dotenv file to seed MESH_* variables from")
	nick := fs.String("nick", "", "nickname (overrides MESH_NICKNAME)")
	listen := fs.String("listen", "", "listen addr (overrides MESH_LISTEN_ADDR)")
	level := fs.String("log-level", "", "log level (overrides MESH_LOG_LEVEL)")
	var peers stringList
	fs.Var(&peers, "peer", "peer addr to keep a link to (repeatable)")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, false
	}
	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return config.Config{}, false
	}
	if *nick != "" {
		cfg.Nickname = *nick
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *level != "" {
		cfg.LogLevel = *level
	}
	cfg.Peers = append(cfg.Peers, peers...)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return config.Config{}, false
	}
	return cfg, true
}

func runID(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("id", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 1
	}
	self, err := node.Load(cfg.Home, cfg.Nickname)
	if err != nil {
		fmt.Fprintf(stderr, "load identity failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "peer_id=%s\n", self.ID)
	fmt.Fprintf(stdout, "fingerprint=%s\n", hex.EncodeToString(self.Fingerprint[:]))
	fmt.Fprintf(stdout, "nickname=%s\n", self.Nickname)
	return 0
}

func runNode(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 1
	}
	logCfg := cfg.Logging()
	logCfg.Output = stderr
	log, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(stderr, "logging: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, log, stdin, stdout); err != nil {
		log.Error().Err(err).Msg("node stopped")
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger, stdin io.Reader, stdout io.Writer) error {
	self, err := node.Load(cfg.Home, cfg.Nickname)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	favs, err := store.OpenFavorites(cfg.FavoritesPath())
	if err != nil {
		return fmt.Errorf("open favorites: %w", err)
	}
	m := metrics.New()
	console := newConsole(stdout)
	console.downloads = filepath.Join(cfg.Home, "downloads")
	opts := cfg.EngineOptions()
	opts.Favorites = favs
	opts.Metrics = m
	opts.Logger = log
	opts.Sinks = console.sinks()
	engine, err := mesh.New(self, opts)
	if err != nil {
		return err
	}
	console.names = engine.Nicknames
	defer engine.Close()

	for _, dopts := range debugListeners(cfg, m) {
		dopts.Logger = log
		srv, err := pprofutil.Start(dopts)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Close(sctx)
		}()
	}

	topts := cfg.TransportOptions()
	topts.Logger = log
	tr := network.New(topts)
	dialer := network.NewDialer(tr, network.DialerOptions{Logger: log})

	handlers := newCommands(engine, console)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	if cfg.Listen != "" {
		g.Go(func() error {
			return tr.Listen(gctx, cfg.Listen, nil, func(l *network.Link) {
				if err := engine.AttachLink(l); err != nil {
					log.Warn().Err(err).Str("remote", l.RemoteAddr()).Msg("inbound link refused")
				}
			})
		})
	}
	for _, addr := range cfg.Peers {
		g.Go(func() error { return dialer.Keep(gctx, addr, engine) })
	}
	g.Go(func() error {
		if repl(gctx, stdin, stdout, handlers) {
			cancel()
		}
		return nil
	})

	fmt.Fprintf(stdout, "READY peer_id=%s nickname=%s listen=%s\n", self.ID, self.Nickname, cfg.Listen)
	err = g.Wait()
	if lerr := engine.Leave(); lerr != nil && !errors.Is(lerr, mesh.ErrEngineClosed) {
		log.Debug().Err(lerr).Msg("leave not sent")
	} else {
		dctx, dcancel := context.WithTimeout(context.Background(), leaveFlushTimeout)
		if derr := engine.Drain(dctx); derr != nil {
			log.Debug().Err(derr).Msg("leave not flushed")
		}
		dcancel()
	}
	_ = engine.Close()
	if cfg.SnapshotPath != "" {
		if serr := m.WriteSnapshot(cfg.SnapshotPath); serr != nil {
			log.Warn().Err(serr).Msg("snapshot not written")
		}
	}
	if ferr := engine.Err(); ferr != nil {
		return ferr
	}
	if errors.Is(err, mesh.ErrEngineClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

const leaveFlushTimeout = 500 * time.Millisecond

// debugListeners plans the debug HTTP listeners. Metrics and pprof share
// one listener when their addresses match.
func debugListeners(cfg config.Config, m *metrics.Metrics) []pprofutil.Options {
	var out []pprofutil.Options
	if cfg.MetricsAddr != "" {
		out = append(out, pprofutil.Options{
			Addr:        cfg.MetricsAddr,
			AllowPublic: cfg.DebugPublic,
			Pprof:       cfg.PprofAddr == cfg.MetricsAddr,
			Gatherer:    m.Registry(),
		})
	}
	if cfg.PprofAddr != "" && cfg.PprofAddr != cfg.MetricsAddr {
		out = append(out, pprofutil.Options{
			Addr:        cfg.PprofAddr,
			AllowPublic: cfg.DebugPublic,
			Pprof:       true,
		})
	}
	return out
}

// repl reads commands until ctx is done or input ends. It reports whether
// the user asked to quit.
func repl(ctx context.Context, in io.Reader, out io.Writer, h replHandlers) bool {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return false
		case line, ok := <-lines:
			if !ok {
				return false
			}
			if dispatchRepl(line, out, h) {
				return true
			}
		}
	}
}
