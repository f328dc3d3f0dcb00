// Command sortline runs the acquisition, detection exchange and valve
// actuation pipeline of a hyperspectral sorting line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/theckman/yacspin"
	yml "gopkg.in/yaml.v2"

	"github.com/banshee-data/sortline/internal/api"
	"github.com/banshee-data/sortline/internal/config"
	"github.com/banshee-data/sortline/internal/db"
	"github.com/banshee-data/sortline/internal/version"
)

const usage = `sortline drives a hyperspectral sorting line: it acquires spectral and RGB
frames, exchanges them with the external defect detector and turns the returned
masks into valve commands.

Usage:
	sortline <command> [flags]

Commands:
	run        start the line and serve the operator API
	calibrate  capture a black or white reference on a running line
	start      start acquisition on a running line
	stop       stop acquisition on a running line
	mkconf     write the default configuration to sortline.yml
	conf       print the effective configuration
	migrate    manage the database schema (up, down, status, force)
	version    print build information
	help       show this message`

func main() {
	if err := dispatch(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func dispatch(args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(out, usage)
		return nil
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return runCmd(rest)
	case "calibrate":
		return calibrateCmd(rest, out)
	case "start", "stop":
		return controlCmd(cmd, rest, out)
	case "mkconf":
		return mkconfCmd(rest, out)
	case "conf":
		return confCmd(rest, out)
	case "migrate":
		return migrateCmd(rest, out)
	case "version":
		fmt.Fprintln(out, version.String())
		return nil
	case "help", "-h", "--help":
		fmt.Fprintln(out, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q; run 'sortline help'", cmd)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Configuration file (.yml or .json)")
	listen := fs.String("listen", "", "Listen address (overrides config)")
	dbPath := fs.String("db", "", "Database path (overrides config)")
	simulate := fs.Bool("simulate", false, "Use simulated sensors and discard actuator output")
	autostart := fs.Bool("start", false, "Start acquisition immediately")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	log.Printf("%s starting", version.String())

	database, err := db.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	if n, err := database.CloseOpenSessions(time.Now()); err != nil {
		log.Printf("failed to close stale sessions: %v", err)
	} else if n > 0 {
		log.Printf("closed %d session(s) left open by a previous run", n)
	}

	l, err := buildLine(cfg, database, lineOptions{Simulate: *simulate})
	if err != nil {
		return fmt.Errorf("failed to build line: %w", err)
	}
	h, err := l.handler()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{Addr: cfg.Listen, Handler: h}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
			stop()
		}
	}()
	log.Printf("operator API listening on %s", cfg.Listen)

	if *autostart {
		if err := l.ctrl.Start(ctx); err != nil {
			log.Printf("failed to start acquisition: %v", err)
		}
	}

	runErr := l.run(ctx)

	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	default:
	}
	if runErr != nil {
		return runErr
	}
	log.Printf("Graceful shutdown complete")
	return nil
}

func clientFlags(name string, args []string) (*flag.FlagSet, *string, *string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Configuration file (.yml or .json)")
	addr := fs.String("addr", "", "Address of the running line (defaults to the configured listen address)")
	err := fs.Parse(args)
	return fs, configPath, addr, err
}

func serverAddr(configPath, addr string) (string, error) {
	if addr != "" {
		return addr, nil
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return "", err
	}
	if len(cfg.Listen) > 0 && cfg.Listen[0] == ':' {
		return "localhost" + cfg.Listen, nil
	}
	return cfg.Listen, nil
}

func calibrateCmd(args []string, out io.Writer) error {
	fs, configPath, addr, err := clientFlags("calibrate", args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 || (fs.Arg(0) != "black" && fs.Arg(0) != "white") {
		return errors.New("usage: sortline calibrate [-addr host:port] black|white")
	}
	kind := fs.Arg(0)
	target, err := serverAddr(*configPath, *addr)
	if err != nil {
		return err
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		Writer:            out,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " ",
		Message:           fmt.Sprintf("capturing %s reference", kind),
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return err
	}
	if err := spinner.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	res, err := api.NewClient(target, nil).Calibrate(ctx, kind)
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		return fmt.Errorf("calibrate %s: %w", kind, err)
	}
	spinner.StopMessage(fmt.Sprintf("%s reference captured from %d frames", res.Kind, res.Frames))
	return spinner.Stop()
}

func controlCmd(name string, args []string, out io.Writer) error {
	_, configPath, addr, err := clientFlags(name, args)
	if err != nil {
		return err
	}
	target, err := serverAddr(*configPath, *addr)
	if err != nil {
		return err
	}
	c := api.NewClient(target, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := c.Start
	if name == "stop" {
		start = c.Stop
	}
	st, err := start(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	fmt.Fprintf(out, "line is %s\n", st.State)
	return nil
}

func mkconfCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("mkconf", flag.ContinueOnError)
	path := fs.String("o", config.DefaultConfigPath, "Output file")
	force := fs.Bool("f", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if *force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(*path, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := yml.NewEncoder(f).Encode(config.Default()); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", *path)
	return nil
}

func confCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("conf", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Configuration file (.yml or .json)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	return yml.NewEncoder(out).Encode(cfg)
}

func migrateCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Configuration file (.yml or .json)")
	dbPath := fs.String("db", "", "Database path (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := *dbPath
	if path == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		path = cfg.DBPath
	}
	return db.RunMigrateCommand(fs.Args(), path, out)
}
