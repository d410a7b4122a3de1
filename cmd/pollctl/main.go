package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/TheAlpha16/pollconn"
)

const PollctlVersion = "0.1.0"

func main() {
	usage := `Poll connection control.

Targets look like valkey://host:6379/<request-channel> or ws://host:port/path.

Usage:
    pollctl call [--config=<config>] [--target=<target>] [--v=<level>]
        <request> [<param>...]
    pollctl listen [--config=<config>] [--target=<target>] [--v=<level>]
        [<category>...]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<config>      YAML config file.
    --target=<target>      Server to connect to, overrides the config.
    --v=<level>            Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PollctlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if level, _ := opts.String("--v"); level != "" {
		flag.Set("v", level)
	}
	defer glog.Flush()

	cfg, err := loadConfig(opts)
	if err != nil {
		glog.Exitf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if call_, _ := opts.Bool("call"); call_ {
		err = call(ctx, cfg, opts)
	} else if listen_, _ := opts.Bool("listen"); listen_ {
		err = listen(ctx, cfg, opts)
	}
	if err != nil {
		glog.Flush()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(opts docopt.Opts) (*pollconn.Config, error) {
	var cfg *pollconn.Config
	if path, _ := opts.String("--config"); path != "" {
		var err error
		if cfg, err = pollconn.LoadConfig(path); err != nil {
			return nil, err
		}
	} else {
		cfg, _ = pollconn.ParseConfig(nil)
	}

	if target, _ := opts.String("--target"); target != "" {
		cfg.Target = target
	}
	if cfg.Target == "" {
		return nil, fmt.Errorf("no target given")
	}
	return cfg, nil
}

func start(ctx context.Context, cfg *pollconn.Config) (*pollconn.Service, error) {
	svc, err := pollconn.NewServiceFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		svc.Shutdown()
		return nil, err
	}
	return svc, nil
}

// call issues one request; params are key=value pairs.
func call(ctx context.Context, cfg *pollconn.Config, opts docopt.Opts) error {
	name, _ := opts.String("<request>")
	params := map[string]any{}
	if pairs, ok := opts["<param>"].([]string); ok {
		for _, pair := range pairs {
			key, value, found := strings.Cut(pair, "=")
			if !found {
				return fmt.Errorf("parameter %q is not key=value", pair)
			}
			params[key] = value
		}
	}

	svc, err := start(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	value, err := svc.Call(ctx, pollconn.RequestName(name), params)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", value)
	return nil
}

// listen prints pushed events until interrupted.
func listen(ctx context.Context, cfg *pollconn.Config, opts docopt.Opts) error {
	var categories []pollconn.Category
	if names, ok := opts["<category>"].([]string); ok {
		for _, name := range names {
			categories = append(categories, pollconn.Category(name))
		}
	}

	svc, err := start(ctx, cfg)
	if err != nil {
		return err
	}

	_, err = svc.Subscribe(ctx, categories, func(ctx context.Context, ev pollconn.Event) error {
		fmt.Printf("%s %s\n", ev.Category, ev.Payload)
		return nil
	})
	if err != nil {
		svc.Shutdown()
		return err
	}

	go func() {
		<-ctx.Done()
		glog.Infof("interrupted, shutting down")
		svc.Loop().RequestStop()
	}()

	err = svc.Run(context.Background())
	if shutdownErr := svc.Shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}
