package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fansqz/debug-controller/config"
	"github.com/fansqz/debug-controller/constants"
	"github.com/fansqz/debug-controller/debugger"
	"github.com/fansqz/debug-controller/debugger/dap_target"
	"github.com/fansqz/debug-controller/debugger/sim_target"
	"github.com/fansqz/debug-controller/debugger/vm_debugger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// 定义版本号
const Version = "2.0.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	loader := config.NewLoader()
	var configPath string
	cmd := &cobra.Command{
		Use:          "debugctl",
		Short:        "Debug controller serving the debug adapter protocol",
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, loader, configPath)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (default ./debugctl.yaml)")
	flags.Int("port", 8889, "TCP port to listen on")
	flags.String("mode", string(constants.SimTarget), "target mode: sim or dap")
	flags.String("scenario", "", "scenario file of the sim target")
	flags.String("address", "", "address of a running debug adapter")
	flags.StringSlice("command", nil, "debug adapter command line")
	flags.StringSlice("sourcepath", nil, "source search paths, doublestar patterns allowed")
	flags.String("metrics", "", "address serving prometheus metrics")
	flags.String("log-level", "info", "log level")

	v := loader.Viper()
	for key, flag := range map[string]string{
		"port":            "port",
		"target.mode":     "mode",
		"target.scenario": "scenario",
		"target.address":  "address",
		"target.command":  "command",
		"sourcepath.dirs": "sourcepath",
		"metrics.addr":    "metrics",
		"log.level":       "log-level",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func run(ctx context.Context, loader *config.Loader, configPath string) error {
	cfg, err := loader.Load(configPath)
	if err != nil {
		return err
	}
	if err = SetupLogger(cfg.Log); err != nil {
		return err
	}
	defer CloseLogger()

	target, launch, err := createTarget(cfg)
	if err != nil {
		return err
	}
	registry := prometheus.NewRegistry()
	debug := vm_debugger.NewVMDebugger(&debugger.StartOption{
		Target:          target,
		SearchPaths:     cfg.SourcePath.Dirs,
		SourceExtension: cfg.SourcePath.Extension,
		Registerer:      registry,
	})
	if loader.Viper().ConfigFileUsed() != "" {
		loader.Watch(func(cfg *config.Config) {
			debug.SetSearchPaths(cfg.SourcePath.Dirs)
		})
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return err
	}
	fmt.Printf("started listening at: %s\n", listener.Addr().String())

	option := &SessionOption{
		Launch:      launch,
		Language:    languageOf(cfg.SourcePath.Extension),
		IdleTimeout: cfg.Session.IdleTimeout,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(ctx, listener, debug, option)
	})
	if cfg.Metrics.Addr != "" {
		server := &http.Server{
			Addr:    cfg.Metrics.Addr,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return server.Shutdown(context.Background())
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		_ = listener.Close()
		return debug.Shutdown(context.Background())
	})
	return g.Wait()
}

// serve 依次处理客户端连接，同一时间只有一个客户端控制调试器
func serve(ctx context.Context, listener net.Listener, debug debugger.Debugger, option *SessionOption) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logrus.Warnf("Connection failed: %v", err)
				continue
			}
			return err
		}
		handleConnection(ctx, conn, debug, option)
	}
}

// createTarget 根据配置创建调试目标，返回的launch函数在客户端完成配置后调用
func createTarget(cfg *config.Config) (debugger.Target, func(ctx context.Context) error, error) {
	switch cfg.Target.Mode {
	case constants.DapTarget:
		arguments, err := cfg.Target.ArgumentsJSON()
		if err != nil {
			return nil, nil, err
		}
		target := dap_target.NewDapTarget(&dap_target.DapOption{
			Address:   cfg.Target.Address,
			Command:   cfg.Target.Command,
			Request:   cfg.Target.Request,
			Arguments: arguments,
			Timeout:   cfg.Target.Timeout,
		})
		return target, nil, nil
	case constants.SimTarget:
		scenario, err := sim_target.LoadScenario(cfg.Target.Scenario)
		if err != nil {
			return nil, nil, err
		}
		target := sim_target.NewSimTarget(scenario)
		return target, target.Interact, nil
	default:
		return nil, nil, fmt.Errorf("unknown target mode %q", cfg.Target.Mode)
	}
}

func languageOf(extension string) constants.LanguageType {
	if extension == constants.SourceExtension(constants.LanguageGo) {
		return constants.LanguageGo
	}
	return constants.LanguageJava
}
