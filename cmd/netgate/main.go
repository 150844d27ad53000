// netgate 网络请求拦截网关：正向代理、CDP 前端与只读管理接口
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"netgate/internal/admin"
	"netgate/internal/cdp"
	"netgate/internal/config"
	"netgate/internal/journal"
	"netgate/internal/loader"
	"netgate/internal/logger"
	"netgate/internal/metrics"
	"netgate/internal/proxy"
	"netgate/internal/scheme"
	"netgate/internal/service"
	"netgate/internal/transport"
	"netgate/pkg/api"
	"netgate/pkg/model"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（YAML）")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "netgate:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LoggerOptions())
	if err != nil {
		return err
	}

	table, err := cfg.SchemeTable()
	if err != nil {
		return fmt.Errorf("scheme table: %w", err)
	}
	httpTimeout, _ := cfg.HTTPTimeout()
	mux := transport.NewDefaultMux(transport.NewHTTP(transport.HTTPOptions{Timeout: httpTimeout, Logger: log}), cfg.Gateway.FileRoot)

	m := metrics.New()
	observers := []loader.Observer{m}
	var j *journal.Journal
	if cfg.Sqlite.Enabled {
		j, err = journal.Open(journal.Options{DSN: cfg.Sqlite.Dsn, Prefix: cfg.Sqlite.Prefix, Logger: log})
		if err != nil {
			return err
		}
		defer j.Close()
		observers = append(observers, j)
	}

	svc := api.NewService(service.Options{
		Transport:                    mux,
		Policy:                       scheme.NewPolicy(table, nil),
		MaxRedirects:                 cfg.Gateway.MaxRedirects,
		VerdictTimeout:               cfg.VerdictTimeout(),
		PreservePolicyRedirectMethod: cfg.Gateway.PreservePolicyRedirectMethod,
		Observers:                    observers,
		Logger:                       log,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.Close(ctx); err != nil {
			log.Err(err, "关闭网关服务失败")
		}
	}()

	id, err := svc.CreateProfile(model.ProfileID(cfg.Gateway.Profile), model.ProfileConfig{
		Name:      cfg.Gateway.Profile,
		RulesFile: cfg.Rules.File,
	})
	if err != nil {
		return err
	}
	gateway := api.Bind(svc, id)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var cdpManager *cdp.Manager
	if cfg.CDP.Enabled {
		cdpManager = cdp.New(cdp.Options{
			DevToolsURL:    cfg.CDP.DevToolsURL,
			Target:         cfg.CDP.Target,
			Decider:        gateway,
			Concurrency:    cfg.CDP.Concurrency,
			ProcessTimeout: time.Duration(cfg.CDP.ProcessTimeoutMS) * time.Millisecond,
			Logger:         log,
		})
		g.Go(func() error { return cdpManager.Run(ctx) })
	}
	if cfg.Proxy.Enabled {
		p := proxy.New(proxy.Options{Loader: gateway, Logger: log})
		g.Go(func() error { return proxy.NewServer(cfg.Proxy.Listen, p, log).Run(ctx) })
	}
	if cfg.Admin.Enabled {
		a := admin.New(admin.Config{
			ListenAddr: cfg.Admin.Listen,
			Gateway:    svc,
			Journal:    j,
			Metrics:    m.Handler(),
			Extra: func() map[string]any {
				if cdpManager == nil {
					return nil
				}
				return map[string]any{"cdp": cdpManager.Stats()}
			},
			Logger: log,
		})
		g.Go(func() error { return a.Run(ctx) })
	}

	log.Info("网关已启动", "profile", string(id), "proxy", cfg.Proxy.Listen, "admin", cfg.Admin.Listen, "cdp", cfg.CDP.Enabled)
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("网关已退出")
	return nil
}
