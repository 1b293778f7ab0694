package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"netlens/internal/config"
	"netlens/internal/logger"
	"netlens/internal/metrics"
	"netlens/internal/risk"
	"netlens/internal/storage"
	"netlens/pkg/api"
	"netlens/pkg/domain"
)

// main 是命令行入口：连接浏览器页面，实时打印请求与告警
func main() {
	var (
		cfgPath  = flag.String("config", "config.yaml", "配置文件路径")
		devtools = flag.String("devtools", "http://127.0.0.1:9222", "DevTools 地址")
		target   = flag.String("target", "", "目标 ID，为空时选择第一个页面")
		list     = flag.Bool("list", false, "列出页面目标后退出")
		quiet    = flag.Bool("quiet", false, "只打印告警")
	)
	flag.Parse()

	if err := run(*cfgPath, *devtools, domain.TargetID(*target), *list, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, "netlens:", err)
		os.Exit(1)
	}
}

func run(cfgPath, devtools string, target domain.TargetID, list, quiet bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, Writer: cfg.Log.Writer, File: cfg.Log.File})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if list {
		targets, err := api.NewService(api.Deps{Config: cfg, Logger: log}).ListTargets(ctx, devtools)
		if err != nil {
			return err
		}
		for _, t := range targets {
			fmt.Printf("%s\t%s\t%s\n", t.ID, t.Title, t.URL)
		}
		return nil
	}

	ledger, err := storage.Open(storage.Options{DSN: cfg.Sqlite.Dsn, Prefix: cfg.Sqlite.Prefix, Logger: log})
	if err != nil {
		return err
	}
	defer ledger.Close()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(collector), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Err(err, "指标服务异常退出")
			}
		}()
		defer srv.Close()
		log.Info("指标服务已启动", "addr", cfg.Metrics.Addr)
	}

	svc := api.NewService(api.Deps{
		Config:   cfg,
		Patterns: risk.NewConfigProvider(cfg.Patterns),
		Ledger:   ledger,
		Metrics:  collector,
		Logger:   log,
		Cue:      bell,
	})
	defer svc.Close()

	id, err := svc.StartSession(ctx, domain.SessionConfig{DevToolsURL: devtools, Target: target})
	if err != nil {
		return err
	}
	if _, err := svc.Subscribe(id, printer(quiet)); err != nil {
		return err
	}
	log.Info("开始监控", "session", string(id))

	<-ctx.Done()
	if m, err := svc.Metrics(id); err == nil {
		fmt.Printf("\n共 %d 个请求，第三方 %d，追踪 %d，高风险 %d，平均分 %.1f\n",
			m.TotalRequests, m.ThirdPartyRequests, m.TrackerRequests, m.HighRiskRequests, m.AverageRiskScore)
	}
	return nil
}

func metricsMux(c *metrics.Collector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return mux
}

// bell 终端响铃提示
func bell(level domain.RiskLevel) {
	if level == domain.RiskCritical {
		fmt.Fprint(os.Stderr, "\a\a")
		return
	}
	fmt.Fprint(os.Stderr, "\a")
}

func printer(quiet bool) api.Subscriber {
	sub := api.Subscriber{
		Alert: func(a domain.Alert) {
			tag := ""
			if a.IsReplay {
				tag = " (replay)"
			}
			fmt.Printf("!! %-8s %3d %s %s%s\n", a.Level, a.Score, a.Exchange.Method, a.Exchange.FullURL, tag)
		},
		PauseState: func(st domain.PauseState) {
			fmt.Printf("-- %s\n", st)
		},
		Cleared: func() {
			fmt.Println("-- cleared")
		},
	}
	if quiet {
		return sub
	}
	sub.Updated = func(batch []domain.CapturedExchange) {
		for _, ex := range batch {
			fmt.Printf("%3d %-6s %3d %-8s %s\n", ex.RiskScore, ex.Method, ex.StatusCode, ex.Category, ex.FullURL)
		}
	}
	return sub
}
