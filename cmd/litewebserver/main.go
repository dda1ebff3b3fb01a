// Command litewebserver bootstraps and runs the epoll-based HTTP/1.1 server:
// parses CLI flags with cobra, loads/validates configuration with viper, and
// wires the logger, database session pool, router, and event loop together.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nabbar/litewebserver/internal/config"
	"github.com/nabbar/litewebserver/internal/dbsession"
	"github.com/nabbar/litewebserver/internal/logger"
	"github.com/nabbar/litewebserver/internal/metrics"
	"github.com/nabbar/litewebserver/internal/router"
	"github.com/nabbar/litewebserver/internal/server"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New("")

	cmd := &cobra.Command{
		Use:   "litewebserver",
		Short: "A single-node, epoll-based HTTP/1.1 static + login server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				v = config.New(cfgFile)
			}
			bindFlags(cmd, v)
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "path to a config file (yaml)")
	flags.Int("port", 1316, "TCP port to listen on")
	flags.Int("trig-mode", 0, "epoll trigger mode: 0 LT/LT, 1 LT/ET, 2 ET/LT, 3 ET/ET")
	flags.Int("timeout-ms", 60000, "idle connection timeout in milliseconds (0 disables eviction)")
	flags.Bool("opt-linger", false, "enable SO_LINGER on the listening socket")
	flags.String("sql-driver", "sqlite", "database driver: mysql, psql, sqlite, sqlserver, clickhouse")
	flags.String("sql-host", "127.0.0.1", "database host")
	flags.Int("sql-port", 0, "database port")
	flags.String("sql-user", "", "database user")
	flags.String("sql-pwd", "", "database password")
	flags.String("db-name", "", "database name (or DSN path for sqlite)")
	flags.Int("conn-pool-num", 8, "bounded database session pool size")
	flags.Int("thread-num", 4, "worker pool size")
	flags.Bool("open-log", true, "write logs to a file instead of stderr-only")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Int("log-que-size", 1024, "log queue size (accepted and validated; logging is synchronous and does not use it)")
	flags.String("resources", "./resources", "static resource directory")
	flags.String("metrics-addr", "", "address for the optional /metrics and /healthz listener (empty disables it)")

	return cmd
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	pairs := map[string]string{
		"port":          "port",
		"trig-mode":     "trig_mode",
		"timeout-ms":    "timeout_ms",
		"opt-linger":    "opt_linger",
		"sql-driver":    "sql_driver",
		"sql-host":      "sql_host",
		"sql-port":      "sql_port",
		"sql-user":      "sql_user",
		"sql-pwd":       "sql_pwd",
		"db-name":       "db_name",
		"conn-pool-num": "conn_pool_num",
		"thread-num":    "thread_num",
		"open-log":      "open_log",
		"log-level":     "log_level",
		"log-que-size":  "log_que_size",
		"resources":     "resource_dir",
		"metrics-addr":  "metrics_addr",
	}
	for flag, key := range pairs {
		_ = v.BindPFlag(key, cmd.Flags().Lookup(flag))
	}
}

func run(v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	printBanner(cfg)

	log := logger.New(logger.Options{
		OpenLog:   cfg.OpenLog,
		Level:     parseLevel(cfg.LogLevel),
		FilePath:  "./litewebserver.log",
		QueueSize: cfg.LogQueSize,
	})
	defer log.Close()

	dsn := buildDSN(cfg)
	pool, err := dbsession.Open(dbsession.DriverFromString(cfg.SQLDriver), dsn, cfg.ConnPoolNum)
	if err != nil {
		log.Errorf("database: %v", err)
		return err
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	rt := router.New(cfg.ResourceDir, pool, log, rec)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go rec.SampleProcess(ctx, int32(os.Getpid()), 5*time.Second)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = startMetricsListener(cfg.MetricsAddr, reg, log)
		defer metricsSrv.Close()
	}

	srv, err := server.New(server.Options{
		Port:      cfg.Port,
		TrigMode:  cfg.TrigMode,
		TimeoutMS: cfg.TimeoutMS,
		OptLinger: cfg.OptLinger,
		ThreadNum: cfg.ThreadNum,
	}, rt, log, rec)
	if err != nil {
		log.Errorf("server: %v", err)
		return err
	}

	log.Infof("litewebserver: ready on port %d", cfg.Port)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// startMetricsListener runs a second, independent net/http listener for
// /metrics and /healthz. It is an ops side-channel, not part of the core
// epoll engine, so it may use net/http freely.
func startMetricsListener(addr string, reg *prometheus.Registry, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnf("metrics listener: %v", err)
		}
	}()
	log.Infof("metrics listener on %s", addr)
	return srv
}

func buildDSN(cfg *config.ServerConfig) string {
	driver := dbsession.DriverFromString(cfg.SQLDriver)
	switch driver {
	case dbsession.DriverSQLite:
		if cfg.DBName == "" {
			return "file:litewebserver.db?cache=shared"
		}
		return cfg.DBName
	case dbsession.DriverMysql:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.SQLUser, cfg.SQLPwd, cfg.SQLHost, cfg.SQLPort, cfg.DBName)
	case dbsession.DriverPostgreSQL:
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable", cfg.SQLHost, cfg.SQLPort, cfg.SQLUser, cfg.SQLPwd, cfg.DBName)
	default:
		return cfg.DBName
	}
}

func parseLevel(s string) logger.Level {
	switch s {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

func printBanner(cfg *config.ServerConfig) {
	bold := color.New(color.FgCyan, color.Bold)
	bold.Println("litewebserver")
	color.New(color.FgWhite).Printf("  port=%d trig-mode=%d timeout-ms=%d threads=%d pool=%d driver=%s resources=%s\n",
		cfg.Port, cfg.TrigMode, cfg.TimeoutMS, cfg.ThreadNum, cfg.ConnPoolNum, cfg.SQLDriver, cfg.ResourceDir)
}
