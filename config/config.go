// Package config loads the server's startup parameters: listen port,
// trigger mode, idle timeout, SQL collaborator settings,
// worker pool sizing, and logging. Config is built from flags, then a
// JSON file (if given) and the environment are layered on top through
// Manager, so a deployment can override any flag-settable value
// without a recompile.
package config

import (
	"flag"
	"fmt"
)

// TrigMode selects edge/level triggering for the listen and
// connection sockets.
type TrigMode int

const (
	TrigLevelLevel TrigMode = iota // 0: LT listen, LT conn
	TrigLevelEdge                  // 1: LT listen, ET conn
	TrigEdgeLevel                  // 2: ET listen, LT conn
	TrigEdgeEdge                   // 3: ET listen, ET conn
)

// ListenET reports whether the listen socket should be armed
// edge-triggered.
func (m TrigMode) ListenET() bool { return m == TrigEdgeLevel || m == TrigEdgeEdge }

// ConnET reports whether connection sockets should be armed
// edge-triggered + one-shot.
func (m TrigMode) ConnET() bool { return m == TrigLevelEdge || m == TrigEdgeEdge }

// Config holds every startup parameter the reactor, worker pool, SQL
// pool, and logger need.
type Config struct {
	Port      int
	SrcDir    string
	TrigMode  TrigMode
	TimeoutMs int
	OptLinger bool

	SQLHost         string
	SQLPort         int
	SQLUser         string
	SQLPassword     string
	DBName          string
	ConnPoolSize    int

	ThreadNum    int
	QueueCap     int

	OpenLog      bool
	LogLevel     int
	LogQueueSize int

	// ConfigFile, if non-empty, is a JSON file layered over the flag
	// defaults before the environment is applied; AccessLogPath
	// optionally redirects structured access-log output to a file
	// instead of standard output.
	ConfigFile    string
	AccessLogPath string
}

// New parses flags into a Config, then layers config.ConfigFile (JSON)
// and TINYSERVER_-prefixed environment variables on top via Manager.
func New() (*Config, error) {
	cfg := &Config{}

	flag.IntVar(&cfg.Port, "port", 1316, "listen port")
	flag.StringVar(&cfg.SrcDir, "src-dir", "./resources", "static file root")
	trigMode := flag.Int("trig-mode", 3, "trigger mode: 0=LT/LT 1=LT/ET 2=ET/LT 3=ET/ET")
	flag.IntVar(&cfg.TimeoutMs, "timeout-ms", 60000, "idle connection timeout in milliseconds")
	flag.BoolVar(&cfg.OptLinger, "opt-linger", false, "enable SO_LINGER on the listen socket")

	flag.StringVar(&cfg.SQLHost, "sql-host", "localhost", "MySQL host")
	flag.IntVar(&cfg.SQLPort, "sql-port", 3306, "MySQL port")
	flag.StringVar(&cfg.SQLUser, "sql-user", "root", "MySQL user")
	flag.StringVar(&cfg.SQLPassword, "sql-pwd", "", "MySQL password")
	flag.StringVar(&cfg.DBName, "db-name", "tinyserver", "MySQL database name")
	flag.IntVar(&cfg.ConnPoolSize, "conn-pool-size", 8, "SQL connection pool size")

	flag.IntVar(&cfg.ThreadNum, "thread-num", 8, "worker pool size")
	flag.IntVar(&cfg.QueueCap, "queue-cap", 1000, "worker pool queue capacity")

	flag.BoolVar(&cfg.OpenLog, "open-log", true, "enable logging")
	flag.IntVar(&cfg.LogLevel, "log-level", 1, "minimum log level: 0=debug 1=info 2=warn 3=error")
	flag.IntVar(&cfg.LogQueueSize, "log-queue-size", 1000, "async logger queue capacity")

	flag.StringVar(&cfg.ConfigFile, "config-file", "", "optional JSON config file layered over flag defaults")
	flag.StringVar(&cfg.AccessLogPath, "access-log-path", "", "optional file path for structured access logs")

	flag.Parse()
	cfg.TrigMode = TrigMode(*trigMode)

	mgr := NewManager()
	if cfg.ConfigFile != "" {
		if err := mgr.LoadFromJSON(cfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	mgr.LoadFromEnv("TINYSERVER")
	applyOverrides(cfg, mgr)

	if cfg.TrigMode < TrigLevelLevel || cfg.TrigMode > TrigEdgeEdge {
		return nil, fmt.Errorf("config: trig-mode must be 0..3, got %d", cfg.TrigMode)
	}

	return cfg, nil
}

// applyOverrides layers mgr's values over cfg's flag-derived defaults,
// field by field, so a JSON file or environment variable only needs
// to name the settings it wants to change.
func applyOverrides(cfg *Config, mgr *Manager) {
	cfg.Port = mgr.GetInt("port", cfg.Port)
	cfg.SrcDir = mgr.GetString("src-dir", cfg.SrcDir)
	cfg.TrigMode = TrigMode(mgr.GetInt("trig-mode", int(cfg.TrigMode)))
	cfg.TimeoutMs = mgr.GetInt("timeout-ms", cfg.TimeoutMs)
	cfg.OptLinger = mgr.GetBool("opt-linger", cfg.OptLinger)

	cfg.SQLHost = mgr.GetString("sql-host", cfg.SQLHost)
	cfg.SQLPort = mgr.GetInt("sql-port", cfg.SQLPort)
	cfg.SQLUser = mgr.GetString("sql-user", cfg.SQLUser)
	cfg.SQLPassword = mgr.GetString("sql-pwd", cfg.SQLPassword)
	cfg.DBName = mgr.GetString("db-name", cfg.DBName)
	cfg.ConnPoolSize = mgr.GetInt("conn-pool-size", cfg.ConnPoolSize)

	cfg.ThreadNum = mgr.GetInt("thread-num", cfg.ThreadNum)
	cfg.QueueCap = mgr.GetInt("queue-cap", cfg.QueueCap)

	cfg.OpenLog = mgr.GetBool("open-log", cfg.OpenLog)
	cfg.LogLevel = mgr.GetInt("log-level", cfg.LogLevel)
	cfg.LogQueueSize = mgr.GetInt("log-queue-size", cfg.LogQueueSize)

	cfg.AccessLogPath = mgr.GetString("access-log-path", cfg.AccessLogPath)
}
