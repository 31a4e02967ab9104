package config

import (
	"context"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

// GetDB returns nil until ConnectDatabaseWithRetry succeeds.
func GetDB() *gorm.DB {
	return db
}

func init() {
	// Load env from .env
	godotenv.Load()
}

// DatabaseSettings are read from:
// - DB_USER, DB_PASSWORD, DB_HOST, DB_PORT (default 3306), DB_NAME
// - DB_MAX_OPEN_CONNS (default 50), DB_MAX_IDLE_CONNS (default 25)
// - DB_CONN_MAX_LIFETIME_SECONDS (default 300), DB_CONN_MAX_IDLE_TIME_SECONDS (default 60)
// - GORM_LOG, a file that receives every statement at info level
type DatabaseSettings struct {
	User     string
	Password string
	// Host may be "/cloudsql/<CONNECTION_NAME>" for the Cloud SQL unix socket.
	Host string
	Port string
	Name string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	GormLogFile     string
}

func LoadDatabaseSettings() DatabaseSettings {
	return DatabaseSettings{
		User:            os.Getenv("DB_USER"),
		Password:        os.Getenv("DB_PASSWORD"),
		Host:            os.Getenv("DB_HOST"),
		Port:            stringFromEnv("DB_PORT", "3306"),
		Name:            os.Getenv("DB_NAME"),
		MaxOpenConns:    intFromEnv("DB_MAX_OPEN_CONNS", 50),
		MaxIdleConns:    intFromEnv("DB_MAX_IDLE_CONNS", 25),
		ConnMaxLifetime: time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
		ConnMaxIdleTime: time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
		GormLogFile:     strings.TrimSpace(os.Getenv("GORM_LOG")),
	}
}

// DSN renders the settings for the MySQL driver. Times are parsed and kept in UTC.
func (s DatabaseSettings) DSN() string {
	cfg := mysqlDriver.NewConfig()
	cfg.User = s.User
	cfg.Passwd = s.Password
	cfg.DBName = s.Name
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if strings.HasPrefix(s.Host, "/cloudsql/") {
		cfg.Net = "unix"
		cfg.Addr = s.Host
	} else {
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(s.Host, s.Port)
	}
	return cfg.FormatDSN()
}

// OpenDatabase opens a pool with the settings' limits and the otelgorm tracing plugin.
func OpenDatabase(s DatabaseSettings) (*gorm.DB, error) {
	conn, err := gorm.Open(mysql.Open(s.DSN()), gormConfig(s))
	if err != nil {
		return nil, err
	}
	if sqlDB, derr := conn.DB(); derr == nil && sqlDB != nil {
		if s.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(s.MaxOpenConns)
		}
		if s.MaxIdleConns >= 0 {
			sqlDB.SetMaxIdleConns(s.MaxIdleConns)
		}
		if s.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(s.ConnMaxLifetime)
		}
		if s.ConnMaxIdleTime > 0 {
			sqlDB.SetConnMaxIdleTime(s.ConnMaxIdleTime)
		}
	}
	if err := conn.Use(otelgorm.NewPlugin()); err != nil {
		GetLogger().WithError(err).Warn("otelgorm plugin not installed")
	}
	return conn, nil
}

// ConnectDatabaseWithRetry keeps trying until the database answers or ctx ends, then sets the
// global DB. Call it after the HTTP server is listening.
func ConnectDatabaseWithRetry(ctx context.Context) error {
	s := LoadDatabaseSettings()
	for attempt := 1; ; attempt++ {
		conn, err := OpenDatabase(s)
		if err == nil {
			db = conn
			GetLogger().WithFields(logrus.Fields{"field": "database", "attempt": attempt}).Info("connected to database")
			return nil
		}
		sleep := BackoffDelay(attempt)
		GetLogger().WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to connect database; retrying in " + sleep.String() + ": " + err.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// BackoffDelay is the shared exponential backoff for connect loops: 2s, 4s, ... capped at 30s.
func BackoffDelay(attempt int) time.Duration {
	sleep := time.Second * time.Duration(1<<min(attempt, 5))
	if sleep > 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return def
}

func stringFromEnv(key string, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func gormConfig(s DatabaseSettings) *gorm.Config {
	return &gorm.Config{
		Logger:         gormLogger(s.GormLogFile),
		NamingStrategy: schema.NamingStrategy{},
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// gormLogger reports errors and slow queries to stdout, or everything to path when set.
func gormLogger(path string) logger.Interface {
	out, level, colorful := io.Writer(os.Stdout), logger.Error, false
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			GetLogger().WithError(err).WithField("path", path).Warn("cannot open GORM_LOG")
		} else {
			out, level, colorful = f, logger.Info, true
		}
	}
	return logger.New(log.New(out, "\r\n", log.LstdFlags), logger.Config{
		Colorful:      colorful,
		LogLevel:      level,
		SlowThreshold: time.Second,
	})
}
