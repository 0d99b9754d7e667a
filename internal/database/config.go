package database

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"backup-orchestrator/internal/backup"

	"github.com/go-sql-driver/mysql"
)

// Config holds the connection parameters for the tenant database
type Config struct {
	Host     string        `mapstructure:"host" yaml:"host"`
	Port     int           `mapstructure:"port" yaml:"port"`
	Username string        `mapstructure:"username" yaml:"username"`
	Password string        `mapstructure:"password" yaml:"password"`
	Database string        `mapstructure:"database" yaml:"database"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`

	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// SetDefaults fills in the port, timeouts and pool sizes
func (c *Config) SetDefaults() {
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
}

// LoadFromEnvironment overrides settings from BACKUP_DB_* variables
func (c *Config) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_DB_HOST"); val != "" {
		c.Host = val
	}
	if val := os.Getenv("BACKUP_DB_PORT"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			c.Port = parsed
		}
	}
	if val := os.Getenv("BACKUP_DB_USER"); val != "" {
		c.Username = val
	}
	if val := os.Getenv("BACKUP_DB_PASSWORD"); val != "" {
		c.Password = val
	}
	if val := os.Getenv("BACKUP_DB_NAME"); val != "" {
		c.Database = val
	}
	if val := os.Getenv("BACKUP_DB_TIMEOUT"); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			c.Timeout = parsed
		}
	}
}

// Validate checks that every required parameter is present
func (c *Config) Validate() error {
	var errors backup.ValidationErrors

	if c.Host == "" {
		errors.Add("host", "host is required", c.Host)
	}
	if c.Port <= 0 || c.Port > 65535 {
		errors.Add("port", "port must be between 1 and 65535", c.Port)
	}
	if c.Username == "" {
		errors.Add("username", "username is required", c.Username)
	}
	if c.Database == "" {
		errors.Add("database", "database name is required", c.Database)
	}
	if c.Timeout < 0 {
		errors.Add("timeout", "timeout cannot be negative", c.Timeout.String())
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// DSN returns the MySQL data source name
func (c *Config) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.Username
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	cfg.DBName = c.Database
	cfg.Timeout = c.Timeout
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// String describes the target without credentials
func (c *Config) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", c.Username, c.Host, c.Port, c.Database)
}
