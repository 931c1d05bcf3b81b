package db

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/acme/session-dispatch/internal/config"
)

// MySQL wraps a gorm handle over go-sql-driver/mysql.
type MySQL struct {
	db *gorm.DB
}

// MySQLDSN renders the driver DSN for cfg.
func MySQLDSN(cfg config.MySQLConfig) string {
	dc := gomysql.NewConfig()
	dc.User = cfg.User
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dc.DBName = cfg.Database
	dc.ParseTime = true
	dc.Loc = time.UTC
	return dc.FormatDSN()
}

// NewMySQL opens the database and waits for the server to answer.
func NewMySQL(ctx context.Context, cfg config.MySQLConfig, connectTimeout time.Duration) (*MySQL, error) {
	gdb, err := gorm.Open(mysql.New(mysql.Config{DSN: MySQLDSN(cfg)}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("mysql: raw handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLife)

	if err := pingWithBackoff(ctx, connectTimeout, sqlDB.PingContext); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	return &MySQL{db: gdb}, nil
}

// DB exposes the gorm handle.
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close releases the pool.
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
