package client

import (
	"fmt"
	"log/slog"
	"qr-payment-relay/internal/model"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const mysqlScheme = "mysql://"

// InitDBClient opens the relay database. DSNs prefixed with mysql:// use MySQL, anything
// else is treated as a SQLite DSN.
func InitDBClient(databaseURL string, logLevel slog.Level) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if dsn, ok := strings.CutPrefix(databaseURL, mysqlScheme); ok {
		dialector = mysql.Open(dsn)
	} else {
		dialector = sqlite.Open(databaseURL)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(logLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}

	// Connection pool (important for webhooks)
	if dialector.Name() == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.PaymentIntent{},
		&model.ProcessedPayment{},
		&model.PendingDelivery{},
		&model.PaymentAudit{},
		&model.DeviceCredential{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func gormLogLevel(level slog.Level) logger.LogLevel {
	switch {
	case level <= slog.LevelDebug:
		return logger.Info
	case level <= slog.LevelWarn:
		return logger.Warn
	default:
		return logger.Error
	}
}
