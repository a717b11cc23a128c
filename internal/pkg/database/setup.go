package database

import (
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PaySync/app/models"
	"github.com/ManuelReschke/PaySync/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

var DB *gorm.DB

// GetDB returns the shared connection opened by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

// Driver returns the configured SQL dialect.
func Driver() string {
	switch strings.ToLower(strings.TrimSpace(env.GetEnv("DB_DRIVER", DriverMySQL))) {
	case DriverPostgres, "postgresql", "pgx":
		return DriverPostgres
	default:
		return DriverMySQL
	}
}

// DSN builds the connection string for the configured driver.
func DSN() string {
	if Driver() == DriverPostgres {
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			env.GetEnv("DB_HOST", "127.0.0.1"),
			env.GetEnv("DB_USER", ""),
			env.GetEnv("DB_PASSWORD", ""),
			env.GetEnv("DB_NAME", ""),
			env.GetEnv("DB_PORT", "5432"),
			env.GetEnv("DB_SSLMODE", "disable"),
		)
	}
	// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)
}

// MigrationURL is the golang-migrate database URL for the configured driver.
func MigrationURL() string {
	if Driver() == DriverPostgres {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			env.GetEnv("DB_USER", ""),
			env.GetEnv("DB_PASSWORD", ""),
			env.GetEnv("DB_HOST", "127.0.0.1"),
			env.GetEnv("DB_PORT", "5432"),
			env.GetEnv("DB_NAME", ""),
			env.GetEnv("DB_SSLMODE", "disable"),
		)
	}
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true&parseTime=true",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)
}

func dialector() gorm.Dialector {
	if Driver() == DriverPostgres {
		return postgres.New(postgres.Config{DSN: DSN()})
	}
	return mysql.New(mysql.Config{
		DSN:                       DSN(), // data source name
		DefaultStringSize:         256,   // default size for string fields
		DisableDatetimePrecision:  true,  // disable datetime precision, which not supported before MySQL 5.6
		DontSupportRenameIndex:    true,  // drop & create when rename index, rename index not supported before MySQL 5.7, MariaDB
		DontSupportRenameColumn:   true,  // `change` when rename column, rename column not supported before MySQL 8, MariaDB
		SkipInitializeWithVersion: false, // auto configure based on currently MySQL version
	})
}

// BillingModels lists every table owned by the billing engine.
func BillingModels() []interface{} {
	return []interface{}{
		&models.BillingCustomer{},
		&models.BillingSubscription{},
		&models.BillingInvoice{},
		&models.BillingPayment{},
		&models.BillingRefund{},
		&models.BillingDispute{},
		&models.BillingDisputeTask{},
		&models.BillingPaymentRetry{},
		&models.BillingWebhookEvent{},
		&models.Notification{},
		&models.AuditLog{},
	}
}

// Open connects to the configured database once. TranslateError turns unique
// violations into gorm.ErrDuplicatedKey, which the billing repository relies on.
func Open() (*gorm.DB, error) {
	return gorm.Open(dialector(), &gorm.Config{TranslateError: true})
}

func SetupDatabase() {
	var err error
	for i := 0; i < maxRetries; i++ {
		DB, err = Open()
		if err == nil {
			if env.GetEnvBool("DB_AUTO_MIGRATE", env.IsDev()) {
				if err := DB.AutoMigrate(BillingModels()...); err != nil {
					log.Printf("AutoMigrate failed: %v", err)
				}
			}
			return
		}

		log.Printf("Failed to connect to database (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Printf("Retry number %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}
