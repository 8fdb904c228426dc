package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ngapox/malenga-knowledge-clinic/internal/models"
)

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "", "postgres":
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Connect 建立数据库连接，postgres 带简单重试以等待容器就绪。
// TranslateError 打开后唯一约束冲突统一为 gorm.ErrDuplicatedKey。
func Connect(driver, dsn string, verbose bool) (*gorm.DB, error) {
	dial, err := dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	level := logger.Silent
	if verbose {
		level = logger.Warn
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(level), TranslateError: true}

	var gdb *gorm.DB
	for i := 0; i < 10; i++ {
		gdb, err = gorm.Open(dial, cfg)
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				if driver == "sqlite" {
					// sqlite 只允许单写者
					sqlDB.SetMaxOpenConns(1)
				} else {
					sqlDB.SetMaxIdleConns(5)
					sqlDB.SetMaxOpenConns(20)
				}
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		if driver == "sqlite" {
			break
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

// Migrate 自动迁移聊天核心涉及的全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(models.All()...)
}
