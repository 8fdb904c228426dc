// Package dbtest opens throwaway migrated databases for tests.
package dbtest

import (
	"fmt"
	"sync/atomic"
	"testing"

	"gorm.io/gorm"

	"github.com/ngapox/malenga-knowledge-clinic/internal/db"
)

var seq atomic.Int64

// Open returns a fresh in-memory sqlite database with every table migrated.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:chat_test_%d?mode=memory&cache=shared&_foreign_keys=1", seq.Add(1))
	gdb, err := db.Connect("sqlite", dsn, false)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}
