package database

import (
	"gorm.io/gorm"
)

var DB *gorm.DB

// GetDB returns the global database handle initialized by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

// SetDB swaps the global handle; used by tests.
func SetDB(db *gorm.DB) {
	DB = db
}
