package db

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/pocketllm/chatsync/internal/chat"
	"github.com/pocketllm/chatsync/internal/models"
)

func Connect(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{})
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&chat.Session{},
		&chat.Message{},
		&chat.Job{},
	)
}
