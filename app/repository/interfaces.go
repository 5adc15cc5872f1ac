package repository

import (
	"github.com/aleppi/backend/app/models"
)

// UserRepository defines the interface for user-related database operations.
// The billing core only consumes the lookup-by-id capability; account
// management lives in a separate service.
type UserRepository interface {
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
}

// Repositories holds all repository instances
type Repositories struct {
	User UserRepository
}
