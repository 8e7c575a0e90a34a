// Package domain exposes the read-only member fields the contact resolver
// needs. Member CRUD lives elsewhere in the back-office.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type User struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	FirstName    string       `gorm:"not null"`
	LastName     string       `gorm:"not null"`
	Email        string       `gorm:"not null;index"`
	MemberNumber string       `gorm:"type:text"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (User) TableName() string { return "users" }

var ErrNotFound = errors.New("user_not_found")
