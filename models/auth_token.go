package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AuthTokenKind string

const (
	AuthTokenRefresh           AuthTokenKind = "refresh"
	AuthTokenPasswordReset     AuthTokenKind = "password_reset"
	AuthTokenEmailVerification AuthTokenKind = "email_verification"
)

// AuthToken is an issued authentication artifact. Only its expiry matters here.
type AuthToken struct {
	ID        uuid.UUID     `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID     `gorm:"type:uuid;not null;index"`
	Kind      AuthTokenKind `gorm:"type:varchar(30);not null"`
	TokenHash string        `gorm:"type:varchar(128);not null;uniqueIndex"`
	ExpiresAt time.Time     `gorm:"not null;index"`
	RevokedAt *time.Time
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (t *AuthToken) BeforeCreate(_ *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
