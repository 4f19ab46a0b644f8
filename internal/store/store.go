package store

import (
	"errors"
	"time"

	"github.com/pliu/expertly/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

type Store interface {
	// User operations
	CreateUser(user *models.User) error
	GetUserByEmail(email string) (*models.User, error)
	GetUserByID(id string) (*models.User, error)
	ListExperts() ([]models.Expert, error)

	// Session operations
	CreateSession(userID, expertID string) (*models.Session, error)
	GetSession(id string) (*models.Session, error)
	ListSessions(participantID string, status models.SessionStatus) ([]models.Session, error)
	CloseSession(id string) error
	IsParticipant(sessionID, userID string) (bool, error)
	SaveMessage(sessionID, senderID, content string) (*models.Message, error)
	GetSessionMessages(sessionID string) ([]models.Message, error)

	// Refresh token operations
	CreateRefreshToken(userID string, expiresAt time.Time) (string, error)
	ConsumeRefreshToken(id string) (string, error)
	DeleteRefreshToken(id string) error

	Close() error
}
