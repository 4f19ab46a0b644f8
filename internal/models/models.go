package models

import "time"

type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// Principal is the signed-in identity as reported by /auth/session.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Label is what the UI shows for the principal.
func (p Principal) Label() string {
	if p.Email != "" {
		return p.Email
	}
	return p.ID
}

type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Password string `json:"-"`
}

func (u User) Principal() Principal {
	return Principal{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}
}

type Expert struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Session is a consulting conversation between a user and an expert.
type Session struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	ExpertID   string        `json:"expert_id"`
	ExpertName string        `json:"expert_name"`
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	Messages   []Message     `json:"messages"`
}

func (s Session) Completed() bool {
	return s.Status == StatusCompleted
}

type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
