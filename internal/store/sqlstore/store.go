package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/pliu/expertly/internal/models"
	"github.com/pliu/expertly/internal/store"
)

const RoleExpert = "expert"

type SQLStore struct {
	db         *sql.DB
	driverName string
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// each :memory: connection is its own database
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		password TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		expert_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS refresh_tokens (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		expires_at DATETIME NOT NULL
	);
	`

	if s.driverName == "postgres" {
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMPTZ")
	}

	_, err := s.db.Exec(query)
	return err
}

// rebind rewrites ? placeholders for drivers that number them.
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func (s *SQLStore) CreateUser(user *models.User) error {
	if _, err := s.GetUserByEmail(user.Email); err == nil {
		return store.ErrConflict
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	query := s.rebind("INSERT INTO users (id, email, name, role, password) VALUES (?, ?, ?, ?, ?)")
	_, err := s.db.Exec(query, user.ID, user.Email, user.Name, user.Role, user.Password)
	return err
}

func (s *SQLStore) GetUserByEmail(email string) (*models.User, error) {
	var u models.User
	query := s.rebind("SELECT id, email, name, role, password FROM users WHERE email = ?")
	err := s.db.QueryRow(query, email).Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.Password)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *SQLStore) GetUserByID(id string) (*models.User, error) {
	var u models.User
	query := s.rebind("SELECT id, email, name, role, password FROM users WHERE id = ?")
	err := s.db.QueryRow(query, id).Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.Password)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *SQLStore) ListExperts() ([]models.Expert, error) {
	query := s.rebind("SELECT id, name FROM users WHERE role = ? ORDER BY name")
	rows, err := s.db.Query(query, RoleExpert)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	experts := []models.Expert{}
	for rows.Next() {
		var e models.Expert
		if err := rows.Scan(&e.ID, &e.Name); err != nil {
			return nil, err
		}
		experts = append(experts, e)
	}
	return experts, rows.Err()
}

// CreateSession opens a session for userID. An empty expertID picks the first
// listed expert, if there is one.
func (s *SQLStore) CreateSession(userID, expertID string) (*models.Session, error) {
	if expertID == "" {
		experts, err := s.ListExperts()
		if err != nil {
			return nil, err
		}
		if len(experts) > 0 {
			expertID = experts[0].ID
		}
	} else {
		u, err := s.GetUserByID(expertID)
		if err != nil {
			return nil, err
		}
		if u.Role != RoleExpert {
			return nil, store.ErrNotFound
		}
	}

	id := uuid.NewString()
	query := s.rebind("INSERT INTO sessions (id, user_id, expert_id, status, created_at) VALUES (?, ?, ?, ?, ?)")
	if _, err := s.db.Exec(query, id, userID, expertID, models.StatusActive, time.Now().UTC()); err != nil {
		return nil, err
	}
	return s.GetSession(id)
}

const sessionColumns = `
	SELECT s.id, s.user_id, s.expert_id, COALESCE(e.name, ''), s.status, s.created_at
	FROM sessions s
	LEFT JOIN users e ON s.expert_id = e.id
`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var sess models.Session
	var status string
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.ExpertID, &sess.ExpertName, &status, &sess.CreatedAt); err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	sess.Messages = []models.Message{}
	return &sess, nil
}

// GetSession returns the session with its messages.
func (s *SQLStore) GetSession(id string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRow(s.rebind(sessionColumns+"WHERE s.id = ?"), id))
	if err != nil {
		return nil, notFound(err)
	}
	sess.Messages, err = s.GetSessionMessages(id)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessions returns the sessions participantID takes part in, as user or
// expert, newest first. Messages are not included.
func (s *SQLStore) ListSessions(participantID string, status models.SessionStatus) ([]models.Session, error) {
	query := s.rebind(sessionColumns + "WHERE (s.user_id = ? OR s.expert_id = ?) AND s.status = ? ORDER BY s.created_at DESC")
	rows, err := s.db.Query(query, participantID, participantID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SQLStore) CloseSession(id string) error {
	query := s.rebind("UPDATE sessions SET status = ? WHERE id = ?")
	result, err := s.db.Exec(query, models.StatusCompleted, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLStore) IsParticipant(sessionID, userID string) (bool, error) {
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ? AND (user_id = ? OR expert_id = ?))")
	err := s.db.QueryRow(query, sessionID, userID, userID).Scan(&exists)
	return exists, err
}

func (s *SQLStore) SaveMessage(sessionID, senderID, content string) (*models.Message, error) {
	m := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	query := s.rebind("INSERT INTO messages (id, session_id, sender_id, content, created_at) VALUES (?, ?, ?, ?, ?)")
	if _, err := s.db.Exec(query, m.ID, m.SessionID, m.SenderID, m.Content, m.CreatedAt); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLStore) GetSessionMessages(sessionID string) ([]models.Message, error) {
	query := s.rebind(`
		SELECT id, session_id, sender_id, content, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`)
	rows, err := s.db.Query(query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLStore) CreateRefreshToken(userID string, expiresAt time.Time) (string, error) {
	id := uuid.NewString()
	query := s.rebind("INSERT INTO refresh_tokens (id, user_id, expires_at) VALUES (?, ?, ?)")
	if _, err := s.db.Exec(query, id, userID, expiresAt.UTC()); err != nil {
		return "", err
	}
	return id, nil
}

// ConsumeRefreshToken deletes the token and returns its owner. A token can be
// consumed once; expired or unknown tokens yield store.ErrNotFound.
func (s *SQLStore) ConsumeRefreshToken(id string) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var userID string
	var expiresAt time.Time
	query := s.rebind("SELECT user_id, expires_at FROM refresh_tokens WHERE id = ?")
	if err := tx.QueryRow(query, id).Scan(&userID, &expiresAt); err != nil {
		return "", notFound(err)
	}

	result, err := tx.Exec(s.rebind("DELETE FROM refresh_tokens WHERE id = ?"), id)
	if err != nil {
		return "", err
	}
	if n, err := result.RowsAffected(); err != nil {
		return "", err
	} else if n == 0 {
		return "", store.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	if time.Now().After(expiresAt) {
		return "", store.ErrNotFound
	}
	return userID, nil
}

func (s *SQLStore) DeleteRefreshToken(id string) error {
	_, err := s.db.Exec(s.rebind("DELETE FROM refresh_tokens WHERE id = ?"), id)
	return err
}
