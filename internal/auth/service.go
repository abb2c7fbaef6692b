package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/preto960/pluginbay/internal/db"
)

// User is an operator account. Role is "admin" or "operator"; admins may
// manage other accounts, both roles may drive plugin lifecycles.
type User struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	Role        string     `json:"role"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
}

type Service struct {
	db  *db.DB
	jwt *JWTService
}

func NewService(database *db.DB, jwtService *JWTService) *Service {
	return &Service{db: database, jwt: jwtService}
}

// Register creates an operator account. The first account ever created is
// promoted to admin so a fresh deployment can bootstrap itself.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	var count int
	if err := s.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	role := "operator"
	if count == 0 {
		role = "admin"
	}

	var user User
	err = s.db.Pool.QueryRow(ctx,
		`INSERT INTO users (email, password_hash, display_name, role)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, email, display_name, role, created_at`,
		email, string(hash), displayName, role,
	).Scan(&user.ID, &user.Email, &user.DisplayName, &user.Role, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return &user, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (string, string, error) {
	var id, storedHash, role string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, password_hash, role FROM users WHERE email = $1`,
		email,
	).Scan(&id, &storedHash, &role)
	if err != nil {
		return "", "", fmt.Errorf("invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)); err != nil {
		return "", "", fmt.Errorf("invalid credentials")
	}

	if _, err := s.db.Pool.Exec(ctx, `UPDATE users SET last_login = NOW() WHERE id = $1`, id); err != nil {
		return "", "", fmt.Errorf("failed to update last login: %w", err)
	}

	accessToken, err := s.jwt.GenerateToken(id, email, role)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate access token: %w", err)
	}
	refreshToken, err := s.jwt.GenerateRefreshToken(id)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return accessToken, refreshToken, nil
}

func (s *Service) RefreshToken(ctx context.Context, refreshToken string) (string, error) {
	claims, err := s.jwt.ValidateToken(refreshToken)
	if err != nil {
		return "", fmt.Errorf("invalid refresh token: %w", err)
	}

	var email, role string
	err = s.db.Pool.QueryRow(ctx, `SELECT email, role FROM users WHERE id = $1`, claims.UserID).
		Scan(&email, &role)
	if err != nil {
		return "", fmt.Errorf("user not found")
	}

	accessToken, err := s.jwt.GenerateToken(claims.UserID, email, role)
	if err != nil {
		return "", fmt.Errorf("failed to generate access token: %w", err)
	}
	return accessToken, nil
}

func (s *Service) GetUserByID(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, email, display_name, role, created_at, last_login
		 FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.Email, &user.DisplayName, &user.Role, &user.CreatedAt, &user.LastLogin)
	if err != nil {
		return nil, fmt.Errorf("user not found")
	}
	return &user, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, email, display_name, role, created_at, last_login
		 FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Role, &u.CreatedAt, &u.LastLogin); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Service) DeleteUser(ctx context.Context, id string) error {
	result, err := s.db.Pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("user not found")
	}
	return nil
}
