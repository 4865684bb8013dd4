package auth

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/EternisAI/overlord/internal/users"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Service struct {
	users  *users.Service
	config Config
}

func NewService(users *users.Service, config Config) *Service {
	return &Service{
		users:  users,
		config: config,
	}
}

// Enabled reports whether console routes require a bearer token.
func (s *Service) Enabled() bool {
	return s.users.Enabled()
}

func (s *Service) Secret() string {
	return s.config.JWTSecret
}

func (s *Service) Login(username, password string) (string, error) {
	user, err := s.users.Authenticate(username, password)
	if err != nil {
		slog.Warn("Login failed", "username", username, "error", err)
		return "", ErrInvalidCredentials
	}

	token, err := GenerateToken(s.config, user.Username, user.Role)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}
