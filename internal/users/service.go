package users

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid password")
)

const RoleOperator = "operator"

type UserInfo struct {
	Username string
	Role     string
}

// Service holds the console users configured on the hub. Passwords are
// stored only as bcrypt hashes.
type Service struct {
	hashes map[string]string
}

// NewService takes username -> bcrypt hash, as found under auth.users.
func NewService(hashes map[string]string) (*Service, error) {
	s := &Service{hashes: make(map[string]string, len(hashes))}
	for name, hash := range hashes {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("user with empty name")
		}
		if !IsHash(hash) {
			return nil, fmt.Errorf("user %q: password is not a bcrypt hash", name)
		}
		s.hashes[name] = hash
	}
	return s, nil
}

// Enabled reports whether any users are configured. Without users the
// console API is open.
func (s *Service) Enabled() bool {
	return len(s.hashes) > 0
}

func (s *Service) Authenticate(username, password string) (UserInfo, error) {
	hash, ok := s.hashes[username]
	if !ok {
		// Spend the same time as a real comparison.
		CheckPassword(password, dummyHash)
		return UserInfo{}, ErrUserNotFound
	}
	if !CheckPassword(password, hash) {
		return UserInfo{}, ErrInvalidPassword
	}
	return UserInfo{Username: username, Role: RoleOperator}, nil
}

func (s *Service) ListUsers() []UserInfo {
	result := make([]UserInfo, 0, len(s.hashes))
	for name := range s.hashes {
		result = append(result, UserInfo{Username: name, Role: RoleOperator})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result
}
