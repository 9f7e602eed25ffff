package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters per the 2017 recommendation for interactive logins.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type userRecord struct {
	salt     []byte
	hash     []byte
	roles    []string
	metadata map[string]any
}

// UserStore is the built-in session source: a registry of users with
// scrypt-hashed passwords plus an HMAC-signed bootstrap admin secret so a
// fresh deployment can log in before any user exists.
type UserStore struct {
	mu         sync.RWMutex
	users      map[string]*userRecord
	adminMAC   []byte // HMAC-SHA256(adminSecret, "bootstrap-admin")
	sessionTTL time.Duration
}

// NewUserStore creates a store. adminSecret may be empty to disable the
// bootstrap admin. sessionTTL of zero produces non-expiring sessions.
func NewUserStore(adminSecret string, sessionTTL time.Duration) *UserStore {
	s := &UserStore{
		users:      make(map[string]*userRecord),
		sessionTTL: sessionTTL,
	}
	if adminSecret != "" {
		s.adminMAC = signAdminSecret(adminSecret)
	}
	return s
}

func signAdminSecret(secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("bootstrap-admin"))
	return mac.Sum(nil)
}

// Register adds a user. Fails with ErrUserExists on duplicates.
func (s *UserStore) Register(username, password string, roles []string, metadata map[string]any) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	hash, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return ErrUserExists
	}
	s.users[username] = &userRecord{salt: salt, hash: hash, roles: roles, metadata: metadata}
	return nil
}

// Authenticate verifies credentials and returns a fresh session. The
// bootstrap admin path compares the password's HMAC against the signed
// admin secret in constant time.
func (s *UserStore) Authenticate(username, password string) (*Session, error) {
	s.mu.RLock()
	rec, ok := s.users[username]
	adminMAC := s.adminMAC
	s.mu.RUnlock()

	if !ok {
		if username == "admin" && adminMAC != nil &&
			hmac.Equal(signAdminSecret(password), adminMAC) {
			return s.newSession("admin", []string{"admin"}, nil), nil
		}
		// Burn a hash anyway so missing users are not distinguishable by timing.
		_, _ = scrypt.Key([]byte(password), make([]byte, 16), scryptN, scryptR, scryptP, scryptKeyLen)
		return nil, ErrInvalidCredentials
	}

	hash, err := scrypt.Key([]byte(password), rec.salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(hash, rec.hash) != 1 {
		return nil, ErrInvalidCredentials
	}
	return s.newSession(username, rec.roles, rec.metadata), nil
}

func (s *UserStore) newSession(userID string, roles []string, metadata map[string]any) *Session {
	sess := &Session{UserID: userID, Roles: roles, Metadata: metadata}
	if s.sessionTTL > 0 {
		sess.ExpiresAt = time.Now().Add(s.sessionTTL)
	}
	return sess
}
