package attachment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lithammer/shortuuid/v4"
)

// DefaultURLTTL is how long a signed file URL stays valid.
const DefaultURLTTL = 24 * time.Hour

var (
	ErrInvalidKey   = errors.New("invalid file key")
	ErrInvalidToken = errors.New("invalid file token")

	keyPattern = regexp.MustCompile(`^[A-Za-z0-9]{10,40}(\.[a-z0-9]{1,5})?$`)
)

// FileStore keeps uploaded files under a directory, addressed by opaque keys.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create file dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes data under a fresh key with the given extension (".jpg").
func (s *FileStore) Save(data []byte, ext string) (string, error) {
	key := shortuuid.New() + ext
	if err := os.WriteFile(filepath.Join(s.dir, key), data, 0640); err != nil {
		return "", fmt.Errorf("save file: %w", err)
	}
	return key, nil
}

// Path returns the location of a stored file.
func (s *FileStore) Path(key string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.dir, key), nil
}

type fileClaims struct {
	Key string `json:"key"`
	jwt.RegisteredClaims
}

// Signer issues and checks HS256 tokens granting a user access to one file.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *Signer) Sign(key, userID string) (string, error) {
	now := s.now()
	claims := fileClaims{
		Key: key,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks that token grants access to key and returns the user it was
// issued to.
func (s *Signer) Verify(token, key string) (string, error) {
	var claims fileClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Key != key {
		return "", fmt.Errorf("%w: key mismatch", ErrInvalidToken)
	}
	return claims.Subject, nil
}
