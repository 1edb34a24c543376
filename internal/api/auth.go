package api

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// FailureLimit is the number of failed logins which locks the account.
	FailureLimit   = 3
	LockoutCoolOff = 30 * time.Minute
	TokenTTL       = 24 * time.Hour
)

var (
	ErrBadCredentials = errors.New("bad credentials")
	ErrLockedOut      = errors.New("locked out")
)

type attempts struct {
	failures    int
	lockedUntil time.Time
}

// Auth authenticates the bootstrap admin with basic auth or with a token
// obtained from /token/. Repeated failures lock the user out.
type Auth struct {
	username string
	password string
	now      func() time.Time

	mu       sync.Mutex
	tokens   map[string]time.Time
	attempts map[string]*attempts
}

func NewAuth(username, password string) *Auth {
	return &Auth{
		username: username,
		password: password,
		now:      time.Now,
		tokens:   make(map[string]time.Time),
		attempts: make(map[string]*attempts),
	}
}

// check verifies the user and password, counting the failures.
func (a *Auth) check(username, password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	at := a.attempts[username]
	if at != nil && now.Before(at.lockedUntil) {
		return ErrLockedOut
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	if a.password != "" && userOK && passOK {
		delete(a.attempts, username)
		return nil
	}
	if at == nil {
		at = &attempts{}
		a.attempts[username] = at
	}
	at.failures++
	if at.failures >= FailureLimit {
		at.failures = 0
		at.lockedUntil = now.Add(LockoutCoolOff)
		return ErrLockedOut
	}
	return ErrBadCredentials
}

// Login returns a new token for valid credentials.
func (a *Auth) Login(username, password string) (string, error) {
	if err := a.check(username, password); err != nil {
		return "", err
	}
	token := rand.Text()
	a.mu.Lock()
	a.tokens[token] = a.now().Add(TokenTTL)
	a.mu.Unlock()
	return token, nil
}

func (a *Auth) validToken(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	expires, ok := a.tokens[token]
	if !ok {
		return false
	}
	if a.now().After(expires) {
		delete(a.tokens, token)
		return false
	}
	return true
}

// Middleware rejects the requests without a valid token or basic auth.
func (a *Auth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		scheme, token, _ := strings.Cut(header, " ")
		switch strings.ToLower(scheme) {
		case "token", "bearer":
			if a.validToken(strings.TrimSpace(token)) {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Invalid token."})
			return
		case "basic":
			user, pass, _ := c.Request.BasicAuth()
			err := a.check(user, pass)
			if err == nil {
				c.Next()
				return
			}
			rejectLogin(c, err)
			return
		}
		c.Header("WWW-Authenticate", `Basic realm="quipucords"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Authentication credentials were not provided."})
	}
}

func rejectLogin(c *gin.Context, err error) {
	if errors.Is(err, ErrLockedOut) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"non_field_errors": []string{"Too many failed login attempts."}})
		return
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"non_field_errors": []string{"Unable to log in with provided credentials."}})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) token(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	token, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		rejectLogin(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}
