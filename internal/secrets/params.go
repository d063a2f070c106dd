package secrets

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/logger"
)

// ConnectionParameters are the resolved destination database values for one invocation.
// They are immutable once built; String never reveals the password
type ConnectionParameters struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string

	// Administrative handles for the RDS Data API. Optional
	ClusterARN     string
	AdminSecretARN string
	AdminDatabase  string
}

// Validate reports the first missing field
func (p ConnectionParameters) Validate() error {
	switch {
	case p.Host == "":
		return fmt.Errorf("%w: host", ErrMissingKey)
	case p.Port <= 0:
		return fmt.Errorf("%w: port", ErrMissingKey)
	case p.Database == "":
		return fmt.Errorf("%w: dbname", ErrMissingKey)
	case p.User == "":
		return fmt.Errorf("%w: username", ErrMissingKey)
	case p.Password == "":
		return fmt.Errorf("%w: password", ErrMissingKey)
	}
	return nil
}

// ConnString returns a postgresql:// URL with user and password escaped
func (p ConnectionParameters) ConnString() string {
	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(p.User, p.Password),
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	return u.String()
}

func (p ConnectionParameters) String() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s", p.User, logger.Redact(p.Password), p.Host, p.Port, p.Database)
}

// Credentials are the DAP API client credentials
type Credentials struct {
	ClientID     string
	ClientSecret string
}

func (c Credentials) String() string {
	return fmt.Sprintf("client_id=%s client_secret=%s", c.ClientID, logger.Redact(c.ClientSecret))
}
