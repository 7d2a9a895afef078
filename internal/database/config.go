package database

import (
	"errors"
	"net/url"
)

// Config holds Postgres connection settings (DB_* environment variables).
type Config struct {
	User     string
	Password string
	Host     string
	Port     string `default:"5432"`
	Name     string
	SSLMode  string `default:"disable"`
	MaxConns int32  `split_words:"true" default:"10"`
}

// Validate reports missing required settings. Only called when Postgres is
// the selected store.
func (c Config) Validate() error {
	var errs []error
	if c.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	return errors.Join(errs...)
}

// DSN builds a URL-encoded connection string.
func (c Config) DSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + c.Port,
		Path:   "/" + c.Name,
	}
	q := u.Query()
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	q.Set("sslmode", sslmode)
	u.RawQuery = q.Encode()
	return u.String()
}
