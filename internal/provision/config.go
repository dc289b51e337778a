package provision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"musive/internal/apperr"
)

const defaultPort = 5432

// Port accepts a JSON number or a numeric string.
type Port int

// UnmarshalJSON treats null and an empty string as unset. Range checks are
// left to Validate.
func (p *Port) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*p = 0
		return nil
	}
	raw := string(trimmed)
	if strings.HasPrefix(raw, "\"") {
		var str string
		if err := json.Unmarshal(trimmed, &str); err != nil {
			return err
		}
		raw = strings.TrimSpace(str)
		if raw == "" {
			*p = 0
			return nil
		}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("port %q is not an integer", raw)
	}
	*p = Port(n)
	return nil
}

// ConnectionConfig is the caller-supplied description of the relational
// store. It is transient and never persisted.
type ConnectionConfig struct {
	Host     string `json:"database_url"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Port     Port   `json:"port"`
}

// IsZero reports whether no field was supplied.
func (c ConnectionConfig) IsZero() bool {
	return strings.TrimSpace(c.Host) == "" && c.Username == "" && c.Password == "" && strings.TrimSpace(c.DBName) == "" && c.Port == 0
}

// Resolve fills db_name and port from database_url when they are missing.
// database_url may be "host", "host:port", "host:port/db" or a full
// postgres:// URL.
func (c ConnectionConfig) Resolve() ConnectionConfig {
	out := c
	out.Host = strings.TrimSpace(out.Host)
	out.DBName = strings.TrimSpace(out.DBName)
	out.Username = strings.TrimSpace(out.Username)
	if out.Host == "" {
		return out
	}

	if strings.HasPrefix(out.Host, "postgres://") || strings.HasPrefix(out.Host, "postgresql://") {
		parsed, err := url.Parse(out.Host)
		if err != nil {
			return out
		}
		out.Host = parsed.Hostname()
		if out.Port == 0 {
			if n, err := strconv.Atoi(parsed.Port()); err == nil {
				out.Port = Port(n)
			}
		}
		if out.DBName == "" {
			out.DBName = strings.Trim(parsed.Path, "/")
		}
		if parsed.User != nil {
			if out.Username == "" {
				out.Username = parsed.User.Username()
			}
			if pw, ok := parsed.User.Password(); ok && out.Password == "" {
				out.Password = pw
			}
		}
		return out
	}

	hostPort := out.Host
	if idx := strings.Index(hostPort, "/"); idx >= 0 {
		if out.DBName == "" {
			out.DBName = strings.Trim(hostPort[idx+1:], "/")
		}
		hostPort = hostPort[:idx]
	}
	if host, port, err := net.SplitHostPort(hostPort); err == nil {
		hostPort = host
		if out.Port == 0 {
			if n, err := strconv.Atoi(port); err == nil {
				out.Port = Port(n)
			}
		}
	}
	out.Host = hostPort
	return out
}

// Validate requires every field and a port in 1..65535.
func (c ConnectionConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.Host) == "":
		return apperr.Validation("database_url", "database_url is required")
	case strings.TrimSpace(c.Username) == "":
		return apperr.Validation("username", "username is required")
	case c.Password == "":
		return apperr.Validation("password", "password is required")
	case strings.TrimSpace(c.DBName) == "":
		return apperr.Validation("db_name", "db_name is required")
	case c.Port <= 0 || c.Port > 65535:
		return apperr.Validation("port", "port must be a positive integer no greater than 65535")
	}
	return nil
}

// WithDefaultPort returns c with port 5432 when none was given.
func (c ConnectionConfig) WithDefaultPort() ConnectionConfig {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	return c
}

// Target renders host:port/db as user, without the password.
func (c ConnectionConfig) Target() string {
	return fmt.Sprintf("%s@%s/%s", c.Username, net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port))), c.DBName)
}

// DSN builds a postgres:// connection string for database. An empty
// database selects c.DBName.
func (c ConnectionConfig) DSN(database, sslMode string) string {
	if database == "" {
		database = c.DBName
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port))),
		Path:   "/" + database,
	}
	if sslMode != "" {
		u.RawQuery = url.Values{"sslmode": {sslMode}}.Encode()
	}
	return u.String()
}

// String hides the password.
func (c ConnectionConfig) String() string {
	return c.Target()
}
