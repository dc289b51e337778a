package provision

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgpassfile"
	"github.com/jackc/pgservicefile"
)

// LoadServiceProfile reads a server-held connection profile from a libpq
// service file. When the service entry has no password it is looked up in
// passFile (a .pgpass file); an empty passFile skips the lookup.
func LoadServiceProfile(serviceFile, serviceName, passFile string) (ConnectionConfig, error) {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		return ConnectionConfig{}, fmt.Errorf("service name required")
	}
	services, err := pgservicefile.ReadServicefile(serviceFile)
	if err != nil {
		return ConnectionConfig{}, fmt.Errorf("read service file: %w", err)
	}
	service, err := services.GetService(serviceName)
	if err != nil {
		return ConnectionConfig{}, fmt.Errorf("lookup service %q: %w", serviceName, err)
	}

	settings := service.Settings
	cfg := ConnectionConfig{
		Host:     settings["host"],
		Username: settings["user"],
		Password: settings["password"],
		DBName:   settings["dbname"],
	}
	if raw := strings.TrimSpace(settings["port"]); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return ConnectionConfig{}, fmt.Errorf("service %q: invalid port %q", serviceName, raw)
		}
		cfg.Port = Port(port)
	}
	cfg = cfg.Resolve().WithDefaultPort()

	if cfg.Password == "" && strings.TrimSpace(passFile) != "" {
		passwords, err := pgpassfile.ReadPassfile(passFile)
		if err != nil {
			return ConnectionConfig{}, fmt.Errorf("read passfile: %w", err)
		}
		cfg.Password = passwords.FindPassword(cfg.Host, strconv.Itoa(int(cfg.Port)), cfg.DBName, cfg.Username)
	}

	if err := cfg.Validate(); err != nil {
		return ConnectionConfig{}, fmt.Errorf("service %q: %w", serviceName, err)
	}
	return cfg, nil
}
