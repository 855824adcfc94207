// Package config turns a connection string and the process environment
// into pgconn.ConnectionOptions. It is kept outside the core package so
// that the connection state machine never has to know about URL syntax,
// libpq keyword/value strings, or PG* environment variables.
package config

import (
	"fmt"
	"net"
	neturl "net/url"
	"strconv"
	"strings"

	"github.com/coreglide/pgconn"
)

// Parse accepts either a "postgres://" / "postgresql://" URL or a
// whitespace-separated sequence of key=value pairs (values may be
// single-quoted; inside quotes a backslash makes the character after it
// literal, so \' and \\ stand for ' and \), and
// returns the equivalent ConnectionOptions.
func Parse(dsn string) (pgconn.ConnectionOptions, error) {
	dsn = strings.TrimSpace(dsn)

	var kv map[string]string
	var err error
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		kv, err = parseURL(dsn)
	} else {
		kv, err = parseKeywordValue(dsn)
	}
	if err != nil {
		return pgconn.ConnectionOptions{}, err
	}

	return optionsFromMap(kv)
}

func parseURL(raw string) (map[string]string, error) {
	u, err := neturl.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("config: invalid connection protocol: %s", u.Scheme)
	}

	kv := map[string]string{}
	if u.User != nil {
		if v := u.User.Username(); v != "" {
			kv["user"] = v
		}
		if v, ok := u.User.Password(); ok {
			kv["password"] = v
		}
	}

	if host, port, err := net.SplitHostPort(u.Host); err != nil {
		if u.Host != "" {
			kv["host"] = u.Host
		}
	} else {
		kv["host"] = host
		kv["port"] = port
	}

	if len(u.Path) > 1 {
		kv["dbname"] = u.Path[1:]
	}

	q := u.Query()
	for k := range q {
		kv[k] = q.Get(k)
	}
	return kv, nil
}

// parseKeywordValue implements the libpq "key=value key2=value2" grammar:
// unquoted values run to the next whitespace, quoted values run to the
// matching unescaped single quote.
func parseKeywordValue(s string) (map[string]string, error) {
	kv := map[string]string{}
	runes := []rune(s)
	i := 0
	n := len(runes)

	skipSpace := func() {
		for i < n && isSpace(runes[i]) {
			i++
		}
	}

	for {
		skipSpace()
		if i >= n {
			break
		}

		start := i
		for i < n && !isSpace(runes[i]) && runes[i] != '=' {
			i++
		}
		key := string(runes[start:i])
		if key == "" {
			return nil, fmt.Errorf("config: unexpected character %q in connection string", runes[i])
		}

		skipSpace()
		if i >= n || runes[i] != '=' {
			return nil, fmt.Errorf("config: missing \"=\" after %q in connection string", key)
		}
		i++
		skipSpace()

		var value strings.Builder
		if i < n && runes[i] == '\'' {
			i++
			for {
				if i >= n {
					return nil, fmt.Errorf("config: unterminated quoted value for %q", key)
				}
				if runes[i] == '\\' && i+1 < n {
					i++
					value.WriteRune(runes[i])
					i++
					continue
				}
				if runes[i] == '\'' {
					i++
					break
				}
				value.WriteRune(runes[i])
				i++
			}
		} else {
			start := i
			for i < n && !isSpace(runes[i]) {
				i++
			}
			value.WriteString(string(runes[start:i]))
		}

		kv[key] = value.String()
	}
	return kv, nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func optionsFromMap(kv map[string]string) (pgconn.ConnectionOptions, error) {
	o := pgconn.ConnectionOptions{
		Host:            kv["host"],
		Port:            kv["port"],
		User:            kv["user"],
		Password:        kv["password"],
		Database:        kv["dbname"],
		ApplicationName: kv["application_name"],
	}

	switch kv["sslmode"] {
	case "", "disable":
		o.TLS = pgconn.TLSOptions{Enabled: kv["sslmode"] != "disable" && kv["sslmode"] != ""}
	case "require":
		o.TLS = pgconn.TLSOptions{Enabled: true, Enforce: true}
	case "verify-ca", "verify-full":
		o.TLS = pgconn.TLSOptions{Enabled: true, Enforce: true}
	default:
		return pgconn.ConnectionOptions{}, fmt.Errorf("config: unsupported sslmode %q", kv["sslmode"])
	}

	if v, ok := kv["connect_timeout"]; ok {
		if _, err := strconv.Atoi(v); err != nil {
			return pgconn.ConnectionOptions{}, fmt.Errorf("config: invalid connect_timeout %q: %w", v, err)
		}
	}

	reserved := map[string]bool{
		"host": true, "port": true, "user": true, "password": true,
		"dbname": true, "application_name": true, "sslmode": true,
		"connect_timeout": true,
	}
	for k, v := range kv {
		if !reserved[k] {
			if o.RuntimeParams == nil {
				o.RuntimeParams = map[string]string{}
			}
			o.RuntimeParams[k] = v
		}
	}

	return o, nil
}

// FromEnvironment overlays PG*-style environment variables onto base,
// filling in only the fields base left at their zero value: a DSN or
// explicit option always wins over the environment.
func FromEnvironment(env []string, base pgconn.ConnectionOptions) pgconn.ConnectionOptions {
	vars := map[string]string{}
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		vars[parts[0]] = parts[1]
	}

	if base.Host == "" {
		base.Host = vars["PGHOST"]
	}
	if base.Port == "" {
		base.Port = vars["PGPORT"]
	}
	if base.User == "" {
		base.User = vars["PGUSER"]
	}
	if base.Password == "" {
		base.Password = vars["PGPASSWORD"]
	}
	if base.Database == "" {
		base.Database = vars["PGDATABASE"]
	}
	if base.ApplicationName == "" {
		base.ApplicationName = vars["PGAPPNAME"]
	}
	if mode, ok := vars["PGSSLMODE"]; ok && !base.TLS.Enabled {
		switch mode {
		case "disable", "":
		case "require":
			base.TLS = pgconn.TLSOptions{Enabled: true, Enforce: true}
		case "verify-ca", "verify-full":
			base.TLS = pgconn.TLSOptions{Enabled: true, Enforce: true}
		}
	}

	return base
}
