package redis

import (
	"net/url"
	"strconv"
	"strings"
)

// ParsedURI is the result of parsing a redis:// connection URI:
// "redis://[:password@]host[:port][/database]". Unknown query
// parameters are ignored.
type ParsedURI struct {
	Host     string
	Port     string
	Password string
	Database int
}

// ParseURI parses a redis:// URI. An empty host defaults to
// "localhost"; an empty port defaults to "6379" (normalizeAddr
// applies the same defaults for bare host:port strings).
func ParseURI(uri string) (ParsedURI, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return ParsedURI{}, newError(KindProtocol, err)
	}

	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "6379"
	}

	var password string
	if u.User != nil {
		password, _ = u.User.Password()
	}

	db := 0
	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		db, err = strconv.Atoi(path)
		if err != nil {
			return ParsedURI{}, newError(KindProtocol, err)
		}
	}

	return ParsedURI{Host: host, Port: port, Password: password, Database: db}, nil
}
