// Package common provides general utility helper functions and types
package common

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"
)

// Round returns a value less than or equal to value that is a multiple of
// nearest.
func Round(value int64, nearest int64) int64 {
	return (value / nearest) * nearest
}

// TimeTrack tracks execution time of each function.
func TimeTrack(start time.Time, name string, logger *slog.Logger) {
	elapsed := time.Since(start)
	logger.Debug(name, "elapsed_time", elapsed)
}

// GetUUIDFromString returns a deterministic UUID for a given slice of strings.
func GetUUIDFromString(stringSlice []string) (string, error) {
	s := strings.Join(stringSlice, ",")
	h := xxh3.HashString128(s).Bytes()
	id, err := uuid.FromBytes(h[:])

	return id.String(), err
}

// MakeConfig reads a config file and unmarshals it into a new instance of T.
// Defaults are applied by the UnmarshalYAML methods of the config types.
func MakeConfig[T any](filePath string) (*T, error) {
	config := new(T)

	if filePath == "" {
		return config, errors.New("config file path missing")
	}

	configFile, err := os.ReadFile(filePath)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(configFile, config); err != nil {
		return config, err
	}

	return config, nil
}

// GetFreePort makes the closing of the listener the responsibility of the
// caller to guarantee that multiple random port allocations don't collide.
func GetFreePort() (int, *net.TCPListener, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, nil, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, nil, err
	}

	tcpAddr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, nil, errors.New("failed type assertion")
	}

	return tcpAddr.Port, l, nil
}

func startsOrEndsWithQuote(s string) bool {
	return strings.HasPrefix(s, "\"") || strings.HasPrefix(s, "'") ||
		strings.HasSuffix(s, "\"") || strings.HasSuffix(s, "'")
}

// ComputeExternalURL computes a sanitized external URL from a raw input. It
// infers unset URL parts from the OS and the given listen address.
func ComputeExternalURL(u, listenAddr string) (*url.URL, error) {
	if u == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, err
		}

		_, port, err := net.SplitHostPort(listenAddr)
		if err != nil {
			return nil, err
		}

		u = fmt.Sprintf("http://%s/", net.JoinHostPort(hostname, port))
	}

	if startsOrEndsWithQuote(u) {
		return nil, errors.New("URL must not begin or end with quotes")
	}

	eu, err := url.Parse(u)
	if err != nil {
		return nil, err
	}

	ppref := strings.TrimRight(eu.Path, "/")
	if ppref != "" && !strings.HasPrefix(ppref, "/") {
		ppref = "/" + ppref
	}

	eu.Path = ppref

	return eu, nil
}
