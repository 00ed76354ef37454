// Package cliargs parses the command-line grammar shared by both trunk
// binaries: one or more numbered local/external points plus a single trunk
// endpoint carrying a comma-separated port list.
package cliargs

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ExitCode mirrors the reference binaries' exit contract: 1 for no
// arguments/help, 2 for a malformed argument, 3 for a missing required
// group.
type ExitCode int

const (
	ExitHelp       ExitCode = 1
	ExitMalformed  ExitCode = 2
	ExitIncomplete ExitCode = 3
)

// ParseError carries the process exit code alongside a human-readable
// message for standard error.
type ParseError struct {
	Code ExitCode
	Msg  string
}

func (e *ParseError) Error() string { return e.Msg }

// Point is one numbered --local/--external endpoint.
type Point struct {
	ID      uint32
	Address string
	Port    uint16
}

func (p Point) String() string {
	return fmt.Sprintf("%d=%s:%d", p.ID, p.Address, p.Port)
}

// Config is the fully parsed command line: the numbered points keyed by
// their PointID, and the trunk's single IP with its list of ports.
type Config struct {
	Points     map[uint32]Point
	TrunkHost  string
	TrunkPorts []uint16
	ConfigPath string
}

// Parse walks args looking for pointPrefix (e.g. "--local" or "--external"),
// "--trunk=", and an optional "--config=". Any other argument is ignored, to
// stay forward-compatible the way the reference parser does (it only checks
// starts_with on the two prefixes it knows).
func Parse(args []string, pointPrefix string) (*Config, *ParseError) {
	if len(args) == 0 {
		return nil, &ParseError{Code: ExitHelp, Msg: "no arguments given"}
	}

	cfg := &Config{Points: make(map[uint32]Point)}
	const trunkPrefix = "--trunk="
	const configPrefix = "--config="

	for _, a := range args {
		switch {
		case strings.HasPrefix(a, trunkPrefix):
			host, ports, err := parseTrunkPoint(strings.TrimPrefix(a, trunkPrefix))
			if err != nil {
				return nil, &ParseError{Code: ExitMalformed, Msg: fmt.Sprintf("--trunk: %v", err)}
			}
			cfg.TrunkHost = host
			cfg.TrunkPorts = ports
		case strings.HasPrefix(a, configPrefix):
			cfg.ConfigPath = strings.TrimPrefix(a, configPrefix)
		case strings.HasPrefix(a, pointPrefix):
			p, err := parsePoint(strings.TrimPrefix(a, pointPrefix))
			if err != nil {
				return nil, &ParseError{Code: ExitMalformed, Msg: fmt.Sprintf("%s: %v", pointPrefix, err)}
			}
			cfg.Points[p.ID] = p
		}
	}

	if len(cfg.Points) == 0 {
		return nil, &ParseError{Code: ExitIncomplete, Msg: fmt.Sprintf("no %s point given", pointPrefix)}
	}
	if len(cfg.TrunkPorts) == 0 {
		return nil, &ParseError{Code: ExitIncomplete, Msg: "no trunk point given"}
	}

	return cfg, nil
}

// parsePoint parses "<id>=<ipv4>:<port>" — the id is every digit up to the
// first '=', not a separately-numbered flag instance.
func parsePoint(argWithoutPrefix string) (Point, error) {
	eq := strings.IndexByte(argWithoutPrefix, '=')
	if eq <= 0 {
		return Point{}, fmt.Errorf("missing '=' in %q", argWithoutPrefix)
	}

	id, err := strconv.ParseUint(argWithoutPrefix[:eq], 10, 32)
	if err != nil {
		return Point{}, fmt.Errorf("bad point id in %q: %w", argWithoutPrefix, err)
	}

	rest := argWithoutPrefix[eq+1:]
	colon := strings.IndexByte(rest, ':')
	if colon <= 0 {
		return Point{}, fmt.Errorf("missing ':' in %q", rest)
	}

	address := rest[:colon]
	if net.ParseIP(address) == nil {
		return Point{}, fmt.Errorf("bad ipv4 address %q", address)
	}

	port, err := strconv.ParseUint(rest[colon+1:], 10, 16)
	if err != nil {
		return Point{}, fmt.Errorf("bad port in %q: %w", rest, err)
	}

	return Point{ID: uint32(id), Address: address, Port: uint16(port)}, nil
}

// parseTrunkPoint parses "<ipv4>:<port>[,<port>...]".
func parseTrunkPoint(argWithoutPrefix string) (host string, ports []uint16, err error) {
	colon := strings.IndexByte(argWithoutPrefix, ':')
	if colon <= 0 {
		return "", nil, fmt.Errorf("missing ':' in %q", argWithoutPrefix)
	}

	host = argWithoutPrefix[:colon]
	if net.ParseIP(host) == nil {
		return "", nil, fmt.Errorf("bad ipv4 address %q", host)
	}

	for _, chunk := range strings.Split(argWithoutPrefix[colon+1:], ",") {
		if chunk == "" {
			return "", nil, fmt.Errorf("empty port in %q", argWithoutPrefix)
		}
		port, err := strconv.ParseUint(chunk, 10, 16)
		if err != nil {
			return "", nil, fmt.Errorf("bad port %q: %w", chunk, err)
		}
		ports = append(ports, uint16(port))
	}

	return host, ports, nil
}
