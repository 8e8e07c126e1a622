package bot

import (
	"fmt"
	"strconv"
	"strings"

	"fcc_monitor/internal/model"
)

// FilterArgs holds the parsed arguments of a filter command.
type FilterArgs struct {
	Scope model.FilterScope
	Value string
}

// ParseFilterCommand parses arguments for /include, /exclude, etc.
// Format: [-s title|author|all] <value...>
func ParseFilterCommand(args string) (FilterArgs, error) {
	rest := strings.Fields(args)
	if len(rest) == 0 {
		return FilterArgs{}, fmt.Errorf("usage: [-s title|author|all] <value>")
	}

	scope := model.ScopeAll
	if len(rest) >= 2 && rest[0] == "-s" {
		switch rest[1] {
		case "title":
			scope = model.ScopeTitle
		case "author":
			scope = model.ScopeAuthor
		case "all":
			scope = model.ScopeAll
		default:
			return FilterArgs{}, fmt.Errorf("invalid scope %q, use: title, author, all", rest[1])
		}
		rest = rest[2:]
	}

	if len(rest) == 0 {
		return FilterArgs{}, fmt.Errorf("filter value is required")
	}

	return FilterArgs{
		Scope: scope,
		Value: strings.Join(rest, " "),
	}, nil
}

// ParseIDArg extracts a filter ID from a command argument string. A leading
// "F" as shown by /filters is accepted.
func ParseIDArg(args string) (int, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("filter ID is required")
	}
	s = strings.Fields(s)[0]
	id, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(s), "F"))
	if err != nil {
		return 0, fmt.Errorf("invalid filter ID %q", s)
	}
	return id, nil
}

// ParseToggle reads an on/off argument.
func ParseToggle(args string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("usage: on|off")
}

// ParseFrequency extracts a check interval in minutes.
func ParseFrequency(args string) (int, error) {
	parts := strings.Fields(args)
	if len(parts) != 1 {
		return 0, fmt.Errorf("usage: /frequency <minutes>")
	}
	mins, err := strconv.Atoi(parts[0])
	if err != nil || mins < 1 || mins > 1440 {
		return 0, fmt.Errorf("frequency must be between 1 and 1440 minutes")
	}
	return mins, nil
}
