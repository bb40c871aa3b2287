package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/shlex"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SplitCommand securely splits a command string into a slice of arguments.
// Quoting follows shell rules but nothing is ever handed to a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// ParseCommand turns `tool key=value ...` into a tool name and arguments.
// Values that parse as JSON (numbers, booleans, arrays, objects, quoted
// strings) keep their JSON type; anything else is a plain string.
//
//	slow_calculation n=5
//	process_batch items='["apple","banana"]' process_time_per_item=0.1
//	long_running_task duration=2 task_name="quick task"
func ParseCommand(command string) (string, map[string]any, error) {
	parts, err := SplitCommand(command)
	if err != nil {
		return "", nil, err
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("command is empty")
	}

	name := parts[0]
	if !identifier.MatchString(name) {
		return "", nil, fmt.Errorf("invalid tool name: %s", name)
	}

	args := make(map[string]any, len(parts)-1)
	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return "", nil, fmt.Errorf("argument must have the form key=value: %s", part)
		}
		if !identifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid argument name: %s", key)
		}
		if _, dup := args[key]; dup {
			return "", nil, fmt.Errorf("duplicate argument: %s", key)
		}
		args[key] = parseValue(value)
	}
	return name, args, nil
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
