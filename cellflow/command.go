/*
	This file holds the Command type used by the command-line switchboard.
*/

package cellflow

import "strings"

// Keys for setting various arguments within the command line via "key=value" strings.
const (
	KeyConfigFile = "config"
	KeyDataset    = "dataset"
	KeyResults    = "results"
	KeyAxis       = "axis"
	KeyWorkers    = "workers"
)

var setKeys = map[string]bool{
	KeyConfigFile: true,
	KeyDataset:    true,
	KeyResults:    true,
	KeyAxis:       true,
	KeyWorkers:    true,
}

// Command is a command line split into words.  The first item is the command name,
// e.g., "segment".  Other arguments are positional arguments or settings of the form
// "<key>=<value>".
type Command []string

// String returns a space-separated command line
func (cmd Command) String() string {
	return strings.Join([]string(cmd), " ")
}

// Name returns the first argument which is assumed to be the name of the command.
func (cmd Command) Name() string {
	if len(cmd) == 0 {
		return ""
	}
	return cmd[0]
}

// Parameter scans a command for any "key=value" argument and returns
// the value of the passed 'key'.
func (cmd Command) Parameter(key string) (value string, found bool) {
	if len(cmd) > 1 {
		for _, arg := range cmd[1:] {
			elems := strings.SplitN(arg, "=", 2)
			if len(elems) == 2 && elems[0] == key {
				return elems[1], true
			}
		}
	}
	return
}

// CommandArgs sets a variadic argument set of string pointers to positional
// arguments, ignoring setting arguments of the form "<key>=<value>".
// If there aren't enough arguments to set a target, the target is set to the
// empty string.  It returns an 'overflow' slice that has all arguments
// beyond those needed for targets.
func (cmd Command) CommandArgs(targets ...*string) (overflow []string) {
	for _, target := range targets {
		*target = ""
	}
	if len(cmd) < 2 {
		return
	}
	cur := 0
	for _, arg := range cmd[1:] {
		elems := strings.SplitN(arg, "=", 2)
		if len(elems) == 2 && setKeys[elems[0]] {
			continue
		}
		if cur < len(targets) {
			*(targets[cur]) = arg
		} else {
			overflow = append(overflow, arg)
		}
		cur++
	}
	return
}
