package schema

import "fmt"

// Group names a fixed set of commands polled together.
type Group string

const (
	// GroupData holds the live telemetry commands.
	GroupData Group = "data"
	// GroupConfig holds identity, rating and firmware commands.
	GroupConfig Group = "config"
)

// groupCommands is the polling policy per group. Order is the query order.
var groupCommands = map[Group][]string{
	GroupData:   {"QPIGS", "QMOD", "QPIWS", "QFLAG", "QET", "QLT"},
	GroupConfig: {"QID", "QGMN", "QPIRI", "QVFW", "QVFW3", "QVFW2", "QMN"},
}

// Groups returns the known groups.
func Groups() []Group {
	return []Group{GroupData, GroupConfig}
}

// ParseGroup accepts a group name. "conf" is accepted as an alias of "config".
func ParseGroup(name string) (Group, error) {
	switch name {
	case string(GroupData):
		return GroupData, nil
	case string(GroupConfig), "conf":
		return GroupConfig, nil
	default:
		return "", fmt.Errorf("unknown command group %q", name)
	}
}

// CommandsForGroup returns the group's commands that this schema describes,
// in polling order.
func (s *Schema) CommandsForGroup(group Group) []string {
	var commands []string
	for _, command := range groupCommands[group] {
		if s.Has(command) {
			commands = append(commands, command)
		}
	}
	return commands
}
