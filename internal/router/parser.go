package router

import (
	"regexp"
	"strings"
)

// commandRe matches a slash command at the start of a line: "/verb" with an
// optional argument string, separated by spaces or tabs, running to end of
// line.
var commandRe = regexp.MustCompile(`(?m)^/([a-zA-Z][a-zA-Z0-9-]*)(?:[ \t]+(.*))?$`)

// Command is one parsed slash command, its verb and raw trailing argument
// text (not further tokenized - each handler parses its own argument
// shape, as /prioritize and /handoff require different splits).
type Command struct {
	Verb string
	Args string
}

// ParseCommands extracts every slash command from a comment body, in the
// order they appear. A comment may contain several; they are processed in
// textual order, never batched or reordered.
func ParseCommands(body string) []Command {
	matches := commandRe.FindAllStringSubmatch(body, -1)
	commands := make([]Command, 0, len(matches))
	for _, m := range matches {
		commands = append(commands, Command{
			Verb: strings.ToLower(m[1]),
			Args: strings.TrimSpace(m[2]),
		})
	}
	return commands
}
