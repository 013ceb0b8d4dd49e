package listener

import "strings"

// Verb is the closed set of recognized commands.
type Verb int

const (
	VerbUnknown Verb = iota
	VerbProcess
	VerbStop
)

func (v Verb) String() string {
	switch v {
	case VerbProcess:
		return "process"
	case VerbStop:
		return "stop"
	}
	return "unknown"
}

// Command is one decoded datagram. Name keeps the verb as received.
type Command struct {
	Verb Verb
	Name string
	Arg  string
}

// ParseCommand decodes "<verb> [argument]". Everything after the first run
// of whitespace is the argument. An empty datagram yields VerbUnknown with
// an empty Name.
func ParseCommand(datagram []byte) Command {
	text := strings.ToValidUTF8(string(datagram), "\uFFFD")
	text = strings.Trim(text, "\x00 \t\r\n")
	if text == "" {
		return Command{}
	}

	name, arg := text, ""
	if i := strings.IndexAny(text, " \t"); i >= 0 {
		name, arg = text[:i], strings.TrimSpace(text[i+1:])
	}

	cmd := Command{Name: name, Arg: arg}
	switch name {
	case "process":
		cmd.Verb = VerbProcess
	case "stop":
		cmd.Verb = VerbStop
	}
	return cmd
}
