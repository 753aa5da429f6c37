// Package wire implements the ASCII, space-token wire grammar shared by the
// fan-in (participant -> coordinator) and fan-out (coordinator ->
// participant) channels. Messages are opaque byte-strings; the first token
// identifies the kind, remaining tokens are its arguments.
package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies a message's grammar production.
type Kind string

const (
	Hello          Kind = "hello"
	Fin            Kind = "fin"
	Rdy            Kind = "rdy"
	Abort          Kind = "abort"
	MasterFinished Kind = "master_finished"
	Greet          Kind = "greet"
	Start          Kind = "start"
	Load           Kind = "load"
	Exit           Kind = "exit"
	Shutdown       Kind = "shutdown"
)

// Message is a parsed wire message: a kind plus its positional arguments.
type Message struct {
	Kind Kind
	Args []string
}

// Name returns the single Args[0] argument carried by hello/fin/rdy
// messages, or "" if there isn't one.
func (m Message) Name() string {
	if len(m.Args) == 0 {
		return ""
	}
	return m.Args[0]
}

// Section returns the integer argument carried by a load message. Returns an
// error if Kind is not Load or the argument does not parse as an integer.
func (m Message) Section() (int, error) {
	if m.Kind != Load {
		return 0, fmt.Errorf("wire: %q message has no section argument", m.Kind)
	}
	if len(m.Args) == 0 {
		return 0, fmt.Errorf("wire: load message missing section argument")
	}
	n, err := strconv.Atoi(m.Args[0])
	if err != nil {
		return 0, fmt.Errorf("wire: invalid section argument %q: %w", m.Args[0], err)
	}
	return n, nil
}

// Bytes renders the message back to its wire form.
func (m Message) Bytes() []byte {
	if len(m.Args) == 0 {
		return []byte(string(m.Kind))
	}
	return []byte(string(m.Kind) + " " + strings.Join(m.Args, " "))
}

func (m Message) String() string {
	return string(m.Bytes())
}

// Parse decodes a raw wire payload into a Message. Unknown kinds are
// returned as-is (Kind set to the first token) so callers can decide
// whether an unrecognized message is a protocol violation.
func Parse(raw []byte) Message {
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return Message{}
	}
	return Message{Kind: Kind(fields[0]), Args: fields[1:]}
}

// HelloMsg builds a `hello <name>` message.
func HelloMsg(name string) Message { return Message{Kind: Hello, Args: []string{name}} }

// FinMsg builds a `fin <name>` message.
func FinMsg(name string) Message { return Message{Kind: Fin, Args: []string{name}} }

// RdyMsg builds a `rdy <name>` message.
func RdyMsg(name string) Message { return Message{Kind: Rdy, Args: []string{name}} }

// LoadMsg builds a `load <n>` message.
func LoadMsg(section int) Message {
	return Message{Kind: Load, Args: []string{strconv.Itoa(section)}}
}

// Simple builds a message with no arguments, e.g. abort, greet, start, exit, shutdown.
func Simple(kind Kind) Message { return Message{Kind: kind} }
