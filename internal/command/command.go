// Package command carries control requests from consumer goroutines into the
// realtime processor.
package command

import "fmt"

// Kind identifies a command variant.
type Kind int

const (
	// Reset clears the accumulated statistics of one bus.
	Reset Kind = iota + 1
)

func (k Kind) String() string {
	switch k {
	case Reset:
		return "reset"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Command is a tagged request for the processor.
type Command struct {
	Kind Kind
	Bus  string
}

// ResetBus returns a Reset command for the named bus.
func ResetBus(name string) Command {
	return Command{Kind: Reset, Bus: name}
}

func (c Command) String() string {
	return c.Kind.String() + " " + c.Bus
}
