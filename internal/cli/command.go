package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command is one fsmutex subcommand: bench, shell, dump and so on.
type Command struct {
	// Flags are parsed from the arguments after the command name. Commands
	// without flags still need an empty set so --help works.
	Flags *flag.FlagSet

	// Usage follows "fsmutex" in help output and starts with the command
	// name, e.g. "dump <path>".
	Usage string

	// Short is the line shown in the command list.
	Short string

	// Long replaces Short in "fsmutex <cmd> --help" when set.
	Long string

	// Hidden commands run but are not listed, like bench-child which only
	// bench itself starts.
	Hidden bool

	// Exec gets the arguments left after flag parsing. ctx is cancelled
	// when a signal arrives.
	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name is the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine is the command's row in the command list.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-30s %s", c.Usage, c.Short)
}

// PrintHelp writes the usage line, description and flag defaults to stdout.
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: fsmutex", c.Usage)
	o.Println()

	if c.Long != "" {
		o.Println(c.Long)
	} else {
		o.Println(c.Short)
	}

	if c.Flags == nil || !c.Flags.HasFlags() {
		return
	}

	var defaults strings.Builder

	c.Flags.SetOutput(&defaults)
	c.Flags.PrintDefaults()

	o.Println()
	o.Println("Flags:")
	o.Printf("%s", defaults.String())
}

// Run parses args into Flags and calls Exec, returning the exit code. Flag
// errors print the error and then the help; --help alone prints help and
// succeeds. Warnings collected through o turn a successful run into exit
// code 1.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	// pflag prints its own errors and usage otherwise.
	c.Flags.SetOutput(&strings.Builder{})

	err := c.Flags.Parse(args)

	switch {
	case errors.Is(err, flag.ErrHelp):
		c.PrintHelp(o)

		return 0
	case err != nil:
		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o)

		return 1
	}

	err = c.Exec(ctx, o, c.Flags.Args())
	if err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	return o.Finish()
}
