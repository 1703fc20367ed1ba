package cli

import (
	"context"

	flag "github.com/spf13/pflag"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(cfg Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execPrintConfig(o, cfg)
		},
	}
}

func execPrintConfig(o *IO, cfg Config) error {
	formatted, err := FormatConfig(cfg)
	if err != nil {
		return err
	}

	o.Println(formatted)

	o.Println("")
	o.Println("# Sources:")

	if cfg.Sources.Global != "" {
		o.Println("#   global:", cfg.Sources.Global)
	}

	if cfg.Sources.Explicit != "" {
		o.Println("#   explicit:", cfg.Sources.Explicit)
	}

	if cfg.Sources.Global == "" && cfg.Sources.Explicit == "" {
		o.Println("#   (using defaults only)")
	}

	return nil
}
