package cli

import (
	"context"

	"github.com/calvinalkan/metabuf/internal/config"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(cfg *config.Config) *Command {
	return &Command{
		Flags: newFlags("print-config"),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execPrintConfig(o, cfg)
		},
	}
}

func execPrintConfig(o *IO, cfg *config.Config) error {
	formatted, err := config.Format(*cfg)
	if err != nil {
		return err
	}

	o.Println(formatted)
	o.Println()
	o.Println("# resolved")
	o.Println("effective_cwd=" + cfg.EffectiveCwd)
	o.Println("device=" + cfg.DeviceAbs)
	o.Println()
	o.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		o.Println("(defaults only)")

		return nil
	}

	if cfg.Sources.Global != "" {
		o.Println("global_config=" + cfg.Sources.Global)
	}

	if cfg.Sources.Project != "" {
		o.Println("project_config=" + cfg.Sources.Project)
	}

	return nil
}
