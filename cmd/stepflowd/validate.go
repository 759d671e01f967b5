package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/stepflow/definition"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate workflow definition files without registering them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				def, err := definition.ParseFile(path)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					failed++
					continue
				}
				ok, findings := definition.Validate(def)
				for _, f := range findings {
					level := "error"
					if f.Warning {
						level = "warning"
					}
					fmt.Fprintf(out, "%s: %s: %s\n", path, level, f.Error())
				}
				if !ok {
					failed++
					continue
				}
				fmt.Fprintf(out, "%s: ok (%s, %d states)\n", path, def.Name, def.States.Len())
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	}
}
