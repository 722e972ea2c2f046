// File: cmd/render.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/autoheal/internal/locator"
)

func newRenderCmd() *cobra.Command {
	var dialect string

	cmd := &cobra.Command{
		Use:   "render <hint>",
		Short: "Print a locator hint in another client dialect.",
		Example: `  autoheal render "getByRole('button', { name: 'Submit' })" --dialect python
  autoheal render "getByTestId('login')" --dialect css`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := locator.ParseDialect(dialect)
			if err != nil {
				return err
			}
			rendered, err := renderSelector(args[0], d, configFrom(cmd).Browser.TestIDAttribute)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}
	cmd.Flags().StringVarP(&dialect, "dialect", "d", "js", "target dialect: js, java, python or css")
	return cmd
}
