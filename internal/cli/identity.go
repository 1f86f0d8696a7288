package cli

import (
	"github.com/spf13/cobra"
)

// NewIdentityCommand creates the identity command.
func NewIdentityCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print this context's writer identity",
		Long: `Print the writer identity stored under identity_path, creating it
on first use. Without identity_path every run gets a new identity.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			return e.out.Success(e.engine.WriterID())
		},
	}
}
