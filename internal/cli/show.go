package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/researchmesh"
)

func newShowCmd(flags *globalFlags, _ *Options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			store, closeStore, err := researchmesh.OpenStore(cfg.Store)
			if err != nil {
				return err
			}
			if closeStore != nil {
				defer closeStore()
			}

			sess, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sess)
			}

			fmt.Fprintf(out, "session:  %s\n", sess.ID)
			fmt.Fprintf(out, "state:    %s\n", sess.State)
			if sess.Reason != "" {
				fmt.Fprintf(out, "reason:   %s\n", sess.Reason)
			}
			fmt.Fprintf(out, "attempt:  %d\n", sess.Attempt)
			fmt.Fprintf(out, "cursor:   %s\n", sess.Cursor)
			if sess.PendingTurn {
				fmt.Fprintln(out, "pending:  turn interrupted, retried on resume")
			}
			fmt.Fprintf(out, "version:  %d\n\n", sess.Version)

			for _, msg := range sess.Messages {
				printMessage(out, msg)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the session as JSON")

	return cmd
}
