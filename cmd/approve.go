package main

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	approveDeny        bool
	approveExplanation string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List pending manual approvals",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		approvals, err := st.ListApprovals(cmd.Context(), true)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(approvals)
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve or deny a pending manual approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "parse approval id %q", args[0])
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		return st.ResolveApproval(cmd.Context(), id, !approveDeny, approveExplanation)
	},
}

func init() {
	approveCmd.Flags().BoolVar(&approveDeny, "deny", false, "deny instead of approve")
	approveCmd.Flags().StringVar(&approveExplanation, "explanation", "", "reason for the decision")
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(approveCmd)
}
