package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/blarser/internal/model"
)

var versionsCmd = &cobra.Command{
	Use:   "versions <type> <id>",
	Short: "Print an entity's full version DAG as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[1])
		if err != nil {
			return eris.Wrapf(err, "parse entity id %q", args[1])
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		dag, err := st.EntityDAG(cmd.Context(), model.EntityRef{Type: model.EntityType(args[0]), ID: id})
		if err != nil {
			return err
		}
		if len(dag.Versions) == 0 {
			fmt.Fprintf(os.Stderr, "no versions for %s %s\n", args[0], args[1])
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(dag)
	},
}

func init() {
	rootCmd.AddCommand(versionsCmd)
}
