package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/store"
)

var observationsAll bool

var observationsCmd = &cobra.Command{
	Use:   "observations",
	Short: "List unresolved observations",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		filter := store.ObservationFilter{
			Statuses: []model.ObservationStatus{
				model.ObservationPending,
				model.ObservationAmbiguous,
				model.ObservationFailed,
			},
		}
		if observationsAll {
			filter.Statuses = nil
		}

		obs, err := st.ListObservations(cmd.Context(), filter)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(obs)
	},
}

func init() {
	observationsCmd.Flags().BoolVar(&observationsAll, "all", false, "include resolved observations")
	rootCmd.AddCommand(observationsCmd)
}
