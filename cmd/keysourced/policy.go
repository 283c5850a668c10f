package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modelpay/keysource/internal/gateway/policy"
	"github.com/modelpay/keysource/internal/shared/config"
	"github.com/modelpay/keysource/internal/shared/database"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect or change the routing policy",
	}
	cmd.AddCommand(newPolicyGetCmd(), newPolicySetCmd())
	return cmd
}

func openPolicyStore() (*policy.Store, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return policy.NewStore(db), db.Close, nil
}

func printPolicy(p policy.Policy) error {
	out, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newPolicyGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the active routing policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openPolicyStore()
			if err != nil {
				return err
			}
			defer closeDB()

			p, err := store.Get(cmd.Context())
			if err != nil {
				return err
			}
			return printPolicy(p)
		},
	}
}

func newPolicySetCmd() *cobra.Command {
	var (
		byokEnabled bool
		usesCredits bool
		onlyMode    bool
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Replace the routing policy",
		Long: `Replace the routing policy. Running gateways pick the change up when
their policy cache expires; use the admin API to force an immediate refresh.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openPolicyStore()
			if err != nil {
				return err
			}
			defer closeDB()

			p := policy.Policy{
				ByokEnabled:             byokEnabled,
				ByokUsesInternalCredits: usesCredits,
				ByokOnlyMode:            onlyMode,
			}
			if err := store.Update(cmd.Context(), p); err != nil {
				return err
			}
			return printPolicy(p)
		},
	}
	cmd.Flags().BoolVar(&byokEnabled, "byok-enabled", true, "allow user-supplied provider keys")
	cmd.Flags().BoolVar(&usesCredits, "byok-uses-credits", false, "bill BYOK users from internal credits while they last")
	cmd.Flags().BoolVar(&onlyMode, "byok-only", false, "require a user key for every request")
	return cmd
}
