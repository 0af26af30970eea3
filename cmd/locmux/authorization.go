package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nik9play/locmux/pkg/locmux"
)

var revokeReset bool

var grantCmd = &cobra.Command{
	Use:   "grant [when_in_use|always]",
	Short: "Allow locmux to use your location",
	Long: `Records that location access is allowed. Without an argument, the tier
declared in the config's capabilities section is granted. A running
daemon picks the decision up immediately.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGrant,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Deny locmux access to your location",
	RunE:  runRevoke,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the location authorization status",
	RunE:  runStatus,
}

func init() {
	revokeCmd.Flags().BoolVar(&revokeReset, "reset", false, "forget the decision instead, so the next request asks again")

	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(statusCmd)
}

func runGrant(cmd *cobra.Command, args []string) error {
	lm, flush, err := prepareLocMux()
	if err != nil {
		return err
	}
	defer flush()

	var tier locmux.AuthorizationTier
	if len(args) > 0 {
		tier, err = locmux.ParseAuthorizationTier(args[0])
		if err != nil {
			return err
		}
	} else {
		var ok bool
		tier, ok = lm.Config().Capabilities().PreferredTier()
		if !ok {
			return fmt.Errorf("no tier given: %w", locmux.ErrNoCapabilityDeclared)
		}
	}

	if err := lm.Authorization().Grant(tier); err != nil {
		if errors.Is(err, locmux.ErrAuthorizationRestricted) {
			return fmt.Errorf("can't grant %s access: %w", tier, err)
		}
		return fmt.Errorf("grant failed: %w", err)
	}

	cmd.Printf("Location access granted (%s).\n", tier)

	return nil
}

func runRevoke(cmd *cobra.Command, _ []string) error {
	lm, flush, err := prepareLocMux()
	if err != nil {
		return err
	}
	defer flush()

	if revokeReset {
		if err := lm.Authorization().Reset(); err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}

		cmd.Println("Location access decision reset.")
		return nil
	}

	if err := lm.Authorization().Revoke(); err != nil {
		return fmt.Errorf("revoke failed: %w", err)
	}

	cmd.Println("Location access denied.")

	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	lm, flush, err := prepareLocMux()
	if err != nil {
		return err
	}
	defer flush()

	cmd.Printf("Authorization: %s\n", lm.Authorization().AuthorizationStatus())

	if requested := lm.Authorization().Requested(); requested != "" {
		cmd.Printf("Last requested: %s\n", requested)
	}

	capabilities := lm.Config().Capabilities()
	if tier, ok := capabilities.PreferredTier(); ok {
		cmd.Printf("Declared tier: %s (%q)\n", tier, capabilities.UsageDescription(tier))
	} else {
		cmd.Println("Declared tier: none")
	}

	return nil
}
