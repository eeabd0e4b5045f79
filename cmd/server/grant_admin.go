package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/harborhope/internal/backend"
	"github.com/tyemirov/harborhope/internal/roles"
)

func newGrantAdminCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "grant-admin EMAIL",
		Short: "Give an existing account the admin role (or take it away with --revoke)",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(command *cobra.Command, arguments []string) error {
			return loadEnvFile(viper.GetString("env_file"))
		},
		RunE: runGrantAdmin,
	}
	command.Flags().Bool("revoke", false, "Set the role back to member")
	return command
}

func runGrantAdmin(command *cobra.Command, arguments []string) error {
	databaseURL := viper.GetString("database_url")
	if databaseURL == "" {
		return configError(configCodeMissingDatabaseURL, "database_url must be provided")
	}
	revoke, _ := command.Flags().GetBool("revoke")
	role := roles.AdminRole
	if revoke {
		role = backend.MemberRole
	}

	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	database, err := backend.OpenDatabase(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	if err := backend.NewAccountStore(database).SetRole(ctx, arguments[0], role); err != nil {
		return err
	}
	fmt.Fprintf(command.OutOrStdout(), "%s is now %s\n", arguments[0], role)
	return nil
}
