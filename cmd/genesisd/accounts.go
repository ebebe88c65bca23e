package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/genesis/internal/grpcserver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const adminCallTimeout = 10 * time.Second

func newAccountsCommand(settings *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Administer user balances through the gRPC admin service",
	}
	cmd.PersistentFlags().String(flagLedgerAddr, defaultLedgerAddr, "address of the running genesisd gRPC admin service")
	cmd.PersistentFlags().String(flagUserID, "", "user id")

	openCommand := &cobra.Command{
		Use:   "open",
		Short: "Create a balance record with opening credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdminClient(cmd, settings, func(ctx context.Context, client *grpcserver.AdminClient, userID string) error {
				credits := settings.GetInt64(flagCredits)
				if err := client.OpenAccount(ctx, userID, credits, `{"source":"cli"}`); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "opened %s with %d credits\n", userID, credits)
				return nil
			})
		},
	}
	openCommand.Flags().Int64(flagCredits, 0, "opening credits")

	balanceCommand := &cobra.Command{
		Use:   "balance",
		Short: "Print the balance of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdminClient(cmd, settings, func(ctx context.Context, client *grpcserver.AdminClient, userID string) error {
				balance, err := client.GetBalance(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", balance.UserID, balance.Credits)
				return nil
			})
		},
	}

	historyCommand := &cobra.Command{
		Use:   "history",
		Short: "Print the newest ledger entries of a user as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdminClient(cmd, settings, func(ctx context.Context, client *grpcserver.AdminClient, userID string) error {
				entries, err := client.ListEntries(ctx, userID, 0, settings.GetInt(flagLimit))
				if err != nil {
					return err
				}
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(entries)
			})
		},
	}
	historyCommand.Flags().Int(flagLimit, 20, "number of entries")

	cmd.AddCommand(openCommand, balanceCommand, historyCommand)
	return cmd
}

func withAdminClient(cmd *cobra.Command, settings *viper.Viper, fn func(ctx context.Context, client *grpcserver.AdminClient, userID string) error) error {
	userID := strings.TrimSpace(settings.GetString(flagUserID))
	if userID == "" {
		return fmt.Errorf("%s is required", flagUserID)
	}
	conn, err := grpc.NewClient(settings.GetString(flagLedgerAddr), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect ledger: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), adminCallTimeout)
	defer cancel()
	return fn(ctx, grpcserver.NewAdminClient(conn, settings.GetString(flagAdminToken)), userID)
}
