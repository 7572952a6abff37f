package main

import (
	"fmt"
	"strconv"

	"github.com/ndvalle/mostrador/internal/conversation"
	"github.com/spf13/cobra"
)

func newConversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Pause or resume the bot for a conversation",
	}

	cmd.AddCommand(newConversationPauseCmd())
	cmd.AddCommand(newConversationResumeCmd())
	return cmd
}

func newConversationPauseCmd() *cobra.Command {
	var (
		configPath string
		by         string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "pause <id>",
		Short: "Stop automatic replies so an operator can take over",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runConversationPause(cmd, configPath, id, by, reason)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().StringVar(&by, "by", "cli", "operator recorded as pausing the conversation")
	cmd.Flags().StringVar(&reason, "reason", "", "why the conversation is paused")
	return cmd
}

func newConversationResumeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Hand the conversation back to the bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runConversationResume(cmd, configPath, id)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid conversation id %q", s)
	}
	return uint(id), nil
}

func openConversations(cmd *cobra.Command, configPath string) (*conversation.Repository, error) {
	_, gormDB, _, err := connectFromConfig(cmd, configPath)
	if err != nil {
		return nil, err
	}
	return conversation.NewRepository(conversation.RepositoryOpts{DB: gormDB})
}

func runConversationPause(cmd *cobra.Command, configPath string, id uint, by, reason string) error {
	repo, err := openConversations(cmd, configPath)
	if err != nil {
		return err
	}
	if err := repo.Pause(cmd.Context(), id, by, reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Conversation %d paused by %s\n", id, by)
	return nil
}

func runConversationResume(cmd *cobra.Command, configPath string, id uint) error {
	repo, err := openConversations(cmd, configPath)
	if err != nil {
		return err
	}
	if err := repo.Resume(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Conversation %d resumed\n", id)
	return nil
}
