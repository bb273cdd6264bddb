package main

import (
	"fmt"
	"github.com/kittenbark/tg-filestore/internal/token"
	"github.com/spf13/cobra"
)

// NewLinkCommand converts between archive keys and deep-link tokens without a running bot.
func NewLinkCommand() *cobra.Command {
	var bot string

	cmd := &cobra.Command{
		Use:   "link",
		Short: "Encode or decode deep-link tokens",
	}

	encode := &cobra.Command{
		Use:     "encode <key>",
		Short:   "Print the token (or the full link with --bot) for an archive key",
		Example: "filestore link encode file_42 --bot my_store_bot",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok := token.Encode(args[0])
			if bot != "" {
				tok = token.Link(bot, tok)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	encode.Flags().StringVar(&bot, "bot", "", "bot username, prints a t.me link when set")

	decode := &cobra.Command{
		Use:     "decode <token>",
		Short:   "Print the archive key behind a token",
		Example: "filestore link decode ZmlsZV80Mg",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := token.Decode(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}

	cmd.AddCommand(encode, decode)
	return cmd
}
