package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/whisper/duet/internal/api"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the stored conversation with the partner",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if opts.partnerID == "" {
			return fmt.Errorf("--partner is required")
		}
		c := api.NewClient(opts.apiURL, opts.userID, opts.timeout)
		msgs, err := c.FetchHistory(cmd.Context(), opts.partnerID, historyLimit)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m, opts.userID))
		}
		if len(msgs) > 0 {
			fmt.Printf("%s messages, last %s\n", humanize.Comma(int64(len(msgs))), humanize.Time(msgs[len(msgs)-1].CreatedAt))
		} else {
			fmt.Println("no messages")
		}
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile [user-id]",
	Short: "Show a user's profile and presence",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := opts.partnerID
		if len(args) == 1 {
			target = args[0]
		}
		if target == "" {
			return fmt.Errorf("no user given")
		}
		c := api.NewClient(opts.apiURL, opts.userID, opts.timeout)
		p, err := c.FetchProfile(cmd.Context(), target)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s) online=%v\n", p.DisplayName, p.ID, p.IsOnline)
		return nil
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Show the compatibility score with the partner",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if opts.partnerID == "" {
			return fmt.Errorf("--partner is required")
		}
		c := api.NewClient(opts.apiURL, opts.userID, opts.timeout)
		sc, err := c.Compatibility(cmd.Context(), opts.partnerID)
		if err != nil {
			return err
		}
		if sc.TotalQuizzes == 0 {
			fmt.Println("no answered quizzes yet")
			return nil
		}
		fmt.Printf("compatibility %d%% (%s of %s matched)\n", sc.Score,
			humanize.Comma(int64(sc.MatchedQuizzes)), humanize.Comma(int64(sc.TotalQuizzes)))
		for _, name := range sc.CategoryNames() {
			cs := sc.Categories[name]
			fmt.Printf("  %-16s %d/%d\n", name, cs.Matches, cs.Total)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "number of messages")
	rootCmd.AddCommand(historyCmd, profileCmd, scoreCmd)
}
