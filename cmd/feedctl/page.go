package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/api"
	"github.com/dgnsrekt/feedrelay/internal/timeline"
)

func pageCmd() *cobra.Command {
	var (
		serverURL string
		limit     int
		maxPages  int
		rate      int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "page",
		Short: "Walk the public timeline newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(serverURL, rate, 30*time.Second, 500*time.Millisecond, 3, logger)
			enc := json.NewEncoder(os.Stdout)

			count := 0
			pages, err := api.Walk(cmd.Context(), client, limit, maxPages, func(p timeline.PostView) error {
				count++
				if asJSON {
					return enc.Encode(p)
				}
				fmt.Printf("%s  %-26s  %-12s  media=%d  %s\n",
					p.CreatedAt.Format(time.RFC3339), p.ID, p.AuthorID, len(p.Media), oneLine(p.Content, 60))
				return nil
			})

			logger.Info("walk finished", zap.Int("pages", pages), zap.Int("posts", count))
			return err
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "feedrelay base URL")
	cmd.Flags().IntVarP(&limit, "limit", "n", timeline.DefaultLimit, "posts per page (1-100)")
	cmd.Flags().IntVar(&maxPages, "pages", 1, "pages to fetch, 0 for the whole feed")
	cmd.Flags().IntVar(&rate, "rate", 5, "requests per second, 0 for unlimited")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per post")

	return cmd
}

func oneLine(s string, width int) string {
	out := make([]rune, 0, width)
	for _, r := range s {
		if len(out) == width {
			return string(out) + "..."
		}
		if r == '\n' || r == '\r' {
			r = ' '
		}
		out = append(out, r)
	}
	return string(out)
}
