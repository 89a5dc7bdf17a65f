package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-tree-crawler/internal/progress"
	"github.com/JakeFAU/wiki-tree-crawler/internal/service"
)

// TokenEnv names the environment variable read when --token is not set.
const TokenEnv = "WIKICRAWL_TOKEN"

type crawlFlags struct {
	space   string
	root    string
	token   string
	stream  bool
	refresh bool
}

// newCrawlCmd creates the one-shot crawl command. It prints the top-level
// nodes as a JSON array with descendants nested under "children", or one JSON
// progress update per line with --stream.
func newCrawlCmd() *cobra.Command {
	var flags crawlFlags

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls one wiki space and prints its nodes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.space, "space", "", "wiki space id")
	cmd.Flags().StringVar(&flags.root, "root", "", "node token to crawl beneath (default: space root)")
	cmd.Flags().StringVar(&flags.token, "token", "", "user access token (default: $"+TokenEnv+")")
	cmd.Flags().BoolVar(&flags.stream, "stream", false, "print progress updates as newline-delimited JSON")
	cmd.Flags().BoolVar(&flags.refresh, "refresh", false, "ignore cached results")
	_ = cmd.MarkFlagRequired("space")
	return cmd
}

func runCrawl(cmd *cobra.Command, flags crawlFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	token := flags.token
	if token == "" {
		token = os.Getenv(TokenEnv)
	}
	req := service.CrawlRequest{
		Token:     token,
		SpaceID:   flags.space,
		RootToken: flags.root,
		Refresh:   flags.refresh,
	}
	logger := appInstance.Logger().With(zap.String("space_id", flags.space))
	out := json.NewEncoder(cmd.OutOrStdout())

	if flags.stream {
		var failed error
		for update := range appInstance.Service().Stream(cmd.Context(), req) {
			if err := out.Encode(update); err != nil {
				return fmt.Errorf("write update: %w", err)
			}
			if update.Type == progress.UpdateError {
				failed = errors.New(update.Message)
			}
		}
		return failed
	}

	res, err := appInstance.Service().Crawl(cmd.Context(), req, nil)
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	logger.Info("crawl finished",
		zap.String("crawl_id", res.CrawlID),
		zap.Int("nodes", len(res.Nodes)),
		zap.Bool("cached", res.Cached),
	)
	out.SetIndent("", "  ")
	return out.Encode(res.Nodes)
}
