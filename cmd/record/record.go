package record

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/maolilup/TiShiNengRunning/internal/bootstrap"
	"github.com/maolilup/TiShiNengRunning/internal/config"
	"github.com/maolilup/TiShiNengRunning/internal/store"
	"github.com/maolilup/TiShiNengRunning/internal/types"
	"github.com/maolilup/TiShiNengRunning/internal/util/command"
)

func New() *cobra.Command {
	return command.NewSubcommandGroup("record",
		newListCmd(),
	)
}

// listEntry is the subset of one exercise record the listing shows.
type listEntry struct {
	SportStatus types.FlexString `json:"sportStatus"`
	Remark      string           `json:"remark"`
	SportRange  types.FlexString `json:"sportRange"`
	SportTime   types.FlexInt64  `json:"sportTime"`
	StartTime   types.FlexInt64  `json:"startTime"`
}

func newListCmd() *cobra.Command {
	var (
		username string
		status   int
		date     string
		page     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submitted exercise records for a stored account",
		Run: func(cmd *cobra.Command, _ []string) {
			if err := listRecords(cmd.Context(), username, status, date, page); err != nil {
				log.Fatal().Err(err).Msg("List failed")
			}
		},
	}

	cmd.Flags().StringVarP(&username, "account", "a", "", "Stored account username")
	cmd.Flags().IntVar(&status, "status", 1, "Record status filter")
	cmd.Flags().StringVar(&date, "date", "", "Date filter (empty for all)")
	cmd.Flags().IntVar(&page, "page", 1, "Date page index")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func listRecords(ctx context.Context, username string, status int, date string, page int) error {
	cfg := config.DefaultServiceConfigFromEnv()
	st, err := store.New(cfg.Paths.DatabaseFile)
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := st.GetAccount(ctx, username)
	if err != nil {
		return err
	}
	c, err := bootstrap.ClientForAccount(cfg, rec)
	if err != nil {
		return err
	}

	raw, err := c.ListExerciseRecord(ctx, status, date, page)
	if err != nil {
		return err
	}
	var entries []listEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return errors.Wrap(err, "failed to decode record list")
	}

	for _, e := range entries {
		started := time.UnixMilli(e.StartTime.Int64()).Format("2006-01-02 15:04")
		line := fmt.Sprintf("%s  %5s km  %4ds  status=%s", started, e.SportRange, e.SportTime.Int64(), e.SportStatus)
		if e.Remark != "" {
			line += "  " + e.Remark
		}
		fmt.Println(line)
	}
	return nil
}
