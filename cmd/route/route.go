package route

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/maolilup/TiShiNengRunning/internal/config"
	"github.com/maolilup/TiShiNengRunning/internal/store"
	"github.com/maolilup/TiShiNengRunning/internal/util/command"
)

func New() *cobra.Command {
	return command.NewSubcommandGroup("route",
		newImportCmd(),
		newListCmd(),
	)
}

// importedRoute is one entry of the import file: declared distance plus the
// [[lon,lat],...] polyline.
type importedRoute struct {
	SchoolCode string      `json:"schoolCode"`
	SportRange float64     `json:"sportRange"`
	Path       [][]float64 `json:"path"`
}

func newImportCmd() *cobra.Command {
	var (
		file       string
		schoolCode string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import route templates from a JSON file",
		Run: func(cmd *cobra.Command, _ []string) {
			if err := importRoutes(cmd.Context(), file, schoolCode); err != nil {
				log.Fatal().Err(err).Msg("Import failed")
			}
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with route templates")
	cmd.Flags().StringVarP(&schoolCode, "school-code", "s", "", "School code for entries that carry none")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func importRoutes(ctx context.Context, file, schoolCode string) error {
	raw, err := os.ReadFile(file)
	if err != nil {
		return errors.Wrap(err, "failed to read route file")
	}
	var routes []importedRoute
	if err := json.Unmarshal(raw, &routes); err != nil {
		return errors.Wrap(err, "failed to decode route file")
	}

	cfg := config.DefaultServiceConfigFromEnv()
	st, err := store.New(cfg.Paths.DatabaseFile)
	if err != nil {
		return err
	}
	defer st.Close()

	imported := 0
	for i, r := range routes {
		if r.SchoolCode == "" {
			r.SchoolCode = schoolCode
		}
		if r.SchoolCode == "" {
			return errors.Errorf("route %d has no school code and --school-code was not given", i)
		}
		if len(r.Path) < 2 {
			return errors.Errorf("route %d has fewer than 2 points", i)
		}
		path, err := json.Marshal(r.Path)
		if err != nil {
			return errors.Wrapf(err, "failed to encode route %d", i)
		}
		if _, err := st.InsertRoute(ctx, store.RouteTemplate{
			SchoolCode:  r.SchoolCode,
			SportRange:  r.SportRange,
			RunLinePath: string(path),
		}); err != nil {
			return err
		}
		imported++
	}
	log.Info().Int("count", imported).Msg("Routes imported")
	return nil
}

func newListCmd() *cobra.Command {
	var schoolCode string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored route templates for a school",
		Run: func(cmd *cobra.Command, _ []string) {
			if err := listRoutes(cmd.Context(), schoolCode); err != nil {
				log.Fatal().Err(err).Msg("List failed")
			}
		},
	}

	cmd.Flags().StringVarP(&schoolCode, "school-code", "s", "", "School code")
	_ = cmd.MarkFlagRequired("school-code")
	return cmd
}

func listRoutes(ctx context.Context, schoolCode string) error {
	cfg := config.DefaultServiceConfigFromEnv()
	st, err := store.New(cfg.Paths.DatabaseFile)
	if err != nil {
		return err
	}
	defer st.Close()

	routes, err := st.ListRoutes(ctx, schoolCode)
	if err != nil {
		return err
	}
	for _, r := range routes {
		path, err := r.Polyline()
		if err != nil {
			return err
		}
		fmt.Printf("%4d  %5.2f km  %d points\n", r.ID, r.SportRange, len(path))
	}
	return nil
}
