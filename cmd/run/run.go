package run

import (
	"context"
	"math/rand"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/maolilup/TiShiNengRunning/internal/auth"
	"github.com/maolilup/TiShiNengRunning/internal/bootstrap"
	"github.com/maolilup/TiShiNengRunning/internal/config"
	"github.com/maolilup/TiShiNengRunning/internal/facecache"
	"github.com/maolilup/TiShiNengRunning/internal/session"
	"github.com/maolilup/TiShiNengRunning/internal/store"
	"github.com/maolilup/TiShiNengRunning/internal/track"
)

func New() *cobra.Command {
	var (
		username string
		kind     string
		distance float64
		attempts int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Play one exercise session for a stored account",
		Run: func(cmd *cobra.Command, _ []string) {
			if err := runSession(cmd.Context(), username, kind, distance, attempts); err != nil {
				log.Fatal().Err(err).Msg("Session failed")
			}
		},
	}

	cmd.Flags().StringVarP(&username, "account", "a", "", "Stored account username")
	cmd.Flags().StringVarP(&kind, "kind", "k", "sun", "Run kind (morning|sun|free)")
	cmd.Flags().Float64VarP(&distance, "distance", "d", 2.0, "Requested distance in km")
	cmd.Flags().IntVar(&attempts, "attempts", 1, "Attempts before giving up; the negotiated start time carries across attempts")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func parseKind(kind string) (session.RunKind, bool) {
	switch kind {
	case "morning":
		return session.RunKindMorning, true
	case "sun":
		return session.RunKindSun, true
	case "free":
		return session.RunKindFree, true
	}
	return "", false
}

func runSession(ctx context.Context, username, kind string, distance float64, attempts int) error {
	runKind, ok := parseKind(kind)
	if !ok {
		log.Fatal().Str("kind", kind).Msg("Unknown run kind")
	}

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
	if err := bootstrap.EnsureFreshToken(ctx, st, rec, c, auth.NewService(cfg, c)); err != nil {
		return err
	}

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	cache := facecache.New(cfg.Paths.FaceImageDir)
	scheduler := session.NewScheduler(c, cache, time2.DefaultClock, rnd)
	orch := session.NewOrchestrator(c, st, track.NewEngine(rnd), scheduler, time2.DefaultClock, rnd)

	var anchor *session.Anchor
	for attempt := 1; ; attempt++ {
		log.Info().Int("attempt", attempt).Str("kind", kind).Float64("distance_km", distance).Msg("Starting session")
		result, err := orch.Run(ctx, runKind, distance, anchor)
		if err == nil {
			log.Info().Str("record_id", result.RecordID).Float64("distance_km", result.DistanceKm).
				Int64("duration_s", result.DurationS).Msg("Session verified")
			return nil
		}
		if result != nil {
			anchor = result.Anchor
		}
		if attempt >= attempts {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Session attempt failed, retrying")
	}
}
