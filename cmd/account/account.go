package account

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dropbox/godropbox/time2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/maolilup/TiShiNengRunning/internal/auth"
	"github.com/maolilup/TiShiNengRunning/internal/bootstrap"
	"github.com/maolilup/TiShiNengRunning/internal/client"
	"github.com/maolilup/TiShiNengRunning/internal/config"
	"github.com/maolilup/TiShiNengRunning/internal/envelope"
	"github.com/maolilup/TiShiNengRunning/internal/store"
	"github.com/maolilup/TiShiNengRunning/internal/util/command"
)

func New() *cobra.Command {
	return command.NewSubcommandGroup("account",
		newLoginCmd(),
		newRefreshCmd(),
		newInfoCmd(),
	)
}

func newLoginCmd() *cobra.Command {
	var (
		username   string
		password   string
		schoolCode string
		brand      string
		model      string
		osVersion  string
		deviceID   string
		abis       []string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize an account and store its tokens",
		Run: func(cmd *cobra.Command, _ []string) {
			if err := login(cmd.Context(), username, password, schoolCode,
				brand, model, osVersion, deviceID, abis); err != nil {
				log.Fatal().Err(err).Msg("Login failed")
			}
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Account username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Account password")
	cmd.Flags().StringVarP(&schoolCode, "school-code", "s", "", "School code")
	cmd.Flags().StringVar(&brand, "brand", "Xiaomi", "Device brand")
	cmd.Flags().StringVar(&model, "model", "M2012K11AC", "Device model")
	cmd.Flags().StringVar(&osVersion, "os-version", "12", "Android version")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "Raw device identifier (random uuid if empty)")
	cmd.Flags().StringSliceVar(&abis, "abi", []string{"arm64-v8a", "armeabi-v7a", "armeabi"}, "Supported ABIs")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("school-code")

	return cmd
}

func login(ctx context.Context, username, password, schoolCode, brand, model, osVersion, deviceID string, abis []string) error {
	cfg := config.DefaultServiceConfigFromEnv()
	st, err := store.New(cfg.Paths.DatabaseFile)
	if err != nil {
		return err
	}
	defer st.Close()

	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	device := client.Device{
		Brand:         brand,
		Model:         model,
		OSVersion:     osVersion,
		UniqueCode:    envelope.MD5Hex(deviceID),
		SupportedAbis: abis,
	}
	c, err := client.NewClient(cfg, client.Account{SchoolCode: schoolCode}, device, "", time2.DefaultClock)
	if err != nil {
		return err
	}

	token, err := auth.NewService(cfg, c).Login(ctx, username, password)
	if err != nil {
		return err
	}

	abisJSON, _ := json.Marshal(abis)
	rec := store.AccountRecord{
		Username:     username,
		Password:     password,
		Token:        token.AccessToken,
		RefreshToken: token.RefreshToken,
		UserID:       token.UserID.String(),
		SchoolID:     token.SchoolID.String(),
		SchoolCode:   schoolCode,
		DeviceBrand:  brand,
		DeviceModel:  model,
		OSVersion:    osVersion,
		DeviceID:     deviceID,
		Abis:         string(abisJSON),
	}
	if err := st.SaveAccount(ctx, rec); err != nil {
		return err
	}
	log.Info().Str("username", username).Str("user_id", rec.UserID).Msg("Account authorized")
	return nil
}

func newRefreshCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh a stored account's token",
		Run: func(cmd *cobra.Command, _ []string) {
			if err := withAccount(cmd.Context(), username, func(ctx context.Context, cfg config.Server, st *store.Store, rec *store.AccountRecord, c *client.Client) error {
				token, err := auth.NewService(cfg, c).Refresh(ctx, rec.RefreshToken)
				if err != nil {
					return err
				}
				rec.Token = token.AccessToken
				if token.RefreshToken != "" {
					rec.RefreshToken = token.RefreshToken
				}
				if err := st.SaveAccount(ctx, *rec); err != nil {
					return err
				}
				log.Info().Str("username", username).Msg("Token refreshed")
				return nil
			}); err != nil {
				log.Fatal().Err(err).Msg("Refresh failed")
			}
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Account username")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newInfoCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show a stored account and its token state",
		Run: func(cmd *cobra.Command, _ []string) {
			if err := withAccount(cmd.Context(), username, func(ctx context.Context, cfg config.Server, st *store.Store, rec *store.AccountRecord, c *client.Client) error {
				fmt.Printf("username:    %s\n", rec.Username)
				fmt.Printf("user id:     %s\n", rec.UserID)
				fmt.Printf("school:      %s (%s)\n", rec.SchoolID, rec.SchoolCode)
				fmt.Printf("device:      %s %s (Android %s)\n", rec.DeviceBrand, rec.DeviceModel, rec.OSVersion)
				if exp, err := auth.TokenExpiry(rec.Token); err == nil {
					fmt.Printf("token until: %s\n", exp.Format("2006-01-02 15:04:05"))
				} else {
					fmt.Printf("token:       unreadable (%v)\n", err)
				}
				info, err := c.GetLoginUserInfo(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("campus id:   %s\n", info.CampusID)
				if appID, err := c.GetAppID(ctx); err == nil {
					fmt.Printf("school app:  %s\n", appID)
				} else {
					log.Warn().Err(err).Msg("School app lookup failed")
				}
				return nil
			}); err != nil {
				log.Fatal().Err(err).Msg("Info failed")
			}
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Account username")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func withAccount(ctx context.Context, username string, fn func(context.Context, config.Server, *store.Store, *store.AccountRecord, *client.Client) error) error {
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
	return fn(ctx, cfg, st, rec, c)
}
