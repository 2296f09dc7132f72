package bootstrap

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/pkg/errors"

	"github.com/maolilup/TiShiNengRunning/internal/auth"
	"github.com/maolilup/TiShiNengRunning/internal/client"
	"github.com/maolilup/TiShiNengRunning/internal/config"
	"github.com/maolilup/TiShiNengRunning/internal/envelope"
	"github.com/maolilup/TiShiNengRunning/internal/store"
)

const refreshLeeway = 10 * time.Minute

// ClientForAccount builds the signed transport client for a stored account.
func ClientForAccount(cfg config.Server, rec *store.AccountRecord) (*client.Client, error) {
	if rec.Token == "" {
		return nil, errors.Errorf("account %s has no token, run `account login` first", rec.Username)
	}

	var abis []string
	if rec.Abis != "" {
		if err := json.Unmarshal([]byte(rec.Abis), &abis); err != nil {
			return nil, errors.Wrapf(err, "account %s has a broken abi list", rec.Username)
		}
	}
	device := client.Device{
		Brand:         rec.DeviceBrand,
		Model:         rec.DeviceModel,
		OSVersion:     rec.OSVersion,
		UniqueCode:    envelope.MD5Hex(rec.DeviceID),
		SupportedAbis: abis,
	}
	account := client.Account{
		UserID:     rec.UserID,
		SchoolID:   rec.SchoolID,
		SchoolCode: rec.SchoolCode,
	}
	return client.NewClient(cfg, account, device, rec.Token, time2.DefaultClock)
}

// EnsureFreshToken refreshes the stored token when it is close to expiring
// and persists the new pair.
func EnsureFreshToken(ctx context.Context, st *store.Store, rec *store.AccountRecord, c *client.Client, svc *auth.Service) error {
	if !auth.NeedsRefresh(rec.Token, time.Now(), refreshLeeway) {
		return nil
	}
	token, err := svc.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		return errors.Wrap(err, "token refresh failed")
	}
	rec.Token = token.AccessToken
	if token.RefreshToken != "" {
		rec.RefreshToken = token.RefreshToken
	}
	if err := c.SetToken(rec.Token); err != nil {
		return errors.Wrap(err, "failed to install refreshed token")
	}
	return errors.Wrap(st.SaveAccount(ctx, *rec), "failed to persist refreshed token")
}
