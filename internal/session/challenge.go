package session

import (
	"context"
	"math/rand"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/maolilup/TiShiNengRunning/internal/apperrors"
	"github.com/maolilup/TiShiNengRunning/internal/facecache"
	"github.com/maolilup/TiShiNengRunning/internal/util"
)

// ChallengeKind 人脸校验时机
type ChallengeKind string

const (
	ChallengeStart ChallengeKind = "start"
	ChallengeMid   ChallengeKind = "mid"
	ChallengeEnd   ChallengeKind = "end"
)

func (k ChallengeKind) faceType() int {
	switch k {
	case ChallengeStart:
		return 1
	case ChallengeMid:
		return 2
	default:
		return 3
	}
}

// Challenge is one scheduled identity verification: wait OffsetSeconds, then
// upload a perturbed registered image for the given trace coordinates.
type Challenge struct {
	Kind          ChallengeKind
	OffsetSeconds float64
	Coordinates   string
}

// Scheduler sources verification images (local cache first, backend下载兜底)
// and executes challenges against the wall clock.
type Scheduler struct {
	backend Backend
	cache   *facecache.Cache
	clock   util.Clock

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewScheduler creates a scheduler around the given collaborators.
func NewScheduler(backend Backend, cache *facecache.Cache, clock util.Clock, rnd *rand.Rand) *Scheduler {
	return &Scheduler{backend: backend, cache: cache, clock: clock, rnd: rnd}
}

// Execute waits the challenge's offset, then acquires and uploads one image.
// Every failure comes back as a challenge-kind error so the session treats it
// as terminal.
func (s *Scheduler) Execute(ctx context.Context, ch Challenge, identify string, sportType int) error {
	if ch.OffsetSeconds > 0 {
		s.clock.Sleep(time.Duration(ch.OffsetSeconds * float64(time.Second)))
	}

	img, err := s.acquire(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	img = facecache.Perturb(img, s.rnd)
	s.mu.Unlock()

	if err := s.backend.UploadRunningFace(ctx, img, ch.Coordinates, identify, sportType, ch.Kind.faceType()); err != nil {
		return apperrors.Newf(apperrors.KindChallenge, "%s face upload failed: %v", ch.Kind, err)
	}
	return nil
}

// Join runs the main playback wait and all midway challenges concurrently and
// blocks until every one of them has finished. The first error wins; siblings
// still run to completion.
func (s *Scheduler) Join(ctx context.Context, mainWait time.Duration, mids []Challenge, identify string, sportType int) error {
	g := new(errgroup.Group)

	g.Go(func() error {
		if mainWait > 0 {
			s.clock.Sleep(mainWait)
		}
		return nil
	})
	for _, ch := range mids {
		ch := ch
		g.Go(func() error {
			return s.Execute(ctx, ch, identify, sportType)
		})
	}
	return g.Wait()
}

// acquire returns one cached image for the current account, filling the cache
// from the backend's registered images when it is empty.
func (s *Scheduler) acquire(ctx context.Context) ([]byte, error) {
	account := s.backend.Account()

	_, data, err := s.pick(account.SchoolID, account.UserID)
	if err != nil {
		return nil, apperrors.Newf(apperrors.KindChallenge, "face cache read failed: %v", err)
	}
	if data != nil {
		return data, nil
	}

	images, err := s.backend.ListFaceImages(ctx)
	if err != nil {
		return nil, apperrors.Newf(apperrors.KindChallenge, "failed to list registered face images: %v", err)
	}
	if len(images) == 0 {
		return nil, apperrors.New(apperrors.KindChallenge, "account has no registered face image")
	}

	for _, img := range images {
		raw, err := s.backend.DownloadImage(ctx, img.ImageRouteURL)
		if err != nil {
			log.Warn().Err(err).Str("image_id", img.ID.String()).Msg("face image download failed")
			continue
		}
		if _, err := s.cache.Save(account.SchoolID, account.UserID, img.ID.String(), urlExt(img.ImageRouteURL), raw); err != nil {
			log.Warn().Err(err).Str("image_id", img.ID.String()).Msg("face image cache write failed")
		}
	}

	_, data, err = s.pick(account.SchoolID, account.UserID)
	if err != nil {
		return nil, apperrors.Newf(apperrors.KindChallenge, "face cache read failed: %v", err)
	}
	if data == nil {
		return nil, apperrors.New(apperrors.KindChallenge, "no face image could be downloaded")
	}
	return data, nil
}

func (s *Scheduler) pick(schoolID, userID string) (string, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Pick(schoolID, userID, s.rnd)
}

func urlExt(imageURL string) string {
	ext := path.Ext(imageURL)
	if i := strings.IndexByte(ext, '?'); i >= 0 {
		ext = ext[:i]
	}
	return ext
}
