// package tasks implements the release sync engine.
//
// The core abstraction is Coordinator, which decides cache-vs-fetch per
// entity class, keeps the store consistent, and produces incremental result
// pages. Long-running syncs emit progress updates via channels for
// non-blocking status reporting to CLI/UI layers.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/newdrop/newdrop/internal/models"
	"github.com/newdrop/newdrop/internal/repositories"
	"github.com/newdrop/newdrop/internal/services"
	"github.com/newdrop/newdrop/internal/shared"
)

// ArtistPageIter walks followed-artist pages. Finite and non-restartable.
type ArtistPageIter interface {
	Next(ctx context.Context) (services.ArtistPage, bool)
	Err() error
}

// ReleasePageIter walks one artist's release pages. Finite and non-restartable.
type ReleasePageIter interface {
	Next(ctx context.Context) ([]models.Release, bool)
	Err() error
}

// ReleaseSource is the remote API surface the Coordinator drives.
type ReleaseSource interface {
	FetchProfile(ctx context.Context) (string, *models.Profile, error)
	FetchFollowedArtists(etag string) (ArtistPageIter, error)
	FetchArtistReleases(artistID string) ReleasePageIter
	FetchArtistsBatch(ctx context.Context, ids []string) []services.ArtistGroup
}

// SpotifySource adapts [services.SpotifyClient] to [ReleaseSource].
type SpotifySource struct {
	Client *services.SpotifyClient
}

func (s SpotifySource) FetchProfile(ctx context.Context) (string, *models.Profile, error) {
	return s.Client.FetchProfile(ctx)
}

func (s SpotifySource) FetchFollowedArtists(etag string) (ArtistPageIter, error) {
	pager, err := s.Client.FetchFollowedArtists(etag)
	if err != nil {
		return nil, err
	}
	return pager, nil
}

func (s SpotifySource) FetchArtistReleases(artistID string) ReleasePageIter {
	return s.Client.FetchArtistReleases(artistID)
}

func (s SpotifySource) FetchArtistsBatch(ctx context.Context, ids []string) []services.ArtistGroup {
	return s.Client.FetchArtistsBatch(ctx, ids)
}

// Coordinator orchestrates per-user sync: it serves local records while they
// are fresh and drives the remote client when they are stale, merging
// results back into the store.
type Coordinator struct {
	source   ReleaseSource
	users    *repositories.UserRepository
	artists  *repositories.ArtistRepository
	releases *repositories.ReleaseRepository
	logger   *log.Logger

	market string // market used when listing releases
	limit  int    // top-N cap per yielded release page
}

// CoordinatorOpts contains configuration for creating a Coordinator.
type CoordinatorOpts struct {
	Source   ReleaseSource
	Users    *repositories.UserRepository
	Artists  *repositories.ArtistRepository
	Releases *repositories.ReleaseRepository
	Logger   *log.Logger
	Market   string
	Limit    int
}

// NewCoordinator creates a Coordinator with the provided dependencies.
func NewCoordinator(opts CoordinatorOpts) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	return &Coordinator{
		source:   opts.Source,
		users:    opts.Users,
		artists:  opts.Artists,
		releases: opts.Releases,
		logger:   opts.Logger,
		market:   opts.Market,
		limit:    opts.Limit,
	}
}

// sendProgress sends a progress update through the channel without blocking.
func (c *Coordinator) sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

// GetProfile returns the user's profile, fetching from the remote API only
// when the cached copy is stale or missing.
//
// The cache is only overwritten on success; a failed fetch propagates its
// error and leaves the stored record untouched. An empty userID means
// "whoever the bound token belongs to" and always fetches.
func (c *Coordinator) GetProfile(ctx context.Context, userID string) (*models.User, error) {
	var user *models.User

	if userID != "" {
		existing, err := c.users.FindByID(userID)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return nil, err
		}
		user = existing

		if user != nil && !user.Profile.Stale(time.Now()) {
			return user, nil
		}
	}

	id, profile, err := c.source.FetchProfile(ctx)
	if err != nil {
		return nil, err
	}

	if user == nil {
		if user, err = c.users.FindByID(id); err != nil {
			if !errors.Is(err, shared.ErrNotFound) {
				return nil, err
			}
			user = &models.User{ID: id}
		}
	}

	user.Profile = *profile
	if err := c.users.Upsert(user); err != nil {
		return nil, err
	}

	c.logger.Debug("profile refreshed", "user", user.ID)
	return user, nil
}

// IDBatch is one yield of [FollowedSync]: either one remote page's worth of
// newly appended artist ids, or the full cached list when the list was fresh
// or the remote signalled no change.
type IDBatch struct {
	IDs       []string
	FromCache bool
}

// FollowedSync incrementally syncs a user's followed-artist id list.
//
// Each items page is persisted before it is yielded, so a crash mid-sync
// loses at most the in-flight page. Ids already yielded stay valid even when
// a later page fails.
type FollowedSync struct {
	co        *Coordinator
	user      *models.User
	pager     ArtistPageIter
	page      int
	started   bool
	done      bool
	err       error
	accum     []string
	firstETag string
}

// FollowedArtistIDs returns an iterator over the user's followed-artist ids.
//
// A fresh cached list yields once from the cache; a stale list drives the
// remote pager with the stored ETag.
func (c *Coordinator) FollowedArtistIDs(user *models.User) *FollowedSync {
	return &FollowedSync{co: c, user: user}
}

// Next advances the sync one batch. It returns false when the sequence is
// exhausted or failed; Err distinguishes the two.
func (s *FollowedSync) Next(ctx context.Context) (IDBatch, bool) {
	if s.done {
		return IDBatch{}, false
	}

	if !s.started {
		s.started = true

		if !s.user.Followed.Stale(time.Now()) {
			s.done = true
			return IDBatch{IDs: s.user.Followed.IDs, FromCache: true}, true
		}

		pager, err := s.co.source.FetchFollowedArtists(s.user.Followed.ETag)
		if err != nil {
			s.done = true
			s.err = err
			return IDBatch{}, false
		}
		s.pager = pager
	}

	page, ok := s.pager.Next(ctx)
	if !ok {
		s.done = true
		s.err = s.pager.Err()
		return IDBatch{}, false
	}

	if page.NotModified {
		// Remote list unchanged; refresh the timestamp and serve the cache.
		s.done = true
		s.user.Followed.RetrievedAt = time.Now()
		if err := s.co.users.Upsert(s.user); err != nil {
			s.err = err
			return IDBatch{}, false
		}
		return IDBatch{IDs: s.user.Followed.IDs, FromCache: true}, true
	}

	s.page++
	// The conditional GET targets the first page URL, so only the first
	// page's ETag is worth keeping.
	if s.page == 1 {
		s.firstETag = page.ETag
	}

	ids := make([]string, 0, len(page.Items))
	for _, artist := range page.Items {
		ids = append(ids, artist.ID)
	}
	s.accum = append(s.accum, ids...)

	if err := s.co.artists.BulkUpsert(page.Items); err != nil {
		s.done = true
		s.err = err
		return IDBatch{}, false
	}

	s.user.Followed = models.Followed{
		IDs:         s.accum,
		ETag:        s.firstETag,
		RetrievedAt: time.Now(),
	}
	if err := s.co.users.Upsert(s.user); err != nil {
		s.done = true
		s.err = err
		return IDBatch{}, false
	}

	return IDBatch{IDs: ids}, true
}

// Err returns the terminal error of an exhausted sync, if any.
func (s *FollowedSync) Err() error {
	return s.err
}

// ArtistsResult is the outcome of [Coordinator.GetArtists]: resolved artists
// plus per-group fetch errors. Errors never suppress resolved artists.
type ArtistsResult struct {
	Artists []models.Artist
	Errors  []error
}

// GetArtists resolves artist records, serving known ids from the store and
// fetching only the unknown ones in concurrent batches.
func (c *Coordinator) GetArtists(ctx context.Context, ids []string) (ArtistsResult, error) {
	known, err := c.artists.FindByIDs(ids)
	if err != nil {
		return ArtistsResult{}, err
	}

	var unknown []string
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			unknown = append(unknown, id)
		}
	}

	result := ArtistsResult{}

	var fetched []models.Artist
	for _, group := range c.source.FetchArtistsBatch(ctx, unknown) {
		if group.Err != nil {
			result.Errors = append(result.Errors, group.Err)
			continue
		}
		fetched = append(fetched, group.Artists...)
	}

	if len(fetched) > 0 {
		if err := c.artists.BulkUpsert(fetched); err != nil {
			return ArtistsResult{}, err
		}
		for _, artist := range fetched {
			known[artist.ID] = artist
		}
	}

	for _, id := range ids {
		if artist, ok := known[id]; ok {
			result.Artists = append(result.Artists, artist)
		}
	}

	return result, nil
}

// ReleaseBatch is one yield of [ReleaseSync]: the current top-N releases for
// every followed artist known so far, plus this cycle's collected errors.
type ReleaseBatch struct {
	Releases []models.Release
	Errors   []error
}

// ReleaseSync is the top-level sync generator. Each step consumes one
// followed-artist id batch, re-fetches releases for the artists whose
// release cache went stale, persists everything, and yields the merged
// top-N view from the store.
type ReleaseSync struct {
	co       *Coordinator
	user     *models.User
	ids      *FollowedSync
	progress chan<- ProgressUpdate

	known     []string
	seen      map[string]bool
	allErrors []error
	started   bool
	done      bool
}

// SyncReleases returns the release sync generator for a user.
func (c *Coordinator) SyncReleases(user *models.User, progress chan<- ProgressUpdate) *ReleaseSync {
	return &ReleaseSync{
		co:       c,
		user:     user,
		ids:      c.FollowedArtistIDs(user),
		progress: progress,
		seen:     map[string]bool{},
	}
}

// Next advances the sync one cycle. It returns false when the sync is
// complete; Errors then holds the accumulated error list for the whole run.
func (s *ReleaseSync) Next(ctx context.Context) (*ReleaseBatch, bool) {
	if s.done {
		return nil, false
	}

	if !s.started {
		s.started = true
		s.user.Job.Running = true
		if err := s.co.users.UpdateJob(s.user.ID, s.user.Job); err != nil {
			s.terminate(err)
			return nil, false
		}
	}

	batch, ok := s.ids.Next(ctx)
	if !ok {
		if err := s.ids.Err(); err != nil {
			s.terminate(err)
		} else {
			s.finish()
		}
		return nil, false
	}

	if batch.FromCache {
		s.co.sendProgress(s.progress, followedCachedUpdate(len(batch.IDs)))
	} else {
		s.co.sendProgress(s.progress, followedPageUpdate(s.ids.page, len(batch.IDs)))
	}

	var cycleErrors []error

	resolved, err := s.co.GetArtists(ctx, batch.IDs)
	if err != nil {
		s.terminate(err)
		return nil, false
	}
	cycleErrors = append(cycleErrors, resolved.Errors...)

	now := time.Now()
	var stale []models.Artist
	for _, artist := range resolved.Artists {
		if artist.ReleasesStale(now) {
			stale = append(stale, artist)
		}
	}
	s.co.sendProgress(s.progress, resolveArtistsUpdate(len(resolved.Artists)-len(stale), len(stale)))

	releases, fetchErrors := s.co.fetchStaleReleases(ctx, stale, s.progress)
	cycleErrors = append(cycleErrors, fetchErrors...)

	if err := s.co.releases.BulkUpsert(releases); err != nil {
		s.terminate(err)
		return nil, false
	}
	s.co.sendProgress(s.progress, persistUpdate(len(releases)))

	for _, id := range batch.IDs {
		if !s.seen[id] {
			s.seen[id] = true
			s.known = append(s.known, id)
		}
	}

	top, err := s.co.releases.ListByArtists(s.known, s.co.market, s.co.limit)
	if err != nil {
		s.terminate(err)
		return nil, false
	}

	s.allErrors = append(s.allErrors, cycleErrors...)

	return &ReleaseBatch{Releases: top, Errors: cycleErrors}, true
}

// Errors returns the accumulated error list for the whole sync.
func (s *ReleaseSync) Errors() []error {
	return s.allErrors
}

// terminate ends the sync with an error, keeping already-yielded results valid.
func (s *ReleaseSync) terminate(err error) {
	s.done = true
	s.allErrors = append(s.allErrors, err)
	s.clearJob()
}

// finish ends the sync normally. LastDone only advances on a clean run.
func (s *ReleaseSync) finish() {
	s.done = true
	s.clearJob()
	s.co.sendProgress(s.progress, syncDoneUpdate(len(s.allErrors)))
}

func (s *ReleaseSync) clearJob() {
	s.user.Job.Running = false
	if len(s.allErrors) == 0 {
		s.user.Job.LastDone = time.Now()
	}
	if err := s.co.users.UpdateJob(s.user.ID, s.user.Job); err != nil {
		s.co.logger.Warn("failed to clear job status", "user", s.user.ID, "error", err)
	}
}

// artistReleases is the fan-out result for one artist's release drain.
type artistReleases struct {
	artist   models.Artist
	releases []models.Release
	err      error
}

// fetchStaleReleases drains the release pager for every stale artist
// concurrently. An artist's sync timestamp only advances when its drain
// finished without error, so failed artists are retried next cycle.
func (c *Coordinator) fetchStaleReleases(ctx context.Context, stale []models.Artist, progress chan<- ProgressUpdate) ([]models.Release, []error) {
	if len(stale) == 0 {
		return nil, nil
	}

	results := make([]artistReleases, len(stale))

	var wg sync.WaitGroup
	for i, artist := range stale {
		wg.Add(1)
		go func(i int, artist models.Artist) {
			defer wg.Done()
			results[i] = c.drainReleases(ctx, artist)
		}(i, artist)
	}
	wg.Wait()

	now := time.Now()
	var all []models.Release
	var errs []error

	for i, res := range results {
		if res.err != nil {
			c.sendProgress(progress, releasesFailedUpdate(i+1, len(stale), res.artist.Name, res.err))
			errs = append(errs, res.err)
			continue
		}

		c.sendProgress(progress, fetchReleasesUpdate(i+1, len(stale), res.artist.Name))
		all = append(all, res.releases...)

		if err := c.artists.MarkReleasesSynced(res.artist.ID, now); err != nil {
			errs = append(errs, err)
		}
	}

	return all, errs
}

// drainReleases runs one artist's pager to completion.
func (c *Coordinator) drainReleases(ctx context.Context, artist models.Artist) artistReleases {
	result := artistReleases{artist: artist}

	pager := c.source.FetchArtistReleases(artist.ID)
	for {
		page, ok := pager.Next(ctx)
		if !ok {
			result.err = pager.Err()
			return result
		}
		result.releases = append(result.releases, page...)
	}
}
