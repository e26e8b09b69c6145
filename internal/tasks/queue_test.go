package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/newdrop/newdrop/internal/models"
	"github.com/newdrop/newdrop/internal/services"
)

func TestSyncJob(t *testing.T) {
	ctx := context.Background()

	t.Run("steps until exhaustion", func(t *testing.T) {
		f := newFixture(t)
		f.source.followedPages = []services.ArtistPage{
			artistPage(`"e1"`, "a1"),
			artistPage(`"e2"`, "a2"),
		}
		f.source.releases = map[string][][]models.Release{
			"a1": {{release("r1", "2026-03-01", "a1")}},
			"a2": {{release("r2", "2026-02-01", "a2")}},
		}

		user := &models.User{ID: "user1"}
		if err := f.users.Upsert(user); err != nil {
			t.Fatalf("failed to seed user: %v", err)
		}

		job := NewSyncJob(f.co, user, nil)

		if got := job.Execute(ctx); got != Continue {
			t.Fatalf("expected Continue after first page, got %v", got)
		}
		if got := job.Execute(ctx); got != Continue {
			t.Fatalf("expected Continue after second page, got %v", got)
		}
		if got := job.Execute(ctx); got != Done {
			t.Fatalf("expected Done at exhaustion, got %v", got)
		}

		if len(job.Errors()) != 0 {
			t.Errorf("unexpected errors: %v", job.Errors())
		}
	})

	t.Run("rate limit backs off and resumes from persisted state", func(t *testing.T) {
		f := newFixture(t)
		f.source.followedPages = []services.ArtistPage{artistPage(`"e1"`, "a1")}
		f.source.releaseErrs = map[string]error{
			"a1": &services.APIError{Kind: services.KindRateLimited, Status: 429, RetryAfter: 7},
		}
		f.source.releases = map[string][][]models.Release{
			"a1": {{release("r1", "2026-03-01", "a1")}},
		}

		user := &models.User{ID: "user1"}
		if err := f.users.Upsert(user); err != nil {
			t.Fatalf("failed to seed user: %v", err)
		}

		job := NewSyncJob(f.co, user, nil)

		var slept []time.Duration
		job.sleep = func(d time.Duration) { slept = append(slept, d) }

		if got := job.Execute(ctx); got != Continue {
			t.Fatalf("expected Continue after rate-limited cycle, got %v", got)
		}

		if len(slept) != 1 {
			t.Fatalf("expected one backoff sleep, got %d", len(slept))
		}
		if want := 8 * time.Second; slept[0] != want {
			t.Errorf("expected backoff of %v (1s + Retry-After), got %v", want, slept[0])
		}

		// Remote recovers; the restarted generator resumes from the
		// persisted followed list instead of re-fetching it.
		f.source.mu.Lock()
		f.source.releaseErrs = nil
		followedCallsBefore := f.source.followedCalls
		f.source.mu.Unlock()

		if got := job.Execute(ctx); got != Continue {
			t.Fatalf("expected Continue on resumed cycle, got %v", got)
		}
		if got := job.Execute(ctx); got != Done {
			t.Fatalf("expected Done, got %v", got)
		}

		f.source.mu.Lock()
		if f.source.followedCalls != followedCallsBefore {
			t.Errorf("resume should serve the followed list from cache, calls went %d -> %d",
				followedCallsBefore, f.source.followedCalls)
		}
		f.source.mu.Unlock()

		// The release landed once the limit lifted.
		stored, err := f.releases.FindByID("r1")
		if err != nil {
			t.Fatalf("release should be stored after resume: %v", err)
		}
		if stored.Title != "Release r1" {
			t.Errorf("unexpected release %+v", stored)
		}

		persisted, _ := f.users.FindByID("user1")
		if persisted.Job.Running {
			t.Error("job flag should clear when done")
		}
	})

	t.Run("rate limit that kills the followed pager stays in rotation", func(t *testing.T) {
		f := newFixture(t)
		f.source.followedPages = []services.ArtistPage{artistPage(`"e1"`, "a1")}
		f.source.pagerErr = &services.APIError{Kind: services.KindRateLimited, Status: 429, RetryAfter: 7}
		f.source.releases = map[string][][]models.Release{
			"a1": {{release("r1", "2026-03-01", "a1")}},
		}

		user := &models.User{ID: "user1"}
		if err := f.users.Upsert(user); err != nil {
			t.Fatalf("failed to seed user: %v", err)
		}

		job := NewSyncJob(f.co, user, nil)

		var slept []time.Duration
		job.sleep = func(d time.Duration) { slept = append(slept, d) }

		if got := job.Execute(ctx); got != Continue {
			t.Fatalf("expected Continue after first page, got %v", got)
		}

		// The pager dies with a 429 after its last page. The job must back
		// off and stay in rotation, not drop out as Done.
		if got := job.Execute(ctx); got != Continue {
			t.Fatalf("expected Continue after terminal rate limit, got %v", got)
		}
		if len(slept) != 1 {
			t.Fatalf("expected one backoff sleep, got %d", len(slept))
		}
		if want := 8 * time.Second; slept[0] != want {
			t.Errorf("expected backoff of %v (1s + Retry-After), got %v", want, slept[0])
		}

		f.source.mu.Lock()
		f.source.pagerErr = nil
		f.source.mu.Unlock()

		for i := 0; job.Execute(ctx) == Continue; i++ {
			if i > 10 {
				t.Fatal("job never finished")
			}
		}

		if _, err := f.releases.FindByID("r1"); err != nil {
			t.Fatalf("release should be stored after the retried run: %v", err)
		}

		persisted, _ := f.users.FindByID("user1")
		if persisted.Job.Running {
			t.Error("job flag should clear when done")
		}
	})

	t.Run("non-rate-limit errors do not back off", func(t *testing.T) {
		f := newFixture(t)
		f.source.followedPages = []services.ArtistPage{artistPage(`"e1"`, "a1")}
		f.source.releaseErrs = map[string]error{
			"a1": services.NewAPIError(services.KindExternal, "remote broke"),
		}

		user := &models.User{ID: "user1"}
		if err := f.users.Upsert(user); err != nil {
			t.Fatalf("failed to seed user: %v", err)
		}

		job := NewSyncJob(f.co, user, nil)

		var slept []time.Duration
		job.sleep = func(d time.Duration) { slept = append(slept, d) }

		for i := 0; job.Execute(ctx) == Continue; i++ {
			if i > 10 {
				t.Fatal("job never finished")
			}
		}

		if len(slept) != 0 {
			t.Errorf("expected no backoff for non-rate-limit errors, slept %v", slept)
		}
		if len(job.Errors()) == 0 {
			t.Error("expected the cycle error to accumulate")
		}
	})
}

func TestMaxRetryAfter(t *testing.T) {
	rateLimited := func(after int) error {
		return &services.APIError{Kind: services.KindRateLimited, Status: 429, RetryAfter: after}
	}

	cases := []struct {
		name string
		errs []error
		want int
	}{
		{"no errors", nil, -1},
		{"no rate limits", []error{services.NewAPIError(services.KindExternal, "x")}, -1},
		{"single rate limit", []error{rateLimited(5)}, 5},
		{"max wins", []error{rateLimited(3), rateLimited(9), rateLimited(1)}, 9},
		{"mixed", []error{services.NewAPIError(services.KindExternal, "x"), rateLimited(4)}, 4},
		{"zero retry-after", []error{rateLimited(0)}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := maxRetryAfter(tc.errs); got != tc.want {
				t.Errorf("maxRetryAfter = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestJobQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("first step result is delivered once", func(t *testing.T) {
		f := newFixture(t)
		f.source.followedPages = []services.ArtistPage{
			artistPage(`"e1"`, "a1"),
			artistPage(`"e2"`, "a2"),
		}
		f.source.releases = map[string][][]models.Release{
			"a1": {{release("r1", "2026-03-01", "a1")}},
			"a2": {{release("r2", "2026-02-01", "a2")}},
		}

		user := &models.User{ID: "user1"}
		if err := f.users.Upsert(user); err != nil {
			t.Fatalf("failed to seed user: %v", err)
		}

		queue := NewJobQueue(f.co)

		job, first := queue.Add(ctx, user, nil)

		result, ok := <-first
		if !ok {
			t.Fatal("expected a first-step result")
		}
		if result != Continue {
			t.Errorf("expected Continue from the first step, got %v", result)
		}

		if _, ok := <-first; ok {
			t.Error("first-step channel should close after one value")
		}

		queue.Wait()

		if len(job.Errors()) != 0 {
			t.Errorf("unexpected job errors: %v", job.Errors())
		}

		persisted, _ := f.users.FindByID("user1")
		if persisted.Job.Running {
			t.Error("job should be cleared after the queue drains")
		}
		if persisted.Job.LastDone.IsZero() {
			t.Error("expected LastDone stamped")
		}
	})

	t.Run("multiple jobs drain in rounds", func(t *testing.T) {
		f := newFixture(t)
		f.source.followedPages = []services.ArtistPage{artistPage(`"e1"`, "a1")}
		f.source.releases = map[string][][]models.Release{
			"a1": {{release("r1", "2026-03-01", "a1")}},
		}

		userA := &models.User{ID: "userA"}
		userB := &models.User{ID: "userB"}
		for _, u := range []*models.User{userA, userB} {
			if err := f.users.Upsert(u); err != nil {
				t.Fatalf("failed to seed user: %v", err)
			}
		}

		queue := NewJobQueue(f.co)

		_, firstA := queue.Add(ctx, userA, nil)
		_, firstB := queue.Add(ctx, userB, nil)

		<-firstA
		<-firstB
		queue.Wait()

		for _, id := range []string{"userA", "userB"} {
			persisted, err := f.users.FindByID(id)
			if err != nil {
				t.Fatalf("failed to load %s: %v", id, err)
			}
			if persisted.Job.Running {
				t.Errorf("%s still marked running", id)
			}
		}
	})

	t.Run("Wait returns immediately on an idle queue", func(t *testing.T) {
		f := newFixture(t)
		queue := NewJobQueue(f.co)

		done := make(chan struct{})
		go func() {
			queue.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Wait blocked on an idle queue")
		}
	})
}
