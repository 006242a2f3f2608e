package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"trackingest/model"
)

func exerciseTracker(t *testing.T, tr interface {
	Save(ctx context.Context, job *model.Job) error
	Load(ctx context.Context, id string) (*model.Job, error)
}) {
	t.Helper()
	ctx := context.Background()

	if _, err := tr.Load(ctx, "missing"); !errors.Is(err, model.ErrJobNotFound) {
		t.Fatalf("Load(missing) err = %v, want ErrJobNotFound", err)
	}

	job := &model.Job{ID: "job-1", OwnerID: "alice", Title: "Demo", State: model.JobQueued, CreatedAt: time.Now().UTC()}
	if err := tr.Save(ctx, job); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// later changes must not leak into the stored snapshot
	job.State = model.JobRunning

	got, err := tr.Load(ctx, "job-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.State != model.JobQueued || got.OwnerID != "alice" || got.Title != "Demo" {
		t.Fatalf("loaded %+v", got)
	}

	job.State = model.JobSucceeded
	job.TrackID = "track-1"
	job.Track = &model.TrackRecord{ID: "track-1", OwnerID: "alice", Waveform: model.Waveform{0.5, 1}}
	if err := tr.Save(ctx, job); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err = tr.Load(ctx, "job-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.State.Terminal() || got.Track == nil || got.Track.ID != "track-1" || len(got.Track.Waveform) != 2 {
		t.Fatalf("loaded %+v", got)
	}
}

func TestMemoryJobTracker(t *testing.T) {
	exerciseTracker(t, NewMemoryJobTracker(16, time.Hour))
}

func TestMemoryJobTrackerExpires(t *testing.T) {
	tr := NewMemoryJobTracker(16, 20*time.Millisecond)
	if err := tr.Save(context.Background(), &model.Job{ID: "short"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := tr.Load(context.Background(), "short"); !errors.Is(err, model.ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound after ttl", err)
	}
}

func TestMemoryJobTrackerEvictsOldest(t *testing.T) {
	tr := NewMemoryJobTracker(2, time.Hour)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := tr.Save(ctx, &model.Job{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if tr.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tr.Len())
	}
	if _, err := tr.Load(ctx, "a"); !errors.Is(err, model.ErrJobNotFound) {
		t.Fatalf("oldest job still present: %v", err)
	}
}

func TestRedisJobTracker(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "docker.io/redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	addr, err := container.PortEndpoint(ctx, "6379/tcp", "")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	exerciseTracker(t, NewRedisJobTracker(client, time.Minute))

	ttl, err := client.TTL(ctx, "trackingest:job:job-1").Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl = %v, %v", ttl, err)
	}
}
