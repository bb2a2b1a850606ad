package wlm

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"inference-node/pkg/errors"
	"inference-node/pkg/models"
	"inference-node/pkg/queue"
)

type recorder struct {
	mu     sync.Mutex
	codes  []int
	bodies [][]byte
}

func (r *recorder) Respond(body []byte, _ string, statusCode int, _ string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.codes = append(r.codes, statusCode)
	r.bodies = append(r.bodies, body)
}

func (r *recorder) Fail(statusCode int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.codes = append(r.codes, statusCode)
	r.bodies = append(r.bodies, []byte(message))
}

func (r *recorder) Codes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]int(nil), r.codes...)
}

type countingSink struct {
	mu        sync.Mutex
	accepted  int
	completed int
	discarded int
	failed    int
}

func (s *countingSink) JobAccepted(string, string, models.Priority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted++
}

func (s *countingSink) JobCompleted(string, string, models.Priority, time.Duration, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
}

func (s *countingSink) JobDiscarded(string, string, models.Priority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded++
}

func (s *countingSink) JobFailed(string, string, models.Priority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
}

func (s *countingSink) failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.failed
}

func (s *countingSink) counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.accepted, s.completed, s.discarded
}

type panickingSink struct {
	nopSink
}

func (panickingSink) JobAccepted(string, string, models.Priority) {
	panic("sink is broken")
}

func testSettings() Settings {
	return Settings{
		Name:            "resnet-18",
		Version:         "1.0",
		BatchSize:       3,
		MaxBatchDelay:   50 * time.Millisecond,
		QueueTimeout:    30 * time.Second,
		ResponseTimeout: time.Second,
		MinWorkers:      1,
		MaxWorkers:      1,
		QueueSize:       10,
		PriorityLevels:  3,
		Selector:        queue.SelectorStrict,
	}
}

func newTestModel(t *testing.T, settings Settings, opts ...ModelOption) *Model {
	t.Helper()

	m, err := NewModel(settings, nil, append([]ModelOption{WithSeed(1)}, opts...)...)
	require.NoError(t, err)

	return m
}

func newPriorityJob(id, priority string, clk *clocktesting.FakeClock) *models.Job {
	return models.NewJob("resnet-18", "1.0", models.CommandPredict, models.Payload{
		RequestID: id,
		Headers:   map[string]string{models.PriorityHeader: priority},
	}, nil, models.WithClock(clk))
}

func newJob(id string, cmd models.Command, opts ...models.JobOption) *models.Job {
	return models.NewJob("resnet-18", "1.0", cmd, models.Payload{RequestID: id, Body: []byte(id)}, nil, opts...)
}

// ids returns the request ids of the jobs in batch.
func ids(batch map[string]*models.Job) []string {
	out := make([]string, 0, len(batch))
	for _, job := range batch {
		out = append(out, job.Payload().RequestID)
	}

	return out
}

func TestPollBatch_invalidArgs(t *testing.T) {
	m := newTestModel(t, testSettings())
	require.True(t, m.AddJob(newJob("a", models.CommandPredict)))

	ctx := context.Background()

	assert.ErrorIs(t, m.PollBatch(ctx, "w-1", 0, nil), errors.ErrInvalidPollArgs)
	assert.ErrorIs(t, m.PollBatch(ctx, "", 0, map[string]*models.Job{}), errors.ErrInvalidPollArgs)

	batch := map[string]*models.Job{"old": newJob("old", models.CommandPredict)}
	assert.ErrorIs(t, m.PollBatch(ctx, "w-1", 0, batch), errors.ErrBatchNotEmpty)

	// nothing was taken from the queue
	assert.Equal(t, 1, m.QueueDepths()[0].Total)
	assert.Len(t, batch, 1)
}

func TestPollBatch_roundTrip(t *testing.T) {
	m := newTestModel(t, testSettings())

	job := models.NewJob("resnet-18", "1.0", models.CommandPredict, models.Payload{
		RequestID: "req-1",
		Headers:   map[string]string{models.PriorityHeader: "low"},
		Body:      []byte("payload"),
	}, nil)
	require.True(t, m.AddJob(job))

	batch := map[string]*models.Job{}
	require.NoError(t, m.PollBatch(context.Background(), "w-1", 0, batch))

	require.Len(t, batch, 1)
	got := batch[job.ID()]
	assert.Same(t, job, got)
	assert.Equal(t, models.PriorityLow, got.Priority())
	assert.Equal(t, []byte("payload"), got.Payload().Body)
	assert.False(t, got.Scheduled().Before(got.Arrival()))
}

func TestPollBatch_fillsUpToBatchSize(t *testing.T) {
	m := newTestModel(t, testSettings())

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.True(t, m.AddJob(newJob(id, models.CommandPredict)))
	}

	batch := map[string]*models.Job{}
	require.NoError(t, m.PollBatch(context.Background(), "w-1", 0, batch))

	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids(batch))
	assert.Equal(t, 2, m.QueueDepths()[0].Total)
}

func TestPollBatch_stopsAfterMaxBatchDelay(t *testing.T) {
	m := newTestModel(t, testSettings())
	require.True(t, m.AddJob(newJob("a", models.CommandPredict)))

	start := time.Now()
	batch := map[string]*models.Job{}
	require.NoError(t, m.PollBatch(context.Background(), "w-1", 0, batch))

	assert.ElementsMatch(t, []string{"a"}, ids(batch))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPollBatch_controlQueueFirst(t *testing.T) {
	m := newTestModel(t, testSettings())

	require.True(t, m.AddJob(newJob("predict", models.CommandPredict)))
	require.NoError(t, m.AddJobQueue("w-1"))
	require.NoError(t, m.AddWorkerJob("w-1", newJob("scale", models.CommandScale)))

	batch := map[string]*models.Job{}
	require.NoError(t, m.PollBatch(context.Background(), "w-1", 10*time.Millisecond, batch))
	assert.ElementsMatch(t, []string{"scale"}, ids(batch))

	// another worker does not see w-1's control traffic
	batch = map[string]*models.Job{}
	require.NoError(t, m.PollBatch(context.Background(), "w-2", 10*time.Millisecond, batch))
	assert.ElementsMatch(t, []string{"predict"}, ids(batch))
}

func TestPollBatch_describeFirstIsServedAlone(t *testing.T) {
	m := newTestModel(t, testSettings())

	require.True(t, m.AddJob(newJob("describe", models.CommandDescribe)))
	require.True(t, m.AddJob(newJob("a", models.CommandPredict)))

	batch := map[string]*models.Job{}
	require.NoError(t, m.PollBatch(context.Background(), "w-1", 0, batch))

	assert.ElementsMatch(t, []string{"describe"}, ids(batch))
	assert.Equal(t, 1, m.QueueDepths()[0].Total)
}

func TestPollBatch_describeMidBatchIsPutBack(t *testing.T) {
	settings := testSettings()
	settings.BatchSize = 10
	m := newTestModel(t, settings)

	for _, job := range []*models.Job{
		newJob("a", models.CommandPredict),
		newJob("b", models.CommandPredict),
		newJob("describe", models.CommandDescribe),
		newJob("c", models.CommandPredict),
	} {
		require.True(t, m.AddJob(job))
	}

	ctx := context.Background()

	batch := map[string]*models.Job{}
	require.NoError(t, m.PollBatch(ctx, "w-1", 0, batch))
	assert.ElementsMatch(t, []string{"a", "b"}, ids(batch))

	batch = map[string]*models.Job{}
	require.NoError(t, m.PollBatch(ctx, "w-1", 0, batch))
	assert.ElementsMatch(t, []string{"describe"}, ids(batch))

	batch = map[string]*models.Job{}
	require.NoError(t, m.PollBatch(ctx, "w-1", 0, batch))
	assert.ElementsMatch(t, []string{"c"}, ids(batch))
}

func TestPollBatch_staleJobsNeverBatched(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	sink := &countingSink{}

	m := newTestModel(t, testSettings(), WithModelClock(clk), WithMetricsSink(sink))

	require.True(t, m.AddJob(newPriorityJob("stale-first", "high", clk)))
	require.True(t, m.AddJob(newPriorityJob("stale-later", "low", clk)))

	// a job exactly as old as the queue timeout is stale
	clk.Step(30 * time.Second)
	fresh := newPriorityJob("fresh", "high", clk)
	require.True(t, m.AddJob(fresh))

	batch := map[string]*models.Job{}
	require.NoError(t, m.PollBatch(context.Background(), "w-1", 0, batch))

	assert.ElementsMatch(t, []string{"fresh"}, ids(batch))
	assert.Equal(t, clk.Now(), fresh.Scheduled())

	_, _, discarded := sink.counts()
	assert.Equal(t, 2, discarded)
	assert.Equal(t, 0, m.QueueDepths()[0].Total)
}

func TestPollBatch_staleFirstJobKeepsWaiting(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	m := newTestModel(t, testSettings(), WithModelClock(clk))

	require.True(t, m.AddJob(newJob("stale", models.CommandPredict, models.WithClock(clk))))
	clk.Step(time.Minute)

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.AddJob(newJob("fresh", models.CommandPredict, models.WithClock(clk)))
	}()

	batch := map[string]*models.Job{}
	require.NoError(t, m.PollBatch(context.Background(), "w-1", 0, batch))

	assert.ElementsMatch(t, []string{"fresh"}, ids(batch))
}

func TestPollBatch_cancelWhileWaitingForFirstJob(t *testing.T) {
	m := newTestModel(t, testSettings())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	batch := map[string]*models.Job{}
	err := m.PollBatch(ctx, "w-1", 0, batch)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, batch)

	// the assembly lock was released
	require.True(t, m.AddJob(newJob("a", models.CommandPredict)))
	require.NoError(t, m.PollBatch(context.Background(), "w-1", 0, batch))
	assert.ElementsMatch(t, []string{"a"}, ids(batch))
}

func TestPollBatch_cancelMidBatchReturnsJobs(t *testing.T) {
	settings := testSettings()
	settings.MaxBatchDelay = 5 * time.Second
	m := newTestModel(t, settings)

	require.True(t, m.AddJob(newJob("a", models.CommandPredict)))
	require.True(t, m.AddJob(newJob("b", models.CommandPredict)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	batch := map[string]*models.Job{}
	err := m.PollBatch(ctx, "w-1", 0, batch)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, batch)
	assert.Equal(t, 2, m.QueueDepths()[0].Total)

	// the put-back jobs keep their order
	job, ok, err := m.sharedQueue().Poll(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", job.Payload().RequestID)
}

func TestPollBatch_lockWaitIsInterruptible(t *testing.T) {
	m := newTestModel(t, testSettings())
	require.True(t, m.AddJob(newJob("a", models.CommandPredict)))

	m.lock <- struct{}{}
	defer func() { <-m.lock }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.PollBatch(ctx, "w-1", 0, map[string]*models.Job{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, m.QueueDepths()[0].Total)
}

func TestPollBatch_concurrentWorkersNeverShareJobs(t *testing.T) {
	settings := testSettings()
	settings.QueueSize = 200
	m := newTestModel(t, settings)

	const jobs = 120
	for i := 0; i < jobs; i++ {
		require.True(t, m.AddJob(newJob(fmt.Sprintf("job-%d", i), models.CommandPredict)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for {
				batch := map[string]*models.Job{}
				if err := m.PollBatch(ctx, "worker", 0, batch); err != nil {
					return
				}

				mu.Lock()
				for id := range batch {
					seen[id]++
				}
				done := len(seen) == jobs
				mu.Unlock()

				if done {
					cancel()
				}
			}
		}()
	}

	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestPollBatch_sharedRequestIDsAreBothBatched(t *testing.T) {
	m := newTestModel(t, testSettings())

	require.True(t, m.AddJob(newJob("same", models.CommandPredict)))
	require.True(t, m.AddJob(newJob("same", models.CommandPredict)))

	batch := map[string]*models.Job{}
	require.NoError(t, m.PollBatch(context.Background(), "w-1", 0, batch))

	assert.Equal(t, []string{"same", "same"}, ids(batch))
	assert.True(t, m.sharedQueue().IsEmpty())
}

func TestPollBatch_staleJobIsAnswered(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	m := newTestModel(t, testSettings(), WithModelClock(clk))

	rec := &recorder{}
	stale := models.NewJob("resnet-18", "1.0", models.CommandPredict, models.Payload{RequestID: "stale"}, rec, models.WithClock(clk))
	require.True(t, m.AddJob(stale))

	clk.Step(time.Minute)
	require.True(t, m.AddJob(newJob("fresh", models.CommandPredict, models.WithClock(clk))))

	batch := map[string]*models.Job{}
	require.NoError(t, m.PollBatch(context.Background(), "w-1", 0, batch))

	assert.ElementsMatch(t, []string{"fresh"}, ids(batch))
	assert.Equal(t, []int{http.StatusGatewayTimeout}, rec.Codes())
}

func TestPollBatch_stalePullsCountTowardBatchSize(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	m := newTestModel(t, testSettings(), WithModelClock(clk))

	s1 := newJob("s1", models.CommandPredict, models.WithClock(clk))
	s2 := newJob("s2", models.CommandPredict, models.WithClock(clk))
	clk.Step(time.Minute)

	for _, job := range []*models.Job{
		newJob("a", models.CommandPredict, models.WithClock(clk)),
		s1,
		s2,
		newJob("b", models.CommandPredict, models.WithClock(clk)),
		newJob("c", models.CommandPredict, models.WithClock(clk)),
	} {
		require.True(t, m.AddJob(job))
	}

	batch := map[string]*models.Job{}
	require.NoError(t, m.PollBatch(context.Background(), "w-1", 0, batch))

	// two pulls after the first job, both stale
	assert.ElementsMatch(t, []string{"a"}, ids(batch))
	assert.Equal(t, 2, m.QueueDepths()[0].Total)
}

func TestPollBatch_controlJobEndsFirstJobWait(t *testing.T) {
	m := newTestModel(t, testSettings())
	require.NoError(t, m.AddJobQueue("w-1"))

	go func() {
		time.Sleep(30 * time.Millisecond)
		assert.NoError(t, m.AddWorkerJob("w-1", newJob("stats", models.CommandStats)))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	batch := map[string]*models.Job{}
	require.NoError(t, m.PollBatch(ctx, "w-1", 10*time.Millisecond, batch))
	assert.Empty(t, batch)

	require.NoError(t, m.PollBatch(ctx, "w-1", 10*time.Millisecond, batch))
	assert.ElementsMatch(t, []string{"stats"}, ids(batch))
}

func TestAddWorkerJob_unknownWorker(t *testing.T) {
	settings := testSettings()
	settings.QueueSize = 1
	m := newTestModel(t, settings)

	assert.ErrorIs(t, m.AddWorkerJob("w-1", newJob("scale", models.CommandScale)), errors.ErrWorkerNotFound)
	assert.ErrorIs(t, m.AddWorkerJob(DefaultDataQueue, newJob("scale", models.CommandScale)), errors.ErrWorkerNotFound)

	require.NoError(t, m.AddJobQueue("w-1"))
	require.NoError(t, m.AddJobQueue("w-1"))
	require.NoError(t, m.AddWorkerJob("w-1", newJob("scale", models.CommandScale)))
	assert.ErrorIs(t, m.AddWorkerJob("w-1", newJob("load", models.CommandLoad)), errors.ErrQueueFull)
}

func TestAddWorkerJob_racingRemovalLosesNothing(t *testing.T) {
	settings := testSettings()
	settings.QueueSize = 1000
	m := newTestModel(t, settings)
	require.NoError(t, m.AddJobQueue("w-1"))

	const senders = 8

	var (
		wg       sync.WaitGroup
		accepted sync.Map
	)

	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			for j := 0; j < 50; j++ {
				rec := &recorder{}
				job := models.NewJob("resnet-18", "1.0", models.CommandStats, models.Payload{RequestID: fmt.Sprintf("%d-%d", i, j)}, rec)
				if m.AddWorkerJob("w-1", job) == nil {
					accepted.Store(job.ID(), rec)
				}
			}
		}(i)
	}

	time.Sleep(time.Millisecond)
	m.RemoveJobQueue("w-1")
	wg.Wait()

	// every job that made it into the queue was answered by the removal
	accepted.Range(func(_, value any) bool {
		assert.Equal(t, []int{http.StatusServiceUnavailable}, value.(*recorder).Codes())
		return true
	})
}

func TestAddJob_fullLevel(t *testing.T) {
	settings := testSettings()
	settings.QueueSize = 1
	sink := &countingSink{}
	m := newTestModel(t, settings, WithMetricsSink(sink))

	assert.True(t, m.AddJob(newJob("a", models.CommandPredict)))
	assert.False(t, m.AddJob(newJob("b", models.CommandPredict)))

	accepted, _, _ := sink.counts()
	assert.Equal(t, 1, accepted)
}

func TestAddJob_panickingSinkIsContained(t *testing.T) {
	m := newTestModel(t, testSettings(), WithMetricsSink(panickingSink{}))

	assert.NotPanics(t, func() {
		assert.True(t, m.AddJob(newJob("a", models.CommandPredict)))
	})
	assert.Equal(t, 1, m.QueueDepths()[0].Total)
}

func TestRemoveJobQueue(t *testing.T) {
	m := newTestModel(t, testSettings())

	rec := &recorder{}
	job := models.NewJob("resnet-18", "1.0", models.CommandScale, models.Payload{RequestID: "scale"}, rec)
	require.NoError(t, m.AddJobQueue("w-1"))
	require.NoError(t, m.AddWorkerJob("w-1", job))
	require.True(t, m.AddJob(newJob("a", models.CommandPredict)))

	m.RemoveJobQueue("w-1")
	m.RemoveJobQueue(DefaultDataQueue)

	depths := m.QueueDepths()
	require.Len(t, depths, 1)
	assert.Equal(t, DefaultDataQueue, depths[0].Name)
	assert.Equal(t, 1, depths[0].Total)
	assert.Equal(t, []int{http.StatusServiceUnavailable}, rec.Codes())
	assert.ErrorIs(t, m.AddWorkerJob("w-1", newJob("late", models.CommandScale)), errors.ErrWorkerNotFound)
}

func TestQueueDepths_sharedQueueFirst(t *testing.T) {
	m := newTestModel(t, testSettings())

	for _, worker := range []string{"w-b", "w-a"} {
		require.NoError(t, m.AddJobQueue(worker))
		require.NoError(t, m.AddWorkerJob(worker, newJob("load", models.CommandLoad)))
	}

	low := models.NewJob("resnet-18", "1.0", models.CommandPredict, models.Payload{
		Headers: map[string]string{models.PriorityHeader: "2"},
	}, nil)
	require.True(t, m.AddJob(low))

	depths := m.QueueDepths()
	require.Len(t, depths, 3)
	assert.Equal(t, DefaultDataQueue, depths[0].Name)
	assert.Equal(t, []int{0, 0, 1}, depths[0].Levels)
	assert.Equal(t, "w-a", depths[1].Name)
	assert.Equal(t, "w-b", depths[2].Name)
}

func TestFailedInfReqs(t *testing.T) {
	m := newTestModel(t, testSettings())

	assert.Equal(t, 1, m.IncrFailedInfReqs())
	assert.Equal(t, 2, m.IncrFailedInfReqs())
	assert.Equal(t, 2, m.State().FailedInfReqs)

	m.ResetFailedInfReqs()
	assert.Equal(t, 0, m.State().FailedInfReqs)
}

func TestNewModel_invalidSettings(t *testing.T) {
	settings := testSettings()
	settings.Name = ""
	_, err := NewModel(settings, nil)
	assert.ErrorIs(t, err, errors.ErrModelNameRequired)

	settings = testSettings()
	settings.Selector = "lottery"
	_, err = NewModel(settings, nil)
	assert.ErrorAs(t, err, &errors.InvalidSelectorError{})
}
