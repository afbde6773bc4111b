package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tilerunner/internal/apperr"
	"github.com/MeKo-Tech/tilerunner/internal/queue"
	"github.com/MeKo-Tech/tilerunner/internal/request"
	"github.com/MeKo-Tech/tilerunner/internal/store"
	"github.com/MeKo-Tech/tilerunner/internal/tiling"
)

// fakeSQS is an in-memory queue: Receive pops, Delete acks, visibility zero
// re-enqueues.
type fakeSQS struct {
	mu         sync.Mutex
	pending    []string
	inflight   map[string]string // receipt handle -> body
	deleted    int
	released   int
	deadletter []string
	seq        int
}

func newFakeSQS(bodies ...string) *fakeSQS {
	return &fakeSQS{pending: bodies, inflight: map[string]string{}}
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &sqs.ReceiveMessageOutput{}
	for len(f.pending) > 0 && len(out.Messages) < int(in.MaxNumberOfMessages) {
		body := f.pending[0]
		f.pending = f.pending[1:]
		f.seq++
		handle := fmt.Sprintf("rh-%d", f.seq)
		f.inflight[handle] = body
		out.Messages = append(out.Messages, sqstypes.Message{
			MessageId:     aws.String(fmt.Sprintf("m-%d", f.seq)),
			ReceiptHandle: aws.String(handle),
			Body:          aws.String(body),
		})
	}
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, aws.ToString(in.ReceiptHandle))
	f.deleted++
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	handle := aws.ToString(in.ReceiptHandle)
	if body, ok := f.inflight[handle]; ok && in.VisibilityTimeout == 0 {
		delete(f.inflight, handle)
		f.pending = append(f.pending, body)
		f.released++
	}
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadletter = append(f.deadletter, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(context.Context, *sqs.GetQueueAttributesInput, ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{}, nil
}

func (f *fakeSQS) stats() (deleted, released int, dl []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted, f.released, append([]string(nil), f.deadletter...)
}

// callLog records handler invocations across fakes in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeRegions struct {
	log  *callLog
	errs map[string]error // region id -> returned error
}

func (f *fakeRegions) HandleRegion(_ context.Context, req *request.RegionRequest) error {
	f.log.add("region:" + req.RegionID)
	return f.errs[req.RegionID]
}

type fakeImages struct {
	log *callLog
	err error
}

func (f *fakeImages) HandleImage(_ context.Context, req *request.ImageRequest) error {
	f.log.add("image:" + req.ImageID)
	return f.err
}

type fakeScheduler struct {
	mu   sync.Mutex
	reqs []*request.ImageRequest
}

func (f *fakeScheduler) NextImage(context.Context) (*request.ImageRequest, *store.RequestedJobItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return nil, nil, nil
	}
	req := f.reqs[0]
	f.reqs = f.reqs[1:]
	return req, &store.RequestedJobItem{JobID: req.JobID, NumAttempts: 1}, nil
}

func regionBody(t *testing.T, jobID string) string {
	t.Helper()
	rr := request.NewRegionRequest(imageRequest(jobID), tiling.Bounds{Width: 1024, Height: 1024})
	body, err := request.MarshalRegion(&rr)
	require.NoError(t, err)
	return string(body)
}

func imageRequest(jobID string) request.ImageRequest {
	return request.ImageRequest{
		JobID:    jobID,
		ImageID:  request.ImageID(jobID, "s3://imagery/scene.png"),
		ImageURL: "s3://imagery/scene.png",
		Endpoint: request.Endpoint{Name: "airplanes", Mode: request.ModeSMSync},
		Outputs:  []request.Output{{Type: request.SinkS3, Bucket: "results"}},
		TileSize: tiling.Dims{Width: 512, Height: 512},
	}
}

// run drives the loop until the probe reports done or the deadline passes.
func run(t *testing.T, r *Runner, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = r.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		require.True(t, time.Now().Before(deadline), "runner did not finish the work in time")
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-finished
}

func TestRunnerRegionsBeforeImages(t *testing.T) {
	log := &callLog{}
	sqsc := newFakeSQS(regionBody(t, "job-r"))
	img := imageRequest("job-i")

	r := New(Config{
		RegionQueue: queue.New(sqsc, queue.Config{URL: "https://sqs/regions"}),
		Scheduler:   &fakeScheduler{reqs: []*request.ImageRequest{&img}},
		Images:      &fakeImages{log: log},
		Regions:     &fakeRegions{log: log},
		IdleSleep:   time.Millisecond,
	})
	run(t, r, func() bool { return len(log.snapshot()) >= 2 })

	calls := log.snapshot()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], "region:")
	assert.Equal(t, "image:"+img.ImageID, calls[1])

	deleted, released, dl := sqsc.stats()
	assert.Equal(t, 1, deleted)
	assert.Zero(t, released)
	assert.Empty(t, dl)
}

func TestRunnerSelfThrottledRegionRequeued(t *testing.T) {
	log := &callLog{}
	body := regionBody(t, "job-r")
	rr, err := request.ParseRegion([]byte(body))
	require.NoError(t, err)

	sqsc := newFakeSQS(body)
	regions := &fakeRegions{log: log, errs: map[string]error{
		rr.RegionID: apperr.New(apperr.KindSelfThrottledRegion, "endpoint at capacity"),
	}}
	r := New(Config{
		RegionQueue: queue.New(sqsc, queue.Config{URL: "https://sqs/regions"}),
		Scheduler:   &fakeScheduler{},
		Images:      &fakeImages{log: log},
		Regions:     regions,
		IdleSleep:   time.Millisecond,
	})

	released := func() bool {
		_, n, _ := sqsc.stats()
		return n >= 1
	}
	run(t, r, released)

	_, n, _ := sqsc.stats()
	assert.GreaterOrEqual(t, n, 1)
	assert.Contains(t, log.snapshot()[0], "region:")
}

func TestRunnerMalformedRegionDeadLettered(t *testing.T) {
	sqsc := newFakeSQS(`{"not a region":`)
	r := New(Config{
		RegionQueue: queue.New(sqsc, queue.Config{
			URL:           "https://sqs/regions",
			DeadLetterURL: "https://sqs/regions-dl",
		}),
		Scheduler: &fakeScheduler{},
		Images:    &fakeImages{log: &callLog{}},
		Regions:   &fakeRegions{log: &callLog{}},
		IdleSleep: time.Millisecond,
	})

	run(t, r, func() bool {
		deleted, _, dl := sqsc.stats()
		return deleted >= 1 && len(dl) >= 1
	})

	deleted, _, dl := sqsc.stats()
	assert.Equal(t, 1, deleted)
	require.Len(t, dl, 1)
	assert.Equal(t, `{"not a region":`, dl[0])
}

func TestRunnerFailedRegionLeftToVisibilityTimeout(t *testing.T) {
	log := &callLog{}
	body := regionBody(t, "job-r")
	rr, err := request.ParseRegion([]byte(body))
	require.NoError(t, err)

	sqsc := newFakeSQS(body)
	regions := &fakeRegions{log: log, errs: map[string]error{
		rr.RegionID: apperr.New(apperr.KindLoadImage, "image unreadable"),
	}}
	r := New(Config{
		RegionQueue: queue.New(sqsc, queue.Config{URL: "https://sqs/regions"}),
		Scheduler:   &fakeScheduler{},
		Images:      &fakeImages{log: log},
		Regions:     regions,
		IdleSleep:   time.Millisecond,
	})

	run(t, r, func() bool { return len(log.snapshot()) >= 1 })

	deleted, released, _ := sqsc.stats()
	assert.Zero(t, deleted)
	assert.Zero(t, released)
}

func TestRunnerFailedImageKeepsJobRecord(t *testing.T) {
	log := &callLog{}
	img := imageRequest("job-i")
	sched := &fakeScheduler{reqs: []*request.ImageRequest{&img}}
	r := New(Config{
		RegionQueue: queue.New(newFakeSQS(), queue.Config{URL: "https://sqs/regions"}),
		Scheduler:   sched,
		Images:      &fakeImages{log: log, err: apperr.New(apperr.KindRetryableJob, "store unavailable")},
		Regions:     &fakeRegions{log: log},
		IdleSleep:   time.Millisecond,
	})

	run(t, r, func() bool { return len(log.snapshot()) >= 1 })

	// The loop logs and moves on; re-admission is the scheduler's job.
	assert.Equal(t, []string{"image:" + img.ImageID}, log.snapshot())
}
