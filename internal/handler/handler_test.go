package handler

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tilerunner/internal/apperr"
	"github.com/MeKo-Tech/tilerunner/internal/asyncinfer"
	"github.com/MeKo-Tech/tilerunner/internal/detector"
	"github.com/MeKo-Tech/tilerunner/internal/endpoints"
	"github.com/MeKo-Tech/tilerunner/internal/queue"
	"github.com/MeKo-Tech/tilerunner/internal/raster"
	"github.com/MeKo-Tech/tilerunner/internal/request"
	"github.com/MeKo-Tech/tilerunner/internal/sensor"
	"github.com/MeKo-Tech/tilerunner/internal/store"
	"github.com/MeKo-Tech/tilerunner/internal/store/storetest"
	"github.com/MeKo-Tech/tilerunner/internal/tiling"
	"github.com/MeKo-Tech/tilerunner/internal/worker"
)

// fakeOpener hands out a fixed dataset regardless of URI.
type fakeOpener struct {
	ds  raster.Dataset
	err error
}

func (o *fakeOpener) Open(context.Context, string, string) (raster.Dataset, error) {
	return o.ds, o.err
}

// fakeFactory writes placeholder tile bytes instead of encoding pixels.
type fakeFactory struct {
	failWindows map[string]bool
}

func (f *fakeFactory) EncodeTile(_ context.Context, _ raster.Dataset, window tiling.Bounds,
	_ request.TileFormat, _ request.TileCompression, path string) (int64, error) {

	if f.failWindows[window.String()] {
		return 0, fmt.Errorf("encode %s: no pixels", window)
	}
	body := []byte("tile:" + window.String())
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return 0, err
	}
	return int64(len(body)), nil
}

type fakeSQS struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSQS) sentBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeSQS) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(context.Context, *sqs.DeleteMessageInput, ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(context.Context, *sqs.ChangeMessageVisibilityInput, ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(context.Context, *sqs.GetQueueAttributesInput, ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{}, nil
}

type fakeS3Sink struct {
	puts map[string][]byte
}

func (f *fakeS3Sink) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

// detectionServer is an HTTP model endpoint returning one detection per
// tile, counting invocations.
func detectionServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/geo+json")
		fmt.Fprint(w, `{"type":"FeatureCollection","features":[
			{"type":"Feature","geometry":{"type":"Point","coordinates":[10,20]},
			 "properties":{"score":0.9}}]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type env struct {
	ddb *storetest.DDB
	sqs *fakeSQS
	s3  *fakeS3Sink

	images   *store.ImageRequestStore
	regions  *store.RegionRequestStore
	jobs     *store.RequestedJobsStore
	features *store.FeatureStore

	factory *fakeFactory
	region  *RegionHandler
	image   *ImageHandler

	calls atomic.Int64
	req   request.ImageRequest
}

// newEnv builds a handler stack over an in-memory 1024x1024 image with an
// affine sensor model, backed by an HTTP detection endpoint.
func newEnv(t *testing.T, imgW, imgH int) *env {
	t.Helper()

	e := &env{
		ddb: storetest.New(),
		sqs: &fakeSQS{},
		s3:  &fakeS3Sink{},
	}
	e.images = store.NewImageRequestStore(e.ddb, "images")
	e.regions = store.NewRegionRequestStore(e.ddb, "regions")
	e.jobs = store.NewRequestedJobsStore(e.ddb, "jobs")
	e.features = store.NewFeatureStore(e.ddb, "features")
	e.factory = &fakeFactory{failWindows: map[string]bool{}}

	model, err := sensor.NewAffine([6]float64{-77, 0.0001, 0, 39, 0, -0.0001})
	require.NoError(t, err)
	ds := raster.NewImageDataset(
		image.NewRGBA(image.Rect(0, 0, imgW, imgH)),
		raster.Metadata{SourceID: "scene-1", Format: "PNG"},
		model,
	)
	opener := &fakeOpener{ds: ds}

	srv := detectionServer(t, &e.calls)
	e.req = request.ImageRequest{
		JobID:    "job-1",
		ImageID:  request.ImageID("job-1", "s3://imagery/scene.png"),
		ImageURL: "s3://imagery/scene.png",
		Endpoint: request.Endpoint{Name: srv.URL, Mode: request.ModeHTTP},
		Outputs: []request.Output{
			{Type: request.SinkS3, Bucket: "results", Prefix: "out"},
		},
		TileSize:        tiling.Dims{Width: 512, Height: 512},
		TileOverlap:     tiling.Dims{Width: 0, Height: 0},
		TileFormat:      request.FormatPNG,
		TileCompression: request.CompressionNone,
	}

	e.region = NewRegionHandler(RegionConfig{
		Opener:   opener,
		Factory:  e.factory,
		Strategy: tiling.NewVariableOverlapStrategy(),
		Regions:  e.regions,
		Images:   e.images,
		Jobs:     e.jobs,
		Features: e.features,
		HTTP:     detector.NewHTTPClient(5*time.Second, 1),
	})
	e.image = NewImageHandler(ImageConfig{
		Opener:         opener,
		Strategy:       tiling.NewVariableOverlapStrategy(),
		RegionQueue:    queue.New(e.sqs, queue.Config{URL: "https://sqs/regions"}),
		Regions:        e.region,
		Images:         e.images,
		RegionStore:    e.regions,
		Jobs:           e.jobs,
		Features:       e.features,
		S3:             e.s3,
		RegionSize:     tiling.Dims{Width: 1024, Height: 1024},
		CompletionPoll: 10 * time.Millisecond,
	})

	ctx := context.Background()
	require.NoError(t, e.images.StartImageRequest(ctx, &store.ImageRequestItem{
		ImageID: e.req.ImageID, JobID: e.req.JobID, ImageURL: e.req.ImageURL,
		ModelName: e.req.Endpoint.Name,
	}))
	require.NoError(t, e.jobs.AddNewRequest(ctx, &store.RequestedJobItem{
		EndpointID: e.req.Endpoint.Name, JobID: e.req.JobID, Payload: "{}",
	}))
	return e
}

func (e *env) regionRequest(bounds tiling.Bounds) request.RegionRequest {
	return request.NewRegionRequest(e.req, bounds)
}

func TestRegionHandlerSuccess(t *testing.T) {
	e := newEnv(t, 1024, 1024)
	rr := e.regionRequest(tiling.Bounds{Width: 1024, Height: 1024})
	ctx := context.Background()

	require.NoError(t, e.region.HandleRegion(ctx, &rr))

	region, err := e.regions.GetRegionRequest(ctx, e.req.ImageID, rr.RegionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, region.Status)
	assert.Equal(t, 4, region.TotalTileCount)
	assert.Equal(t, 4, region.SucceededTileCount)
	assert.Zero(t, region.FailedTileCount)
	assert.EqualValues(t, 4, e.calls.Load())

	feats, err := e.features.GetAllFeatures(ctx, e.req.ImageID)
	require.NoError(t, err)
	assert.Len(t, feats, 4)
	// Tile-relative detections land in image pixel space.
	for _, f := range feats {
		assert.Equal(t, e.req.ImageID, f.Properties["imageID"])
	}

	img, err := e.images.GetImageRequest(ctx, e.req.ImageID)
	require.NoError(t, err)
	assert.Equal(t, 1, img.RegionsComplete)

	jobs, err := e.jobs.GetOutstandingRequests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Contains(t, jobs[0].RegionsComplete, rr.RegionID)
}

func TestRegionHandlerTileCreationFailure(t *testing.T) {
	e := newEnv(t, 1024, 1024)
	e.factory.failWindows["r0c0_512x512"] = true
	rr := e.regionRequest(tiling.Bounds{Width: 1024, Height: 1024})
	ctx := context.Background()

	require.NoError(t, e.region.HandleRegion(ctx, &rr))

	region, err := e.regions.GetRegionRequest(ctx, e.req.ImageID, rr.RegionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, region.Status)
	assert.Equal(t, 3, region.SucceededTileCount)
	assert.Equal(t, 1, region.FailedTileCount)
	assert.EqualValues(t, 3, e.calls.Load())
}

func TestRegionHandlerAllTilesFail(t *testing.T) {
	e := newEnv(t, 1024, 1024)
	for _, w := range []string{"r0c0_512x512", "r0c512_512x512", "r512c0_512x512", "r512c512_512x512"} {
		e.factory.failWindows[w] = true
	}
	rr := e.regionRequest(tiling.Bounds{Width: 1024, Height: 1024})
	ctx := context.Background()

	require.NoError(t, e.region.HandleRegion(ctx, &rr))

	region, err := e.regions.GetRegionRequest(ctx, e.req.ImageID, rr.RegionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, region.Status)
	assert.Equal(t, 4, region.FailedTileCount)

	img, err := e.images.GetImageRequest(ctx, e.req.ImageID)
	require.NoError(t, err)
	assert.Equal(t, 1, img.RegionsFailed)
}

func TestRegionHandlerResumeSkipsSucceededTiles(t *testing.T) {
	e := newEnv(t, 1024, 1024)
	rr := e.regionRequest(tiling.Bounds{Width: 1024, Height: 1024})
	ctx := context.Background()

	// A previous attempt already landed one tile.
	require.NoError(t, e.regions.StartRegionRequest(ctx, &store.RegionRequestItem{
		ImageID:  e.req.ImageID,
		RegionID: rr.RegionID,
	}))
	require.NoError(t, e.regions.AddTileResult(ctx, e.req.ImageID, rr.RegionID, "r0c0_512x512", true))

	require.NoError(t, e.region.HandleRegion(ctx, &rr))

	assert.EqualValues(t, 3, e.calls.Load())
	region, err := e.regions.GetRegionRequest(ctx, e.req.ImageID, rr.RegionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, region.Status)
	assert.Equal(t, 4, region.SucceededTileCount)
}

func TestRegionHandlerRedeliveryCountsRegionOnce(t *testing.T) {
	e := newEnv(t, 1024, 1024)
	rr := e.regionRequest(tiling.Bounds{Width: 1024, Height: 1024})
	ctx := context.Background()

	require.NoError(t, e.region.HandleRegion(ctx, &rr))
	require.NoError(t, e.region.HandleRegion(ctx, &rr))

	// The second delivery must not move the image's completion counter, or
	// a waiting image handler would aggregate before all regions land.
	img, err := e.images.GetImageRequest(ctx, e.req.ImageID)
	require.NoError(t, err)
	assert.Equal(t, 1, img.RegionsComplete)
	assert.Zero(t, img.RegionsFailed)
}

func TestRegionHandlerSelfThrottled(t *testing.T) {
	e := newEnv(t, 1024, 1024)
	stats := endpoints.NewStatistics(e.ddb, "stats")
	ctx := context.Background()

	throttled := NewRegionHandler(RegionConfig{
		Opener:                e.region.cfg.Opener,
		Factory:               e.factory,
		Strategy:              tiling.NewVariableOverlapStrategy(),
		Regions:               e.regions,
		Images:                e.images,
		Jobs:                  e.jobs,
		Features:              e.features,
		HTTP:                  detector.NewHTTPClient(5*time.Second, 1),
		Stats:                 stats,
		MaxRegionsPerEndpoint: 2,
	})

	require.NoError(t, stats.IncrementInProgress(ctx, e.req.Endpoint.Name))
	require.NoError(t, stats.IncrementInProgress(ctx, e.req.Endpoint.Name))

	rr := e.regionRequest(tiling.Bounds{Width: 1024, Height: 1024})
	err := throttled.HandleRegion(ctx, &rr)
	require.Error(t, err)
	assert.Equal(t, apperr.KindSelfThrottledRegion, apperr.KindOf(err))

	// Below the cap the slot is taken and released around the run.
	require.NoError(t, stats.DecrementInProgress(ctx, e.req.Endpoint.Name))
	require.NoError(t, throttled.HandleRegion(ctx, &rr))
	n, err := stats.InProgress(ctx, e.req.Endpoint.Name)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestImageHandlerSingleRegion(t *testing.T) {
	e := newEnv(t, 512, 512)
	ctx := context.Background()

	require.NoError(t, e.image.HandleImage(ctx, &e.req))

	item, err := e.images.GetImageRequest(ctx, e.req.ImageID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, item.Status)
	assert.Equal(t, "scene-1", item.SourceID)
	assert.NotZero(t, item.EndTime)

	// One region, one tile, run inline: nothing on the region queue.
	assert.Empty(t, e.sqs.sent)
	assert.EqualValues(t, 1, e.calls.Load())

	// Aggregated output written to the S3 sink, geolocated.
	body, ok := e.s3.puts["results/out/job-1.geojson"]
	require.True(t, ok, "expected sink object, got %v", e.s3.puts)
	assert.Contains(t, string(body), "FeatureCollection")
	assert.Contains(t, string(body), "-76.99") // lon of pixel (10, 20)
}

func TestImageHandlerROIMiss(t *testing.T) {
	e := newEnv(t, 512, 512)
	// Far from the image's (-77, 39) footprint.
	e.req.ROI = orb.Polygon{{{0, 0}, {0, 1}, {1, 1}, {1, 0}, {0, 0}}}
	ctx := context.Background()

	require.NoError(t, e.image.HandleImage(ctx, &e.req))

	item, err := e.images.GetImageRequest(ctx, e.req.ImageID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, item.Status)
	assert.Zero(t, e.calls.Load())

	// The miss is deterministic; the job must not linger in the working set
	// where the scheduler would replay it.
	jobs, err := e.jobs.GetOutstandingRequests(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestImageHandlerPartial(t *testing.T) {
	e := newEnv(t, 512, 1024)
	e.factory.failWindows["r512c0_512x512"] = true
	ctx := context.Background()

	require.NoError(t, e.image.HandleImage(ctx, &e.req))

	item, err := e.images.GetImageRequest(ctx, e.req.ImageID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPartial, item.Status)
}

func TestImageHandlerDistributedRegions(t *testing.T) {
	e := newEnv(t, 2048, 1024)
	ctx := context.Background()

	// A second worker drains the region queue while the handler waits.
	done := make(chan error, 1)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if sent := e.sqs.sentBodies(); len(sent) > 0 {
				rr, err := request.ParseRegion([]byte(sent[0]))
				if err != nil {
					done <- err
					return
				}
				done <- e.region.HandleRegion(ctx, rr)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		done <- fmt.Errorf("no region message appeared")
	}()

	require.NoError(t, e.image.HandleImage(ctx, &e.req))
	require.NoError(t, <-done)

	item, err := e.images.GetImageRequest(ctx, e.req.ImageID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, item.Status)
	assert.Equal(t, 2, item.RegionCount)
	assert.Equal(t, 2, item.RegionsComplete)

	feats, err := e.features.GetAllFeatures(ctx, e.req.ImageID)
	require.NoError(t, err)
	assert.Len(t, feats, 8)
}

func TestImageHandlerOpenFailure(t *testing.T) {
	e := newEnv(t, 512, 512)
	e.image.cfg.Opener = &fakeOpener{err: fmt.Errorf("no such object")}
	ctx := context.Background()

	err := e.image.HandleImage(ctx, &e.req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindLoadImage, apperr.KindOf(err))

	item, getErr := e.images.GetImageRequest(ctx, e.req.ImageID)
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusFailed, item.Status)
}

// fakeProcessor satisfies worker.Processor for async routing checks.
type fakeProcessor struct{}

func (fakeProcessor) ProcessTile(context.Context, worker.Task) (int, error) { return 0, nil }

type fakeSubmitters struct{ built int }

func (f *fakeSubmitters) NewSubmitter(*request.RegionRequest) (worker.Processor, error) {
	f.built++
	return fakeProcessor{}, nil
}

func TestRegionHandlerRoutesAsyncToSubmitter(t *testing.T) {
	e := newEnv(t, 1024, 1024)
	subs := &fakeSubmitters{}
	tiles := store.NewTileRequestStore(e.ddb, "tiles")
	h := NewRegionHandler(RegionConfig{
		Opener:     e.region.cfg.Opener,
		Factory:    e.factory,
		Strategy:   tiling.NewVariableOverlapStrategy(),
		Regions:    e.regions,
		Images:     e.images,
		Jobs:       e.jobs,
		Features:   e.features,
		Submitters: subs,
		Accountant: asyncinfer.NewAccountant(tiles, e.regions, e.images, e.jobs, nil, nil),
	})

	e.req.Endpoint = request.Endpoint{Name: "airplanes", Mode: request.ModeSMAsync}
	rr := e.regionRequest(tiling.Bounds{Width: 1024, Height: 1024})
	ctx := context.Background()

	require.NoError(t, h.HandleRegion(ctx, &rr))
	assert.Equal(t, 1, subs.built)

	// Nothing completed yet; the results worker owns the close-out.
	region, err := e.regions.GetRegionRequest(ctx, e.req.ImageID, rr.RegionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, region.Status)
	assert.Equal(t, 4, region.TotalTileCount)
}
