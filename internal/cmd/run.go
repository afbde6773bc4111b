package cmd

import (
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/tilerunner/internal/asyncinfer"
	"github.com/MeKo-Tech/tilerunner/internal/detector"
	"github.com/MeKo-Tech/tilerunner/internal/endpoints"
	"github.com/MeKo-Tech/tilerunner/internal/handler"
	"github.com/MeKo-Tech/tilerunner/internal/metrics"
	"github.com/MeKo-Tech/tilerunner/internal/monitor"
	"github.com/MeKo-Tech/tilerunner/internal/queue"
	"github.com/MeKo-Tech/tilerunner/internal/raster"
	"github.com/MeKo-Tech/tilerunner/internal/request"
	"github.com/MeKo-Tech/tilerunner/internal/runner"
	"github.com/MeKo-Tech/tilerunner/internal/scheduler"
	"github.com/MeKo-Tech/tilerunner/internal/store"
	"github.com/MeKo-Tech/tilerunner/internal/tiling"
	"github.com/MeKo-Tech/tilerunner/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator loop (images, regions, async results)",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("image-queue-url", "", "Upstream image request queue URL (required)")
	runCmd.Flags().String("image-dlq-url", "", "Dead-letter queue URL for rejected image requests")
	runCmd.Flags().String("region-queue-url", "", "Region work queue URL (required)")
	runCmd.Flags().String("results-queue-url", "", "Async inference results queue URL (enables the async path)")

	runCmd.Flags().String("image-table", "image-requests", "DynamoDB table for image request state")
	runCmd.Flags().String("region-table", "region-requests", "DynamoDB table for region request state")
	runCmd.Flags().String("tile-table", "tile-requests", "DynamoDB table for async tile state")
	runCmd.Flags().String("jobs-table", "outstanding-jobs", "DynamoDB table for outstanding jobs")
	runCmd.Flags().String("feature-table", "features", "DynamoDB table for detected features")
	runCmd.Flags().String("stats-table", "endpoint-statistics", "DynamoDB table for endpoint counters")

	runCmd.Flags().String("status-topic-arn", "", "SNS topic for image/region status events")

	runCmd.Flags().Int("region-size", 4096, "Region edge length in pixels")
	runCmd.Flags().Int("workers-per-cpu", worker.DefaultWorkersPerCPU, "Tile worker goroutines per CPU")
	runCmd.Flags().Int("lookahead", scheduler.DefaultMaxJobsLookahead, "Max outstanding jobs buffered for scheduling")
	runCmd.Flags().Duration("retry-time", 10*time.Minute, "Age before a non-progressing job is retried")
	runCmd.Flags().Int("max-retry-attempts", 3, "Attempts before a job is abandoned")

	runCmd.Flags().Bool("scheduler-throttling", true, "Throttle image admission by endpoint capacity")
	runCmd.Flags().Float64("capacity-target", 1.0, "Fraction of estimated endpoint capacity to schedule against")
	runCmd.Flags().Bool("self-throttling", false, "Bound concurrent regions per endpoint at dispatch time")
	runCmd.Flags().Int("max-regions-per-endpoint", 10, "Region cap per endpoint when self-throttling")

	runCmd.Flags().String("async-input-prefix", "", "s3:// prefix for async inference tile payloads")
	runCmd.Flags().String("async-cleanup", "IMMEDIATE", "Async object cleanup policy (IMMEDIATE, DELAYED, DISABLED)")
	runCmd.Flags().Duration("poll-delay", asyncinfer.DefaultPollDelay, "Delay before polling a silent async inference")
	runCmd.Flags().Int("max-polls", asyncinfer.DefaultMaxPolls, "Poll attempts before an async tile times out")

	runCmd.Flags().Duration("http-timeout", 2*time.Minute, "Per-call timeout for HTTP model endpoints")
	runCmd.Flags().Int("http-retries", 3, "Retries for HTTP model endpoint calls")

	runCmd.Flags().String("metrics-namespace", "", "CloudWatch namespace for metrics (empty disables)")
	runCmd.Flags().String("prom-addr", "", "Listen address for the Prometheus endpoint (empty disables)")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, runCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("run.image_queue_url", "image-queue-url")
	mustBind("run.image_dlq_url", "image-dlq-url")
	mustBind("run.region_queue_url", "region-queue-url")
	mustBind("run.results_queue_url", "results-queue-url")
	mustBind("run.image_table", "image-table")
	mustBind("run.region_table", "region-table")
	mustBind("run.tile_table", "tile-table")
	mustBind("run.jobs_table", "jobs-table")
	mustBind("run.feature_table", "feature-table")
	mustBind("run.stats_table", "stats-table")
	mustBind("run.status_topic_arn", "status-topic-arn")
	mustBind("run.region_size", "region-size")
	mustBind("run.workers_per_cpu", "workers-per-cpu")
	mustBind("run.lookahead", "lookahead")
	mustBind("run.retry_time", "retry-time")
	mustBind("run.max_retry_attempts", "max-retry-attempts")
	mustBind("run.scheduler_throttling", "scheduler-throttling")
	mustBind("run.capacity_target", "capacity-target")
	mustBind("run.self_throttling", "self-throttling")
	mustBind("run.max_regions_per_endpoint", "max-regions-per-endpoint")
	mustBind("run.async_input_prefix", "async-input-prefix")
	mustBind("run.async_cleanup", "async-cleanup")
	mustBind("run.poll_delay", "poll-delay")
	mustBind("run.max_polls", "max-polls")
	mustBind("run.http_timeout", "http-timeout")
	mustBind("run.http_retries", "http-retries")
	mustBind("run.metrics_namespace", "metrics-namespace")
	mustBind("run.prom_addr", "prom-addr")
}

func runRun(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	imageQueueURL := viper.GetString("run.image_queue_url")
	regionQueueURL := viper.GetString("run.region_queue_url")
	if imageQueueURL == "" || regionQueueURL == "" {
		return fmt.Errorf("--image-queue-url and --region-queue-url are required")
	}
	resultsQueueURL := viper.GetString("run.results_queue_url")
	asyncInputPrefix := viper.GetString("run.async_input_prefix")
	if resultsQueueURL != "" && asyncInputPrefix == "" {
		return fmt.Errorf("--async-input-prefix is required with --results-queue-url")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	ddbClient := dynamodb.NewFromConfig(awsCfg)
	sqsClient := sqs.NewFromConfig(awsCfg)
	s3Client := s3.NewFromConfig(awsCfg)
	stsClient := sts.NewFromConfig(awsCfg)
	smClient := sagemaker.NewFromConfig(awsCfg)
	smRuntime := sagemakerruntime.NewFromConfig(awsCfg)

	metricsSink := buildMetrics(awsCfg, logger)

	images := store.NewImageRequestStore(ddbClient, viper.GetString("run.image_table"))
	regions := store.NewRegionRequestStore(ddbClient, viper.GetString("run.region_table"))
	tiles := store.NewTileRequestStore(ddbClient, viper.GetString("run.tile_table"))
	jobs := store.NewRequestedJobsStore(ddbClient, viper.GetString("run.jobs_table"))
	features := store.NewFeatureStore(ddbClient, viper.GetString("run.feature_table"))
	stats := endpoints.NewStatistics(ddbClient, viper.GetString("run.stats_table"))

	imageQueue := queue.New(sqsClient, queue.Config{
		URL:           imageQueueURL,
		DeadLetterURL: viper.GetString("run.image_dlq_url"),
		WaitTime:      20 * time.Second,
	})
	regionQueue := queue.New(sqsClient, queue.Config{
		URL:      regionQueueURL,
		WaitTime: 20 * time.Second,
	})

	var mon *monitor.Monitor
	if arn := viper.GetString("run.status_topic_arn"); arn != "" {
		mon = monitor.New(sns.NewFromConfig(awsCfg), arn, logger)
	}

	estimator := endpoints.NewEstimator(smClient, endpoints.EstimatorConfig{
		Metrics: metricsSink,
		Logger:  logger,
	})
	variants := endpoints.NewVariantSelector(estimator, logger)

	regionSize := viper.GetInt("run.region_size")
	strategy := tiling.NewVariableOverlapStrategy()
	opener := &raster.ImageOpener{ClientFor: roleScopedS3(awsCfg, stsClient)}
	factory := &raster.ImageTileFactory{}

	retryTime := viper.GetDuration("run.retry_time")
	maxAttempts := viper.GetInt("run.max_retry_attempts")
	buffer := scheduler.NewBuffer(imageQueue, jobs,
		&raster.StrategyRegionCalculator{
			Opener:     opener,
			Strategy:   strategy,
			RegionSize: tiling.Dims{Width: regionSize, Height: regionSize},
		},
		variants,
		scheduler.BufferConfig{
			MaxJobsLookahead: viper.GetInt("run.lookahead"),
			RetryTime:        retryTime,
			MaxRetryAttempts: maxAttempts,
			Metrics:          metricsSink,
			Logger:           logger,
		})
	sched := scheduler.NewScheduler(buffer, estimator, scheduler.SchedulerConfig{
		ThrottlingEnabled:        viper.GetBool("run.scheduler_throttling"),
		CapacityTargetPercentage: viper.GetFloat64("run.capacity_target"),
		RetryTime:                retryTime,
		MaxRetryAttempts:         maxAttempts,
		Metrics:                  metricsSink,
		Logger:                   logger,
	})

	var wg sync.WaitGroup
	regionCfg := handler.RegionConfig{
		Opener:           opener,
		Factory:          factory,
		Strategy:         strategy,
		Regions:          regions,
		Images:           images,
		Jobs:             jobs,
		Features:         features,
		HTTP:             detector.NewHTTPClient(viper.GetDuration("run.http_timeout"), viper.GetInt("run.http_retries")),
		Runtime:          smRuntime,
		WorkersPerCPU:    viper.GetInt("run.workers_per_cpu"),
		ProgressInterval: time.Minute,
		Monitor:          mon,
		Metrics:          metricsSink,
		Logger:           logger,
	}
	if viper.GetBool("run.self_throttling") {
		regionCfg.Stats = stats
		regionCfg.MaxRegionsPerEndpoint = viper.GetInt("run.max_regions_per_endpoint")
	}

	if resultsQueueURL != "" {
		objects := asyncinfer.NewObjectStore(s3Client)
		policy, err := asyncinfer.ParseCleanupPolicy(viper.GetString("run.async_cleanup"))
		if err != nil {
			return err
		}
		resources := asyncinfer.NewResourceManager(objects, policy, logger)
		resultsQueue := queue.New(sqsClient, queue.Config{
			URL:      resultsQueueURL,
			WaitTime: 20 * time.Second,
		})
		poller := asyncinfer.NewPoller(resultsQueue, viper.GetDuration("run.poll_delay"))
		accountant := asyncinfer.NewAccountant(tiles, regions, images, jobs, mon, logger)

		regionCfg.Accountant = accountant
		regionCfg.Submitters = &submitterFactory{
			tiles:       tiles,
			objects:     objects,
			runtime:     smRuntime,
			poller:      poller,
			accountant:  accountant,
			resources:   resources,
			inputPrefix: asyncInputPrefix,
			metrics:     metricsSink,
			logger:      logger,
		}

		results := asyncinfer.NewResultsWorker(asyncinfer.ResultsConfig{
			Queue:      resultsQueue,
			Tiles:      tiles,
			Images:     images,
			Features:   features,
			Objects:    objects,
			Accountant: accountant,
			Resources:  resources,
			Poller:     poller,
			MaxPolls:   viper.GetInt("run.max_polls"),
			Metrics:    metricsSink,
			Logger:     logger,
		})

		wg.Add(2)
		go func() {
			defer wg.Done()
			resources.Run(ctx, asyncinfer.DefaultSweepInterval)
		}()
		go func() {
			defer wg.Done()
			if err := results.Run(ctx); err != nil {
				logger.Error("results worker stopped", "error", err)
			}
		}()
	}

	regionHandler := handler.NewRegionHandler(regionCfg)
	imageHandler := handler.NewImageHandler(handler.ImageConfig{
		Opener:      opener,
		Strategy:    strategy,
		RegionQueue: regionQueue,
		Regions:     regionHandler,
		Images:      images,
		RegionStore: regions,
		Jobs:        jobs,
		Features:    features,
		Variants:    variants,
		S3:          s3Client,
		Kinesis:     kinesis.NewFromConfig(awsCfg),
		RegionSize:  tiling.Dims{Width: regionSize, Height: regionSize},
		Monitor:     mon,
		Metrics:     metricsSink,
		Logger:      logger,
	})

	r := runner.New(runner.Config{
		RegionQueue: regionQueue,
		Scheduler:   sched,
		Images:      imageHandler,
		Regions:     regionHandler,
		Metrics:     metricsSink,
		Logger:      logger,
	})

	logger.Info("tilerunner starting",
		"image_queue", imageQueueURL,
		"region_queue", regionQueueURL,
		"async", resultsQueueURL != "")
	err = r.Run(ctx)
	wg.Wait()
	return err
}

// buildMetrics assembles the configured metric sinks. Both CloudWatch and the
// Prometheus endpoint may be enabled at once.
func buildMetrics(awsCfg aws.Config, log *slog.Logger) metrics.Sink {
	var sinks metrics.Multi

	if ns := viper.GetString("run.metrics_namespace"); ns != "" {
		sinks = append(sinks, metrics.NewCloudWatch(cloudwatch.NewFromConfig(awsCfg), metrics.CloudWatchConfig{
			Namespace: ns,
		}))
	}

	if addr := viper.GetString("run.prom_addr"); addr != "" {
		reg := prometheus.NewRegistry()
		sinks = append(sinks, metrics.NewProm(reg))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("prometheus listener stopped", "error", err)
			}
		}()
	}

	if len(sinks) == 0 {
		return metrics.Noop{}
	}
	return sinks
}

// roleScopedS3 returns S3 clients per image read role, caching the assumed
// credentials so repeated images under one role share a provider.
func roleScopedS3(awsCfg aws.Config, stsClient *sts.Client) func(readRole string) (raster.S3API, error) {
	base := s3.NewFromConfig(awsCfg)

	var mu sync.Mutex
	byRole := map[string]*s3.Client{}

	return func(readRole string) (raster.S3API, error) {
		if readRole == "" {
			return base, nil
		}
		mu.Lock()
		defer mu.Unlock()
		if c, ok := byRole[readRole]; ok {
			return c, nil
		}
		provider := stscreds.NewAssumeRoleProvider(stsClient, readRole)
		cfg := awsCfg.Copy()
		cfg.Credentials = aws.NewCredentialsCache(provider)
		c := s3.NewFromConfig(cfg)
		byRole[readRole] = c
		return c, nil
	}
}

// submitterFactory binds the async pipeline into the region handler: one
// Submitter per region run, sharing the process-wide stores and workers.
type submitterFactory struct {
	tiles       *store.TileRequestStore
	objects     *asyncinfer.ObjectStore
	runtime     detector.SageMakerRuntimeAPI
	poller      *asyncinfer.Poller
	accountant  *asyncinfer.Accountant
	resources   *asyncinfer.ResourceManager
	inputPrefix string
	metrics     metrics.Sink
	logger      *slog.Logger
}

func (f *submitterFactory) NewSubmitter(req *request.RegionRequest) (worker.Processor, error) {
	return asyncinfer.NewSubmitter(asyncinfer.SubmitterConfig{
		Tiles:         f.tiles,
		Objects:       f.objects,
		Invoker:       detector.NewAsyncInvoker(req.Endpoint, f.runtime),
		Poller:        f.poller,
		Accountant:    f.accountant,
		Resources:     f.resources,
		InputLocation: f.inputPrefix,
		ImagePath:     req.ImageURL,
		ModelName:     req.Endpoint.Name,
		Metrics:       f.metrics,
		Logger:        f.logger,
	}), nil
}
