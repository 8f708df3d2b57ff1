package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/CMSgov/dpc-app/conf"
	"github.com/CMSgov/dpc-app/dpc/client"
	"github.com/CMSgov/dpc-app/dpc/database"
	"github.com/CMSgov/dpc-app/dpc/monitoring"
	"github.com/CMSgov/dpc-app/dpcaggregation/cleanup"
	"github.com/CMSgov/dpc-app/dpcaggregation/engine"
	"github.com/CMSgov/dpc-app/dpcaggregation/health"
	"github.com/CMSgov/dpc-app/dpcqueue"
	"github.com/CMSgov/dpc-app/dpcqueue/models"
	"github.com/CMSgov/dpc-app/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	pborman "github.com/pborman/uuid"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const Name = "dpcaggregation"
const Usage = "Data at the Point of Care aggregation worker CLI"

func GetApp() *cli.App {
	return setUpApp()
}

func setUpApp() *cli.App {
	app := cli.NewApp()
	app.Name = Name
	app.Usage = Usage
	app.Before = func(c *cli.Context) error {
		log.SetupLoggers()
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:  "start-worker",
			Usage: "Start the aggregation engine",
			Action: func(c *cli.Context) error {
				return startWorker()
			},
		},
		{
			Name:  "health",
			Usage: "Check the health of a running worker and its dependencies",
			Action: func(c *cli.Context) error {
				cfg, err := loadWorkerConfig()
				if err != nil {
					return err
				}
				comps, err := buildComponents(cfg)
				if err != nil {
					return err
				}
				defer comps.Close()

				checker := health.NewHealthChecker(newRemoteReporter(cfg.HealthAddr), comps.db, comps.queue)
				if checkHealth(checker) {
					return nil
				}
				return cli.NewExitError("Worker is unhealthy", 1)
			},
		},
		{
			Name:  "reconcile",
			Usage: "Republish orphaned batches and requeue stale ones",
			Action: func(c *cli.Context) error {
				return reconcile(c)
			},
		},
		{
			Name:  "cleanup",
			Usage: "Remove exported files of batches that finished before the retention threshold",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "threshold", Value: 24, EnvVar: "DPC_ARCHIVE_THRESHOLD_HR",
					Usage: "Retention threshold in hours"},
			},
			Action: func(c *cli.Context) error {
				return cleanupExports(c)
			},
		},
		{
			Name:  "migrate",
			Usage: "Apply pending database migrations",
			Action: func(c *cli.Context) error {
				cfg, err := database.LoadConfig()
				if err != nil {
					return err
				}
				if err := database.Migrate(cfg); err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, "Migrations applied")
				return nil
			},
		},
		{
			Name:  "submit-job",
			Usage: "Queue an export batch",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "org", Usage: "Organization UUID"},
				cli.StringFlag{Name: "provider", Usage: "Provider identifier"},
				cli.StringFlag{Name: "patients", Usage: "Comma separated patient identifiers"},
				cli.StringFlag{Name: "resources", Usage: "Comma separated resource types",
					Value: strings.Join([]string{string(models.ResourceTypePatient), string(models.ResourceTypeCoverage),
						string(models.ResourceTypeExplanationOfBenefit)}, ",")},
			},
			Action: func(c *cli.Context) error {
				return submitJob(c)
			},
		},
	}
	return app
}

func startWorker() error {
	fmt.Println("Starting dpcaggregation...")
	cfg, err := loadWorkerConfig()
	if err != nil {
		return err
	}
	opsCfg, err := engine.LoadConfig()
	if err != nil {
		return err
	}
	bbCfg, err := client.LoadConfig()
	if err != nil {
		return err
	}
	bb, err := client.NewBlueButtonClient(*bbCfg)
	if err != nil {
		return err
	}
	sink, err := engine.NewSink(opsCfg)
	if err != nil {
		return err
	}

	comps, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer comps.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSig(cancel)

	e := engine.NewEngine(comps.queue, bb, comps.suppression, sink, *opsCfg)
	checker := health.NewHealthChecker(engine.NewHealthReporter(e), comps.db, comps.queue)

	srv := &http.Server{
		Addr:              cfg.HealthAddr,
		Handler:           health.NewRouter(checker),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Health.Errorf("Health server stopped: %s", err)
		}
	}()

	if cfg.HealthIntervalSec > 0 {
		go health.NewHealthLogger(checker).Run(ctx, time.Duration(cfg.HealthIntervalSec)*time.Second)
	}

	if cfg.ReconcileInterval > 0 {
		rcfg := dpcqueue.ReconcilerConfig{}
		if err := conf.Checkout(&rcfg); err != nil {
			return err
		}
		go dpcqueue.NewReconciler(comps.queue, rcfg).Run(ctx, cfg.ReconcileInterval)
	}

	engine.NewSupervisor(e).Run(ctx)

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Health.Warnf("Failed to stop health server: %s", err)
	}
	monitoring.GetMonitor().Shutdown(5 * time.Second)
	return nil
}

func reconcile(c *cli.Context) error {
	cfg, err := loadWorkerConfig()
	if err != nil {
		return err
	}
	comps, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer comps.Close()

	rcfg := dpcqueue.ReconcilerConfig{}
	if err := conf.Checkout(&rcfg); err != nil {
		return err
	}

	result, err := dpcqueue.NewReconciler(comps.queue, rcfg).Sweep(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Republished %d, requeued %d, failed %d\n", result.Republished, result.Requeued, result.Failed)
	return nil
}

func cleanupExports(c *cli.Context) error {
	opsCfg, err := engine.LoadConfig()
	if err != nil {
		return err
	}
	if opsCfg.ExportS3Bucket != "" {
		fmt.Fprintln(c.App.Writer, "Exports are written to S3, bucket lifecycle rules handle retention")
		return nil
	}

	cfg, err := loadWorkerConfig()
	if err != nil {
		return err
	}
	comps, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer comps.Close()

	cutoff := cleanup.GetCutOffTime(time.Now(), c.Int("threshold"))
	removed, err := cleanup.NewCleaner(comps.store, opsCfg.ExportPath).Clean(context.Background(), cutoff)
	fmt.Fprintf(c.App.Writer, "Removed %d files\n", removed)
	return err
}

func submitJob(c *cli.Context) error {
	orgID, err := uuid.Parse(c.String("org"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("invalid --org: %s", err), 1)
	}
	patients := splitList(c.String("patients"))
	var resourceTypes []models.ResourceType
	for _, rt := range splitList(c.String("resources")) {
		resourceTypes = append(resourceTypes, models.ResourceType(rt))
	}

	cfg, err := loadWorkerConfig()
	if err != nil {
		return err
	}
	comps, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer comps.Close()

	id, err := comps.queue.SubmitJob(context.Background(), orgID, c.String("provider"), patients, resourceTypes)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, id)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func waitForSig(cancel context.CancelFunc) {
	signalChan := make(chan os.Signal, 1)
	defer signal.Stop(signalChan)

	signal.Notify(signalChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	switch <-signalChan {
	case syscall.SIGINT:
		fmt.Println("interrupt")
	case syscall.SIGTERM:
		fmt.Println("force stop")
	case syscall.SIGQUIT:
		fmt.Println("stop and core dump")
	}
	cancel()
}

func checkHealth(healthChecker health.HealthChecker) bool {
	entry := log.Health

	logFields := logrus.Fields{}
	logFields["type"] = "health"
	logFields["id"] = pborman.NewRandom()

	_, engineOk := healthChecker.IsEngineOK()
	if engineOk {
		logFields["engine"] = "ok"
	} else {
		logFields["engine"] = "error"
	}

	_, dbOk := healthChecker.IsDatabaseOK()
	if dbOk {
		logFields["db"] = "ok"
	} else {
		logFields["db"] = "error"
	}

	_, queueOk := healthChecker.IsQueueOK()
	if queueOk {
		logFields["queue"] = "ok"
	} else {
		logFields["queue"] = "error"
	}

	entry.WithFields(logFields).Info()
	return engineOk && dbOk && queueOk
}

// remoteReporter reads the engine health published by a running worker.
type remoteReporter struct {
	url    string
	client *retryablehttp.Client
}

func newRemoteReporter(addr string) *remoteReporter {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.HTTPClient.Timeout = 5 * time.Second
	c.Logger = nil
	// 503 is the worker reporting itself unhealthy, not a failed request
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &remoteReporter{url: healthURL(addr), client: c}
}

func healthURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return fmt.Sprintf("http://%s/_health", addr)
}

func (r *remoteReporter) Check() (bool, string) {
	resp, err := r.client.Get(r.url)
	if err != nil {
		return false, fmt.Sprintf("could not reach worker: %s", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Sprintf("unreadable health response: %s", err)
	}
	return resp.StatusCode == http.StatusOK, body["engine"]
}
