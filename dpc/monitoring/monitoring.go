package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CMSgov/dpc-app/conf"
	"github.com/CMSgov/dpc-app/log"
	"github.com/newrelic/go-agent/v3/integrations/nrlogrus"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
)

var (
	a    *apm
	once sync.Once
)

type apm struct {
	App *newrelic.Application
}

// Start begins a background transaction and stores it in the returned context.
func (a *apm) Start(ctx context.Context, name string) (context.Context, *newrelic.Transaction) {
	if a.App == nil {
		return ctx, nil
	}
	txn := a.App.StartTransaction(name)
	return newrelic.NewContext(ctx, txn), txn
}

func (a *apm) End(txn *newrelic.Transaction) {
	// Transaction methods are nil safe
	txn.End()
}

func (a *apm) Shutdown(timeout time.Duration) {
	if a.App != nil {
		a.App.Shutdown(timeout)
	}
}

// GetMonitor returns the process wide New Relic application. Reporting is
// only enabled when a license key is configured.
func GetMonitor() *apm {
	once.Do(func() {
		target := conf.GetEnv("DEPLOYMENT_TARGET")
		if target == "" {
			target = "local"
		}
		license := conf.GetEnv("NEW_RELIC_LICENSE_KEY")

		opts := []newrelic.ConfigOption{
			newrelic.ConfigAppName(fmt.Sprintf("DPC-Aggregation-%s", target)),
			newrelic.ConfigLicense(license),
			newrelic.ConfigEnabled(license != ""),
			func(cfg *newrelic.Config) { cfg.HighSecurity = true },
		}
		if entry, ok := log.Worker.(*logrus.Entry); ok {
			opts = append(opts, nrlogrus.ConfigLogger(entry.Logger))
		}

		app, err := newrelic.NewApplication(opts...)
		if err != nil {
			log.Worker.Error(err)
		}
		a = &apm{App: app}
	})
	return a
}

// StartSegment times a unit of work inside the transaction carried by ctx.
// The returned func ends the segment.
func StartSegment(ctx context.Context, name string) func() {
	segment := newrelic.FromContext(ctx).StartSegment(name)
	return segment.End
}
