package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CMSgov/dpc-app/conf"
	"github.com/CMSgov/dpc-app/dpcqueue/models"
	"github.com/CMSgov/dpc-app/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// maxPages bounds how many bundle pages are followed for one request.
const maxPages = 100

type Config struct {
	ServerLocation string        `conf:"BB_SERVER_LOCATION"`
	BasePath       string        `conf:"BB_BASE_PATH" conf_default:"/v1/fhir"`
	TimeoutMS      int           `conf:"BB_TIMEOUT_MS" conf_default:"500"`
	RetryMax       int           `conf:"BB_RETRY_MAX" conf_default:"2"`
	RetryWait      time.Duration `conf:"BB_RETRY_WAIT" conf_default:"100ms"`
	CertFile       string        `conf:"BB_CLIENT_CERT_FILE"`
	KeyFile        string        `conf:"BB_CLIENT_KEY_FILE"`
	CAFile         string        `conf:"BB_CLIENT_CA_FILE"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := conf.Checkout(cfg); err != nil {
		return nil, err
	}
	if cfg.ServerLocation == "" {
		return nil, errors.New("invalid config, BB_SERVER_LOCATION must be set")
	}
	return cfg, nil
}

var _ DataSource = &BlueButtonClient{}

// BlueButtonClient reads claims data from the Blue Button FHIR API.
// Connection level retries are handled by retryablehttp; the caller decides
// whether a FetchError is retried again.
type BlueButtonClient struct {
	client   *retryablehttp.Client
	baseURL  string
	basePath string
	logger   logrus.FieldLogger
}

func NewBlueButtonClient(cfg Config) (*BlueButtonClient, error) {
	transport := &http.Transport{}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig, err := tlsConfig(cfg)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	c := retryablehttp.NewClient()
	c.HTTPClient = &http.Client{Transport: transport, Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	c.RetryMax = cfg.RetryMax
	c.RetryWaitMin = cfg.RetryWait
	c.RetryWaitMax = 4 * cfg.RetryWait
	c.CheckRetry = retryPolicy
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.Logger = &leveledLogger{log.BFDWorker}

	return &BlueButtonClient{
		client:   c,
		baseURL:  strings.TrimSuffix(cfg.ServerLocation, "/"),
		basePath: cfg.BasePath,
		logger:   log.BFDWorker,
	}, nil
}

func tlsConfig(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "could not load Blue Button keypair")
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, errors.Wrap(err, "could not read CA file")
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caCert); !ok {
			return nil, errors.New("could not append CA certificate(s)")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

func (bbc *BlueButtonClient) Fetch(ctx context.Context, resourceType models.ResourceType, patientID string) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set("_format", "application/fhir+json")

	switch resourceType {
	case models.ResourceTypePatient:
		params.Set("_id", patientID)
	case models.ResourceTypeCoverage:
		params.Set("beneficiary", "Patient/"+patientID)
	case models.ResourceTypeExplanationOfBenefit:
		params.Set("patient", patientID)
		params.Set("excludeSAMHSA", "true")
	default:
		return nil, &FetchError{ResourceType: resourceType, PatientID: patientID,
			Err: fmt.Errorf("unsupported resource type %s", resourceType)}
	}

	u := fmt.Sprintf("%s%s/%s/?%s", bbc.baseURL, bbc.basePath, resourceType, params.Encode())

	var resources []json.RawMessage
	for page := 0; u != ""; page++ {
		if page == maxPages {
			return nil, &FetchError{ResourceType: resourceType, PatientID: patientID,
				Err: fmt.Errorf("exceeded %d bundle pages", maxPages)}
		}

		b, err := bbc.getBundle(ctx, u)
		if err != nil {
			if fe, ok := err.(*FetchError); ok {
				fe.ResourceType, fe.PatientID = resourceType, patientID
			}
			return nil, err
		}

		for _, entry := range b.Entries {
			if len(entry.Resource) > 0 {
				resources = append(resources, entry.Resource)
			}
		}
		u = b.next()
	}

	return resources, nil
}

type bundle struct {
	ResourceType string `json:"resourceType"`
	Entries      []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
	Links []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
}

func (b *bundle) next() string {
	for _, l := range b.Links {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

func (bbc *BlueButtonClient) getBundle(ctx context.Context, u string) (*bundle, error) {
	req, err := retryablehttp.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	req = req.WithContext(ctx)
	addRequestHeaders(req, uuid.NewRandom())

	resp, err := bbc.client.Do(req)
	bbc.logRequest(req, resp)
	if err != nil {
		return nil, &FetchError{Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FetchError{
			StatusCode: resp.StatusCode,
			Transient:  isTransientStatus(resp.StatusCode),
			Err:        fmt.Errorf("unexpected response %s", strings.TrimSpace(string(body))),
		}
	}

	var b bundle
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, &FetchError{StatusCode: resp.StatusCode, Err: errors.Wrap(err, "malformed bundle")}
	}
	if b.ResourceType != "Bundle" {
		return nil, &FetchError{StatusCode: resp.StatusCode,
			Err: fmt.Errorf("expected a Bundle, received %q", b.ResourceType)}
	}
	return &b, nil
}

func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code != http.StatusNotImplemented)
}

func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return isTransientStatus(resp.StatusCode), nil
}

func addRequestHeaders(req *retryablehttp.Request, reqID uuid.UUID) {
	req.Header.Add("BlueButton-OriginalQueryTimestamp", time.Now().String())
	req.Header.Add("BlueButton-OriginalQueryId", reqID.String())
	req.Header.Add("BlueButton-OriginalQueryCounter", "1")
	req.Header.Add("keep-alive", "")
	req.Header.Add("X-Forwarded-Proto", "https")
	req.Header.Add("X-Forwarded-Host", "")
	req.Header.Add("BlueButton-OriginalUrl", req.URL.String())
	req.Header.Add("BlueButton-OriginalQuery", req.URL.RawQuery)
	req.Header.Add("BlueButton-BackendCall", "")
	req.Header.Add("BlueButton-Application", "DPC")
}

func (bbc *BlueButtonClient) logRequest(req *retryablehttp.Request, resp *http.Response) {
	bbc.logger.WithFields(logrus.Fields{
		"bb_query_id": req.Header.Get("BlueButton-OriginalQueryId"),
		"bb_query_ts": req.Header.Get("BlueButton-OriginalQueryTimestamp"),
		"bb_uri":      req.Header.Get("BlueButton-OriginalUrl"),
	}).Infoln("Blue Button request")

	if resp != nil {
		bbc.logger.WithFields(logrus.Fields{
			"resp_code":      resp.StatusCode,
			"bb_query_id":    req.Header.Get("BlueButton-OriginalQueryId"),
			"content_length": resp.ContentLength,
		}).Infoln("Blue Button response")
	}
}

// leveledLogger adapts logrus to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Error(msg)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Info(msg)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Warn(msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
