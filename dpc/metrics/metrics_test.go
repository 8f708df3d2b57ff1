package metrics

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type mockCloudWatch struct {
	cloudwatchiface.CloudWatchAPI
	input *cloudwatch.PutMetricDataInput
	err   error
}

func (m *mockCloudWatch) PutMetricData(input *cloudwatch.PutMetricDataInput) (*cloudwatch.PutMetricDataOutput, error) {
	m.input = input
	return &cloudwatch.PutMetricDataOutput{}, m.err
}

func TestPutSample(t *testing.T) {
	svc := &mockCloudWatch{}
	s := &Sampler{Namespace: "DPC", Unit: "Count", Service: svc}

	assert.NoError(t, s.PutSample("JobQueueCount", 7, []Dimension{
		{Name: "Environment", Value: "dev"},
		{Name: "Queue", Value: "redis"},
	}))

	assert.Equal(t, "DPC", aws.StringValue(svc.input.Namespace))
	datum := svc.input.MetricData[0]
	assert.Equal(t, "JobQueueCount", aws.StringValue(datum.MetricName))
	assert.Equal(t, "Count", aws.StringValue(datum.Unit))
	assert.Equal(t, 7.0, aws.Float64Value(datum.Value))
	assert.Len(t, datum.Dimensions, 2)
	// Each dimension must point at its own value
	assert.Equal(t, "Environment", aws.StringValue(datum.Dimensions[0].Name))
	assert.Equal(t, "redis", aws.StringValue(datum.Dimensions[1].Value))

	svc.err = errors.New("throttled")
	assert.EqualError(t, s.PutSample("JobQueueCount", 1, nil), "throttled")
}

func TestCollectors(t *testing.T) {
	before := testutil.ToFloat64(FetchesTotal.WithLabelValues("Patient", "success"))
	FetchesTotal.WithLabelValues("Patient", "success").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(FetchesTotal.WithLabelValues("Patient", "success")))

	QueueLength.WithLabelValues("in-memory queue").Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(QueueLength.WithLabelValues("in-memory queue")))
}
