package metrics

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
)

type Dimension struct {
	Name  string
	Value string
}

type Sampler struct {
	Namespace string
	Unit      string
	Service   cloudwatchiface.CloudWatchAPI
}

func (s *Sampler) PutSample(name string, value float64, dimensions []Dimension) error {
	var d []*cloudwatch.Dimension

	for _, v := range dimensions {
		d = append(d, &cloudwatch.Dimension{
			Name:  aws.String(v.Name),
			Value: aws.String(v.Value),
		})
	}

	data := &cloudwatch.MetricDatum{
		Dimensions: d,
		MetricName: aws.String(name),
		Unit:       aws.String(s.Unit),
		Value:      aws.Float64(value),
	}

	input := &cloudwatch.PutMetricDataInput{
		MetricData: []*cloudwatch.MetricDatum{data},
		Namespace:  aws.String(s.Namespace),
	}
	_, err := s.Service.PutMetricData(input)
	return err
}

func NewSampler(ns, unit string) (*Sampler, error) {
	s, err := session.NewSession(&aws.Config{
		Region: aws.String("us-east-1"),
	})
	if err != nil {
		return nil, err
	}
	return &Sampler{ns, unit, cloudwatch.New(s)}, nil
}
