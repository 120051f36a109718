package metrics

import (
	"context"
	"log"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/imrishuroy/go-order-lockflow/internal/aws"
)

// Metric names published under the service namespace.
const (
	MetricLockAcquired = "LockAcquired"
	MetricLockBusy     = "LockBusy"
	MetricSweepCleared = "SweepCleared"
)

const namespace = "OrderLockflow"

// Emitter publishes counters to CloudWatch. A nil *Emitter is a no-op, so
// callers that do not care about metrics can pass nil.
type Emitter struct {
	client  aws.CloudWatchAPI
	nowFunc func() time.Time
}

// NewEmitter returns an Emitter bound to a CloudWatch client.
func NewEmitter(client aws.CloudWatchAPI) *Emitter {
	return &Emitter{
		client:  client,
		nowFunc: time.Now,
	}
}

// Count publishes a single counter sample. Metrics are best-effort: failures
// are logged, never propagated to the caller's operation.
func (e *Emitter) Count(ctx context.Context, name string, value float64, dimensions map[string]string) {
	if e == nil || e.client == nil {
		return
	}
	datum := cwtypes.MetricDatum{
		MetricName: sdkaws.String(name),
		Value:      sdkaws.Float64(value),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  sdkaws.Time(e.nowFunc()),
	}
	for k, v := range dimensions {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  sdkaws.String(k),
			Value: sdkaws.String(v),
		})
	}
	_, err := e.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  sdkaws.String(namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		log.Printf("[metrics] put metric %s failed: %v", name, err)
	}
}
