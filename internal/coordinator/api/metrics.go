package api

import (
	"context"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MetricsSource produces the current metric values, typically an
// sdk/metric ManualReader.
type MetricsSource interface {
	Collect(ctx context.Context, rm *metricdata.ResourceMetrics) error
}

// MetricPoint is one data point of a counter or histogram.
type MetricPoint struct {
	Name       string            `json:"name"`
	Kind       string            `json:"kind"` // counter or histogram
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      int64             `json:"value,omitempty"`
	Count      uint64            `json:"count,omitempty"`
	Sum        float64           `json:"sum,omitempty"`
}

// ServeMetrics exposes src on GET /metrics.
func (s *Server) ServeMetrics(src MetricsSource) {
	s.engine.GET("/metrics", func(c *gin.Context) {
		var rm metricdata.ResourceMetrics
		if err := src.Collect(c.Request.Context(), &rm); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, Flatten(rm))
	})
}

// Flatten turns collected metrics into points ordered by name, then by
// attributes.
func Flatten(rm metricdata.ResourceMetrics) []MetricPoint {
	out := []MetricPoint{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out = append(out, MetricPoint{Name: m.Name, Kind: "counter", Attributes: attrs(dp.Attributes), Value: dp.Value})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out = append(out, MetricPoint{Name: m.Name, Kind: "histogram", Attributes: attrs(dp.Attributes), Count: dp.Count, Sum: dp.Sum})
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return attrKey(out[i].Attributes) < attrKey(out[j].Attributes)
	})
	return out
}

func attrs(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	m := make(map[string]string, set.Len())
	for _, kv := range set.ToSlice() {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

func attrKey(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var s string
	for _, k := range keys {
		s += k + "=" + m[k] + ","
	}
	return s
}
