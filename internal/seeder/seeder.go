// Package seeder generates synthetic raw events for load and demo runs.
package seeder

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/opsrelay-systems/opsrelay/internal/models"
)

var (
	services   = []string{"api", "checkout", "auth", "billing", "search", "notifications"}
	regions    = []string{"us-east", "us-west", "eu-central", "ap-south"}
	severities = []string{"info", "low", "medium", "high", "critical"}
)

// Generator produces raw envelopes in the formats the normalizer accepts.
type Generator struct {
	rng *rand.Rand
}

// New creates a generator. Seed 0 derives one from the clock.
func New(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	gofakeit.Seed(seed)
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Generate returns count envelopes spread backwards over timeSpread from now,
// mixing all supported sources.
func (g *Generator) Generate(count int, timeSpread time.Duration) []*models.RawEventEnvelope {
	now := time.Now()
	envelopes := make([]*models.RawEventEnvelope, 0, count)

	for i := 0; i < count; i++ {
		receivedAt := now
		if timeSpread > 0 && count > 1 {
			offset := time.Duration(float64(timeSpread) * float64(i) / float64(count))
			jitter := time.Duration(g.rng.Int63n(int64(timeSpread)/int64(count) + 1))
			receivedAt = now.Add(-timeSpread + offset + jitter)
		}

		var env *models.RawEventEnvelope
		switch g.rng.Intn(4) {
		case 0:
			env = g.prometheusEnvelope()
		case 1:
			env = g.cloudwatchEnvelope()
		case 2:
			env = g.manualEnvelope()
		default:
			env = g.webhookEnvelope()
		}
		env.ReceivedAt = receivedAt
		envelopes = append(envelopes, env)
	}

	return envelopes
}

func (g *Generator) pick(values []string) string {
	return values[g.rng.Intn(len(values))]
}

func (g *Generator) webhookEnvelope() *models.RawEventEnvelope {
	service := g.pick(services)
	return &models.RawEventEnvelope{
		Source: "webhook",
		Payload: map[string]interface{}{
			"title":       fmt.Sprintf("%s: %s", service, gofakeit.HackerPhrase()),
			"event_type":  g.pick([]string{"deploy.finished", "log.error", "customer.complaint", "health.degraded"}),
			"severity":    g.pick(severities),
			"description": gofakeit.Sentence(8),
			"metadata": map[string]interface{}{
				"service": service,
				"region":  g.pick(regions),
				"host":    gofakeit.DomainName(),
			},
		},
	}
}

func (g *Generator) prometheusEnvelope() *models.RawEventEnvelope {
	alertname := g.pick([]string{"HighErrorRate", "CPUThrottling", "LatencyAnomaly", "DiskPressure"})
	return &models.RawEventEnvelope{
		Source: "prometheus",
		Payload: map[string]interface{}{
			"alerts": []interface{}{
				map[string]interface{}{
					"status": g.pick([]string{"firing", "firing", "firing", "resolved"}),
					"labels": map[string]interface{}{
						"alertname": alertname,
						"severity":  g.pick([]string{"critical", "warning", "info"}),
						"service":   g.pick(services),
						"region":    g.pick(regions),
					},
					"annotations": map[string]interface{}{
						"summary": gofakeit.Sentence(6),
					},
					"startsAt": time.Now().Add(-time.Duration(g.rng.Intn(300)) * time.Second).Format(time.RFC3339),
				},
			},
		},
	}
}

func (g *Generator) cloudwatchEnvelope() *models.RawEventEnvelope {
	return &models.RawEventEnvelope{
		Source: "cloudwatch",
		Payload: map[string]interface{}{
			"AlarmName":        g.pick([]string{"rds-cpu-high", "sqs-queue-depth", "elb-5xx-rate"}),
			"NewStateValue":    g.pick([]string{"ALARM", "ALARM", "OK", "INSUFFICIENT_DATA"}),
			"NewStateReason":   gofakeit.Sentence(10),
			"Region":           g.pick(regions),
			"AlarmDescription": gofakeit.Sentence(6),
		},
	}
}

func (g *Generator) manualEnvelope() *models.RawEventEnvelope {
	return &models.RawEventEnvelope{
		Source: "manual",
		Payload: map[string]interface{}{
			"title":       gofakeit.HackerPhrase(),
			"severity":    g.pick(severities),
			"description": gofakeit.Sentence(12),
			"reported_by": gofakeit.Username(),
			"impact":      g.pick([]string{"single-customer", "partial-outage", "full-outage"}),
			"urgency":     g.pick([]string{"low", "medium", "high"}),
			"metadata": map[string]interface{}{
				"service": g.pick(services),
				"region":  g.pick(regions),
			},
		},
	}
}
