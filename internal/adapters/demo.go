package adapters

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/adsheet/crawlerd/internal/crawljob"
)

const demoRowsPerAccount = 5

// Demo is an adapter that fabricates deterministic report rows instead of
// calling a platform API. It backs test runs and local development: the same
// account and report parameters always produce the same rows.
type Demo struct {
	clock crawljob.Clock
}

// NewDemo creates a Demo adapter.
func NewDemo(clock crawljob.Clock) *Demo {
	return &Demo{clock: clock}
}

// Fetch generates one row per day for the trailing demo window.
func (d *Demo) Fetch(_ context.Context, _ string, accountID string, params crawljob.ReportParameters) ([]crawljob.Row, error) {
	if accountID == "" {
		return nil, crawljob.Errorf(crawljob.KindUpstream, "account id is required")
	}

	today := d.clock.Now()
	rows := make([]crawljob.Row, 0, demoRowsPerAccount)
	for i := 0; i < demoRowsPerAccount; i++ {
		row := crawljob.Row{}
		day := today.AddDate(0, 0, -i)
		for _, dim := range params.Dimensions {
			switch strings.ToLower(dim) {
			case "date":
				row[dim] = day.Format("2006-01-02")
			case "account_id":
				row[dim] = accountID
			default:
				row[dim] = fmt.Sprintf("%s_%d", dim, seed(accountID, dim, i)%10)
			}
		}
		for _, metric := range params.Metrics {
			n := seed(accountID, metric, i)
			if isCostMetric(metric) {
				row[metric] = float64(n%100000) / 100
			} else {
				row[metric] = int(n % 10000)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func isCostMetric(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "spend") || strings.Contains(lower, "cost")
}

func seed(parts ...any) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		fmt.Fprintf(h, "%v|", p)
	}
	return h.Sum64()
}
