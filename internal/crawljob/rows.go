package crawljob

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Columns returns the stable output column order for a report: dimensions
// first, then metrics, duplicates removed.
func Columns(params ReportParameters) []string {
	seen := make(map[string]struct{}, len(params.Dimensions)+len(params.Metrics))
	out := make([]string, 0, len(params.Dimensions)+len(params.Metrics))
	for _, c := range append(append([]string{}, params.Dimensions...), params.Metrics...) {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// FilterRows applies the report's row filters. With ExcludeZeroCost set, rows
// whose cost-like metrics are all zero are dropped. Filtering is pure and
// order-independent.
func FilterRows(params ReportParameters, rows []Row) []Row {
	if !params.ExcludeZeroCost {
		return rows
	}
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		if !isZeroCost(row) {
			out = append(out, row)
		}
	}
	return out
}

// isZeroCost reports whether every cost-like value in the row is zero. Rows
// without any cost-like column are kept.
func isZeroCost(row Row) bool {
	found := false
	for key, value := range row {
		if !isCostKey(key) {
			continue
		}
		found = true
		if numeric(value) != 0 {
			return false
		}
	}
	return found
}

func isCostKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "spend") || strings.Contains(k, "cost")
}

func numeric(value any) float64 {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// FormatCell renders a row value for the sink. Nil becomes an empty string,
// booleans become TRUE/FALSE, times are RFC 3339.
func FormatCell(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return v.Format(time.RFC3339)
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}
