package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adsheet/crawlerd/internal/crawljob"
)

func TestFromConfigRendersExpressions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  crawljob.ScheduleConfig
		expr string
	}{
		{
			name: "hourly default minute",
			cfg:  crawljob.ScheduleConfig{Frequency: "hourly", Timezone: "UTC"},
			expr: "0 * * * *",
		},
		{
			name: "hourly at minute 30",
			cfg:  crawljob.ScheduleConfig{Frequency: "hourly", ExecutionTime: "09:30", Timezone: "UTC"},
			expr: "30 * * * *",
		},
		{
			name: "daily",
			cfg:  crawljob.ScheduleConfig{Frequency: "daily", ExecutionTime: "07:00", Timezone: "Asia/Tokyo"},
			expr: "0 7 * * *",
		},
		{
			name: "weekly default monday",
			cfg:  crawljob.ScheduleConfig{Frequency: "weekly", ExecutionTime: "08:15", Timezone: "UTC"},
			expr: "15 8 * * 1",
		},
		{
			name: "weekly sunday maps to cron zero",
			cfg:  crawljob.ScheduleConfig{Frequency: "weekly", ExecutionTime: "08:15", ExecutionDay: 7, Timezone: "UTC"},
			expr: "15 8 * * 0",
		},
		{
			name: "monthly default first",
			cfg:  crawljob.ScheduleConfig{Frequency: "monthly", ExecutionTime: "23:45", Timezone: "UTC"},
			expr: "45 23 1 * *",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			spec, err := FromConfig(tc.cfg)
			require.NoError(t, err)
			require.Equal(t, tc.expr, spec.Expr())
		})
	}
}

func TestFromConfigRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []crawljob.ScheduleConfig{
		{Frequency: "fortnightly", Timezone: "UTC"},
		{Frequency: "daily", Timezone: "UTC"}, // missing execution time
		{Frequency: "daily", ExecutionTime: "25:00", Timezone: "UTC"},
		{Frequency: "daily", ExecutionTime: "07:61", Timezone: "UTC"},
		{Frequency: "daily", ExecutionTime: "0700", Timezone: "UTC"},
		{Frequency: "weekly", ExecutionTime: "07:00", ExecutionDay: 8, Timezone: "UTC"},
		{Frequency: "monthly", ExecutionTime: "07:00", ExecutionDay: 32, Timezone: "UTC"},
		{Frequency: "daily", ExecutionTime: "07:00", Timezone: "Mars/Olympus"},
	}

	for _, cfg := range cases {
		_, err := FromConfig(cfg)
		require.Error(t, err, "config %+v", cfg)
		require.True(t, crawljob.IsKind(err, crawljob.KindConfiguration))
	}
}

func TestNextDailyTokyo(t *testing.T) {
	t.Parallel()

	spec, err := FromConfig(crawljob.ScheduleConfig{
		Frequency:     "daily",
		ExecutionTime: "07:00",
		Timezone:      "Asia/Tokyo",
	})
	require.NoError(t, err)

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	after := time.Date(2026, 8, 29, 6, 0, 0, 0, tokyo)
	first, err := spec.Next(after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 8, 29, 7, 0, 0, 0, tokyo).Unix(), first.Unix())

	second, err := spec.Next(first)
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, second.Sub(first))
}

func TestNextHourlyFiresEveryHour(t *testing.T) {
	t.Parallel()

	spec, err := FromConfig(crawljob.ScheduleConfig{Frequency: "hourly", Timezone: "UTC"})
	require.NoError(t, err)

	after := time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC)
	next, err := spec.Next(after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 8, 29, 11, 0, 0, 0, time.UTC), next.UTC())
}

func TestNextFromExprRejectsMalformed(t *testing.T) {
	t.Parallel()

	_, err := NextFromExpr("not a cron", "UTC", time.Now())
	require.Error(t, err)

	_, err = NextFromExpr("0 7 * * *", "Nowhere/Here", time.Now())
	require.Error(t, err)
}
