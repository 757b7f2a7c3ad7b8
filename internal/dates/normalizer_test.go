package dates

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

var refNow = time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)

func TestNormalizeRecognizedFormats(t *testing.T) {
	t.Parallel()

	n := New(time.UTC)
	testCases := []struct {
		name string
		text string
		want time.Time
	}{
		{"rfc3339", "2026-11-01T22:00:00Z", time.Date(2026, 11, 1, 22, 0, 0, 0, time.UTC)},
		{"rfc3339 offset", "2026-11-01T23:00:00+01:00", time.Date(2026, 11, 1, 22, 0, 0, 0, time.UTC)},
		{"iso date only", "2026-12-24", time.Date(2026, 12, 24, 0, 0, 0, 0, time.UTC)},
		{"iso with space", "2026-12-24 21:30", time.Date(2026, 12, 24, 21, 30, 0, 0, time.UTC)},
		{"embedded iso", "Fecha: 2027-01-05 a las 20:00", time.Date(2027, 1, 5, 20, 0, 0, 0, time.UTC)},
		{"spanish full", "sábado 15 de noviembre de 2026, 23:00", time.Date(2026, 11, 15, 23, 0, 0, 0, time.UTC)},
		{"spanish abbrev", "15 dic 2026", time.Date(2026, 12, 15, 0, 0, 0, 0, time.UTC)},
		{"spanish septiembre", "3 de septiembre de 2027", time.Date(2027, 9, 3, 0, 0, 0, 0, time.UTC)},
		{"english day first", "Fri 13th November 2026 9pm", time.Date(2026, 11, 13, 21, 0, 0, 0, time.UTC)},
		{"english month first", "November 21, 2026 10:30 pm", time.Date(2026, 11, 21, 22, 30, 0, 0, time.UTC)},
		{"english mayo guard", "May 2, 2027", time.Date(2027, 5, 2, 0, 0, 0, 0, time.UTC)},
		{"numeric slash", "31/12/2026 23:59", time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC)},
		{"numeric dash short year", "05-01-27", time.Date(2027, 1, 5, 0, 0, 0, 0, time.UTC)},
		{"numeric dots", "24.12.2026 22h", time.Date(2026, 12, 24, 22, 0, 0, 0, time.UTC)},
		{"meridiem dots", "1 de diciembre de 2026 11 p.m.", time.Date(2026, 12, 1, 23, 0, 0, 0, time.UTC)},
		{"numeric with h suffix", "14/06/2025 23:30h", time.Date(2025, 6, 14, 23, 30, 0, 0, time.UTC)},
		{"spanish with h suffix", "14 de junio de 2025, 23:30h", time.Date(2025, 6, 14, 23, 30, 0, 0, time.UTC)},
		{"h separator", "sábado 7 de marzo de 2027 - 22h30", time.Date(2027, 3, 7, 22, 30, 0, 0, time.UTC)},
		{"spaced h suffix", "7 mar 2027 00.30 h", time.Date(2027, 3, 7, 0, 30, 0, 0, time.UTC)},
		{"spanish range", "Del 15 al 20 de junio de 2027", time.Date(2027, 6, 15, 0, 0, 0, 0, time.UTC)},
		{"dashed range", "15-20 jun 2027 21:00", time.Date(2027, 6, 15, 21, 0, 0, 0, time.UTC)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := n.Normalize(tc.text, refNow)
			require.NoError(t, err)
			require.True(t, tc.want.Equal(got), "got %s want %s", got, tc.want)
			require.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestNormalizeRollsYearlessDatesForward(t *testing.T) {
	t.Parallel()

	n := New(time.UTC)
	testCases := []struct {
		name string
		text string
		want time.Time
	}{
		{"past month rolls", "15 de marzo", time.Date(2027, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"future month stays", "20 de diciembre", time.Date(2026, 12, 20, 0, 0, 0, 0, time.UTC)},
		{"today stays", "19 octubre 08:00", time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)},
		{"yesterday rolls", "18/10", time.Date(2027, 10, 18, 0, 0, 0, 0, time.UTC)},
		{"english month first", "Jan 3", time.Date(2027, 1, 3, 0, 0, 0, 0, time.UTC)},
		{"clock before month first", "20:00 julio 5", time.Date(2027, 7, 5, 20, 0, 0, 0, time.UTC)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := n.Normalize(tc.text, refNow)
			require.NoError(t, err)
			require.True(t, tc.want.Equal(got), "got %s want %s", got, tc.want)
			require.GreaterOrEqual(t, got.Year(), refNow.Year())
		})
	}
}

func TestNormalizeRoundTrip(t *testing.T) {
	t.Parallel()

	n := New(time.UTC)
	for _, text := range []string{"2026-11-01T22:00:00Z", "15 de marzo 21:00", "November 21 10pm", "31/12 23:59"} {
		first, err := n.Normalize(text, refNow)
		require.NoError(t, err)
		second, err := n.Normalize(first.Format(time.RFC3339), refNow)
		require.NoError(t, err)
		require.True(t, first.Equal(second), "%q: %s != %s", text, first, second)
	}
}

func TestNormalizeUsesLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+1", 3600)
	n := New(loc)
	got, err := n.Normalize("15/11/2026 22:00", refNow)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 11, 15, 21, 0, 0, 0, time.UTC), got)
	require.Equal(t, loc, n.Location())
}

func TestNormalizeUnparsable(t *testing.T) {
	t.Parallel()

	n := New(nil)
	for _, text := range []string{"", "   ", "próximamente", "TBA", "32/13/2026", "22.30", "31 de febrero de 2026"} {
		_, err := n.Normalize(text, refNow)
		var dateErr *crawler.DateParseError
		require.True(t, errors.As(err, &dateErr), "expected DateParseError for %q, got %v", text, err)
	}
}

func TestNormalizeEnglishOnlyTable(t *testing.T) {
	t.Parallel()

	n := New(time.UTC, English)
	_, err := n.Normalize("15 de junio de 2026", refNow)
	require.Error(t, err)
	got, err := n.Normalize("15 June 2026", refNow)
	require.NoError(t, err)
	require.Equal(t, time.June, got.Month())
}

func TestStrategiesOrder(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"iso", "month-name", "numeric"}, New(nil).Strategies())
}

func TestLoadLocation(t *testing.T) {
	t.Parallel()

	loc, err := LoadLocation("")
	require.NoError(t, err)
	require.Equal(t, time.UTC, loc)

	_, err = LoadLocation("Not/AZone")
	require.Error(t, err)
}
