// Package statsfmt renders per-channel statistics for display.
package statsfmt

import (
	"fmt"
	"math"
	"sort"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/somnolab/psg-viewer/internal/models"
	"github.com/somnolab/psg-viewer/internal/utils"
)

// NotAvailable is shown for absent or non-finite values.
const NotAvailable = "N/A"

const (
	defaultPrecision = 3
	scientificAbove  = 1e4
	scientificBelow  = 1e-3
)

// Row is the display form of one channel's statistics.
type Row struct {
	Channel      string `json:"channel"`
	Mean         string `json:"mean"`
	Median       string `json:"median"`
	Min          string `json:"min"`
	Max          string `json:"max"`
	StdDev       string `json:"std"`
	Range        string `json:"range"`
	TotalSamples string `json:"total_samples"`
	SampleRate   string `json:"sample_rate"`
	Duration     string `json:"duration"`
}

// Formatter formats numeric statistics at a fixed precision.
type Formatter struct {
	precision int
	printer   *message.Printer
}

// New returns a Formatter; precision < 0 falls back to 3 digits.
func New(precision int) *Formatter {
	if precision < 0 {
		precision = defaultPrecision
	}
	return &Formatter{precision: precision, printer: message.NewPrinter(language.English)}
}

// Value formats v with fixed precision, switching to scientific notation for very
// large or very small magnitudes.
func (f *Formatter) Value(v *float64) string {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return NotAvailable
	}
	abs := math.Abs(*v)
	if abs != 0 && (abs >= scientificAbove || abs < scientificBelow) {
		return fmt.Sprintf("%.*e", f.precision, *v)
	}
	return fmt.Sprintf("%.*f", f.precision, *v)
}

// Count formats a sample count with thousands separators.
func (f *Formatter) Count(n *int64) string {
	if n == nil || *n < 0 {
		return NotAvailable
	}
	return f.printer.Sprintf("%d", *n)
}

// SampleRate formats a rate in Hz.
func (f *Formatter) SampleRate(hz *float64) string {
	if hz == nil || math.IsNaN(*hz) || math.IsInf(*hz, 0) || *hz <= 0 {
		return NotAvailable
	}
	return fmt.Sprintf("%g Hz", *hz)
}

// Row formats one channel's statistics.
func (f *Formatter) Row(channel string, s models.ChannelStats) Row {
	row := Row{
		Channel:      channel,
		Mean:         f.Value(s.Mean),
		Median:       f.Value(s.Median),
		Min:          f.Value(s.Min),
		Max:          f.Value(s.Max),
		StdDev:       f.Value(s.StdDev),
		Range:        NotAvailable,
		TotalSamples: f.Count(s.TotalSamples),
		SampleRate:   f.SampleRate(s.SampleRate),
		Duration:     NotAvailable,
	}
	if s.Min != nil && s.Max != nil {
		span := *s.Max - *s.Min
		row.Range = f.Value(&span)
	}
	if s.TotalSamples != nil && s.SampleRate != nil && *s.SampleRate > 0 {
		row.Duration = utils.FormatOffset(float64(*s.TotalSamples) / *s.SampleRate)
	}
	return row
}

// Table formats every channel, ordered by channel name.
func (f *Formatter) Table(stats map[string]models.ChannelStats) []Row {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]Row, 0, len(names))
	for _, name := range names {
		rows = append(rows, f.Row(name, stats[name]))
	}
	return rows
}
