package main

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/star/skywatch/internal/passes"
	"github.com/star/skywatch/internal/tracker"
	"github.com/star/skywatch/internal/transform"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("51"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Padding(0, 1)
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Padding(0, 1)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// renderPasses formats pass predictions as one table per object.
func renderPasses(results []passes.SatellitePasses, loc *time.Location) string {
	var b strings.Builder
	for i, res := range results {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(titleStyle.Render(fmt.Sprintf("%s (%d)", res.Name, res.CatalogID)))
		b.WriteString("\n")

		if res.Error != "" {
			b.WriteString(errStyle.Render("prediction failed: " + res.Error))
			b.WriteString("\n")
		}
		if len(res.Passes) == 0 {
			if res.Error == "" {
				b.WriteString(dimStyle.Render("no passes in window"))
				b.WriteString("\n")
			}
			continue
		}

		rows := make([][]string, len(res.Passes))
		peaks := make([]float64, len(res.Passes))
		for j, p := range res.Passes {
			rows[j] = passRow(p, loc)
			peaks[j] = p.MaxElevation
		}
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(borderStyle).
			Headers("RISE", "DIR", "PEAK", "MAX EL", "DIR", "SET", "DIR", "MIN").
			Rows(rows...).
			StyleFunc(func(row, col int) lipgloss.Style {
				switch {
				case row == table.HeaderRow:
					return headerStyle
				case row < 0 || row >= len(peaks):
					return cellStyle
				case col == 3 && peaks[row] >= 45:
					return goodStyle
				default:
					return cellStyle
				}
			})
		b.WriteString(t.Render())
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func passRow(p passes.Pass, loc *time.Location) []string {
	return []string{
		p.Start.In(loc).Format("Jan 02 15:04:05"),
		transform.CompassPoint(p.StartAzimuth),
		p.MaxElevationTime.In(loc).Format("15:04:05"),
		fmt.Sprintf("%.0f°", p.MaxElevation),
		transform.CompassPoint(p.MaxAzimuth),
		p.End.In(loc).Format("15:04:05"),
		transform.CompassPoint(p.EndAzimuth),
		strconv.FormatFloat(p.DurationMinutes, 'f', 1, 64),
	}
}

// renderSky formats a tracking batch, highest objects first. Objects below
// the horizon are dropped unless all is set.
func renderSky(batch tracker.Batch, all bool) string {
	sats := make([]tracker.TrackedSatellite, 0, len(batch.Satellites))
	for _, s := range batch.Satellites {
		if all || s.AboveHorizon() {
			sats = append(sats, s)
		}
	}
	sortByElevation(sats)

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%d objects above the horizon, %d visible", countAbove(batch.Satellites), countVisible(batch.Satellites))))
	if n := batch.FailedTotal(); n > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("(%d not tracked)", n)))
	}
	b.WriteString("\n")
	if len(sats) == 0 {
		return b.String() + dimStyle.Render("nothing overhead right now")
	}

	rows := make([][]string, len(sats))
	for i, s := range sats {
		visible := ""
		if s.Visible {
			visible = "yes"
		}
		rows[i] = []string{
			strconv.Itoa(s.CatalogID),
			s.Name,
			fmt.Sprintf("%.1f°", s.AzimuthDeg),
			s.Direction,
			fmt.Sprintf("%.1f°", s.ElevationDeg),
			fmt.Sprintf("%.0f", s.RangeKm),
			fmt.Sprintf("%.1f", s.Magnitude),
			s.Brightness,
			visible,
		}
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("ID", "NAME", "AZ", "DIR", "EL", "RANGE KM", "MAG", "BRIGHTNESS", "VISIBLE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row < 0 || row >= len(sats):
				return cellStyle
			case sats[row].Visible:
				return goodStyle
			case !sats[row].AboveHorizon():
				return dimStyle
			default:
				return cellStyle
			}
		})
	b.WriteString(t.Render())
	return b.String()
}

// sortByElevation orders highest first; ties keep catalog order.
func sortByElevation(sats []tracker.TrackedSatellite) {
	slices.SortStableFunc(sats, func(a, b tracker.TrackedSatellite) int {
		return cmp.Compare(b.ElevationDeg, a.ElevationDeg)
	})
}

func countAbove(sats []tracker.TrackedSatellite) int {
	n := 0
	for _, s := range sats {
		if s.AboveHorizon() {
			n++
		}
	}
	return n
}

func countVisible(sats []tracker.TrackedSatellite) int {
	n := 0
	for _, s := range sats {
		if s.Visible {
			n++
		}
	}
	return n
}
