package valuation

import (
	"errors"
	"io"
	"time"

	"github.com/wcharczuk/go-chart/v2"

	"github.com/atmx/portfolio-engine/internal/model"
)

// ErrNotEnoughPoints is returned when a chart would have fewer than two points.
var ErrNotEnoughPoints = errors.New("valuation: need at least two comparison rows to chart")

// RenderComparison writes a PNG line chart of portfolio and benchmark
// cumulative returns.
func RenderComparison(w io.Writer, rows []model.ComparisonRow, benchmarkName string) error {
	if len(rows) < 2 {
		return ErrNotEnoughPoints
	}

	xv := make([]time.Time, 0, len(rows))
	portfolio := make([]float64, 0, len(rows))
	benchmark := make([]float64, 0, len(rows))
	for _, r := range rows {
		xv = append(xv, r.Date)
		portfolio = append(portfolio, r.PortfolioCumulativeReturnPct.InexactFloat64())
		benchmark = append(benchmark, r.BenchmarkCumulativeReturnPct.InexactFloat64())
	}

	if benchmarkName == "" {
		benchmarkName = "Benchmark"
	}

	grid := chart.Style{
		StrokeColor: chart.ColorLightGray,
		StrokeWidth: 1.0,
	}
	graph := chart.Chart{
		Width:  1400,
		Height: 700,
		XAxis: chart.XAxis{
			TickPosition:   chart.TickPositionUnderTick,
			ValueFormatter: chart.TimeValueFormatterWithFormat("Jan 2 '06"),
			GridMajorStyle: grid,
			GridMinorStyle: grid,
		},
		YAxis: chart.YAxis{
			Name:           "Cumulative return %",
			GridMajorStyle: grid,
			GridMinorStyle: grid,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Portfolio",
				XValues: xv,
				YValues: portfolio,
			},
			chart.TimeSeries{
				Name:    benchmarkName,
				XValues: xv,
				YValues: benchmark,
				Style: chart.Style{
					StrokeDashArray: []float64{3.0, 3.0},
				},
			},
		},
	}
	graph.Elements = []chart.Renderable{
		chart.Legend(&graph),
	}
	return graph.Render(chart.PNG, w)
}
