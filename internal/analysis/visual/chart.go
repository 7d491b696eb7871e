package visual

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"quantbench/internal/analysis/indicator"
	"quantbench/internal/market"
)

// Marker 是画在 K 线上的一次交易意图。
type Marker struct {
	Time   time.Time
	Action string // buy / close / update_stop
	Price  float64
	Reason string
}

type ChartInput struct {
	Symbol   string
	Interval string
	Series   market.Series
	Markers  []Marker
	Settings indicator.Settings
	// Subtitle 为空时使用 RSI/MACD 快照生成。
	Subtitle string
}

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorBull          = "#34d399"
	colorBear          = "#f87171"
	colorBandMid       = "#fbbf24"
	colorBandEdge      = "#3b82f6"
	colorSAR           = "#f472b6"
	colorDIF           = "#22d3ee"
	colorDEA           = "#fb7185"

	ChartWidthPx   = 1600
	klineHeightPx  = 600
	volumeHeightPx = 220
	macdHeightPx   = 240
	ChartHeightPx  = klineHeightPx + volumeHeightPx + macdHeightPx
)

// RenderHTML 生成包含 K 线、布林带、SAR、决策标记、成交量与 MACD 的页面。
func RenderHTML(in ChartInput) ([]byte, error) {
	if len(in.Series) == 0 {
		return nil, market.ErrEmptySeries
	}
	if strings.TrimSpace(in.Symbol) == "" {
		return nil, fmt.Errorf("symbol required for chart render")
	}
	settings := in.Settings.WithDefaults()
	series := in.Series
	xAxis := buildXAxis(series)

	subtitle := in.Subtitle
	if subtitle == "" {
		if rep, err := indicator.ComputeSnapshot(series, settings); err == nil {
			subtitle = fmt.Sprintf("RSI %.1f (%s) | MACD %s | SAR %s",
				rep.Values["rsi"].Latest, rep.Values["rsi"].State, rep.Values["macd"].State, rep.Values["sar"].State)
		}
	}

	kline := buildKline(in, xAxis, subtitle)
	kline.Overlap(buildOverlayLines(series, xAxis, settings))
	if len(in.Markers) > 0 {
		kline.Overlap(buildMarkers(series, xAxis, in.Markers))
	}

	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.PageTitle = fmt.Sprintf("%s %s", strings.ToUpper(in.Symbol), in.Interval)
	page.AddCharts(kline, buildVolumeChart(in.Interval, xAxis, series), buildMACDChart(in.Interval, xAxis, series, settings))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildKline(in ChartInput, xAxis []string, subtitle string) *charts.Kline {
	minPrice, maxPrice := priceBounds(in.Series)
	padding := (maxPrice - minPrice) * 0.05
	if padding <= 0 {
		padding = math.Max(1, math.Abs(maxPrice)*0.01)
	}
	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(klineHeightPx)),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTitleOpts(opts.Title{
			Title:         fmt.Sprintf("%s %s", strings.ToUpper(in.Symbol), in.Interval),
			Subtitle:      subtitle,
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			Min:       round(minPrice-padding, 4),
			Max:       round(maxPrice+padding, 4),
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	kline.SetSeriesOptions(
		charts.WithItemStyleOpts(opts.ItemStyle{
			Color:        colorBull,
			Color0:       colorBear,
			BorderColor:  colorBull,
			BorderColor0: colorBear,
		}),
	)
	data := make([]opts.KlineData, 0, len(in.Series))
	for _, b := range in.Series {
		data = append(data, opts.KlineData{Value: [4]float64{b.Open, b.Close, b.Low, b.High}})
	}
	kline.SetXAxis(xAxis)
	kline.AddSeries("Price", data)
	return kline
}

func buildOverlayLines(series market.Series, xAxis []string, settings indicator.Settings) *charts.Line {
	closes := series.Closes()
	bands := indicator.Bollinger(closes, settings.Bollinger.Period, settings.Bollinger.StdDev)
	sar := indicator.ParabolicSAR(series.Highs(), series.Lows(), settings.SAR.Step, settings.SAR.Max)

	line := charts.NewLine()
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	line.SetXAxis(xAxis)
	n := len(series)
	line.AddSeries("BB Mid", toLineData(bands.Middle, n), charts.WithLineStyleOpts(opts.LineStyle{Color: colorBandMid, Width: 1}))
	line.AddSeries("BB Upper", toLineData(bands.Upper, n), charts.WithLineStyleOpts(opts.LineStyle{Color: colorBandEdge, Width: 1, Type: "dashed"}))
	line.AddSeries("BB Lower", toLineData(bands.Lower, n), charts.WithLineStyleOpts(opts.LineStyle{Color: colorBandEdge, Width: 1, Type: "dashed"}))
	line.AddSeries("SAR", toLineData(sar, n), charts.WithLineStyleOpts(opts.LineStyle{Color: colorSAR, Width: 0}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true), Symbol: "circle"}))
	return line
}

// buildMarkers 把决策按时间对齐到 x 轴，buy 画上三角，close 画下三角。
func buildMarkers(series market.Series, xAxis []string, markers []Marker) *charts.Scatter {
	index := make(map[int64]int, len(series))
	for i, b := range series {
		index[b.Time.UnixMilli()] = i
	}
	buys := make([]opts.ScatterData, len(series))
	closes := make([]opts.ScatterData, len(series))
	stops := make([]opts.ScatterData, len(series))
	for i := range series {
		buys[i] = opts.ScatterData{Value: nil}
		closes[i] = opts.ScatterData{Value: nil}
		stops[i] = opts.ScatterData{Value: nil}
	}
	for _, m := range markers {
		i, ok := index[m.Time.UnixMilli()]
		if !ok {
			continue
		}
		switch m.Action {
		case "buy":
			buys[i] = opts.ScatterData{Value: round(series[i].Low*0.995, 4), Symbol: "triangle", SymbolSize: 14}
		case "close":
			closes[i] = opts.ScatterData{Value: round(series[i].High*1.005, 4), Symbol: "triangle", SymbolSize: 14, SymbolRotate: 180}
		case "update_stop":
			stops[i] = opts.ScatterData{Value: round(m.Price, 4), Symbol: "diamond", SymbolSize: 6}
		}
	}
	scatter := charts.NewScatter()
	scatter.SetXAxis(xAxis)
	scatter.AddSeries("Buy", buys, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorBull}))
	scatter.AddSeries("Close", closes, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorBear}))
	scatter.AddSeries("Stop", stops, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorTextSecondary}))
	return scatter
}

func buildVolumeChart(interval string, xAxis []string, series market.Series) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(volumeHeightPx)),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("Volume %s", interval), Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			SplitNumber: 6,
			AxisLabel:   &opts.AxisLabel{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	vols := make([]opts.BarData, len(series))
	for i, b := range series {
		color := colorBear
		if b.Close >= b.Open {
			color = colorBull
		}
		vols[i] = opts.BarData{
			Value:     b.Volume,
			ItemStyle: &opts.ItemStyle{Color: color, Opacity: opts.Float(0.6)},
		}
	}
	bar.SetXAxis(xAxis)
	bar.AddSeries("Volume", vols)
	return bar
}

func buildMACDChart(interval string, xAxis []string, series market.Series, settings indicator.Settings) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(macdHeightPx)),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("MACD %s", interval), Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextSecondary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	macd := indicator.MACD(series.Closes(), settings.MACD.Fast, settings.MACD.Slow, settings.MACD.Signal)
	histData := make([]opts.BarData, len(series))
	for i := range series {
		v := math.NaN()
		if i < len(macd.Histogram) {
			v = macd.Histogram[i]
		}
		if !indicator.IsDefined(v) {
			histData[i] = opts.BarData{Value: nil}
			continue
		}
		color := colorBear
		if v >= 0 {
			color = colorBull
		}
		histData[i] = opts.BarData{Value: round(v, 4), ItemStyle: &opts.ItemStyle{Color: color}}
	}
	bar.SetXAxis(xAxis)
	bar.AddSeries("MACD Hist", histData)

	line := charts.NewLine()
	line.SetSeriesOptions(
		charts.WithLineStyleOpts(opts.LineStyle{Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("DIF", toLineData(macd.Line, len(series)), charts.WithLineStyleOpts(opts.LineStyle{Color: colorDIF, Width: 2}))
	line.AddSeries("DEA", toLineData(macd.Signal, len(series)), charts.WithLineStyleOpts(opts.LineStyle{Color: colorDEA, Width: 2}))
	bar.Overlap(line)
	return bar
}

func initOpts(height int) opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", ChartWidthPx),
		Height:          fmt.Sprintf("%dpx", height),
		BackgroundColor: colorBackground,
	}
}

func buildXAxis(series market.Series) []string {
	layout := "2006-01-02"
	for i := 1; i < len(series); i++ {
		if series[i].Time.Sub(series[i-1].Time) < 24*time.Hour {
			layout = "01-02 15:04"
			break
		}
	}
	x := make([]string, len(series))
	for i, b := range series {
		x[i] = b.Time.Format(layout)
	}
	return x
}

func toLineData(series []float64, length int) []opts.LineData {
	line := make([]opts.LineData, length)
	offset := length - len(series)
	if offset < 0 {
		offset = 0
	}
	for i := 0; i < offset; i++ {
		line[i] = opts.LineData{Value: nil}
	}
	for i := 0; i < len(series) && offset+i < length; i++ {
		val := series[i]
		if !indicator.IsDefined(val) {
			line[offset+i] = opts.LineData{Value: nil}
		} else {
			line[offset+i] = opts.LineData{Value: round(val, 4)}
		}
	}
	return line
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}

func priceBounds(series market.Series) (minVal, maxVal float64) {
	if len(series) == 0 {
		return 0, 0
	}
	minVal = series[0].Low
	maxVal = series[0].High
	for _, b := range series {
		if b.Low < minVal {
			minVal = b.Low
		}
		if b.High > maxVal {
			maxVal = b.High
		}
	}
	return minVal, maxVal
}

var (
	headlessOnce sync.Once
	headlessErr  error
)

// EnsureHeadlessAvailable 检查本机是否可以启动 headless Chrome。
func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		targetCtx := ctx
		if targetCtx == nil {
			targetCtx = context.Background()
		}
		parent, cancel := chromedp.NewContext(targetCtx)
		defer cancel()
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

// RenderPNG 用 headless Chrome 截图 RenderHTML 的输出。
func RenderPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := EnsureHeadlessAvailable(ctx); err != nil {
		return nil, fmt.Errorf("headless chrome unavailable: %w", err)
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}
