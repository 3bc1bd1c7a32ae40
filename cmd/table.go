package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/knights-analytics/tbdetect/backends"
	"github.com/knights-analytics/tbdetect/pipelines"
)

func renderTable(headers []string, rows [][]string, rightAligned ...int) string {
	if len(headers) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)
	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range r {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, len(rightAligned))
	for _, column := range rightAligned {
		configs = append(configs, table.ColumnConfig{Number: column, Align: text.AlignRight, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

func modelInfoTable(info *backends.ModelInfo) string {
	target := info.TargetError
	if info.Target != nil {
		target = fmt.Sprint(info.Target.Dims())
	}
	rows := [][]string{
		{"path", info.Path},
		{"runtime", info.Runtime},
		{"input shape", info.InputShape.String()},
		{"input count", fmt.Sprint(info.InputCount)},
		{"layout", string(info.Layout)},
		{"target (H, W, C)", target},
		{"sidecar metadata", fmt.Sprint(info.FromMetadata)},
	}
	for _, input := range info.Inputs {
		rows = append(rows, []string{"input " + input.Name, input.Dimensions.String()})
	}
	for _, output := range info.Outputs {
		rows = append(rows, []string{"output " + output.Name, output.Dimensions.String()})
	}
	return renderTable([]string{"Property", "Value"}, rows)
}

func statisticsTable(stats pipelines.Statistics) string {
	rows := [][]string{
		{"decode", fmt.Sprint(stats.Decode.ExecutionCount), stats.Decode.AvgQueryTime.String()},
		{"preprocess", fmt.Sprint(stats.Preprocess.ExecutionCount), stats.Preprocess.AvgQueryTime.String()},
		{"onnx", fmt.Sprint(stats.Onnx.ExecutionCount), stats.Onnx.AvgQueryTime.String()},
	}
	for _, counts := range []map[string]uint64{stats.Predictions, stats.Failures} {
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if counts[k] > 0 {
				rows = append(rows, []string{strings.ToLower(k), fmt.Sprint(counts[k]), ""})
			}
		}
	}
	return renderTable([]string{"Stage", "Count", "Average"}, rows, 2, 3)
}
