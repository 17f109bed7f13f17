package sandbox

import (
	"fmt"
	"math"
	"strings"
)

const (
	svgWidth  = 640
	svgHeight = 360
	svgMargin = 40
)

func svgHeader(sb *strings.Builder) {
	fmt.Fprintf(sb, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d">`+"\n", svgWidth, svgHeight)
	fmt.Fprintf(sb, `<rect width="%d" height="%d" fill="white"/>`+"\n", svgWidth, svgHeight)
}

// renderBarSVG draws a minimal bar chart. Charts carry no styling beyond
// what replication reviewers need to read the values.
func renderBarSVG(labels []string, values []float64) string {
	var sb strings.Builder
	svgHeader(&sb)

	maxVal := 0.0
	for _, v := range values {
		maxVal = math.Max(maxVal, math.Abs(v))
	}
	if maxVal == 0 {
		maxVal = 1
	}

	plotWidth := float64(svgWidth - 2*svgMargin)
	plotHeight := float64(svgHeight - 2*svgMargin)
	barWidth := plotWidth / float64(len(values))

	for i, v := range values {
		h := math.Abs(v) / maxVal * plotHeight
		x := float64(svgMargin) + float64(i)*barWidth
		y := float64(svgHeight-svgMargin) - h
		fmt.Fprintf(&sb, `<rect x="%.1f" y="%.1f" width="%.1f" height="%.1f" fill="steelblue"/>`+"\n",
			x+2, y, barWidth-4, h)
		fmt.Fprintf(&sb, `<text x="%.1f" y="%d" font-size="10" text-anchor="middle">%s</text>`+"\n",
			x+barWidth/2, svgHeight-svgMargin+14, svgEscape(labels[i]))
		fmt.Fprintf(&sb, `<text x="%.1f" y="%.1f" font-size="10" text-anchor="middle">%.4g</text>`+"\n",
			x+barWidth/2, y-4, v)
	}

	sb.WriteString("</svg>\n")
	return sb.String()
}

// renderLineSVG draws a minimal polyline over an index axis.
func renderLineSVG(values []float64) string {
	var sb strings.Builder
	svgHeader(&sb)

	if len(values) > 0 {
		minVal, maxVal := values[0], values[0]
		for _, v := range values {
			minVal = math.Min(minVal, v)
			maxVal = math.Max(maxVal, v)
		}
		span := maxVal - minVal
		if span == 0 {
			span = 1
		}

		plotWidth := float64(svgWidth - 2*svgMargin)
		plotHeight := float64(svgHeight - 2*svgMargin)

		points := make([]string, len(values))
		for i, v := range values {
			x := float64(svgMargin)
			if len(values) > 1 {
				x += float64(i) / float64(len(values)-1) * plotWidth
			}
			y := float64(svgHeight-svgMargin) - (v-minVal)/span*plotHeight
			points[i] = fmt.Sprintf("%.1f,%.1f", x, y)
		}
		fmt.Fprintf(&sb, `<polyline points="%s" fill="none" stroke="steelblue" stroke-width="1.5"/>`+"\n",
			strings.Join(points, " "))
	}

	sb.WriteString("</svg>\n")
	return sb.String()
}

func svgEscape(s string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return replacer.Replace(s)
}
