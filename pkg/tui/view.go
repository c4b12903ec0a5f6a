package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"

	"github.com/epli2/phantom/pkg/trace"
)

const (
	// urlDisplayLen is the list-column URL width before truncation.
	urlDisplayLen = 30
	// maxBodyLines caps rendered body lines in the detail pane.
	maxBodyLines = 30
	// listPanePercent is the horizontal share of the trace list.
	listPanePercent = 45
)

var (
	colorCyan     = lipgloss.Color("6")
	colorGreen    = lipgloss.Color("2")
	colorYellow   = lipgloss.Color("3")
	colorRed      = lipgloss.Color("1")
	colorMagenta  = lipgloss.Color("5")
	colorWhite    = lipgloss.Color("7")
	colorBlue     = lipgloss.Color("4")
	colorDarkGray = lipgloss.Color("8")

	styleBar        = lipgloss.NewStyle().Background(lipgloss.Color("237")).Foreground(colorWhite)
	styleTitle      = lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	styleKey        = lipgloss.NewStyle().Foreground(colorYellow)
	styleDim        = lipgloss.NewStyle().Foreground(colorDarkGray)
	styleMethod     = lipgloss.NewStyle().Foreground(colorCyan)
	styleSelected   = lipgloss.NewStyle().Background(lipgloss.Color("237")).Bold(true)
	styleActiveTab  = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(colorCyan).Bold(true)
	styleMysqlTab   = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(colorBlue).Bold(true)
	styleHiddenTab  = lipgloss.NewStyle().Foreground(colorDarkGray)
	styleHeaderName = lipgloss.NewStyle().Foreground(colorYellow)
)

func borderStyle(active bool) lipgloss.Style {
	color := colorDarkGray
	if active {
		color = colorCyan
	}
	return lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(color)
}

func statusColor(code uint16) lipgloss.Color {
	switch {
	case code >= 200 && code < 300:
		return colorGreen
	case code >= 300 && code < 400:
		return colorYellow
	case code >= 400 && code < 500:
		return colorRed
	case code >= 500 && code < 600:
		return colorMagenta
	default:
		return colorWhite
	}
}

// render draws one full frame from the model. filterView is the live text
// input rendering used while the filter is being edited.
func render(app *App, width, height int, filterView string) string {
	if width < 20 || height < 8 {
		return "terminal too small"
	}

	status := renderStatusBar(app, width)
	tabs := renderTabBar(app)
	help := renderHelpBar(app, width)

	mainHeight := height - 3
	listWidth := width * listPanePercent / 100
	detailWidth := width - listWidth

	var list, detail string
	if app.ActiveTab == TabHTTP {
		list = renderTraceList(app, listWidth, mainHeight, filterView)
		detail = renderTraceDetail(app, detailWidth, mainHeight)
	} else {
		list = renderMysqlList(app, listWidth, mainHeight, filterView)
		detail = renderMysqlDetail(app, detailWidth, mainHeight)
	}
	main := lipgloss.JoinHorizontal(lipgloss.Top, list, detail)

	return lipgloss.JoinVertical(lipgloss.Left, status, tabs, main, help)
}

func renderStatusBar(app *App, width int) string {
	left := lipgloss.JoinHorizontal(lipgloss.Top,
		styleTitle.Render(" phantom"),
		" | ",
		lipgloss.NewStyle().Foreground(colorGreen).Render(fmt.Sprintf("HTTP: %d", app.TraceCount)),
		" | ",
		lipgloss.NewStyle().Foreground(colorBlue).Render(fmt.Sprintf("MySQL: %d", app.MysqlTraceCount)),
		" | Capturing via ",
		lipgloss.NewStyle().Foreground(colorYellow).Render(app.BackendName),
	)
	return styleBar.Width(width).Render(left)
}

func renderTabBar(app *App) string {
	httpStyle, mysqlStyle := styleHiddenTab, styleHiddenTab
	if app.ActiveTab == TabHTTP {
		httpStyle = styleActiveTab
	} else {
		mysqlStyle = styleMysqlTab
	}
	return " " + httpStyle.Render(" [1] HTTP ") + "  " + mysqlStyle.Render(" [2] MySQL ")
}

func renderHelpBar(app *App, width int) string {
	var help string
	if app.FilterActive {
		help = styleKey.Render(" [Esc]") + "cancel  " +
			styleKey.Render("[Enter]") + "apply  " +
			styleKey.Render("[Backspace]") + "delete"
	} else {
		help = styleKey.Render(" [q]") + "uit  " +
			styleKey.Render("[1/2]") + "tab  " +
			styleKey.Render("[/]") + "filter  " +
			styleKey.Render("[j/k]") + "navigate  " +
			styleKey.Render("[Tab]") + "pane  " +
			styleKey.Render("[g/G]") + "top/bottom"
	}
	return styleBar.Width(width).Render(help)
}

func renderFilterBox(app *App, width int, filterView string) string {
	color := colorDarkGray
	text := app.Filter
	if app.FilterActive {
		color = colorYellow
		text = filterView
	} else if text == "" {
		text = "Press / to filter"
	}
	return lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(color).
		Width(width - 2).
		Render(truncateStr(text, width-3))
}

func renderTraceList(app *App, width, height int, filterView string) string {
	filter := renderFilterBox(app, width, filterView)

	filtered := app.FilteredTraces()
	innerHeight := height - 3 - 2 // filter box and list border
	rows := []string{styleTitle.Render(fmt.Sprintf("%-8s %-7s %-*s %-6s %s", "Time", "Method", urlDisplayLen, "URL", "Status", "Duration"))}

	start := visibleStart(app.SelectedIndex, len(filtered), innerHeight-1)
	for i := start; i < len(filtered) && len(rows) < innerHeight; i++ {
		t := filtered[i]
		line := fmt.Sprintf("%-8s %s %-*s %s %s",
			t.Timestamp.Format("15:04:05"),
			styleMethod.Render(fmt.Sprintf("%-7s", t.Method)),
			urlDisplayLen, truncateURL(t.URL, urlDisplayLen),
			lipgloss.NewStyle().Foreground(statusColor(t.StatusCode)).Render(fmt.Sprintf("%-6d", t.StatusCode)),
			styleDim.Render(formatDuration(t.Duration)),
		)
		if i == app.SelectedIndex {
			line = styleSelected.Render(line)
		}
		rows = append(rows, line)
	}

	list := borderStyle(app.ActivePane == PaneTraceList).
		Width(width - 2).
		Height(height - 5).
		Render(strings.Join(rows, "\n"))

	title := fmt.Sprintf(" Traces (%d) ", len(filtered))
	return lipgloss.JoinVertical(lipgloss.Left, filter, styleDim.Render(title), list)
}

func renderTraceDetail(app *App, width, height int) string {
	box := borderStyle(app.ActivePane == PaneTraceDetail).
		Width(width - 2).
		Height(height - 2)

	t := app.SelectedTrace()
	if t == nil {
		return box.Render(styleDim.Render("No trace selected"))
	}

	var lines []string
	lines = append(lines, styleTitle.Render("Request"))
	lines = append(lines,
		lipgloss.NewStyle().Foreground(colorGreen).Bold(true).Render(string(t.Method))+" "+t.URL)
	lines = append(lines, "")
	lines = append(lines, renderHeaders(t.RequestHeaders, width-6)...)
	if len(t.RequestBody) > 0 {
		lines = append(lines, "", styleDim.Render("Body:"))
		lines = append(lines, renderBodyLines(t.RequestBody)...)
	}

	lines = append(lines, "", styleDim.Render(strings.Repeat("━", min(40, width-6))), "")

	statusStyle := lipgloss.NewStyle().Foreground(statusColor(t.StatusCode)).Bold(true)
	lines = append(lines, styleTitle.Render("Response")+
		" ("+statusStyle.Render(fmt.Sprintf("%d", t.StatusCode))+
		fmt.Sprintf(", %s)", formatDuration(t.Duration)))
	lines = append(lines, "")
	lines = append(lines, renderHeaders(t.ResponseHeaders, width-6)...)
	if len(t.ResponseBody) > 0 {
		lines = append(lines, "", styleDim.Render("Body:"))
		lines = append(lines, renderBodyLines(t.ResponseBody)...)
	}

	if len(lines) > height-4 {
		lines = lines[:height-4]
	}
	return box.Render(strings.Join(lines, "\n"))
}

func renderMysqlList(app *App, width, height int, filterView string) string {
	filter := renderFilterBox(app, width, filterView)

	filtered := app.FilteredMysqlTraces()
	innerHeight := height - 3 - 2
	rows := []string{lipgloss.NewStyle().Foreground(colorBlue).Bold(true).
		Render(fmt.Sprintf("%-8s %-35s %-18s %s", "Time", "Query", "Result", "Duration"))}

	start := visibleStart(app.MysqlSelectedIndex, len(filtered), innerHeight-1)
	for i := start; i < len(filtered) && len(rows) < innerHeight; i++ {
		t := filtered[i]
		result, color := formatMysqlResponse(&t.Response)
		line := fmt.Sprintf("%-8s %-35s %s %s",
			t.Timestamp.Format("15:04:05"),
			truncateStr(t.Query, 35),
			lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf("%-18s", result)),
			styleDim.Render(formatDuration(t.Duration)),
		)
		if i == app.MysqlSelectedIndex {
			line = styleSelected.Render(line)
		}
		rows = append(rows, line)
	}

	list := borderStyle(app.ActivePane == PaneTraceList).
		Width(width - 2).
		Height(height - 5).
		Render(strings.Join(rows, "\n"))

	title := fmt.Sprintf(" MySQL Queries (%d) ", len(filtered))
	return lipgloss.JoinVertical(lipgloss.Left, filter, styleDim.Render(title), list)
}

func renderMysqlDetail(app *App, width, height int) string {
	box := borderStyle(app.ActivePane == PaneTraceDetail).
		Width(width - 2).
		Height(height - 2)

	t := app.SelectedMysqlTrace()
	if t == nil {
		return box.Render(styleDim.Render("No query selected"))
	}

	blue := lipgloss.NewStyle().Foreground(colorBlue).Bold(true)
	var lines []string
	lines = append(lines, blue.Render("Query"), "")
	lines = append(lines, strings.Split(t.Query, "\n")...)
	lines = append(lines, "", styleDim.Render(strings.Repeat("━", min(40, width-6))), "")

	lines = append(lines, blue.Render("Result"), "")
	switch t.Response.Kind {
	case trace.MysqlOk:
		lines = append(lines, lipgloss.NewStyle().Foreground(colorCyan).Bold(true).Render("OK")+
			fmt.Sprintf("  %d row(s) affected", t.Response.AffectedRows))
		if t.Response.LastInsertID > 0 {
			lines = append(lines, fmt.Sprintf("  last_insert_id = %d", t.Response.LastInsertID))
		}
		if t.Response.Warnings > 0 {
			lines = append(lines, styleKey.Render(fmt.Sprintf("  %d warning(s)", t.Response.Warnings)))
		}
	case trace.MysqlResultSet:
		lines = append(lines, lipgloss.NewStyle().Foreground(colorGreen).Bold(true).Render("ResultSet")+
			fmt.Sprintf("  %d col(s), %d row(s)", t.Response.ColumnCount, t.Response.RowCount))
	case trace.MysqlErr:
		lines = append(lines, lipgloss.NewStyle().Foreground(colorRed).Bold(true).
			Render(fmt.Sprintf("ERR %d", t.Response.ErrorCode))+
			fmt.Sprintf("  (%s)", t.Response.SQLState))
		lines = append(lines, lipgloss.NewStyle().Foreground(colorRed).Render(t.Response.Message))
	}

	lines = append(lines, "", styleDim.Render(strings.Repeat("━", min(40, width-6))), "")
	lines = append(lines, blue.Render("Metadata"))
	lines = append(lines, fmt.Sprintf("  Duration:  %s", formatDuration(t.Duration)))
	lines = append(lines, fmt.Sprintf("  Timestamp: %s", t.Timestamp.Format("15:04:05")))
	if t.DestAddr != "" {
		lines = append(lines, fmt.Sprintf("  Server:    %s", t.DestAddr))
	}
	if t.DBName != "" {
		lines = append(lines, fmt.Sprintf("  Database:  %s", t.DBName))
	}

	if len(lines) > height-4 {
		lines = lines[:height-4]
	}
	return box.Render(strings.Join(lines, "\n"))
}

func formatMysqlResponse(r *trace.MysqlResponse) (string, lipgloss.Color) {
	switch r.Kind {
	case trace.MysqlOk:
		return fmt.Sprintf("OK %d row(s)", r.AffectedRows), colorCyan
	case trace.MysqlResultSet:
		return fmt.Sprintf("%d cols, %d rows", r.ColumnCount, r.RowCount), colorGreen
	default:
		return fmt.Sprintf("ERR %d", r.ErrorCode), colorRed
	}
}

// renderHeaders renders a header map in stable (sorted) order.
func renderHeaders(headers map[string]string, maxWidth int) []string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, styleHeaderName.Render(k+": ")+truncateStr(headers[k], maxWidth-len(k)-2))
	}
	return lines
}

// renderBodyLines pretty-prints JSON bodies, falls back to plain text, and
// renders binary content as a placeholder.
func renderBodyLines(body []byte) []string {
	if json.Valid(body) {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, body, "", "  "); err == nil {
			return capLines(strings.Split(pretty.String(), "\n"))
		}
	}
	if utf8.Valid(body) {
		return capLines(strings.Split(string(body), "\n"))
	}
	return []string{styleDim.Render(fmt.Sprintf("<binary, %d bytes>", len(body)))}
}

func capLines(lines []string) []string {
	if len(lines) > maxBodyLines {
		return lines[:maxBodyLines]
	}
	return lines
}

// truncateURL strips the scheme and truncates for the list column.
func truncateURL(url string, maxLen int) string {
	display := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	return truncateStr(display, maxLen)
}

func truncateStr(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-1]) + "…"
	}
	return s
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}

// visibleStart scrolls the list window so the cursor stays visible.
func visibleStart(selected, total, visible int) int {
	if visible <= 0 || total <= visible {
		return 0
	}
	start := selected - visible + 1
	if start < 0 {
		start = 0
	}
	if start > total-visible {
		start = total - visible
	}
	return start
}
