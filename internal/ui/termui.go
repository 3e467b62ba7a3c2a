package ui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/skalibog/obsignal/internal/config"
	"github.com/skalibog/obsignal/internal/storage"
	"github.com/skalibog/obsignal/pkg/logger"
	"github.com/skalibog/obsignal/pkg/models"
	"go.uber.org/zap"
)

const (
	maxLogLines    = 50
	historyLimit   = 5
	historyTimeout = 5 * time.Second
)

// Стили UI
var (
	// Основные цвета
	primaryColor   = lipgloss.Color("#0077cc")
	secondaryColor = lipgloss.Color("#333333")
	errorColor     = lipgloss.Color("#cc3300")
	successColor   = lipgloss.Color("#33cc33")
	warningColor   = lipgloss.Color("#cccc00")
	mutedColor     = lipgloss.Color("#999999")

	appStyle = lipgloss.NewStyle().
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(primaryColor).
			Padding(0, 1).
			Align(lipgloss.Center)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(secondaryColor).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("#222222"))
	footerStyle   = lipgloss.NewStyle().Foreground(mutedColor).Padding(0, 1)

	ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)
)

// Source источник данных дашборда
type Source interface {
	Latest() map[string]*models.AnalysisResult
	CooldownRemaining(symbol string) time.Duration
	ResetCooldown(symbol string)
}

// History история сигналов пары из хранилища
type History interface {
	GetSignalHistory(ctx context.Context, symbol string, limit int) ([]storage.SignalRecord, error)
}

// TermUI терминальный дашборд последних результатов анализа
type TermUI struct {
	source  Source
	history History
	config  config.UIConfig
	logFile string
}

// NewTermUI создает дашборд
func NewTermUI(cfg config.UIConfig, source Source, logFile string) *TermUI {
	return &TermUI{source: source, config: cfg, logFile: logFile}
}

// WithHistory подключает историю сигналов для выбранной пары
func (ui *TermUI) WithHistory(h History) *TermUI {
	ui.history = h
	return ui
}

// Run показывает дашборд до выхода пользователя или отмены контекста
func (ui *TermUI) Run(ctx context.Context) error {
	m := newModel(ui)
	m.ctx = ctx
	program := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("ошибка UI: %w", err)
	}
	return nil
}

func (ui *TermUI) refreshInterval() time.Duration {
	if ui.config.RefreshRate <= 0 {
		return time.Second
	}
	return time.Duration(ui.config.RefreshRate) * time.Millisecond
}

// row строка таблицы сигналов
type row struct {
	result   *models.AnalysisResult
	cooldown time.Duration
}

type tickMsg time.Time

type historyMsg struct {
	symbol  string
	records []storage.SignalRecord
	err     error
}

type model struct {
	ctx      context.Context
	ui       *TermUI
	rows     []row
	logs     []string
	history  map[string][]storage.SignalRecord
	selected int
	width    int
}

func newModel(ui *TermUI) model {
	m := model{
		ctx:     context.Background(),
		ui:      ui,
		logs:    []string{"Ожидание данных..."},
		history: make(map[string][]storage.SignalRecord),
	}
	return m.refresh()
}

func (m model) selectedSymbol() string {
	if m.selected < len(m.rows) {
		return m.rows[m.selected].result.Symbol
	}
	return ""
}

// loadHistory запрашивает историю выбранной пары в фоне
func (m model) loadHistory() tea.Cmd {
	symbol := m.selectedSymbol()
	if m.ui.history == nil || symbol == "" {
		return nil
	}
	ctx, h := m.ctx, m.ui.history
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, historyTimeout)
		defer cancel()
		records, err := h.GetSignalHistory(ctx, symbol, historyLimit)
		return historyMsg{symbol: symbol, records: records, err: err}
	}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.ui.refreshInterval(), func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) refresh() model {
	m.rows = buildRows(m.ui.source.Latest(), m.ui.source.CooldownRemaining)
	if m.selected >= len(m.rows) {
		m.selected = max(0, len(m.rows)-1)
	}
	if logs, err := tailLogs(m.ui.logFile, maxLogLines); err == nil && len(logs) > 0 {
		m.logs = logs
	}
	return m
}

// Init реализует tea.Model
func (m model) Init() tea.Cmd {
	return tea.Batch(m.tick(), m.loadHistory())
}

// Update реализует tea.Model
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			m.selected = max(0, m.selected-1)
			return m, m.loadHistory()
		case "down", "j":
			m.selected = min(max(0, len(m.rows)-1), m.selected+1)
			return m, m.loadHistory()
		case "c":
			if m.selected < len(m.rows) {
				m.ui.source.ResetCooldown(m.rows[m.selected].result.Symbol)
				m = m.refresh()
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case historyMsg:
		if msg.err != nil {
			logger.Warn("Не удалось загрузить историю сигналов", zap.String("symbol", msg.symbol), zap.Error(msg.err))
			break
		}
		m.history[msg.symbol] = msg.records

	case tickMsg:
		m = m.refresh()
		if _, ok := m.history[m.selectedSymbol()]; !ok {
			return m, tea.Batch(m.tick(), m.loadHistory())
		}
		return m, m.tick()
	}

	return m, nil
}

// View реализует tea.Model
func (m model) View() string {
	title := titleStyle.Render("OBSIGNAL - Binance Futures Order Book Signals")
	parts := []string{title, renderSignalsSection(m.rows, m.selected)}
	if m.selected < len(m.rows) {
		parts = append(parts, renderDetails(m.rows[m.selected], m.history[m.selectedSymbol()]))
	}
	parts = append(parts,
		renderLogsSection(m.logs),
		footerStyle.Render("Клавиши: ↑/↓ - навигация, C - сбросить cooldown, Q - выход"))

	return appStyle.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func buildRows(latest map[string]*models.AnalysisResult, cooldown func(string) time.Duration) []row {
	rows := make([]row, 0, len(latest))
	for symbol, result := range latest {
		rows = append(rows, row{result: result, cooldown: cooldown(symbol)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].result.Symbol < rows[j].result.Symbol })
	return rows
}

func renderSignalsSection(rows []row, selected int) string {
	var content strings.Builder

	if len(rows) == 0 {
		content.WriteString("  Ожидание данных...\n")
	}
	for i, r := range rows {
		line := formatRow(r)
		if i == selected {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		content.WriteString(line + "\n")
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("СИГНАЛЫ"), content.String()))
}

func formatRow(r row) string {
	res := r.result
	composite := models.CompositeNeutral
	if res.Signals.OrderBook != nil {
		composite = res.Signals.OrderBook.CompositeSignal
	}

	line := fmt.Sprintf("%-10s %s  L %2.0f / S %2.0f  стакан %-11s цена %g",
		res.Symbol,
		formatSignal(res.Signals.CompositeSignal),
		res.Signals.SignalScore.Long,
		res.Signals.SignalScore.Short,
		composite,
		res.CurrentPrice)

	if p := res.SuggestedPrices; p != nil {
		line += fmt.Sprintf("  вход %g стоп %g тейк %g", p.Entry, p.StopLoss, p.TakeProfit)
	}
	if r.cooldown > 0 {
		line += lipgloss.NewStyle().Foreground(mutedColor).Render(fmt.Sprintf("  cooldown %s", r.cooldown.Round(time.Second)))
	}
	return line
}

func formatSignal(signal models.Signal) string {
	var style lipgloss.Style

	switch signal {
	case models.SignalLong:
		style = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	case models.SignalShort:
		style = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	default:
		style = lipgloss.NewStyle().Foreground(warningColor)
	}

	return style.Render(fmt.Sprintf("%-7s", signal))
}

func renderDetails(r row, history []storage.SignalRecord) string {
	res := r.result
	var b strings.Builder

	fmt.Fprintf(&b, "  RSI %.1f  EMA %g / %g / %g\n", res.Indicators.RSI, res.Indicators.EMAFast, res.Indicators.EMAMedium, res.Indicators.EMASlow)
	fmt.Fprintf(&b, "  Bollinger %g / %g / %g\n", res.Indicators.BBLower, res.Indicators.BBMiddle, res.Indicators.BBUpper)
	fmt.Fprintf(&b, "  Дисбаланс %.2f  стабильность %.2f\n", models.Finite(float64(res.Indicators.Imbalance)), res.Indicators.Stability)
	if ob := res.Signals.OrderBook; ob != nil {
		fmt.Fprintf(&b, "  Давление %s  поддержка %t  сопротивление %t\n", ob.PricePressure, ob.StrongSupport, ob.StrongResistance)
	}
	if p := res.SuggestedPrices; p != nil && p.OptimalEntry != nil {
		fmt.Fprintf(&b, "  Оптимальный вход %g  ATR %g\n", *p.OptimalEntry, p.ATR)
	}
	if res.Reason != "" {
		fmt.Fprintf(&b, "  Причина: %s\n", res.Reason)
	}
	if res.Suppressed {
		b.WriteString("  Алерт подавлен cooldown\n")
	}
	if len(history) > 0 {
		b.WriteString("  История:\n")
		for _, rec := range history {
			b.WriteString("    " + formatRecord(rec) + "\n")
		}
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render(res.Symbol), b.String()))
}

func formatRecord(rec storage.SignalRecord) string {
	line := fmt.Sprintf("%s %-7s L %2.0f / S %2.0f цена %g",
		rec.Timestamp.Local().Format("02.01 15:04"), rec.Signal, rec.LongScore, rec.ShortScore, rec.Price)
	if rec.Suppressed {
		line += " (подавлен)"
	}
	return line
}

func renderLogsSection(logs []string) string {
	var content strings.Builder

	for _, line := range logs {
		// Выделение по уровню логирования
		switch {
		case strings.Contains(line, "[ERROR]"):
			line = lipgloss.NewStyle().Foreground(errorColor).Render(line)
		case strings.Contains(line, "[WARN]"):
			line = lipgloss.NewStyle().Foreground(warningColor).Render(line)
		case strings.Contains(line, "[INFO]"):
			line = lipgloss.NewStyle().Foreground(successColor).Render(line)
		}
		content.WriteString("  " + line + "\n")
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("ЛОГИ"), content.String()))
}

// tailLogs последние n строк JSON-лога в читаемом виде.
// Отсутствующий файл не ошибка
func tailLogs(path string, n int) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var logs []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logs = append(logs, formatLogLine(scanner.Text()))
		if len(logs) > n {
			logs = logs[1:]
		}
	}
	return logs, scanner.Err()
}

// formatLogLine JSON-запись zap в строку "[15:04:05] [LEVEL] msg (k: v)"
func formatLogLine(line string) string {
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return line
	}

	level, _ := entry["level"].(string)
	ts, _ := entry["ts"].(string)
	msg, _ := entry["msg"].(string)
	level = ansiRegex.ReplaceAllString(level, "")

	timestamp := ""
	if t, err := time.Parse(logger.TimeLayout, ts); err == nil {
		timestamp = t.Format("15:04:05")
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "level", "ts", "msg", "caller":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s", timestamp, level, msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " (%s: %v)", k, entry[k])
	}
	return b.String()
}
