// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/jamesross/pmcad/internal/stagedriver"
)

// NewReporter builds the stagedriver.Reporter a stage process wires
// into its Driver, selected by the configured progress mode: "tui"
// renders a live bubbletea progress bar (the Go analog of
// test/test_queue.py's tqdm bar with pbar.set_postfix(...)), "plain"
// logs the same info through the structured logger every other
// ambient concern uses, and "quiet" discards it via
// stagedriver.NoopReporter.
func NewReporter(mode, stage string, log *zap.Logger) stagedriver.Reporter {
	switch mode {
	case "tui":
		return newTUIReporter(stage, log)
	case "quiet":
		return stagedriver.NoopReporter{}
	default:
		return &plainReporter{stage: stage, log: log}
	}
}

type plainReporter struct {
	stage string
	log   *zap.Logger

	mu    sync.Mutex
	done  int
	total int
}

func (r *plainReporter) Init(stage string, already, total int) {
	r.mu.Lock()
	r.done, r.total = already, total
	r.mu.Unlock()
	r.log.Info("stage started", String("stage", stage), Int("already", already), Int("total", total))
}

func (r *plainReporter) SetStatus(name, description string) {
	r.log.Info("stage status", String("stage", r.stage), String("name", name), String("description", description))
}

func (r *plainReporter) AddMetric(name string, correct, total int) {
	r.log.Info("stage metric", String("stage", r.stage), String("name", name), Int("correct", correct), Int("total", total))
}

func (r *plainReporter) SetError(name, msg string) {
	r.log.Warn("stage error", String("stage", r.stage), String("name", name), String("msg", msg))
}

func (r *plainReporter) Advance() {
	r.mu.Lock()
	r.done++
	done, total := r.done, r.total
	r.mu.Unlock()
	r.log.Info("stage progress", String("stage", r.stage), Int("done", done), Int("total", total))
}

func (r *plainReporter) Close() {}

// tuiMsg is the single message type the progress model reacts to;
// kind discriminates which Reporter call produced it.
type tuiMsg struct {
	kind                    string
	name, description, msg string
	correct, total, already int
}

type tuiModel struct {
	stage              string
	bar                progress.Model
	done, total        int
	status             string
	lastMetric         string
	lastError          string
}

func newTUIModel(stage string) tuiModel {
	return tuiModel{stage: stage, bar: progress.New(progress.WithDefaultGradient())}
}

func (m tuiModel) Init() tea.Cmd { return nil }

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	tm, ok := msg.(tuiMsg)
	if !ok {
		return m, nil
	}
	switch tm.kind {
	case "init":
		m.done, m.total = tm.already, tm.total
	case "status":
		m.status = fmt.Sprintf("%s: %s", tm.name, tm.description)
	case "metric":
		m.lastMetric = fmt.Sprintf("%s %d/%d", tm.name, tm.correct, tm.total)
	case "error":
		m.lastError = fmt.Sprintf("%s: %s", tm.name, tm.msg)
	case "advance":
		m.done++
	case "close":
		return m, tea.Quit
	}
	return m, nil
}

func (m tuiModel) View() string {
	pct := 0.0
	if m.total > 0 {
		pct = float64(m.done) / float64(m.total)
	}
	header := lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf("stage %s", m.stage))
	lines := []string{header, m.bar.ViewAs(pct), fmt.Sprintf("%d/%d", m.done, m.total)}
	if m.status != "" {
		lines = append(lines, m.status)
	}
	if m.lastMetric != "" {
		lines = append(lines, m.lastMetric)
	}
	if m.lastError != "" {
		lines = append(lines, lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render(m.lastError))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

type tuiReporter struct {
	program *tea.Program
	log     *zap.Logger
}

func newTUIReporter(stage string, log *zap.Logger) *tuiReporter {
	p := tea.NewProgram(newTUIModel(stage))
	r := &tuiReporter{program: p, log: log}
	go func() {
		if _, err := p.Run(); err != nil && log != nil {
			log.Warn("progress tui exited with error", Err(err))
		}
	}()
	return r
}

func (r *tuiReporter) Init(stage string, already, total int) {
	r.program.Send(tuiMsg{kind: "init", already: already, total: total})
}

func (r *tuiReporter) SetStatus(name, description string) {
	r.program.Send(tuiMsg{kind: "status", name: name, description: description})
}

func (r *tuiReporter) AddMetric(name string, correct, total int) {
	r.program.Send(tuiMsg{kind: "metric", name: name, correct: correct, total: total})
}

func (r *tuiReporter) SetError(name, msg string) {
	r.program.Send(tuiMsg{kind: "error", name: name, msg: msg})
}

func (r *tuiReporter) Advance() {
	r.program.Send(tuiMsg{kind: "advance"})
}

func (r *tuiReporter) Close() {
	r.program.Send(tuiMsg{kind: "close"})
}
