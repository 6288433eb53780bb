package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/matzehuels/ray/pkg/observability"
)

// =============================================================================
// Messages
// =============================================================================

// phaseMsg replaces the status line shown next to the spinner.
type phaseMsg string

// thresholdMsg reports one finished threshold of the sweep.
type thresholdMsg struct {
	index     int
	total     int
	threshold float64
	nodes     int
}

// finishMsg ends the program.
type finishMsg struct{}

// =============================================================================
// Model
// =============================================================================

// progressModel renders a spinner with the current pipeline stage above a
// bar that fills as thresholds complete.
type progressModel struct {
	total    int
	done     int
	phase    string
	last     string
	spinner  spinner.Model
	bar      progress.Model
	finished bool
}

func newProgressModel(total int) progressModel {
	return progressModel{
		total:   total,
		phase:   "loading probabilities",
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(styleIconSpinner)),
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40), progress.WithoutPercentage()),
	}
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case phaseMsg:
		m.phase = string(msg)
	case thresholdMsg:
		m.done++
		if msg.total > 0 {
			m.total = msg.total
		}
		m.last = fmt.Sprintf("t=%g · %d regions", msg.threshold, msg.nodes)
	case finishMsg:
		m.finished = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m progressModel) View() string {
	if m.finished {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.spinner.View())
	b.WriteString(" ")
	b.WriteString(StyleDim.Render(m.phase))
	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(m.fraction()))
	b.WriteString(" ")
	b.WriteString(StyleNumber.Render(fmt.Sprintf("%d/%d", m.done, m.total)))
	if m.last != "" {
		b.WriteString(" ")
		b.WriteString(StyleDim.Render(m.last))
	}
	b.WriteString("\n")
	return b.String()
}

func (m progressModel) fraction() float64 {
	if m.total <= 0 {
		return 0
	}
	return float64(m.done) / float64(m.total)
}

// =============================================================================
// Hooks
// =============================================================================

// progressHooks forwards pipeline events to the progress program.
type progressHooks struct {
	send func(tea.Msg)
}

func (h *progressHooks) OnWatershedStart(_ context.Context, shape [3]int) {
	h.send(phaseMsg(fmt.Sprintf("computing watershed of %dx%dx%d volume", shape[0], shape[1], shape[2])))
}

func (h *progressHooks) OnWatershedComplete(_ context.Context, basins int, d time.Duration, err error) {
	if err != nil {
		h.send(phaseMsg("watershed failed"))
		return
	}
	h.send(phaseMsg(fmt.Sprintf("watershed: %d basins (%s)", basins, d.Round(time.Millisecond))))
}

func (h *progressHooks) OnGraphBuilt(_ context.Context, nodes, edges int) {
	h.send(phaseMsg(fmt.Sprintf("agglomerating %d nodes · %d edges", nodes, edges)))
}

func (h *progressHooks) OnLadderComplete(_ context.Context, nodes, edges int) {
	h.send(phaseMsg(fmt.Sprintf("ladder done: %d nodes · %d edges", nodes, edges)))
}

func (h *progressHooks) OnThresholdComplete(_ context.Context, index, total int, threshold float64, nodes int) {
	h.send(thresholdMsg{index: index, total: total, threshold: threshold, nodes: nodes})
}

func (h *progressHooks) OnVolumeWritten(_ context.Context, path string) {
	h.send(phaseMsg("wrote " + filepath.Base(path)))
}

var _ observability.PipelineHooks = (*progressHooks)(nil)

// =============================================================================
// Program
// =============================================================================

// progressUI runs the progress program in the background.
type progressUI struct {
	program *tea.Program
	done    chan error
}

// startProgress starts rendering to w. The caller must call stop.
func startProgress(w io.Writer, total int) *progressUI {
	ui := &progressUI{
		program: tea.NewProgram(newProgressModel(total),
			tea.WithOutput(w),
			tea.WithInput(nil),
			tea.WithoutSignalHandler(),
		),
		done: make(chan error, 1),
	}
	go func() {
		_, err := ui.program.Run()
		ui.done <- err
	}()
	return ui
}

// hooks returns the pipeline hooks that drive the display.
func (ui *progressUI) hooks() observability.PipelineHooks {
	return &progressHooks{send: ui.program.Send}
}

// stop clears the display and waits for the program to exit.
func (ui *progressUI) stop() {
	ui.program.Send(finishMsg{})
	<-ui.done
}
