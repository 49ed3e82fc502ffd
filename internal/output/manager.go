package output

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	danzohttp "github.com/tanq16/danzoq/internal/downloaders/http"
	"github.com/tanq16/danzoq/internal/utils"
)

type UnitOutput struct {
	Index       int
	Unit        *danzohttp.Unit
	Status      string
	Message     string
	Active      bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
}

type ErrorReport struct {
	Name        string
	Destination string
	StatusCode  int
	Error       error
	Time        time.Time
}

// Manager renders the live state of every unit it observes. It implements
// danzohttp.Observer; callbacks only record state and never block on the
// terminal.
type Manager struct {
	outputs     map[string]*UnitOutput
	mutex       sync.RWMutex
	out         io.Writer
	numLines    int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	displayWg   sync.WaitGroup
	count       int
}

func NewManager() *Manager {
	return &Manager{
		outputs:     make(map[string]*UnitOutput),
		out:         os.Stdout,
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
	}
}

// SetWriter redirects rendering, used by tests.
func (m *Manager) SetWriter(w io.Writer) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.out = w
}

func (m *Manager) Created(u *danzohttp.Unit) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, exists := m.outputs[u.ID()]; exists {
		return
	}
	m.count++
	status, message := describe(u)
	m.outputs[u.ID()] = &UnitOutput{
		Index:       m.count,
		Unit:        u,
		Status:      status,
		Message:     message,
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
	}
}

func (m *Manager) Started(u *danzohttp.Unit) {
	m.update(u, func(info *UnitOutput) {
		info.Active = true
		info.Status = "pending"
		info.Message = fmt.Sprintf("Downloading %s", u.Destination())
		info.StartTime = time.Now()
		info.Error = nil
	})
}

func (m *Manager) Stopped(u *danzohttp.Unit) {
	m.update(u, func(info *UnitOutput) {
		info.Active = false
		info.Status, info.Message = describe(u)
		if err := u.Err(); err != nil && u.Status() == danzohttp.StatusErrored {
			info.Error = err
			m.errors = append(m.errors, ErrorReport{
				Name:        u.URL(),
				Destination: u.Destination(),
				StatusCode:  u.StatusCode(),
				Error:       err,
				Time:        time.Now(),
			})
		}
	})
}

func (m *Manager) Changed(u *danzohttp.Unit, field danzohttp.Field) {
	m.update(u, func(info *UnitOutput) {
		if field == danzohttp.FieldDestination && info.Active {
			info.Message = fmt.Sprintf("Downloading %s", u.Destination())
		}
	})
}

func (m *Manager) update(u *danzohttp.Unit, fn func(info *UnitOutput)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	info, exists := m.outputs[u.ID()]
	if !exists {
		return
	}
	fn(info)
	info.LastUpdated = time.Now()
}

// Get returns a copy of the current record of a unit.
func (m *Manager) Get(id string) (UnitOutput, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	info, exists := m.outputs[id]
	if !exists {
		return UnitOutput{}, false
	}
	return *info, true
}

func describe(u *danzohttp.Unit) (status, message string) {
	switch u.Status() {
	case danzohttp.StatusCompleted:
		return "success", fmt.Sprintf("Completed %s (%s)", u.Destination(), utils.FormatBytes(uint64(u.BytesDownloaded())))
	case danzohttp.StatusErrored:
		return "error", fmt.Sprintf("Failed %s", u.Destination())
	case danzohttp.StatusPaused:
		return "warning", fmt.Sprintf("Paused %s at %.1f%%", u.Destination(), u.Progress())
	default:
		return "pending", ""
	}
}

func (m *Manager) GetStatusIndicator(status string) string {
	switch status {
	case "success", "pass":
		return successStyle.Render(StyleSymbols["pass"])
	case "error", "fail":
		return errorStyle.Render(StyleSymbols["fail"])
	case "warning":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func styleMessage(status, message string) string {
	switch status {
	case "success":
		return successStyle.Render(message)
	case "error":
		return errorStyle.Render(message)
	case "warning":
		return warningStyle.Render(message)
	default:
		return pendingStyle.Render(message)
	}
}

func (m *Manager) sortOutputs() (active, pending, done []*UnitOutput) {
	var all []*UnitOutput
	for _, info := range m.outputs {
		all = append(all, info)
	}
	slices.SortFunc(all, func(a, b *UnitOutput) int { return a.Index - b.Index })
	for _, info := range all {
		switch {
		case info.Active:
			active = append(active, info)
		case info.Status == "pending":
			pending = append(pending, info)
		default:
			done = append(done, info)
		}
	}
	return active, pending, done
}

// progressLine is the stream line under an active unit.
func progressLine(u *danzohttp.Unit) string {
	downloaded := u.BytesDownloaded()
	var b strings.Builder
	total, known := u.TotalBytes()
	if known && total > 0 {
		b.WriteString(PrintProgressBar(downloaded, total, 30))
		b.WriteString(debugStyle.Render(fmt.Sprintf("%s / %s", utils.FormatBytes(uint64(downloaded)), utils.FormatBytes(uint64(total)))))
	} else {
		b.WriteString(debugStyle.Render(utils.FormatBytes(uint64(downloaded))))
	}
	if speed, ok := u.Speed(); ok {
		b.WriteString(fmt.Sprintf(" %s %s", StyleSymbols["bullet"], debugStyle.Render(utils.FormatSpeed(speed, 1))))
	}
	if eta, ok := u.ETA(); ok {
		b.WriteString(fmt.Sprintf(" %s %s", StyleSymbols["bullet"], debugStyle.Render("ETA "+utils.FormatETA(eta))))
	}
	b.WriteString(fmt.Sprintf(" %s %s", StyleSymbols["bullet"], debugStyle.Render(fmt.Sprintf("%d/%d conns", u.ActiveConnections(), u.ConnectionLimit()))))
	return b.String()
}

func (m *Manager) updateDisplay() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	availableLines := getTerminalHeight() - 3
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	lineCount := 0
	active, pending, done := m.sortOutputs()

	needed := 2*len(active) + len(pending) + len(done)
	if needed > availableLines {
		keep := max(availableLines-2*len(active)-len(pending), 0)
		if len(done) > keep {
			done = done[len(done)-keep:]
		}
	}

	indent := strings.Repeat(" ", 2)
	for _, info := range active {
		if lineCount >= availableLines {
			break
		}
		elapsed := time.Since(info.StartTime).Round(time.Second)
		fmt.Fprintf(m.out, "%s%s %s %s\n", indent, m.GetStatusIndicator(info.Status), debugStyle.Render(elapsed.String()), styleMessage(info.Status, info.Message))
		lineCount++
		if lineCount < availableLines {
			fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2+4), streamStyle.Render(progressLine(info.Unit)))
			lineCount++
		}
	}
	for _, info := range pending {
		if lineCount >= availableLines {
			break
		}
		fmt.Fprintf(m.out, "%s%s %s\n", indent, m.GetStatusIndicator(info.Status), pendingStyle.Render("Waiting... "+info.Unit.URL()))
		lineCount++
	}
	if len(done) > 10 && lineCount < availableLines {
		fmt.Fprintln(m.out, infoStyle.Render(fmt.Sprintf("%s%d downloads finished with varying hidden status ...", indent, len(done)-8)))
		done = done[len(done)-8:]
		lineCount++
	}
	for _, info := range done {
		if lineCount >= availableLines {
			break
		}
		total := info.LastUpdated.Sub(info.StartTime).Round(time.Second)
		fmt.Fprintf(m.out, "%s%s %s %s\n", indent, m.GetStatusIndicator(info.Status), debugStyle.Render(total.String()), styleMessage(info.Status, info.Message))
		lineCount++
	}
	m.numLines = lineCount
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.updateDisplay()
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Bold(true).Render("Errors:"))
	for i, report := range m.errors {
		fmt.Fprintf(m.out, "%s%s %s %s\n",
			strings.Repeat(" ", 2+2),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", report.Time.Format("15:04:05"))),
			errorStyle.Render(report.Name))
		fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2+4), detailStyle.Render(reportDetail(report)))
		for _, line := range wrapText(fmt.Sprintf("Error: %v", report.Error), 2+4) {
			fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2+4), errorStyle.Render(line))
		}
	}
}

func reportDetail(report ErrorReport) string {
	detail := fmt.Sprintf("%s %s", StyleSymbols["arrow"], report.Destination)
	if report.StatusCode != 0 {
		detail += fmt.Sprintf(" (HTTP %d)", report.StatusCode)
	}
	return detail
}

// Summary counts the observed units by display status.
func (m *Manager) Summary() (completed, failed, paused, total int) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, info := range m.outputs {
		switch info.Status {
		case "success":
			completed++
		case "error":
			failed++
		case "warning":
			paused++
		}
	}
	return completed, failed, paused, len(m.outputs)
}

func (m *Manager) ShowSummary() {
	completed, failed, paused, total := m.Summary()
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+headerStyle.Render("Download summary"))
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+success2Style.Render(fmt.Sprintf("Completed %d of %d", completed, total)))
	if paused > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+warningStyle.Render(fmt.Sprintf("Paused %d of %d (run resume to continue)", paused, total)))
	}
	if failed > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, total)))
	}
	m.displayErrors()
	fmt.Fprintln(m.out)
}
