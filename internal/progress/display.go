package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"s3drive/internal/checkpoint"
)

// Display renders aggregator snapshots on a terminal
type Display struct {
	aggregator *Aggregator
	out        io.Writer
	interval   time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	stopOnce   sync.Once
	lastLines  int
	started    time.Time
}

// NewDisplay creates a new progress display
func NewDisplay(aggregator *Aggregator, out io.Writer, interval time.Duration) *Display {
	if interval <= 0 {
		interval = time.Second
	}
	return &Display{
		aggregator: aggregator,
		out:        out,
		interval:   interval,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	d.started = time.Now()
	go d.displayLoop()
}

// Stop stops the display and prints a final summary
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.doneCh
	})
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.updateDisplay()
		case <-d.stopCh:
			d.finalDisplay()
			return
		}
	}
}

func (d *Display) updateDisplay() {
	lines := Render(d.aggregator.Snapshots())
	d.clearLines()
	fmt.Fprint(d.out, strings.Join(lines, "\n"))
	d.lastLines = len(lines)
}

func (d *Display) finalDisplay() {
	d.clearLines()
	snaps := d.aggregator.Snapshots()

	counts := make(map[checkpoint.TransferState]int)
	var bytes int64
	for _, s := range snaps {
		counts[s.State]++
		bytes += s.BytesTransferred
	}

	elapsed := time.Since(d.started).Round(time.Second)
	fmt.Fprintf(d.out, "\n%d transfers, %s moved in %s (%d completed, %d failed, %d paused, %d cancelled)\n",
		len(snaps), humanize.IBytes(uint64(bytes)), elapsed,
		counts[checkpoint.StateCompleted], counts[checkpoint.StateFailed],
		counts[checkpoint.StatePaused], counts[checkpoint.StateCancelled])
}

// clearLines moves the cursor back over the previous frame
func (d *Display) clearLines() {
	if d.lastLines > 1 {
		fmt.Fprintf(d.out, "\033[%dA", d.lastLines-1)
	}
	if d.lastLines > 0 {
		fmt.Fprint(d.out, "\r\033[J")
	}
}

// Render formats one line per snapshot
func Render(snaps []Snapshot) []string {
	lines := make([]string, 0, len(snaps))
	for _, s := range snaps {
		lines = append(lines, renderLine(s))
	}
	return lines
}

func renderLine(s Snapshot) string {
	id := s.TransferID
	if len(id) > 8 {
		id = id[:8]
	}

	line := fmt.Sprintf("%-8s %-9s %s %s/%s",
		id, s.State, progressBar(s.Percent(), 30),
		humanize.IBytes(uint64(s.BytesTransferred)), humanize.IBytes(uint64(s.Total)))

	if s.State == checkpoint.StateActive {
		line += fmt.Sprintf("  %s/s  ETA %s", humanize.IBytes(uint64(s.Speed)), FormatETA(s.ETA))
	}
	return line
}

// progressBar generates a visual progress bar
func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	return fmt.Sprintf("[%s] %5.1f%%", bar, percent)
}

// FormatETA formats an ETA, or "--" when unknown
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// IsTerminalSupported checks if stdout is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
