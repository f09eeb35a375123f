package status

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Progress renders every line as a live terminal bar.
type Progress struct {
	progress *mpb.Progress
	mu       sync.Mutex
	bars     []*mpb.Bar
}

func NewProgress(out io.Writer) *Progress {
	return &Progress{
		progress: mpb.New(
			mpb.WithOutput(out),
			mpb.WithRefreshRate(100*time.Millisecond),
			mpb.WithWidth(1),
		),
	}
}

func (p *Progress) NewLine(style Style) Line {
	line := newText()
	var bar *mpb.Bar
	switch style {
	case StyleSpinner:
		bar = p.progress.New(0,
			mpb.SpinnerStyle().PositionLeft(),
			mpb.PrependDecorators(
				decor.Any(func(decor.Statistics) string { return line.Prefix() }, decor.WCSyncSpaceR),
			),
			mpb.AppendDecorators(
				decor.Any(func(decor.Statistics) string { return line.Message() }),
			),
		)
	default:
		startedAt := time.Now()
		bar = p.progress.New(0,
			mpb.NopStyle(),
			mpb.PrependDecorators(
				decor.Any(func(decor.Statistics) string { return "[" + formatElapsed(time.Since(startedAt)) + "]" }, decor.WCSyncSpaceR),
			),
			mpb.AppendDecorators(
				decor.Any(func(decor.Statistics) string { return line.Message() }),
			),
		)
	}
	p.mu.Lock()
	p.bars = append(p.bars, bar)
	p.mu.Unlock()
	return line
}

// Close stops rendering and leaves the last frame on screen.
func (p *Progress) Close() {
	p.mu.Lock()
	for _, bar := range p.bars {
		bar.Abort(false)
	}
	p.mu.Unlock()
	p.progress.Wait()
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
