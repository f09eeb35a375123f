package status

import (
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// LogSink writes the current text of every line to klog at a fixed interval.
// It is meant for non-interactive runs where a live terminal UI is unreadable.
type LogSink struct {
	mu    sync.Mutex
	lines []*text
	stop  chan struct{}
	done  chan struct{}
}

func NewLogSink(interval time.Duration) *LogSink {
	s := &LogSink{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.loop(interval)
	return s
}

func (s *LogSink) NewLine(Style) Line {
	line := newText()
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
	return line
}

func (s *LogSink) loop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			s.flush()
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *LogSink) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range s.lines {
		if msg := line.Message(); msg != "" {
			if prefix := line.Prefix(); prefix != "" {
				klog.Infof("%s %s", prefix, msg)
			} else {
				klog.Info(msg)
			}
		}
	}
}

func (s *LogSink) Close() {
	close(s.stop)
	<-s.done
}
