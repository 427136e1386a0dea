package git

import (
	"bytes"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// minSampleInterval is the shortest window used for an instantaneous speed sample.
const minSampleInterval = 10 * time.Millisecond

var (
	// "Writing objects:  45% (9/20), 1.20 MiB | 600.00 KiB/s"
	objectsProgressRe = regexp.MustCompile(`^(Enumerating|Counting|Compressing|Writing) objects:\s+(\d+)%\s+\((\d+)/(\d+)\)(?:,\s+([\d.]+)\s+(bytes|KiB|MiB|GiB))?`)
	// "Enumerating objects: 5, done."
	objectsCountRe = regexp.MustCompile(`^(Enumerating|Counting) objects:\s+(\d+)`)
)

var sizeUnits = map[string]float64{
	"bytes": 1,
	"KiB":   1 << 10,
	"MiB":   1 << 20,
	"GiB":   1 << 30,
}

// progressLine is one parsed line of `git push --progress` output.
type progressLine struct {
	stage    Stage
	current  int64
	total    int64
	bytes    int64
	hasBytes bool
}

// parseProgressLine extracts stage, object counts, and cumulative bytes from a
// git progress line. Lines that carry no progress return ok == false.
func parseProgressLine(line string) (progressLine, bool) {
	if m := objectsProgressRe.FindStringSubmatch(line); m != nil {
		current, _ := strconv.ParseInt(m[3], 10, 64)
		total, _ := strconv.ParseInt(m[4], 10, 64)

		p := progressLine{stage: StagePacking, current: current, total: total}
		if m[1] == "Writing" {
			p.stage = StageUploading
		}
		if m[5] != "" {
			if size, err := strconv.ParseFloat(m[5], 64); err == nil {
				p.bytes = int64(size * sizeUnits[m[6]])
				p.hasBytes = true
			}
		}
		return p, true
	}

	if m := objectsCountRe.FindStringSubmatch(line); m != nil {
		n, _ := strconv.ParseInt(m[2], 10, 64)
		return progressLine{stage: StagePacking, current: n, total: n}, true
	}

	return progressLine{}, false
}

// scanProgressLines splits git's progress stream on both carriage returns and
// newlines, since git redraws in-place progress with '\r'.
func scanProgressLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, bytes.TrimSpace(data[:i]), nil
	}
	if atEOF {
		return len(data), bytes.TrimSpace(data), nil
	}
	return 0, nil, nil
}

// throughputSampler tracks instantaneous, average, and peak transfer speed.
type throughputSampler struct {
	mu  sync.Mutex
	now func() time.Time

	start     time.Time
	lastTime  time.Time
	lastBytes int64
	bytes     int64

	instant float64
	avg     float64
	peak    float64
}

func newThroughputSampler(now func() time.Time) *throughputSampler {
	if now == nil {
		now = time.Now
	}
	start := now()
	return &throughputSampler{now: now, start: start, lastTime: start}
}

// observe records the cumulative byte count and returns the updated speeds.
// The instantaneous speed only moves once minSampleInterval has passed since
// the previous sample.
func (s *throughputSampler) observe(cumulative int64) (instant, avg, peak float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.bytes = cumulative

	if delta := now.Sub(s.lastTime); delta >= minSampleInterval {
		s.instant = float64(cumulative-s.lastBytes) / delta.Seconds()
		s.lastBytes = cumulative
		s.lastTime = now
	}

	if elapsed := now.Sub(s.start); elapsed > 0 {
		s.avg = float64(cumulative) / elapsed.Seconds()
	}

	if s.instant > s.peak {
		s.peak = s.instant
	}

	return s.instant, s.avg, s.peak
}

// snapshot returns the current state without sampling.
func (s *throughputSampler) snapshot() (bytesSent int64, instant, avg, peak float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes, s.instant, s.avg, s.peak
}
