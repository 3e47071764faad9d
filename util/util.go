// util/util.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"sync"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// Progress

// Progress periodically logs how many items a long-running sweep has
// processed out of an expected total, along with the processing rate.
// It is safe for concurrent use.
type Progress struct {
	Msg   string
	Total int64
	Every time.Duration
	Log   *Logger

	mu        sync.Mutex
	start     time.Time
	last      time.Time
	processed int64
}

const defaultReportFrequency = 30 * time.Second

// Add records n more processed items, logging if enough time has passed
// since the previous report.
func (p *Progress) Add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.start.IsZero() {
		p.start = now
		p.last = now
	}
	p.processed += n

	every := p.Every
	if every == 0 {
		every = defaultReportFrequency
	}
	if now.Sub(p.last) >= every {
		p.report("")
		p.last = now
	}
}

// Processed returns the number of items recorded so far.
func (p *Progress) Processed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}

// Done logs a final report.
func (p *Progress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.report("Finished. ")
}

func (p *Progress) report(prefix string) {
	delta := time.Since(p.start)
	perSec := 0.
	if delta > 0 {
		perSec = float64(p.processed) / delta.Seconds()
	}
	if p.Total > 0 {
		p.Log.Verbose("%s%s %d / %d (%.1f%%) [%.1f/s]", prefix, p.Msg,
			p.processed, p.Total, 100.*float64(p.processed)/float64(p.Total), perSec)
	} else {
		p.Log.Verbose("%s%s %d [%.1f/s]", prefix, p.Msg, p.processed, perSec)
	}
}

///////////////////////////////////////////////////////////////////////////
// Utility Functions

func FmtBytes(n int64) string {
	if n >= 1024*1024*1024*1024 {
		return fmt.Sprintf("%.2f TiB", float64(n)/(1024.*1024.*
			1024.*1024.))
	} else if n >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GiB", float64(n)/(1024.*1024.*
			1024.))
	} else if n > 1024*1024 {
		return fmt.Sprintf("%.2f MiB", float64(n)/(1024.*1024.))
	} else if n > 1024 {
		return fmt.Sprintf("%.2f kiB", float64(n)/1024.)
	} else {
		return fmt.Sprintf("%d B", n)
	}
}
