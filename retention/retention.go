// retention/retention.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package retention decides which historical versions of a file are kept
// when a repository is trimmed.
package retention

import (
	"sort"
	"time"

	"github.com/mmp/bkstore/repo"
)

// Policy decides, one version at a time, which versions of a path to
// keep. Versions are offered newest first.
type Policy interface {
	// KeepFile reports whether candidate should be kept, given the most
	// recent version kept so far (nil if none) and whether the path is
	// currently deleted.
	KeepFile(candidate repo.File, previouslyKept *repo.File, deleted bool) bool

	// MaximumVersions returns the most versions of a path to keep, or
	// zero for no limit.
	MaximumVersions() int

	// DeletedImmediate reports whether all versions of a deleted path
	// are dropped right away.
	DeletedImmediate() bool
}

// Tier thins out versions once they're older than ValidAfter, keeping
// at most one version per Frequency.
type Tier struct {
	ValidAfter time.Duration `yaml:"valid_after"`
	Frequency  time.Duration `yaml:"frequency"`
}

// Rules is the standard Policy.
type Rules struct {
	// Versions older than this are dropped, except for the current
	// version of a live file. Zero keeps them forever.
	Retention time.Duration `yaml:"retention"`
	// Minimum spacing between kept versions.
	Frequency time.Duration `yaml:"frequency"`
	// Coarser spacing for older versions.
	Older []Tier `yaml:"older"`
	// How long versions of a deleted file survive. Zero keeps them
	// (subject to the rules above) forever.
	RetainDeleted     time.Duration `yaml:"retain_deleted"`
	DeleteImmediately bool          `yaml:"delete_immediately"`
	MaxVersions       int           `yaml:"max_versions"`

	// Returns the current time; time.Now if nil.
	Clock func() time.Time `yaml:"-"`
}

var _ Policy = (*Rules)(nil)

// KeepAll is a Policy that never drops anything.
var KeepAll Policy = &Rules{}

func (r *Rules) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *Rules) KeepFile(candidate repo.File, prev *repo.File, deleted bool) bool {
	if deleted {
		if r.DeleteImmediately {
			return false
		}
	} else if prev == nil {
		// The current version of a live file is always kept.
		return true
	}

	age := r.now().Sub(candidate.Added)
	if deleted && r.RetainDeleted > 0 {
		since := age
		if candidate.Deleted != nil {
			since = r.now().Sub(*candidate.Deleted)
		}
		if since > r.RetainDeleted {
			return false
		}
	}
	if prev != nil && r.Retention > 0 && age > r.Retention {
		return false
	}
	if prev != nil {
		if freq := r.frequency(age); freq > 0 && prev.Added.Sub(candidate.Added) < freq {
			return false
		}
	}
	return true
}

// frequency returns the minimum spacing between kept versions of the
// given age.
func (r *Rules) frequency(age time.Duration) time.Duration {
	tiers := append([]Tier(nil), r.Older...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].ValidAfter < tiers[j].ValidAfter })
	freq := r.Frequency
	for _, t := range tiers {
		if age >= t.ValidAfter {
			freq = t.Frequency
		}
	}
	return freq
}

func (r *Rules) MaximumVersions() int {
	return r.MaxVersions
}

func (r *Rules) DeletedImmediate() bool {
	return r.DeleteImmediately
}
