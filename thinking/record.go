package thinking

import (
	"fmt"
	"sort"
)

// ThoughtRecord is one step of a reasoning task together with its sequencing
// and branching metadata. Field names follow the sequentialthinking tool
// arguments.
type ThoughtRecord struct {
	ThoughtNumber     int     `json:"thoughtNumber"`
	TotalThoughts     int     `json:"totalThoughts"`
	Thought           string  `json:"thought"`
	IsRevision        bool    `json:"isRevision"`
	RevisesThought    *int    `json:"revisesThought,omitempty"`
	BranchFromThought *int    `json:"branchFromThought,omitempty"`
	BranchID          *string `json:"branchId,omitempty"`
	NextThoughtNeeded bool    `json:"nextThoughtNeeded"`
}

// mainLine reports whether the record advances the main sequence, as opposed
// to revising an earlier thought or exploring a branch.
func (r ThoughtRecord) mainLine() bool {
	return !r.IsRevision && r.BranchID == nil
}

// branchKey returns the branch the record belongs to, if any. Both branchId
// and branchFromThought must be present.
func (r ThoughtRecord) branchKey() (string, bool) {
	if r.BranchID == nil || r.BranchFromThought == nil || *r.BranchID == "" {
		return "", false
	}
	return *r.BranchID, true
}

// StepInput is what a caller submits for one step. Thought may be empty, in
// which case the orchestrator generates it. A nil NextThoughtNeeded means
// true.
type StepInput struct {
	Prompt            string  `json:"prompt,omitempty"`
	ThoughtNumber     int     `json:"thoughtNumber"`
	TotalThoughts     int     `json:"totalThoughts"`
	Thought           string  `json:"thought,omitempty"`
	IsRevision        bool    `json:"isRevision,omitempty"`
	RevisesThought    *int    `json:"revisesThought,omitempty"`
	BranchFromThought *int    `json:"branchFromThought,omitempty"`
	BranchID          *string `json:"branchId,omitempty"`
	NextThoughtNeeded *bool   `json:"nextThoughtNeeded,omitempty"`
}

// normalize validates the input and applies the numeric policy: totalThoughts
// is clamped to [MinThoughts, MaxThoughts], raised to thoughtNumber when the
// caller ran past it, and nextThoughtNeeded is forced off at the last step or
// at the step ceiling.
func normalize(in StepInput, opts Options) (ThoughtRecord, error) {
	if in.ThoughtNumber < 1 {
		return ThoughtRecord{}, fmt.Errorf("%w: thoughtNumber must be at least 1, got %d", ErrInvalidStep, in.ThoughtNumber)
	}
	if in.RevisesThought != nil && *in.RevisesThought < 1 {
		return ThoughtRecord{}, fmt.Errorf("%w: revisesThought must be at least 1", ErrInvalidStep)
	}
	if in.BranchFromThought != nil && *in.BranchFromThought < 1 {
		return ThoughtRecord{}, fmt.Errorf("%w: branchFromThought must be at least 1", ErrInvalidStep)
	}

	total := in.TotalThoughts
	if total < opts.MinThoughts {
		total = opts.MinThoughts
	}
	if total > opts.MaxThoughts {
		total = opts.MaxThoughts
	}
	if in.ThoughtNumber > total {
		total = in.ThoughtNumber
	}

	next := true
	if in.NextThoughtNeeded != nil {
		next = *in.NextThoughtNeeded
	}
	if in.ThoughtNumber >= total || in.ThoughtNumber >= opts.MaxSteps {
		next = false
	}

	return ThoughtRecord{
		ThoughtNumber:     in.ThoughtNumber,
		TotalThoughts:     total,
		Thought:           in.Thought,
		IsRevision:        in.IsRevision,
		RevisesThought:    copyInt(in.RevisesThought),
		BranchFromThought: copyInt(in.BranchFromThought),
		BranchID:          copyString(in.BranchID),
		NextThoughtNeeded: next,
	}, nil
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyRecords(records []ThoughtRecord) []ThoughtRecord {
	out := make([]ThoughtRecord, len(records))
	for i, r := range records {
		r.RevisesThought = copyInt(r.RevisesThought)
		r.BranchFromThought = copyInt(r.BranchFromThought)
		r.BranchID = copyString(r.BranchID)
		out[i] = r
	}
	return out
}

func branchNames(branches map[string][]ThoughtRecord) []string {
	names := make([]string, 0, len(branches))
	for name := range branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
