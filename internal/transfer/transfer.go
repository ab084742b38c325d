// Package transfer copies named fields between two record collections that
// share identifiers.
package transfer

import (
	"bytes"
	"log/slog"

	"github.com/Fuabioo/recmerge/internal/record"
)

// Policy decides what happens when a target record already has a field.
type Policy int

const (
	// Overwrite replaces existing target values. It is the zero value.
	Overwrite Policy = iota
	// FillMissing only writes fields the target record lacks.
	FillMissing
)

func (p Policy) String() string {
	if p == FillMissing {
		return "fill-missing"
	}
	return "overwrite"
}

// Skip reasons.
const (
	ReasonIDNotFound    = "identifier not found in source"
	ReasonFieldNotFound = "field not found in source"
)

// Skip records one identifier or (identifier, field) pair that could not
// be transferred. Field is empty when the whole identifier was skipped.
type Skip struct {
	ID     string `json:"id"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// Result describes a completed transfer.
type Result struct {
	Count  int    // fields actually copied
	Output string // path the target was written to
	Skips  []Skip
}

// Request describes one transfer.
type Request struct {
	Source string
	Target string
	// Output is where the merged target is written. Empty means Target
	// is overwritten in place.
	Output string
	Fields []string
	Policy Policy
}

// OutputPath returns Output, falling back to Target.
func (r Request) OutputPath() string {
	if r.Output != "" {
		return r.Output
	}
	return r.Target
}

// Merger runs transfers between files on disk.
type Merger struct {
	logger *slog.Logger
}

// New returns a Merger that reports skipped entries on logger.
// A nil logger discards them.
func New(logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Merger{logger: logger}
}

// Transfer loads req.Source and req.Target, copies req.Fields from every
// source record into the target record with the same identifier, and
// writes the target to req.OutputPath().
//
// Loading both inputs happens before anything is written, so a missing or
// malformed input leaves every file untouched.
func (m *Merger) Transfer(req Request) (Result, error) {
	source, err := record.Load(req.Source)
	if err != nil {
		return Result{}, classify(req.Source, err)
	}
	target, err := record.Load(req.Target)
	if err != nil {
		return Result{}, classify(req.Target, err)
	}

	res := Merge(source, target, req.Fields, req.Policy)
	for _, s := range res.Skips {
		if s.Field == "" {
			m.logger.Warn(s.Reason, "id", s.ID)
		} else {
			m.logger.Warn(s.Reason, "id", s.ID, "field", s.Field)
		}
	}

	out := req.OutputPath()
	if err := record.WriteFile(out, target); err != nil {
		return Result{}, &Error{Kind: KindUnexpected, Path: out, Err: err}
	}
	res.Output = out

	m.logger.Debug("transfer complete",
		"source", req.Source,
		"target", req.Target,
		"output", out,
		"policy", req.Policy.String(),
		"count", res.Count,
		"skipped", len(res.Skips))

	return res, nil
}

// BatchTransfer is Transfer with the policy forced to Overwrite.
func (m *Merger) BatchTransfer(req Request) (Result, error) {
	req.Policy = Overwrite
	return m.Transfer(req)
}

// Merge copies fields from source into target in place and returns the
// number of copied fields and the skipped entries. Identifiers that exist
// only in source are ignored, so the target identifier set never changes.
// Values are copied shallowly as raw JSON.
func Merge(source, target *record.Collection, fields []string, policy Policy) Result {
	var res Result
	for _, id := range target.IDs() {
		src, ok := source.Get(id)
		if !ok {
			res.Skips = append(res.Skips, Skip{ID: id, Reason: ReasonIDNotFound})
			continue
		}
		dst, _ := target.Get(id)

		for _, field := range fields {
			value, ok := src.Get(field)
			if !ok {
				res.Skips = append(res.Skips, Skip{ID: id, Field: field, Reason: ReasonFieldNotFound})
				continue
			}
			if _, present := dst.Get(field); present && policy == FillMissing {
				continue
			}
			dst.Set(field, bytes.Clone(value))
			res.Count++
		}
	}
	return res
}
