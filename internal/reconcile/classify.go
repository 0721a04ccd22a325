// Package reconcile classifies identifiers observed on a listing page
// against what was seen before and what is stored.
package reconcile

import "optrack/internal/idset"

// Input holds the three identifier sets of one source.
type Input struct {
	// PreviouslySeen is the seen-set before this observation.
	PreviouslySeen idset.Set
	// Observed is what the listing shows now.
	Observed idset.Set
	// Stored is what the record store holds.
	Stored idset.Set

	// LiveOnlyMissing restricts MissingDetails to ids still listed.
	LiveOnlyMissing bool
}

// Result is the classification of one source.
type Result struct {
	// New ids are listed now but were never seen.
	New idset.Set
	// MissingDetails ids were seen but have no stored record.
	MissingDetails idset.Set
	// Archived ids are stored but no longer listed. They are kept, never deleted.
	Archived idset.Set
}

// Classify computes:
//
//	New            = Observed - PreviouslySeen
//	MissingDetails = PreviouslySeen - Stored          (∩ Observed if LiveOnlyMissing)
//	Archived       = Stored - Observed
//
// Nil sets are treated as empty.
func Classify(in Input) Result {
	missing := in.PreviouslySeen.Minus(in.Stored)
	if in.LiveOnlyMissing {
		missing = missing.Intersect(in.Observed)
	}
	return Result{
		New:            in.Observed.Minus(in.PreviouslySeen),
		MissingDetails: missing,
		Archived:       in.Stored.Minus(in.Observed),
	}
}

// Summary is a loggable digest of a Result.
type Summary struct {
	New            int
	MissingDetails int
	Archived       int

	NewSample      []string
	MissingSample  []string
	ArchivedSample []string
}

// Summary returns the counts and the first n ids of each class in lexical order.
func (r Result) Summary(n int) Summary {
	return Summary{
		New:            r.New.Len(),
		MissingDetails: r.MissingDetails.Len(),
		Archived:       r.Archived.Len(),
		NewSample:      r.New.Sample(n),
		MissingSample:  r.MissingDetails.Sample(n),
		ArchivedSample: r.Archived.Sample(n),
	}
}

// ToFetch is every id whose details should be fetched: new ones plus those
// seen earlier whose details never arrived.
func (r Result) ToFetch() idset.Set {
	return r.New.Union(r.MissingDetails)
}
