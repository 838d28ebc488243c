package schedule

import "fmt"

// DiffMode selects how two hash collections are compared.
type DiffMode string

const (
	// DiffByHashValue marks a date changed when its new hash is absent from
	// every hash of the old collection, regardless of date.
	DiffByHashValue DiffMode = "hash"

	// DiffByDatePair marks a date changed when its new hash differs from the
	// old hash stored for the same date, or the date is new.
	DiffByDatePair DiffMode = "date"
)

// Differ computes the dates that changed between two hash collections.
type Differ func(old, current []DateHash) []Date

// DifferFor returns the Differ for mode.
func DifferFor(mode DiffMode) (Differ, error) {
	switch mode {
	case DiffByHashValue, "":
		return Diff, nil
	case DiffByDatePair:
		return DiffByDate, nil
	default:
		return nil, fmt.Errorf("unknown diff mode %q", mode)
	}
}

// Diff returns, in ascending order, the dates of current whose hash does not
// appear anywhere among the hash values of old. Dates present only in old are
// never reported. The result does not depend on the order of either input.
func Diff(old, current []DateHash) []Date {
	known := make(map[string]struct{}, len(old))
	for _, h := range old {
		known[h.Hash] = struct{}{}
	}

	changed := make(map[Date]struct{})
	for _, h := range current {
		if _, ok := known[h.Hash]; !ok {
			changed[h.Date] = struct{}{}
		}
	}
	return sortedDates(changed)
}

// DiffByDate returns, in ascending order, the dates of current whose hash differs
// from the hash old holds for the same date, including dates old lacks.
func DiffByDate(old, current []DateHash) []Date {
	previous := make(map[Date]map[string]struct{}, len(old))
	for _, h := range old {
		if previous[h.Date] == nil {
			previous[h.Date] = make(map[string]struct{}, 1)
		}
		previous[h.Date][h.Hash] = struct{}{}
	}

	changed := make(map[Date]struct{})
	for _, h := range current {
		if _, ok := previous[h.Date][h.Hash]; !ok {
			changed[h.Date] = struct{}{}
		}
	}
	return sortedDates(changed)
}

func sortedDates(set map[Date]struct{}) []Date {
	dates := make([]Date, 0, len(set))
	for d := range set {
		dates = append(dates, d)
	}
	SortDates(dates)
	return dates
}
