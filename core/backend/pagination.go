package backend

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// rangeUnit is the unit used in Range and Content-Range headers.
const rangeUnit = "entities"

// pageRange is a requested pagination window. lastPage requests the
// final window of the collection; its offset can only be computed once
// the total count is known. explicit records whether the client asked
// for a window at all; only explicit windows can be unsatisfiable.
type pageRange struct {
	offset   int
	limit    int
	lastPage bool
	explicit bool
}

/*parsePageRange determines the requested window of a collection request.

Clients can either pass limit and offset query parameters, or a Range
header in the form

	Range: entities=0-9

which selects entities 0 through 9 inclusive. The suffix form

	Range: entities=-10

selects the last 10 entities of the collection. The effective limit is
capped at the resource's maximum.
*/
func parsePageRange(r *http.Request, defaultLimit, maxLimit int) (pageRange, error) {
	page := pageRange{limit: defaultLimit}

	if header := r.Header.Get("Range"); header != "" {
		page.explicit = true
		spec, ok := strings.CutPrefix(header, rangeUnit+"=")
		if !ok {
			return page, fmt.Errorf("unsupported range unit in %q", header)
		}
		if suffix, ok := strings.CutPrefix(spec, "-"); ok {
			limit, err := strconv.Atoi(suffix)
			if err != nil || limit < 1 {
				return page, fmt.Errorf("cannot parse range %q", header)
			}
			page.lastPage = true
			page.limit = min(limit, maxLimit)
			return page, nil
		}
		first, last, ok := strings.Cut(spec, "-")
		if !ok {
			return page, fmt.Errorf("cannot parse range %q", header)
		}
		from, err := strconv.Atoi(first)
		if err != nil || from < 0 {
			return page, fmt.Errorf("cannot parse range %q", header)
		}
		to, err := strconv.Atoi(last)
		if err != nil || to < from {
			return page, fmt.Errorf("cannot parse range %q", header)
		}
		page.offset = from
		page.limit = min(to-from+1, maxLimit)
		return page, nil
	}

	query := r.URL.Query()
	if value := query.Get("limit"); value != "" {
		page.explicit = true
		limit, err := strconv.Atoi(value)
		if err != nil || limit < 1 {
			return page, fmt.Errorf("parameter limit out of range")
		}
		page.limit = min(limit, maxLimit)
	}
	if value := query.Get("offset"); value != "" {
		page.explicit = true
		offset, err := strconv.Atoi(value)
		if err != nil || offset < 0 {
			return page, fmt.Errorf("parameter offset out of range")
		}
		page.offset = offset
	}
	return page, nil
}

// resolve computes the effective offset once the total count is known.
// The last-page window starts at totalCount minus limit, clamped to
// zero when the collection is smaller than one page.
func (p pageRange) resolve(totalCount int) pageRange {
	if p.lastPage {
		p.offset = max(totalCount-p.limit, 0)
		p.lastPage = false
	}
	return p
}

// writeContentRange writes the pagination headers and the 206 status.
// An empty window is unsatisfiable and yields 416 with the total range.
// The caller must not write a body after a 416.
func writeContentRange(w http.ResponseWriter, offset, count, totalCount int) bool {
	w.Header().Set("Accept-Ranges", rangeUnit)
	if count == 0 {
		w.Header().Set("Content-Range", fmt.Sprintf("%s */%d", rangeUnit, totalCount))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return false
	}
	w.Header().Set("Content-Range",
		fmt.Sprintf("%s %d-%d/%d", rangeUnit, offset, offset+count-1, totalCount))
	return true
}
