package backend

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func pageRequest(t *testing.T, rangeHeader, rawQuery string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, "/things?"+rawQuery, nil)
	assert.NoError(t, err)
	if rangeHeader != "" {
		r.Header.Set("Range", rangeHeader)
	}
	return r
}

func TestParsePageRangeDefaults(t *testing.T) {
	page, err := parsePageRange(pageRequest(t, "", ""), 10, 50)
	assert.NoError(t, err)
	assert.Equal(t, 0, page.offset)
	assert.Equal(t, 10, page.limit)
	assert.False(t, page.lastPage)
	assert.False(t, page.explicit)
}

func TestParsePageRangeHeader(t *testing.T) {
	page, err := parsePageRange(pageRequest(t, "entities=0-9", ""), 10, 50)
	assert.NoError(t, err)
	assert.Equal(t, 0, page.offset)
	assert.Equal(t, 10, page.limit)
	assert.True(t, page.explicit)

	page, err = parsePageRange(pageRequest(t, "entities=20-29", ""), 10, 50)
	assert.NoError(t, err)
	assert.Equal(t, 20, page.offset)
	assert.Equal(t, 10, page.limit)

	// window larger than the maximum gets capped
	page, err = parsePageRange(pageRequest(t, "entities=0-99", ""), 10, 50)
	assert.NoError(t, err)
	assert.Equal(t, 50, page.limit)

	_, err = parsePageRange(pageRequest(t, "bytes=0-9", ""), 10, 50)
	assert.Error(t, err)
	_, err = parsePageRange(pageRequest(t, "entities=9-0", ""), 10, 50)
	assert.Error(t, err)
}

func TestParsePageRangeLastPage(t *testing.T) {
	page, err := parsePageRange(pageRequest(t, "entities=-10", ""), 10, 50)
	assert.NoError(t, err)
	assert.True(t, page.lastPage)
	assert.Equal(t, 10, page.limit)

	resolved := page.resolve(25)
	assert.Equal(t, 15, resolved.offset)
	assert.False(t, resolved.lastPage)

	// collection smaller than one page starts at the beginning
	resolved = page.resolve(5)
	assert.Equal(t, 0, resolved.offset)
}

func TestParsePageRangeParameters(t *testing.T) {
	page, err := parsePageRange(pageRequest(t, "", "limit=5&offset=20"), 10, 50)
	assert.NoError(t, err)
	assert.Equal(t, 20, page.offset)
	assert.Equal(t, 5, page.limit)
	assert.True(t, page.explicit)

	page, err = parsePageRange(pageRequest(t, "", "limit=500"), 10, 50)
	assert.NoError(t, err)
	assert.Equal(t, 50, page.limit)

	_, err = parsePageRange(pageRequest(t, "", "limit=0"), 10, 50)
	assert.Error(t, err)
	_, err = parsePageRange(pageRequest(t, "", "offset=-1"), 10, 50)
	assert.Error(t, err)
}

func TestWriteContentRange(t *testing.T) {
	rec := httptest.NewRecorder()
	ok := writeContentRange(rec, 0, 10, 25)
	assert.True(t, ok)
	assert.Equal(t, "entities 0-9/25", rec.Header().Get("Content-Range"))
	assert.Equal(t, "entities", rec.Header().Get("Accept-Ranges"))

	rec = httptest.NewRecorder()
	ok = writeContentRange(rec, 20, 5, 25)
	assert.True(t, ok)
	assert.Equal(t, "entities 20-24/25", rec.Header().Get("Content-Range"))

	// a window beyond the collection is unsatisfiable
	rec = httptest.NewRecorder()
	ok = writeContentRange(rec, 30, 0, 25)
	assert.False(t, ok)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "entities */25", rec.Header().Get("Content-Range"))
}
