package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func requestWithQuery(query string) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/?"+query, nil)
}

func TestFromRequest_Defaults(t *testing.T) {
	p := FromRequest(requestWithQuery(""))

	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 20, p.PerPage)
	assert.Equal(t, 0, p.Offset)
}

func TestFromRequest_ExplicitValues(t *testing.T) {
	p := FromRequest(requestWithQuery("page=3&per_page=10"))

	assert.Equal(t, 3, p.Page)
	assert.Equal(t, 10, p.PerPage)
	assert.Equal(t, 20, p.Offset)
}

func TestFromRequest_InvalidValuesFallBack(t *testing.T) {
	p := FromRequest(requestWithQuery("page=abc&per_page=-5"))

	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 20, p.PerPage)
}

func TestFromRequest_PerPageCapped(t *testing.T) {
	p := FromRequest(requestWithQuery("per_page=500"))

	assert.Equal(t, 20, p.PerPage)
}

func TestNewResult(t *testing.T) {
	params := Params{Page: 2, PerPage: 10}
	result := NewResult([]string{"a", "b"}, 25, params)

	assert.Equal(t, []string{"a", "b"}, result.Data)
	assert.Equal(t, 25, result.TotalCount)
	assert.Equal(t, 2, result.Page)
	assert.Equal(t, 10, result.PerPage)
	assert.Equal(t, 3, result.TotalPages)
	assert.True(t, result.HasNext)
	assert.True(t, result.HasPrev)
}

func TestNewResult_FirstAndLastPage(t *testing.T) {
	first := NewResult([]int{1}, 30, Params{Page: 1, PerPage: 10})
	assert.True(t, first.HasNext)
	assert.False(t, first.HasPrev)

	last := NewResult([]int{1}, 30, Params{Page: 3, PerPage: 10})
	assert.False(t, last.HasNext)
	assert.True(t, last.HasPrev)
}

func TestNewResult_NilData(t *testing.T) {
	result := NewResult[string](nil, 0, DefaultParams())

	assert.NotNil(t, result.Data)
	assert.Empty(t, result.Data)
	assert.Zero(t, result.TotalPages)
}

func TestNewResult_ExactPageBoundary(t *testing.T) {
	result := NewResult([]int{1, 2}, 20, Params{Page: 1, PerPage: 10})

	assert.Equal(t, 2, result.TotalPages)
}
