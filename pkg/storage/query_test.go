package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApply(t *testing.T) {
	items := []int{1, 2, 3, 4}

	tests := []struct {
		name string
		page Page
		want []int
	}{
		{name: "no limit", page: Page{}, want: []int{1, 2, 3, 4}},
		{name: "limit", page: Page{Limit: 2}, want: []int{1, 2}},
		{name: "offset and limit", page: Page{Offset: 1, Limit: 2}, want: []int{2, 3}},
		{name: "offset past the end", page: Page{Offset: 4, Limit: 2}, want: []int{}},
		{name: "negative offset", page: Page{Offset: -1, Limit: 2}, want: []int{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Apply(items, tt.page))
		})
	}
}
