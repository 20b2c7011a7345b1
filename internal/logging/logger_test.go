package logging

import "testing"

func TestParseFilter(t *testing.T) {
	cases := []struct {
		name    string
		value   string
		enabled []Category
		off     []Category
	}{
		{"empty disables all", "", nil, allCategories},
		{"false disables all", "false", nil, allCategories},
		{"true enables all", "true", allCategories, nil},
		{"one enables all", "1", allCategories, nil},
		{
			"csv picks categories", "lifecycle, state",
			[]Category{CatLifecycle, CatState},
			[]Category{CatMessages, CatPerformance, CatRooms, CatWebsocket},
		},
		{
			"unknown names ignored", "lifecycle,bogus",
			[]Category{CatLifecycle},
			[]Category{CatMessages},
		},
		{
			"case insensitive", "LIFECYCLE",
			[]Category{CatLifecycle},
			nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := ParseFilter(tc.value)
			for _, c := range tc.enabled {
				if !f.Enabled(c) {
					t.Errorf("category %q should be enabled", c)
				}
			}
			for _, c := range tc.off {
				if f.Enabled(c) {
					t.Errorf("category %q should be disabled", c)
				}
			}
		})
	}
}

func TestNilFilterDisabled(t *testing.T) {
	var f *Filter
	if f.Enabled(CatLifecycle) {
		t.Error("nil filter must disable all categories")
	}
}

func TestComponentLoggerFiltered(t *testing.T) {
	log := New(false)
	cl := log.ForComponent("Counter#1", ParseFilter("false"))
	// Must not panic even though every category is filtered out.
	cl.Log(CatLifecycle, "mounted")
	cl.Log(CatState, "updated", "key", "count")
}
