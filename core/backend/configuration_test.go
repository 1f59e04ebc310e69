package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseConfiguration(t *testing.T) {
	config, err := parseConfiguration(`{
		"resources": [
			{"resource": "user"},
			{"resource": "user/address"},
			{"resource": "user/profile", "singleton": true},
			{"resource": "group"}
		],
		"relations": [
			{"left": "user", "right": "group"}
		]
	}`)
	assert.NoError(t, err)
	assert.Len(t, config.Resources, 4)
	assert.Equal(t, "user:group", config.Relations[0].Name())

	// limits get their defaults
	assert.Equal(t, defaultPageLimit, config.Resources[0].DefaultLimit)
	assert.Equal(t, maxPageLimit, config.Resources[0].MaxLimit)
}

func TestParseConfigurationErrors(t *testing.T) {
	cases := []struct {
		name   string
		config string
	}{
		{"duplicate resource", `{"resources": [{"resource": "user"}, {"resource": "user"}]}`},
		{"child before owner", `{"resources": [{"resource": "user/address"}, {"resource": "user"}]}`},
		{"root singleton", `{"resources": [{"resource": "user", "singleton": true}]}`},
		{"limit above maximum", `{"resources": [{"resource": "user", "default_limit": 100, "max_limit": 50}]}`},
		{"indexed but not indexable", `{"resources": [{"resource": "user", "indexed_properties": ["name"]}]}`},
		{"reserved indexed property", `{"resources": [{"resource": "user", "indexable": true, "indexed_properties": ["_all"]}]}`},
		{"relation with unknown resource", `{"resources": [{"resource": "user"}], "relations": [{"left": "user", "right": "group"}]}`},
		{"relation below root", `{"resources": [{"resource": "user"}, {"resource": "user/address"}],
			"relations": [{"left": "user", "right": "user/address"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseConfiguration(tc.config)
			assert.Error(t, err)
		})
	}
}
