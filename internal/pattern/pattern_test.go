package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		subject string
		want    bool
	}{
		{"empty matches all", "", "sensor.temp", true},
		{"star matches all", "*", "anything", true},
		{"exact", "sensor.temp", "sensor.temp", true},
		{"exact mismatch", "sensor.temp", "sensor.humidity", false},
		{"prefix", "sensor.*", "sensor.temp", true},
		{"prefix with nested segments", "sensor.*", "sensor.temp.updated", true},
		{"prefix mismatch", "sensor.*", "other.type", false},
		{"prefix requires literal dot", "sensor.*", "sensor", false},
		{"bare prefix", "sens*", "sensor", true},
		{"inner star is literal", "sensor.*.updated", "sensor.temp.updated", false},
		{"leading star is literal", "*.temp", "sensor.temp", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.subject))
		})
	}
}
