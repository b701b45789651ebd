package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsIdleFrame(t *testing.T) {
	for raw, want := range map[string]bool{
		`"idle"`:              true,
		`{"kind":"idle"}`:     true,
		`{"type":"IDLE"}`:     true,
		`{"status":"idle"}`:   true,
		`{"idle":true}`:       true,
		`{"kind":"text"}`:     false,
		`"thinking"`:          false,
		`42`:                  false,
		``:                    false,
	} {
		assert.Equal(t, want, IsIdleFrame([]byte(raw)), raw)
	}
}
