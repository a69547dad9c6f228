package sidekick

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckID(t *testing.T) {
	valid := []string{
		"0x9aba7e4b4b2f7d3b1f1d3e8a8c9c5d1e2f3a4b5c6d7e8f9a0b1c2d3e4f5a6b7c",
		"fabien.eth",
		"QmWbpCtwdLzxuLKnMW4Vv4MPFd2pdPX71YBKPasfZxqLUS",
	}
	for _, id := range valid {
		require.NoError(t, CheckID(id), id)
	}

	invalid := []string{"", "x/../../secret", "..", "a\\b", "a\x00b", "a/b"}
	for _, id := range invalid {
		err := CheckID(id)
		require.Error(t, err, "%q", id)
		require.True(t, errors.Is(err, ErrInvalidRequest), "%q", id)
		require.Equal(t, ReasonInvalidRequest, ReasonOf(err))
	}
}
