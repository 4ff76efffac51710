package telegram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTextShortIsUntouched(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitText("hello", 10))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	in := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(in, 10)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, got)
}

func TestSplitTextHardCut(t *testing.T) {
	got := splitText(strings.Repeat("x", 25), 10)
	require.Len(t, got, 3)
	assert.Len(t, got[2], 5)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{ChatID: 1})
	require.Error(t, err)
	_, err = New(Config{Token: "t"})
	require.Error(t, err)
}
