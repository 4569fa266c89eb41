package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerRequiresBotToken(t *testing.T) {
	t.Parallel()

	err := server().Invoke().Run()
	require.Error(t, err)
	require.Contains(t, err.Error(), "bot token")
}

func TestParseChatIDs(t *testing.T) {
	t.Parallel()

	assert.Nil(t, parseChatIDs(nil))
	assert.Equal(t, []int64{100, 200}, parseChatIDs([]string{"100", "200"}))
	assert.Equal(t, []int64{100, 200, 300}, parseChatIDs([]string{"100, 200", "300"}))
	assert.Equal(t, []int64{-100123}, parseChatIDs([]string{"garbage", "-100123"}))
}
