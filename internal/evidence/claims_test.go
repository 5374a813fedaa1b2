package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractClaims(t *testing.T) {
	claims := extractClaims("Annual revenue grew 12 percent while installed capacity reached 420 GW.")

	require.Len(t, claims, 2)
	assert.Equal(t, claim{quantity: "revenue grew %", value: "12"}, claims[0])
	assert.Equal(t, claim{quantity: "installed capacity gw", value: "420"}, claims[1])
}

func TestExtractClaimsNormalizesNumbers(t *testing.T) {
	a := extractClaims("market size of 1,200 million units")
	b := extractClaims("market size of 1200.0 million units")

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].value, b[0].value)
	assert.Equal(t, a[0].quantity, b[0].quantity)
}

func TestExtractClaimsSkipsBareNumbers(t *testing.T) {
	claims := extractClaims("42 17 99")
	assert.Empty(t, claims)
}

func TestExtractClaimsDeduplicatesWithinSnippet(t *testing.T) {
	claims := extractClaims("installed capacity hit 420 GW, yes, installed capacity hit 420 GW")
	assert.Len(t, claims, 1)
}
