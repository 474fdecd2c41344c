package products

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	catalog := Default()
	require.Len(t, catalog, 2)

	month, err := catalog.Get(PurpleOneMonth)
	require.NoError(t, err)
	assert.Equal(t, int64(30*24*60*60), month.Expiry)
	assert.Positive(t, month.AmountMsat)

	year, err := catalog.Get(PurpleOneYear)
	require.NoError(t, err)
	assert.Equal(t, int64(365*24*60*60), year.Expiry)
}

func TestGet_Unknown(t *testing.T) {
	catalog := Default()
	_, err := catalog.Get("purple_forever")
	assert.ErrorIs(t, err, ErrUnknownProduct)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.json")
	data := `{
		"purple_one_week": {
			"description": "Purple — one week",
			"amount_msat": 5000000,
			"expiry": 604800
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	catalog, err := Load(path)
	require.NoError(t, err)

	p, err := catalog.Get("purple_one_week")
	require.NoError(t, err)
	assert.Equal(t, int64(604800), p.Expiry)
	assert.Equal(t, int64(5_000_000), p.AmountMsat)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"zero amount":   `{"p": {"description": "x", "amount_msat": 0, "expiry": 60}}`,
		"zero expiry":   `{"p": {"description": "x", "amount_msat": 1000, "expiry": 0}}`,
		"empty catalog": `{}`,
		"bad json":      `{`,
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "products.json")
			require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	catalog, err := Load("")
	require.NoError(t, err)
	assert.Len(t, catalog, 2)
}

func TestNames_Sorted(t *testing.T) {
	catalog := Default()
	assert.Equal(t, []string{PurpleOneMonth, PurpleOneYear}, catalog.Names())
}
