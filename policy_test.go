package dataveil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsFile(t *testing.T) {
	settings, err := LoadSettingsFile("testdata/settings.toml")
	require.NoError(t, err)

	require.Len(t, settings["public.customers"], 4)
	require.Len(t, settings["public.orders"], 2)

	first := settings["public.customers"][0]
	assert.Equal(t, "tokenize", first.Strategy)
	assert.Equal(t, []string{"email", "full_name"}, first.Columns)
	assert.Equal(t, "customers-v1", first.Salt)

	redact := settings["public.customers"][1]
	assert.Equal(t, "***-**-****", redact.Placeholder)

	phone := settings["public.customers"][2]
	assert.Equal(t, "digits", phone.Alphabet)
	assert.Equal(t, 10, phone.Length)
}

func TestLoadSettings(t *testing.T) {
	doc := `
[["public.users"]]
strategy = "redact"
columns = ["password"]
keep_length = true
`
	settings, err := LoadSettings(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, settings["public.users"], 1)
	assert.True(t, settings["public.users"][0].KeepLength)
}

func TestCompile(t *testing.T) {
	settings, err := LoadSettingsFile("testdata/settings.toml")
	require.NoError(t, err)

	policy, err := Compile(settings, NewRegistry())
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"email", "full_name", "ssn", "phone", "country"},
		policy.Columns("public.customers"),
	)
	assert.Nil(t, policy.Columns("public.untouched"))

	strategy, salt, ok := policy.Lookup(FieldIdentity{Table: "public.customers", Column: "email"})
	require.True(t, ok)
	assert.Equal(t, StrategyTokenize, strategy.Name())
	assert.Equal(t, "customers-v1", salt)

	_, _, ok = policy.Lookup(FieldIdentity{Table: "public.customers", Column: "id"})
	assert.False(t, ok)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		wantErr  string
	}{
		{
			name:     "table without rules",
			settings: Settings{"public.users": nil},
			wantErr:  "no masking rules",
		},
		{
			name: "rule without columns",
			settings: Settings{"public.users": []Rule{
				{Strategy: "redact"},
			}},
			wantErr: "at least one column",
		},
		{
			name: "unknown strategy",
			settings: Settings{"public.users": []Rule{
				{Strategy: "rot13", Columns: []string{"name"}},
			}},
			wantErr: "not known",
		},
		{
			name: "bad strategy params",
			settings: Settings{"public.users": []Rule{
				{Strategy: "hash", Columns: []string{"name"}, Alphabet: "base64"},
			}},
			wantErr: "alphabet",
		},
		{
			name: "duplicate column",
			settings: Settings{"public.users": []Rule{
				{Strategy: "redact", Columns: []string{"name"}},
				{Strategy: "hash", Columns: []string{"name"}},
			}},
			wantErr: "declared twice",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.settings, NewRegistry())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
