package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func base(tag language.Tag) language.Base {
	b, _ := tag.Base()
	return b
}

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		accept   string
		expected language.Tag
	}{
		{"en-US,en;q=0.9", language.English},
		{"de-DE,de;q=0.9", language.German},
		{"fr-FR", language.English}, // Fallback
		{"", language.English},      // Empty
	}

	for _, tt := range tests {
		assert.Equal(t, base(tt.expected), base(MatchLanguage(tt.accept)), "Accept: %s", tt.accept)
	}
}

func TestLocaleTag(t *testing.T) {
	tests := []struct {
		locale   string
		expected language.Tag
	}{
		{"de_DE.UTF-8", language.German},
		{"en_GB", language.English},
		{"C", language.English},
		{"POSIX", language.English},
		{"", language.English},
		{"fr_FR.UTF-8@euro", language.English},
	}

	for _, tt := range tests {
		assert.Equal(t, base(tt.expected), base(LocaleTag(tt.locale)), "locale: %s", tt.locale)
	}
}

func TestNewCLIPrinter(t *testing.T) {
	t.Setenv("LC_ALL", "")
	t.Setenv("LANG", "de_DE.UTF-8")
	p := NewCLIPrinter()
	assert.NotNil(t, p)
	assert.Equal(t, "queries: x", p.Sprintf("queries: %s", "x"))
}
