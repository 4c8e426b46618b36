package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntent(t *testing.T) {
	intent, err := ParseIntent(map[string]string{
		MetaEmail:          " A@X.com ",
		MetaPlan:           "Start",
		MetaSlug:           "abc",
		MetaNewAccount:     "true",
		MetaDiscountCodeID: "disc-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", intent.Email)
	assert.Equal(t, PlanStart, intent.Plan)
	assert.Equal(t, "abc", intent.Slug)
	assert.True(t, intent.NewAccount)
	assert.Equal(t, "disc-1", intent.DiscountCodeID)
}

func TestParseIntent_Invalid(t *testing.T) {
	tests := []struct {
		name string
		md   map[string]string
	}{
		{"missing email", map[string]string{MetaPlan: "pro"}},
		{"missing plan", map[string]string{MetaEmail: "a@x.com"}},
		{"bad email", map[string]string{MetaEmail: "not-an-email", MetaPlan: "pro"}},
		{"unknown plan", map[string]string{MetaEmail: "a@x.com", MetaPlan: "gold"}},
		{"bad slug", map[string]string{MetaEmail: "a@x.com", MetaPlan: "pro", MetaSlug: "Has Spaces"}},
		{"bad flag", map[string]string{MetaEmail: "a@x.com", MetaPlan: "pro", MetaNewAccount: "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseIntent(tt.md)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidMetadata)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestIntentMetadataRoundTrip(t *testing.T) {
	in := CheckoutIntent{Email: "a@x.com", Plan: PlanPro, PageID: "p-1", Slug: "my-page", NewAccount: true}
	md := in.Metadata()
	assert.NotContains(t, md, MetaDiscountCodeID)

	out, err := ParseIntent(md)
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}

func TestStringMetadata(t *testing.T) {
	md := StringMetadata(map[string]any{
		"email":      "a@x.com",
		"newAccount": true,
		"count":      float64(3),
		"nested":     map[string]any{"x": 1},
	})
	assert.Equal(t, map[string]string{"email": "a@x.com", "newAccount": "true", "count": "3"}, md)
}

func TestValidSlug(t *testing.T) {
	assert.True(t, ValidSlug("abc"))
	assert.True(t, ValidSlug("my-page-2"))
	assert.False(t, ValidSlug("a"))
	assert.False(t, ValidSlug("-abc"))
	assert.False(t, ValidSlug("ABC"))
}

func TestParsePlan(t *testing.T) {
	p, err := ParsePlan("pro")
	require.NoError(t, err)
	assert.True(t, p.Paid())
	assert.False(t, PlanFree.Paid())

	_, err = ParsePlan("enterprise")
	assert.ErrorIs(t, err, ErrInvalidPlan)
}
