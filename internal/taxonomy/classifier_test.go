package taxonomy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyMatchesName(t *testing.T) {
	c := Default()
	cases := []struct {
		category string
		name     string
		want     string
	}{
		{category: "外科", name: "二重埋没法 両目", want: "surgery.double_eyelid"},
		{category: "", name: "目の下の脱脂", want: "surgery.under_eye"},
		{category: "皮膚科", name: "ボトックス 額", want: "dermatology.botox"},
		{category: "", name: "ヒアルロン酸注入 1cc", want: "dermatology.filler"},
		{category: "脱毛", name: "ＶＩＯ脱毛 5回", want: "hair_removal.vio"},
		{category: "", name: "全身脱毛 5回コース", want: "hair_removal.full_body"},
		{category: "", name: "レーザー脱毛 ワキ", want: "hair_removal.partial"},
		{category: "", name: "Botox forehead", want: "dermatology.botox"},
		{category: "", name: "静脈麻酔", want: "other.anesthesia"},
	}
	for _, tc := range cases {
		got := c.Classify(tc.category, tc.name)
		assert.Equal(t, tc.want, got.CategoryID, "name %q", tc.name)
		assert.False(t, got.Fallback, "name %q", tc.name)
	}
}

func TestClassifyFallsBackToCategory(t *testing.T) {
	got := Default().Classify("美容外科", "プランA")
	require.Equal(t, SpecialtySurgery, got.Specialty)
	require.Equal(t, "other_surgery", got.Subcategory)
}

func TestClassifyDefaultsToProducts(t *testing.T) {
	got := Default().Classify("", "")
	require.Equal(t, SpecialtyOther, got.Specialty)
	require.Equal(t, SubcategoryProducts, got.Subcategory)
	require.Equal(t, "other.products", got.CategoryID)
	require.True(t, got.Fallback)

	got = Default().Classify("物販", "ビタミンCサプリ")
	require.Equal(t, "other.products", got.CategoryID)
}

func TestClassifyIsTotal(t *testing.T) {
	valid := map[Specialty]bool{}
	for _, s := range Specialties {
		valid[s] = true
	}
	c := Default()
	inputs := []string{"", " ", "\x00", "🙂", "ＡＢＣ", "surgery", "SKIN", "鼻下脱毛", "x"}
	for _, category := range inputs {
		for _, name := range inputs {
			got := c.Classify(category, name)
			require.True(t, valid[got.Specialty], "unexpected specialty %q", got.Specialty)
			require.NotEmpty(t, got.Subcategory)
		}
	}
}

func TestFirstRuleWins(t *testing.T) {
	c := NewClassifier([]Rule{
		{Match: Contains("a"), Specialty: SpecialtySurgery, Subcategory: "first"},
		{Match: Contains("a"), Specialty: SpecialtyDermatology, Subcategory: "second"},
		{Match: nil, Specialty: SpecialtyDermatology, Subcategory: "ignored"},
	})
	require.Equal(t, "surgery.first", c.Classify("", "abc").CategoryID)
}

func TestSubcategoriesIncludesDefault(t *testing.T) {
	subs := Default().Subcategories()
	require.Contains(t, subs[SpecialtyOther], SubcategoryProducts)
	require.Contains(t, subs[SpecialtySurgery], "double_eyelid")
	require.Len(t, subs, len(Specialties))
}
