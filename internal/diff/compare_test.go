package diff

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func page(body string) string {
	return "<html><head><title>t</title></head><body>" + body + "</body></html>"
}

func TestCompareIgnoresDates(t *testing.T) {
	t.Parallel()

	res := Compare(page("<p>Updated 01/02/2024</p>"), page("<p>Updated 03/04/2024</p>"))
	require.True(t, res.Empty(), "got %+v", res)
}

func TestCompareIgnoresDatesInBareText(t *testing.T) {
	t.Parallel()

	res := Compare("Price: $10 as of 01/01/2024", "Price: $10 as of 01/02/2024")
	require.Empty(t, res.Added)
	require.Empty(t, res.Deleted)
	require.Empty(t, res.Changed)
}

func TestCompareIgnoresDynamicTokens(t *testing.T) {
	t.Parallel()

	oldHTML := page("<p>Refreshed at 10:15 AM</p><p>session sessionid=abc123</p><p>build 1700000000000</p>")
	newHTML := page("<p>Refreshed at 11:45 PM</p><p>session sessionid=zzz999</p><p>build 1700000009999</p>")
	require.True(t, Compare(oldHTML, newHTML).Empty())
}

func TestCompareIgnoresInvisibleContent(t *testing.T) {
	t.Parallel()

	oldHTML := page("<script>var x = 1;</script><style>p{color:red}</style><p>Body</p>")
	newHTML := page("<script>var x = 2;</script><style>p{color:blue}</style><p>Body</p>")
	require.True(t, Compare(oldHTML, newHTML).Empty())
}

func TestCompareReportsAdditionsAndDeletions(t *testing.T) {
	t.Parallel()

	short := page("<p>Alpha</p>")
	long := page("<p>Alpha</p><p>Completely different sentence here</p>")

	added := Compare(short, long)
	require.Equal(t, []string{"Completely different sentence here"}, added.Added)
	require.Empty(t, added.Deleted)
	require.Empty(t, added.Changed)

	removed := Compare(long, short)
	require.Equal(t, []string{"Deleted: Completely different sentence here"}, removed.Deleted)
	require.Empty(t, removed.Added)
}

func TestCompareReportsReplacement(t *testing.T) {
	t.Parallel()

	res := Compare(page("<p>Price is ten dollars</p>"), page("<p>Totally new wording xyz</p>"))
	require.Equal(t, []string{"Changed from 'Price is ten dollars' to 'Totally new wording xyz'"}, res.Changed)
	require.Empty(t, res.Added)
	require.Empty(t, res.Deleted)
}

func TestCompareReplacementPairsByPosition(t *testing.T) {
	t.Parallel()

	res := Compare(
		page("<p>Opening hours are listed below</p><p>Library closes at noon</p>"),
		page("<p>Opening hours are listed below</p><p>Pool reopens in March</p><p>Parking fees now apply weekends</p>"),
	)
	require.Equal(t, []string{"Changed from 'Library closes at noon' to 'Pool reopens in March'"}, res.Changed)
	require.Equal(t, []string{"Parking fees now apply weekends"}, res.Added)
	require.Empty(t, res.Deleted)
}

func TestCompareDropsMinorEdits(t *testing.T) {
	t.Parallel()

	res := Compare(page("<p>The quick brown fox jumps</p>"), page("<p>The quick brown fox jumped</p>"))
	require.True(t, res.Empty(), "got %+v", res)
}

func TestCompareNeverPanics(t *testing.T) {
	t.Parallel()

	require.NotPanics(t, func() {
		Compare("<<<>>><div><p", "")
		Compare("", "")
		Compare("\x00\xff", "<html>")
	})
}

func TestIsMeaningful(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		old, new string
		want     bool
	}{
		{name: "both empty", want: false},
		{name: "appeared", new: "text", want: true},
		{name: "vanished", old: "text", want: true},
		{name: "identical", old: "same line", new: "same line", want: false},
		{name: "unrelated", old: "abcdef", new: "uvwxyz", want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, IsMeaningful(tc.old, tc.new))
		})
	}
}

func TestFilterDynamicOrder(t *testing.T) {
	t.Parallel()

	got := FilterDynamic(`posted 12/31/99 9:05 pm token=AbC-1 <div class="x y">`)
	require.Equal(t, `posted DATE TIME token=REMOVED <div class="NORMALIZED">`, got)
}

func TestVisibleTextSplitsTextNodes(t *testing.T) {
	t.Parallel()

	lines := VisibleText(NormalizeWhitespace(page("<h1> Title </h1>\n<p>one</p>  <p>two</p><noscript>js</noscript>")))
	require.Equal(t, []string{"Title", "one", "two"}, lines)
}
