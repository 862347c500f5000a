package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitewatch/internal/crawler"
	"github.com/JakeFAU/sitewatch/internal/publisher/memory"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("topic not found")
}

func TestNotifyPublishesEnvelope(t *testing.T) {
	t.Parallel()

	pub := memory.New(0)
	n := New(pub, "alerts", nil)
	alert := crawler.Alert{
		ID: "1", Kind: crawler.AlertChangedPage, URL: "https://example.com/a",
		Details: &crawler.ChangeDetails{Summary: "Added 2 text blocks"},
	}
	require.NoError(t, n.Notify(context.Background(), alert))

	got := pub.Topic("alerts")
	require.Len(t, got, 1)
	var env Envelope
	require.NoError(t, got[0].Decode(&env))
	require.Equal(t, EnvelopeVersion, env.Version)
	require.Equal(t, "changed_page", env.Type)
	require.Equal(t, "Website changes detected: https://example.com/a (Added 2 text blocks)", env.Text)
	require.Equal(t, alert.ID, env.Alert.ID)
	require.Equal(t, alert.Kind, env.Alert.Kind)
	require.Equal(t, alert.URL, env.Alert.URL)
	require.NotNil(t, env.Alert.Details)
	require.Equal(t, "Added 2 text blocks", env.Alert.Details.Summary)
}

func TestNotifyReturnsPublishError(t *testing.T) {
	t.Parallel()

	err := New(failingPublisher{}, "alerts", nil).Notify(context.Background(), crawler.Alert{Kind: crawler.AlertNewPage})
	require.Error(t, err)

	var nilNotifier *Notifier
	require.NoError(t, nilNotifier.Notify(context.Background(), crawler.Alert{}))
}

func TestBuild(t *testing.T) {
	t.Parallel()

	last := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	cases := []struct {
		name  string
		alert crawler.Alert
		title string
		text  string
	}{
		{
			name:  "new",
			alert: crawler.Alert{Kind: crawler.AlertNewPage, URL: "https://example.com/n"},
			title: "New Page",
			text:  "New page detected: https://example.com/n",
		},
		{
			name:  "deleted",
			alert: crawler.Alert{Kind: crawler.AlertDeletedPage, URL: "https://example.com/d", StatusCode: 404, LastSuccessAt: &last},
			title: "Deleted Page",
			text:  "Deleted page detected: https://example.com/d (status 404), last successful access 2024-05-01 09:30:00",
		},
		{
			name:  "changed without summary",
			alert: crawler.Alert{Kind: crawler.AlertChangedPage, URL: "https://example.com/c"},
			title: "Changed Page",
			text:  "Website changes detected: https://example.com/c",
		},
		{
			name:  "error",
			alert: crawler.Alert{Kind: crawler.AlertError, URL: "https://example.com/e", Message: "boom"},
			title: "Crawler Error",
			text:  "Error: boom; Page: https://example.com/e",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := Build(tc.alert)
			require.Equal(t, tc.title, env.Title)
			require.Equal(t, tc.text, env.Text)
		})
	}
}
