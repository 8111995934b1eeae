package credentials

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

const (
	googleCalendarScope = "https://www.googleapis.com/auth/calendar"
	graphCalendarsScope = "https://graph.microsoft.com/Calendars.ReadWrite"
)

// GoogleConfig returns the OAuth client for Google Calendar.
func GoogleConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{googleCalendarScope},
	}
}

// OutlookConfig returns the OAuth client for Microsoft Graph. An empty tenant means "common".
func OutlookConfig(clientID, clientSecret, tenant, redirectURL string) *oauth2.Config {
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
		Scopes:       []string{"offline_access", graphCalendarsScope},
	}
}
