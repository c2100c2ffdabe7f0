package middleware

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/client"
)

// TwilioAuth validates Twilio webhook requests using the signature header
// and stores the form values under "twilioParams". baseURL is the public
// origin Twilio was configured with; empty assumes https on the request host.
func TwilioAuth(getAuthToken func() string, baseURL string) echo.MiddlewareFunc {
	baseURL = strings.TrimRight(baseURL, "/")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !strings.HasPrefix(c.Request().URL.Path, "/twilio/") {
				return next(c)
			}

			authToken := getAuthToken()
			if authToken == "" {
				return c.String(http.StatusInternalServerError, "TWILIO_AUTH_TOKEN not configured")
			}

			bodyBytes, err := io.ReadAll(c.Request().Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to read request body")
			}

			formData, err := url.ParseQuery(string(bodyBytes))
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}

			params := make(map[string]string)
			for key, values := range formData {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			signature := c.Request().Header.Get("X-Twilio-Signature")
			requestURL := signedURL(c.Request(), baseURL)

			validator := client.NewRequestValidator(authToken)
			if signature == "" || !validator.Validate(requestURL, params, signature) {
				return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
			}

			c.Set("twilioParams", params)
			return next(c)
		}
	}
}

// signedURL is the URL Twilio computed the signature over.
func signedURL(r *http.Request, baseURL string) string {
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s", r.Host)
	}
	u := baseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}
