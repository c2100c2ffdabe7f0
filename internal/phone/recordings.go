package phone

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioRecordings fetches recordings as WAV and deletes them afterwards so
// no caller audio outlives its turn.
type TwilioRecordings struct {
	accountSID string
	authToken  string
	httpClient *http.Client
	client     *twilio.RestClient
}

func NewTwilioRecordings(accountSID, authToken string) *TwilioRecordings {
	return &TwilioRecordings{
		accountSID: accountSID,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
	}
}

// Fetch downloads the recording media.
func (r *TwilioRecordings) Fetch(ctx context.Context, recordingURL string) ([]byte, string, error) {
	if r.accountSID == "" || r.authToken == "" {
		return nil, "", fmt.Errorf("missing Twilio credentials: TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN required to download recording")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL+".wav", nil)
	if err != nil {
		return nil, "", fmt.Errorf("create recording request: %w", err)
	}
	req.SetBasicAuth(r.accountSID, r.authToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("download recording, status %d: %s", resp.StatusCode, string(preview))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read recording: %w", err)
	}
	return body, "audio/wav", nil
}

// Delete removes the recording from the account.
func (r *TwilioRecordings) Delete(_ context.Context, recordingSID string) error {
	if err := r.client.Api.DeleteRecording(recordingSID, &twilioApi.DeleteRecordingParams{}); err != nil {
		return fmt.Errorf("delete recording %s: %w", recordingSID, err)
	}
	return nil
}
