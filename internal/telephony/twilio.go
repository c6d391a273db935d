// Package telephony drives calls and messages through the Twilio REST
// API.
package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
)

const twilioBaseURL = "https://api.twilio.com"

// Config holds the Twilio account and the public host the media stream
// webhook is served on.
type Config struct {
	AccountSID   string
	AuthToken    string
	PhoneNumber  string
	WhatsAppFrom string
	ServerHost   string
}

// Client is a thin Twilio REST client covering calls, recordings and
// WhatsApp messages.
type Client struct {
	cfg     Config
	baseURL string
	client  *http.Client
}

// NewClient creates a Twilio client. Missing credentials are resolved
// from the environment.
func NewClient(cfg Config) *Client {
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.PhoneNumber == "" {
		cfg.PhoneNumber = os.Getenv("TWILIO_PHONE_NUMBER")
	}
	if cfg.WhatsAppFrom == "" {
		cfg.WhatsAppFrom = cfg.PhoneNumber
	}
	return &Client{cfg: cfg, baseURL: twilioBaseURL, client: &http.Client{}}
}

// StartCall places an outbound call that connects back to the incoming
// webhook, returning the new call SID.
func (c *Client) StartCall(ctx context.Context, to string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.PhoneNumber)
	form.Set("Url", fmt.Sprintf("https://%s/incoming", c.cfg.ServerHost))

	var result struct {
		SID string `json:"sid"`
	}
	err := c.do(ctx, "POST", c.callsURL()+".json", form, &result)
	if err != nil {
		return "", err
	}
	log.Printf("[Telephony] Started call %s to %s", result.SID, to)
	return result.SID, nil
}

// EndCall completes an active call.
func (c *Client) EndCall(ctx context.Context, callSID string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	return c.do(ctx, "POST", c.callURL(callSID)+".json", form, nil)
}

// TransferCall redirects an active call to another number via the
// forwarding twimlet.
func (c *Client) TransferCall(ctx context.Context, callSID, number string) error {
	form := url.Values{}
	form.Set("Url", "http://twimlets.com/forward?PhoneNumber="+url.QueryEscape(number))
	form.Set("Method", "POST")
	return c.do(ctx, "POST", c.callURL(callSID)+".json", form, nil)
}

// CallStatus fetches the provider-side status of a call.
func (c *Client) CallStatus(ctx context.Context, callSID string) (string, error) {
	var result struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, "GET", c.callURL(callSID)+".json", nil, &result)
	if err != nil {
		return "", err
	}
	return result.Status, nil
}

// StartRecording begins dual-channel recording of a call.
func (c *Client) StartRecording(ctx context.Context, callSID string) error {
	form := url.Values{}
	form.Set("RecordingChannels", "dual")
	return c.do(ctx, "POST", c.callURL(callSID)+"/Recordings.json", form, nil)
}

// RecordingURL returns the API URL of the first recording of a call,
// or empty if none exists.
func (c *Client) RecordingURL(ctx context.Context, callSID string) (string, error) {
	var result struct {
		Recordings []struct {
			URI string `json:"uri"`
		} `json:"recordings"`
	}
	err := c.do(ctx, "GET", c.callURL(callSID)+"/Recordings.json", nil, &result)
	if err != nil {
		return "", err
	}
	if len(result.Recordings) == 0 {
		return "", nil
	}
	return twilioBaseURL + result.Recordings[0].URI, nil
}

// SendWhatsApp sends a WhatsApp message from the account number.
func (c *Client) SendWhatsApp(ctx context.Context, to, body string) error {
	form := url.Values{}
	form.Set("From", "whatsapp:"+c.cfg.WhatsAppFrom)
	form.Set("To", "whatsapp:"+to)
	form.Set("Body", body)

	err := c.do(ctx, "POST", fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.cfg.AccountSID), form, nil)
	if err != nil {
		return err
	}
	log.Printf("[Telephony] Sent WhatsApp message to %s", to)
	return nil
}

func (c *Client) callsURL() string {
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls", c.baseURL, c.cfg.AccountSID)
}

func (c *Client) callURL(callSID string) string {
	return c.callsURL() + "/" + callSID
}

func (c *Client) do(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("twilio API error (%d): %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode twilio response: %w", err)
		}
	}
	return nil
}
