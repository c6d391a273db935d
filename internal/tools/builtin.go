package tools

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// Telephony is the slice of the telephony client the builtins use.
type Telephony interface {
	TransferCall(ctx context.Context, callSID, number string) error
	EndCall(ctx context.Context, callSID string) error
	SendWhatsApp(ctx context.Context, to, body string) error
}

// EmailSender delivers outbound mail.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// CalendarClient creates events on the configured calendar.
type CalendarClient interface {
	CreateEvent(ctx context.Context, title, date, startTime, endTime, description string) (string, error)
}

// Deps are the services the builtin tools act through. Summarize and
// Compose run a side generation against the dialogue model.
type Deps struct {
	Telephony Telephony
	Email     EmailSender
	Calendar  CalendarClient
	Summarize func(ctx context.Context, transcript string) (string, error)
	Compose   func(ctx context.Context, query string) (string, error)
}

// BuiltinConfig tunes the builtin tool set.
type BuiltinConfig struct {
	TransferNumber string
	DefaultEmail   string

	// Delay before lifecycle actions so the spoken line finishes first.
	TransferDelay time.Duration
	HangupDelay   time.Duration
}

// RegisterBuiltins installs the stock tool set on the registry.
func RegisterBuiltins(r *Registry, deps Deps, cfg BuiltinConfig) error {
	builtins := []Tool{
		{
			Name:        "transfer_call",
			Description: "Transfer call to a human representative only if the user explicitly requests to speak with a person or if you cannot solve their problem.",
			Say:         "I'll transfer you to a human representative who can help you further. Please hold the line for a moment.",
			Terminal:    true,
			Handler:     transferCall(deps, cfg),
		},
		{
			Name:        "end_call",
			Description: "End the current call. Use this when the conversation has reached a natural conclusion, the user's query has been fully addressed, or the user asks to end the call.",
			Say:         "Thank you for calling. Have a great day! Goodbye.",
			Terminal:    true,
			Handler:     endCall(deps, cfg),
		},
		{
			Name:        "add_calendar_event",
			Description: "Add an event to the user's Google Calendar. Use this when a user wants to schedule an appointment, meeting, or any other event. Collect all necessary details like date, time, title, and duration in a natural conversation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":       map[string]any{"type": "string", "description": "The title or name of the event"},
					"date":        map[string]any{"type": "string", "description": "The date of the event in YYYY-MM-DD format"},
					"start_time":  map[string]any{"type": "string", "description": "The starting time of the event in HH:MM format 24-hour"},
					"end_time":    map[string]any{"type": "string", "description": "The ending time of the event in HH:MM format 24-hour"},
					"description": map[string]any{"type": "string", "description": "Optional description of the event"},
				},
				"required": []string{"title", "date", "start_time", "end_time"},
			},
			Say:     "I'll schedule that event for you. Just a moment while I add it to your calendar.",
			Handler: addCalendarEvent(deps),
		},
		{
			Name:        "send_whatsapp_summary",
			Description: "Send a summary of the conversation to the user's WhatsApp. ONLY use this when the user EXPLICITLY requests a summary to be sent to WhatsApp.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to_number":          map[string]any{"type": "string", "description": "The phone number to send the WhatsApp message to (with country code, e.g., +1234567890)"},
					"include_transcript": map[string]any{"type": "boolean", "description": "Whether to include the full conversation transcript in the summary"},
				},
			},
			Say:     "I'll send a summary of our conversation to your WhatsApp. You should receive it shortly.",
			Handler: sendWhatsAppSummary(deps),
		},
		{
			Name:        "send_whatsapp_info",
			Description: "Send specific information to the user's WhatsApp. Use this function ONLY when a user EXPLICITLY asks for information to be sent to their WhatsApp AND you know exactly what topic they want information about. Never call this function with an empty query parameter.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":       map[string]any{"type": "string", "description": "The specific information topic the user wants sent. This must be extracted from the user's request and cannot be empty."},
					"to_number":   map[string]any{"type": "string", "description": "The phone number to send the WhatsApp message to (with country code, e.g., +1234567890)"},
					"custom_text": map[string]any{"type": "string", "description": "Custom text to send instead of generating content"},
				},
				"required": []string{"query"},
			},
			Say:     "I'll send that information to your WhatsApp right away. You should receive it shortly.",
			Handler: sendWhatsAppInfo(deps),
		},
		{
			Name:        "send_email_summary",
			Description: "Send a summary of the conversation to the user's email address. Use this when the user explicitly asks for an email summary of the call or wants the conversation details sent via email.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to_email":           map[string]any{"type": "string", "description": "The email address to send the summary to"},
					"include_transcript": map[string]any{"type": "boolean", "description": "Whether to include the full conversation transcript in the email"},
				},
			},
			Say:     "I'll send a summary of our conversation to your email. You should receive it shortly.",
			Handler: sendEmailSummary(deps, cfg),
		},
		{
			Name:        "send_email_info",
			Description: "Send specific information to the user's email address. Use this function ONLY when a user EXPLICITLY asks for information to be sent to their email AND you know exactly what topic they want information about. Never call this function with an empty query parameter.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":       map[string]any{"type": "string", "description": "The specific information topic the user wants sent. This must be extracted from the user's request and cannot be empty."},
					"to_email":    map[string]any{"type": "string", "description": "The email address to send the information to"},
					"custom_text": map[string]any{"type": "string", "description": "Custom text to send instead of generating content"},
				},
				"required": []string{"query"},
			},
			Say:     "I'll send that information to your email right away. You should receive it shortly.",
			Handler: sendEmailInfo(deps, cfg),
		},
	}

	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func transferCall(deps Deps, cfg BuiltinConfig) Handler {
	return func(ctx context.Context, call Call, args map[string]string) (string, error) {
		if cfg.TransferNumber == "" {
			return "", fmt.Errorf("no transfer number configured")
		}
		// Let the hold announcement play out before redirecting.
		if err := wait(ctx, cfg.TransferDelay); err != nil {
			return "", err
		}
		log.Printf("[Tools] Transferring call %s to %s", call.SID, cfg.TransferNumber)
		if err := deps.Telephony.TransferCall(ctx, call.SID, cfg.TransferNumber); err != nil {
			return "", err
		}
		return fmt.Sprintf("Call transferred successfully to %s.", cfg.TransferNumber), nil
	}
}

func endCall(deps Deps, cfg BuiltinConfig) Handler {
	return func(ctx context.Context, call Call, args map[string]string) (string, error) {
		// The goodbye line has to reach the caller before hangup.
		if err := wait(ctx, cfg.HangupDelay); err != nil {
			return "", err
		}
		log.Printf("[Tools] Ending call %s", call.SID)
		if err := deps.Telephony.EndCall(ctx, call.SID); err != nil {
			return "", err
		}
		return "Call ended successfully.", nil
	}
}

func addCalendarEvent(deps Deps) Handler {
	return func(ctx context.Context, call Call, args map[string]string) (string, error) {
		if deps.Calendar == nil {
			return "", fmt.Errorf("calendar is not configured")
		}
		var missing []string
		for _, field := range []string{"title", "date", "start_time", "end_time"} {
			if strings.TrimSpace(args[field]) == "" {
				missing = append(missing, strings.ReplaceAll(field, "_", " "))
			}
		}
		if len(missing) > 0 {
			return fmt.Sprintf("I need all the event details to schedule it. Please provide the following: %s.", strings.Join(missing, ", ")), nil
		}
		if _, err := time.Parse("2006-01-02", args["date"]); err != nil {
			return "The date format seems incorrect. Please provide the month, day and year clearly.", nil
		}

		link, err := deps.Calendar.CreateEvent(ctx, args["title"], args["date"], args["start_time"], args["end_time"], args["description"])
		if err != nil {
			return "", err
		}
		log.Printf("[Tools] Calendar event created: %s", link)
		when, _ := time.Parse("2006-01-02", args["date"])
		return fmt.Sprintf("I've scheduled '%s' for %s from %s to %s. The event has been added to your Google Calendar.",
			args["title"], when.Format("Monday, January 2, 2006"), args["start_time"], args["end_time"]), nil
	}
}

func sendWhatsAppSummary(deps Deps) Handler {
	return func(ctx context.Context, call Call, args map[string]string) (string, error) {
		to := args["to_number"]
		if to == "" {
			to = call.From
		}
		body, err := deps.Summarize(ctx, call.Transcript)
		if err != nil {
			return "", err
		}
		if args["include_transcript"] == "true" {
			body += "\n\nTranscript:\n" + call.Transcript
		}
		if err := deps.Telephony.SendWhatsApp(ctx, to, body); err != nil {
			return "", err
		}
		return fmt.Sprintf("Summary sent to %s on WhatsApp.", to), nil
	}
}

func sendWhatsAppInfo(deps Deps) Handler {
	return func(ctx context.Context, call Call, args map[string]string) (string, error) {
		query := strings.TrimSpace(args["query"])
		if query == "" {
			return "I need to know what information you want sent before I can send it.", nil
		}
		to := args["to_number"]
		if to == "" {
			to = call.From
		}
		body := args["custom_text"]
		if body == "" {
			var err error
			body, err = deps.Compose(ctx, query)
			if err != nil {
				return "", err
			}
		}
		if err := deps.Telephony.SendWhatsApp(ctx, to, body); err != nil {
			return "", err
		}
		return fmt.Sprintf("Information about %s sent to %s on WhatsApp.", query, to), nil
	}
}

func sendEmailSummary(deps Deps, cfg BuiltinConfig) Handler {
	return func(ctx context.Context, call Call, args map[string]string) (string, error) {
		to := args["to_email"]
		if to == "" {
			to = cfg.DefaultEmail
		}
		if to == "" {
			return "I don't have an email address to send the summary to.", nil
		}
		body, err := deps.Summarize(ctx, call.Transcript)
		if err != nil {
			return "", err
		}
		if args["include_transcript"] == "true" {
			body += "\n\nTranscript:\n" + call.Transcript
		}
		if err := deps.Email.Send(ctx, to, "Your call summary", body); err != nil {
			return "", err
		}
		return fmt.Sprintf("Summary sent to %s.", to), nil
	}
}

func sendEmailInfo(deps Deps, cfg BuiltinConfig) Handler {
	return func(ctx context.Context, call Call, args map[string]string) (string, error) {
		query := strings.TrimSpace(args["query"])
		if query == "" {
			return "I need to know what information you want sent before I can send it.", nil
		}
		to := args["to_email"]
		if to == "" {
			to = cfg.DefaultEmail
		}
		if to == "" {
			return "I don't have an email address to send the information to.", nil
		}
		body := args["custom_text"]
		if body == "" {
			var err error
			body, err = deps.Compose(ctx, query)
			if err != nil {
				return "", err
			}
		}
		if err := deps.Email.Send(ctx, to, "Information: "+query, body); err != nil {
			return "", err
		}
		return fmt.Sprintf("Information about %s sent to %s.", query, to), nil
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
