package mailer

import (
	"fmt"
	"time"

	"github.com/flexwatch/flexwatch/pkg/engine/flexlm"
)

// Compose renders the notification mail for one user and event. The
// event string matches the strategy user events (WARN, BAN, UNBAN).
func Compose(event, feature string, u flexlm.User, remaining time.Duration) *Message {
	msg := &Message{Body: body(event, feature, u, remaining)}
	if u.Mail != "" {
		msg.To = []string{u.Mail}
	}

	switch event {
	case "WARN":
		msg.Subject = fmt.Sprintf("%s license: usage budget nearly used up", feature)
	case "BAN":
		msg.Subject = fmt.Sprintf("%s license: access temporarily suspended", feature)
	case "UNBAN":
		msg.Subject = fmt.Sprintf("%s license: access restored", feature)
	default:
		msg.Subject = fmt.Sprintf("%s license notification", feature)
	}
	return msg
}

func body(event, feature string, u flexlm.User, remaining time.Duration) string {
	greeting := fmt.Sprintf("Hello %s,\n\n", u.SafeName())
	footer := "\nThis is an automated message from the license watchdog.\n"

	switch event {
	case "WARN":
		return greeting + fmt.Sprintf(
			"you have been using a %s license for a long time. Your remaining\n"+
				"usage budget is %s. Please save your work; when the budget is used\n"+
				"up while licenses are scarce, your access may be suspended.\n",
			feature, fmtRemaining(remaining)) + footer
	case "BAN":
		return greeting + fmt.Sprintf(
			"free %s licenses have run low and your usage budget is used up.\n"+
				"Your access has been temporarily suspended so waiting colleagues\n"+
				"can work. You will be notified when access is restored.\n",
			feature) + footer
	case "UNBAN":
		return greeting + fmt.Sprintf(
			"your %s license access has been restored and your usage budget\n"+
				"starts fresh. Sorry for the interruption.\n",
			feature) + footer
	}
	return greeting + fmt.Sprintf("%s license event: %s\n", feature, event) + footer
}

func fmtRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Minute).String()
}
