package inbound

import "strings"

// Messages are the texts sent to users by the dispatcher itself.
type Messages struct {
	AskPhone     string `toml:"askPhone" yaml:"askPhone"`
	InvalidPhone string `toml:"invalidPhone" yaml:"invalidPhone"`
	AccessDenied string `toml:"accessDenied" yaml:"accessDenied"`
	Greeting     string `toml:"greeting" yaml:"greeting"` // {name} is replaced
	TryAgain     string `toml:"tryAgain" yaml:"tryAgain"`
}

// DefaultMessages returns the stock texts.
func DefaultMessages() Messages {
	return Messages{
		AskPhone:     "Hi! We couldn't identify you yet. Please reply with your phone number, including area code.",
		InvalidPhone: "That doesn't look like a valid phone number. Please send only digits, including area code (10 to 13 digits).",
		AccessDenied: "Sorry, we couldn't find an account for that number, so we can't continue here.",
		Greeting:     "Hello, {name}! How can we help you today?",
		TryAgain:     "Something went wrong on our side. Please try again in a moment.",
	}
}

// withDefaults fills empty texts from DefaultMessages.
func (m Messages) withDefaults() Messages {
	d := DefaultMessages()
	if m.AskPhone == "" {
		m.AskPhone = d.AskPhone
	}
	if m.InvalidPhone == "" {
		m.InvalidPhone = d.InvalidPhone
	}
	if m.AccessDenied == "" {
		m.AccessDenied = d.AccessDenied
	}
	if m.Greeting == "" {
		m.Greeting = d.Greeting
	}
	if m.TryAgain == "" {
		m.TryAgain = d.TryAgain
	}
	return m
}

// Greet renders the greeting for name.
func (m Messages) Greet(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "there"
	}
	return strings.ReplaceAll(m.Greeting, "{name}", name)
}
