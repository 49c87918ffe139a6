package notify

import (
	"strings"
	"testing"
)

func TestBuildMessage(t *testing.T) {
	msg := buildMessage("clinic@example.com", "pat@example.com", "Your appointment", "See you Monday.")

	for _, want := range []string{
		"From: clinic@example.com\r\n",
		"To: pat@example.com\r\n",
		"Subject: Your appointment\r\n",
		"\r\n\r\nSee you Monday.\r\n",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestNewSMTPSender_DefaultFrom(t *testing.T) {
	s := NewSMTPSender("mail", "1025", "  ")
	if s.from != "no-reply@clinicsched.local" {
		t.Fatalf("unexpected default from: %s", s.from)
	}
	if s.addr != "mail:1025" {
		t.Fatalf("unexpected addr: %s", s.addr)
	}
}
