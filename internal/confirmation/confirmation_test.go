package confirmation

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"backup-engine/internal/display"
)

func plainColors() *display.ColorSystem {
	return display.NewColorSystem(display.PlainTextTheme(), false)
}

func testSummary() Summary {
	return Summary{
		Action: "Restore database from backup_1710036000000_ab12cd",
		Details: [][2]string{
			{"Type", "full"},
			{"Estimated duration", "2m0s"},
		},
		Warnings:    []string{"Existing tables will be dropped"},
		Destructive: true,
	}
}

func TestNewConfirmationService(t *testing.T) {
	service := NewConfirmationService(plainColors())
	if service == nil {
		t.Fatal("NewConfirmationService returned nil")
	}

	serviceNoColors := NewConfirmationService(nil)
	if serviceNoColors == nil {
		t.Fatal("NewConfirmationService with nil colors returned nil")
	}
}

func TestDisplaySummary(t *testing.T) {
	var out bytes.Buffer
	service := NewConfirmationServiceWithIO(strings.NewReader(""), &out, plainColors())

	service.DisplaySummary(testSummary())

	output := out.String()
	expected := []string{
		"Restore database from backup_1710036000000_ab12cd",
		"Type                full",
		"Estimated duration  2m0s",
		"1. Existing tables will be dropped",
		"cannot be undone",
	}
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("summary output missing %q:\n%s", want, output)
		}
	}
}

func TestDisplaySummary_NotDestructive(t *testing.T) {
	var out bytes.Buffer
	service := NewConfirmationServiceWithIO(strings.NewReader(""), &out, plainColors())

	service.DisplaySummary(Summary{Action: "Delete backups older than 30 days"})

	if strings.Contains(out.String(), "cannot be undone") {
		t.Error("non-destructive summary should not carry the data loss warning")
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"yes", "y\n", true},
		{"full yes", "YES\n", true},
		{"no", "n\n", false},
		{"empty defaults to no", "\n", false},
		{"invalid then yes", "maybe\ny\n", true},
		{"yes without newline", "yes", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			service := NewConfirmationServiceWithIO(strings.NewReader(tt.input), &out, plainColors())

			ok, err := service.Confirm(testSummary(), false)
			if err != nil {
				t.Fatalf("Confirm returned error: %v", err)
			}
			if ok != tt.expected {
				t.Errorf("Confirm(%q) = %v, want %v", tt.input, ok, tt.expected)
			}
		})
	}
}

func TestConfirm_InvalidInputReprompts(t *testing.T) {
	var out bytes.Buffer
	service := NewConfirmationServiceWithIO(strings.NewReader("maybe\nn\n"), &out, plainColors())

	ok, err := service.Confirm(testSummary(), false)
	if err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}
	if ok {
		t.Error("expected the second answer to decline")
	}
	if !strings.Contains(out.String(), "Invalid input 'maybe'") {
		t.Errorf("expected invalid input message, got:\n%s", out.String())
	}
	if strings.Count(out.String(), "Do you want to continue?") != 2 {
		t.Errorf("expected two prompts, got:\n%s", out.String())
	}
}

func TestConfirm_AutoApprove(t *testing.T) {
	var out bytes.Buffer
	service := NewConfirmationServiceWithIO(strings.NewReader(""), &out, plainColors())

	ok, err := service.Confirm(testSummary(), true)
	if err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}
	if !ok {
		t.Error("auto-approve should confirm")
	}
	if strings.Contains(out.String(), "Do you want to continue?") {
		t.Error("auto-approve should not prompt")
	}
}

func TestConfirm_ClosedInput(t *testing.T) {
	var out bytes.Buffer
	service := NewConfirmationServiceWithIO(strings.NewReader(""), &out, plainColors())

	ok, err := service.Confirm(testSummary(), false)
	if err == nil {
		t.Fatal("expected an error when input is closed")
	}
	if ok {
		t.Error("closed input must not confirm")
	}
}

func TestConfirm_NotInteractive(t *testing.T) {
	var out bytes.Buffer
	service := &confirmationService{
		colors: plainColors(),
		out:    &out,
	}

	ok, err := service.Confirm(testSummary(), false)
	if !errors.Is(err, ErrNotInteractive) {
		t.Fatalf("expected ErrNotInteractive, got %v", err)
	}
	if ok {
		t.Error("non-interactive prompt must not confirm")
	}
}
