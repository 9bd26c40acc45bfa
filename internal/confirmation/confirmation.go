package confirmation

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"backup-engine/internal/display"
)

// ErrNotInteractive is returned when a prompt is needed but stdin is not a terminal
var ErrNotInteractive = errors.New("confirmation required but stdin is not a terminal, rerun with --yes")

// Summary describes the operation the user is asked to approve
type Summary struct {
	Action      string
	Details     [][2]string
	Warnings    []string
	Destructive bool
}

// ConfirmationService asks the user to approve destructive operations
type ConfirmationService interface {
	Confirm(summary Summary, autoApprove bool) (bool, error)
	DisplaySummary(summary Summary)
}

// confirmationService implements the ConfirmationService interface
type confirmationService struct {
	colors      *display.ColorSystem
	reader      *bufio.Reader
	out         io.Writer
	interactive bool
}

// NewConfirmationService prompts on the process terminal
func NewConfirmationService(colors *display.ColorSystem) ConfirmationService {
	fd := os.Stdin.Fd()
	return &confirmationService{
		colors:      colors,
		reader:      bufio.NewReader(os.Stdin),
		out:         os.Stderr,
		interactive: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
	}
}

// NewConfirmationServiceWithIO prompts on the given reader and writer
func NewConfirmationServiceWithIO(in io.Reader, out io.Writer, colors *display.ColorSystem) ConfirmationService {
	return &confirmationService{
		colors:      colors,
		reader:      bufio.NewReader(in),
		out:         out,
		interactive: true,
	}
}

// Confirm displays the summary and prompts for approval
func (cs *confirmationService) Confirm(summary Summary, autoApprove bool) (bool, error) {
	cs.DisplaySummary(summary)

	if autoApprove {
		fmt.Fprintln(cs.out, cs.colors.Colorize("✓ Auto-approving", cs.colors.Theme().Success))
		return true, nil
	}
	if !cs.interactive {
		return false, ErrNotInteractive
	}

	// Set up interrupt handling
	interruptChan := make(chan os.Signal, 1)
	signal.Notify(interruptChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interruptChan)

	for {
		inputChan := make(chan string, 1)
		errorChan := make(chan error, 1)

		go func() {
			input, err := cs.promptForConfirmation()
			if err != nil {
				errorChan <- err
				return
			}
			inputChan <- input
		}()

		select {
		case <-interruptChan:
			fmt.Fprintln(cs.out, "\n"+cs.colors.Colorize("! Operation cancelled by user", cs.colors.Theme().Warning))
			return false, nil
		case err := <-errorChan:
			return false, fmt.Errorf("failed to read user input: %w", err)
		case input := <-inputChan:
			switch strings.ToLower(input) {
			case "y", "yes":
				return true, nil
			case "n", "no", "":
				fmt.Fprintln(cs.out, "Operation cancelled")
				return false, nil
			default:
				fmt.Fprintf(cs.out, "Invalid input '%s'. Please enter 'y' for yes or 'n' for no.\n", input)
			}
		}
	}
}

// DisplaySummary prints the action, its details and any warnings
func (cs *confirmationService) DisplaySummary(summary Summary) {
	fmt.Fprintln(cs.out, cs.colors.Colorize(summary.Action, cs.colors.Theme().Primary))
	fmt.Fprintln(cs.out, strings.Repeat("-", 50))

	width := 0
	for _, detail := range summary.Details {
		if len(detail[0]) > width {
			width = len(detail[0])
		}
	}
	for _, detail := range summary.Details {
		fmt.Fprintf(cs.out, "%-*s  %s\n", width, detail[0], detail[1])
	}

	if len(summary.Warnings) > 0 {
		fmt.Fprintln(cs.out)
		for i, warning := range summary.Warnings {
			fmt.Fprintf(cs.out, "%d. %s\n", i+1, cs.colors.Colorize(warning, cs.colors.Theme().Warning))
		}
	}

	if summary.Destructive {
		fmt.Fprintln(cs.out)
		fmt.Fprintln(cs.out, cs.colors.Colorize("This operation overwrites or removes data and cannot be undone.", cs.colors.Theme().Error))
	}
	fmt.Fprintln(cs.out)
}

func (cs *confirmationService) promptForConfirmation() (string, error) {
	fmt.Fprint(cs.out, cs.colors.Colorize("Do you want to continue? [y/N]: ", cs.colors.Theme().Primary))

	input, err := cs.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && input != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}

	return strings.TrimSpace(input), nil
}
