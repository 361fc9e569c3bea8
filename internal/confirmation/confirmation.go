// Package confirmation prompts before destructive backup operations.
package confirmation

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"famsync/internal/display"
	apperrors "famsync/internal/errors"
)

// Action describes an operation awaiting approval
type Action struct {
	Title       string
	Destructive bool
	// Summary lines are always shown
	Summary []string
	// Details are shown when the user answers "d"
	Details []string
}

// ConfirmationService asks the user to approve an Action
type ConfirmationService interface {
	Confirm(action Action, autoApprove bool) (bool, error)
	DisplaySummary(action Action)
}

type confirmationService struct {
	colors *display.ColorSystem
	reader *bufio.Reader
	out    io.Writer
}

// NewConfirmationService reads answers from in and writes prompts to out
func NewConfirmationService(in io.Reader, out io.Writer, colors *display.ColorSystem) ConfirmationService {
	if colors == nil {
		colors = display.NewColorSystem(display.PlainTextTheme(), out, false)
	}
	return &confirmationService{
		colors: colors,
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Confirm shows the summary and loops on the prompt until y or n.
// An interrupt or closed input declines.
func (cs *confirmationService) Confirm(action Action, autoApprove bool) (bool, error) {
	cs.DisplaySummary(action)

	if autoApprove {
		fmt.Fprintln(cs.out, cs.colors.Colorize("✓ Auto-approving", cs.colors.Theme().Success))
		return true, nil
	}

	interruptChan := make(chan os.Signal, 1)
	signal.Notify(interruptChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interruptChan)

	for {
		inputChan := make(chan string, 1)
		errorChan := make(chan error, 1)
		go func() {
			input, err := cs.promptForConfirmation(len(action.Details) > 0)
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
			if err == io.EOF {
				return false, apperrors.NewValidationError("confirmation required but no input is available; rerun with --yes", nil)
			}
			return false, fmt.Errorf("failed to read user input: %w", err)
		case input := <-inputChan:
			switch strings.ToLower(input) {
			case "y", "yes":
				return true, nil
			case "n", "no", "":
				fmt.Fprintln(cs.out, "Operation cancelled")
				return false, nil
			case "d", "details":
				cs.displayDetails(action)
			default:
				fmt.Fprintf(cs.out, "Invalid input '%s'. Please enter 'y' for yes or 'n' for no.\n", input)
			}
		}
	}
}

// DisplaySummary prints the action title, the summary and a warning for destructive actions
func (cs *confirmationService) DisplaySummary(action Action) {
	fmt.Fprintln(cs.out, cs.colors.Colorize(action.Title, cs.colors.Theme().Primary))
	fmt.Fprintln(cs.out, strings.Repeat("=", 50))
	for _, line := range action.Summary {
		fmt.Fprintln(cs.out, "  "+line)
	}
	if action.Destructive {
		fmt.Fprintln(cs.out)
		fmt.Fprintln(cs.out, cs.colors.Colorize("This operation overwrites or deletes data and cannot be undone.", cs.colors.Theme().Error))
	}
	fmt.Fprintln(cs.out)
}

func (cs *confirmationService) promptForConfirmation(withDetails bool) (string, error) {
	prompt := "Do you want to continue? [y/N]: "
	if withDetails {
		prompt = "Do you want to continue? [y/N/d]: "
	}
	fmt.Fprint(cs.out, prompt)

	input, err := cs.reader.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

func (cs *confirmationService) displayDetails(action Action) {
	fmt.Fprintln(cs.out, strings.Repeat("-", 50))
	for i, line := range action.Details {
		fmt.Fprintf(cs.out, "%3d. %s\n", i+1, line)
	}
	fmt.Fprintln(cs.out, strings.Repeat("-", 50))
}
