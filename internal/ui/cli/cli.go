// Package cli renders the results of training and test runs on the terminal.
package cli

import (
	"fmt"
	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/sentigo/internal/evaluator"
	"github.com/janpfeifer/sentigo/internal/trainer"
	"golang.org/x/term"
	"io"
	"os"
	"regexp"
	"strings"
)

var ansiFilter = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// displayWidth of s removes its color/control sequences and returns the number of runes left.
func displayWidth(s string) int {
	return len([]rune(ansiFilter.ReplaceAllString(s, "")))
}

// printCentered writes block to w, centered on a terminal of the given width.
func printCentered(w io.Writer, block string, terminalWidth int) {
	lines := strings.Split(block, "\n")
	blockWidth := 0
	for _, line := range lines {
		blockWidth = max(blockWidth, displayWidth(line))
	}
	indent := max((terminalWidth-blockWidth)/2, 0)
	for _, line := range lines {
		if len(line) == 0 {
			_, _ = fmt.Fprintln(w)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s%s\n", strings.Repeat(" ", indent), line)
	}
}

func stdoutWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return width
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	bestStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("13")).
			Padding(0, 2)
)

// RenderSummary of a training run: one line per epoch, with the best epoch highlighted, and
// the test result of the best checkpoint.
func RenderSummary(summary *trainer.Summary) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("%5s  %10s  %10s  %8s", "Epoch", "Train loss", "Val loss", "Val acc")))
	for _, report := range summary.Epochs {
		line := fmt.Sprintf("%5d  %10.4f  %10.4f  %7.2f%%", report.Epoch, report.TrainLoss,
			report.Validation.Loss, 100*report.Validation.Accuracy)
		if report.Epoch == summary.Best.Epoch {
			line = bestStyle.Render(line + " *")
		}
		sb.WriteString("\n")
		sb.WriteString(line)
	}
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("Best epoch: %d (validation loss %.4f)\n", summary.Best.Epoch, summary.Best.Loss))
	sb.WriteString(fmt.Sprintf("Checkpoint: %s\n", summary.BestDir))
	sb.WriteString(renderTest(summary.Test))
	return boxStyle.Render(sb.String())
}

func renderTest(result evaluator.Result) string {
	return fmt.Sprintf("Test (%s, %d examples): accuracy %.2f%%, loss %.4f",
		result.Split, result.NumExamples, 100*result.Accuracy, result.Loss)
}

// RenderTest renders the result of a test run.
func RenderTest(result evaluator.Result) string {
	return boxStyle.Render(renderTest(result))
}

// PrintSummary prints the summary of a training run centered on stdout.
func PrintSummary(summary *trainer.Summary) {
	fmt.Println()
	printCentered(os.Stdout, RenderSummary(summary), stdoutWidth())
	fmt.Println()
}

// PrintTest prints the result of a test run centered on stdout.
func PrintTest(result evaluator.Result) {
	fmt.Println()
	printCentered(os.Stdout, RenderTest(result), stdoutWidth())
	fmt.Println()
}
