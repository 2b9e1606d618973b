package suiterunner

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/op-suite-runner/types"
)

// VerdictFormatter displays execution verdicts.
type VerdictFormatter interface {
	FormatVerdict(verdict *types.Verdict) error
}

// ConsoleVerdictFormatter renders a verdict as a table.
type ConsoleVerdictFormatter struct {
	logger log.Logger
	out    io.Writer
}

// NewConsoleVerdictFormatter creates a formatter writing to out, or stdout when out is nil.
func NewConsoleVerdictFormatter(logger log.Logger, out io.Writer) *ConsoleVerdictFormatter {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleVerdictFormatter{
		logger: logger,
		out:    out,
	}
}

func (f *ConsoleVerdictFormatter) FormatVerdict(verdict *types.Verdict) error {
	if verdict == nil {
		return fmt.Errorf("no verdict to format")
	}
	f.logger.Debug("Printing verdict", "correlation_id", verdict.CorrelationID)

	t := table.NewWriter()
	t.SetOutputMirror(f.out)
	t.SetTitle(fmt.Sprintf("Suite Runner Results %s (%s)", verdict.CorrelationID, formatDuration(verdict.Duration())))

	t.AppendHeader(table.Row{
		"Sub-Suite", "Suite", "Environment", "Activities", "Duration", "State", "Outcome", "Cause",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Sub-Suite", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Suite", AutoMerge: true},
		{Name: "Activities", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Cause", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, sub := range verdict.SubSuites {
		env := sub.Environment
		if env == "" {
			env = "-"
		}
		t.AppendRow(table.Row{
			sub.ID,
			sub.Suite,
			env,
			sub.Activities,
			formatDuration(sub.Duration),
			string(sub.State),
			getOutcomeString(sub.Outcome),
			sub.Cause,
		})
	}

	switch verdict.Label {
	case types.VerdictPassed:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case types.VerdictFailed:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		fmt.Sprintf("%d sub-suites", len(verdict.SubSuites)),
		"",
		"",
		formatDuration(verdict.Duration()),
		verdict.Label,
		getOutcomeString(verdict.Outcome),
		verdict.Description,
	})

	t.Render()
	return nil
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func getOutcomeString(outcome types.Outcome) string {
	switch outcome {
	case types.OutcomeSuccess:
		return "✓ success"
	case types.OutcomeFailure:
		return "✗ failure"
	case types.OutcomeTimeout:
		return "⏱ timeout"
	case types.OutcomeAborted:
		return "- aborted"
	default:
		return "! error"
	}
}
